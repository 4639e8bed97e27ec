package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitabwire/covenant/model"
)

// --- escalations ---

const ruleColumns = `id, workflow_template_id, stage_name, tier, sla_breach_hours, escalate_to_role, escalate_to_user, created_at`

func scanRule(row scanner) (model.EscalationRule, error) {
	var r model.EscalationRule
	err := row.Scan(&r.ID, &r.TemplateID, &r.StageName, &r.Tier, &r.SLABreachHours,
		&r.EscalateToRole, &r.EscalateToUser, &r.CreatedAt)
	return r, err
}

func (t *pgTx) CreateEscalationRule(ctx context.Context, r model.EscalationRule) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO escalation_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.TemplateID, r.StageName, r.Tier, r.SLABreachHours, r.EscalateToRole, r.EscalateToUser, r.CreatedAt,
	)
	if err != nil {
		return mapError(err, "insert escalation rule")
	}
	return nil
}

func (t *pgTx) ListEscalationRules(ctx context.Context, templateID string) ([]model.EscalationRule, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+ruleColumns+` FROM escalation_rules
		WHERE workflow_template_id = $1
		ORDER BY tier, id`, templateID)
	out, err := collect(rows, err, scanRule)
	if err != nil {
		return nil, fmt.Errorf("list escalation rules: %w", err)
	}
	return out, nil
}

const eventColumns = `id, workflow_instance_id, rule_id, contract_id, stage_name, tier, escalated_at, resolved_at, resolved_by`

func scanEvent(row scanner) (model.EscalationEvent, error) {
	var e model.EscalationEvent
	err := row.Scan(&e.ID, &e.InstanceID, &e.RuleID, &e.ContractID, &e.StageName, &e.Tier,
		&e.EscalatedAt, &e.ResolvedAt, &e.ResolvedBy)
	return e, err
}

func (t *pgTx) HasUnresolvedEscalation(ctx context.Context, instanceID, ruleID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM escalation_events
			WHERE workflow_instance_id = $1 AND rule_id = $2 AND resolved_at IS NULL
		)`, instanceID, ruleID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query unresolved escalation: %w", err)
	}
	return exists, nil
}

func (t *pgTx) CreateEscalationEvent(ctx context.Context, e model.EscalationEvent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO escalation_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.InstanceID, e.RuleID, e.ContractID, e.StageName, e.Tier, e.EscalatedAt, e.ResolvedAt, e.ResolvedBy,
	)
	if err != nil {
		return mapError(err, "insert escalation event")
	}
	return nil
}

func (t *pgTx) GetEscalationEventForUpdate(ctx context.Context, id string) (model.EscalationEvent, error) {
	e, err := scanEvent(t.tx.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM escalation_events WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return model.EscalationEvent{}, rowNotFound(err, "escalation event", id)
	}
	return e, nil
}

func (t *pgTx) ResolveEscalationEvent(ctx context.Context, id, resolvedBy string, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE escalation_events SET resolved_at = $1, resolved_by = $2 WHERE id = $3`,
		at, resolvedBy, id)
	if err != nil {
		return mapError(err, "resolve escalation event")
	}
	if tag.RowsAffected() == 0 {
		return notFound("escalation event", id)
	}
	return nil
}

func (t *pgTx) ListEscalationEvents(ctx context.Context, filter model.EscalationFilter) ([]model.EscalationEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM escalation_events WHERE TRUE`
	var args []any
	if filter.ContractID != "" {
		args = append(args, filter.ContractID)
		query += fmt.Sprintf(" AND contract_id = $%d", len(args))
	}
	if filter.UnresolvedOnly {
		query += " AND resolved_at IS NULL"
	}
	query += " ORDER BY escalated_at"

	rows, err := t.tx.Query(ctx, query, args...)
	out, err := collect(rows, err, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("list escalation events: %w", err)
	}
	return out, nil
}

// --- audit ---

func marshalDetails(details map[string]any) ([]byte, error) {
	if details == nil {
		return nil, nil
	}
	return json.Marshal(details)
}

func unmarshalDetails(raw []byte) map[string]any {
	if raw == nil {
		return nil
	}
	var details map[string]any
	_ = json.Unmarshal(raw, &details)
	return details
}

const auditColumns = `id, action, resource_type, resource_id, details, actor_id, actor_email, ip_address, at`

func scanAudit(row scanner) (model.AuditEntry, error) {
	var e model.AuditEntry
	var details []byte
	err := row.Scan(&e.ID, &e.Action, &e.ResourceType, &e.ResourceID, &details,
		&e.ActorID, &e.ActorEmail, &e.IPAddress, &e.At)
	e.Details = unmarshalDetails(details)
	return e, err
}

func (t *pgTx) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	details, err := marshalDetails(e.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO audit_logs (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Action, e.ResourceType, e.ResourceID, details, e.ActorID, e.ActorEmail, e.IPAddress, e.At,
	)
	if err != nil {
		return mapError(err, "insert audit entry")
	}
	return nil
}

func (t *pgTx) ListAudit(ctx context.Context, resourceType, resourceID string) ([]model.AuditEntry, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+auditColumns+` FROM audit_logs
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY at, id`, resourceType, resourceID)
	out, err := collect(rows, err, scanAudit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return out, nil
}

// UpdateAuditEntry is rejected by the audit_logs_immutable trigger. The
// error is returned even when no row matched.
func (t *pgTx) UpdateAuditEntry(ctx context.Context, e model.AuditEntry) error {
	if _, err := t.tx.Exec(ctx, `UPDATE audit_logs SET action = $1 WHERE id = $2`, e.Action, e.ID); err != nil {
		return mapError(err, "update audit entry")
	}
	return model.NewImmutableRecordError("audit")
}

func (t *pgTx) DeleteAuditEntry(ctx context.Context, id string) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM audit_logs WHERE id = $1`, id); err != nil {
		return mapError(err, "delete audit entry")
	}
	return model.NewImmutableRecordError("audit")
}

const signingAuditColumns = `id, signing_session_id, signer_id, event, details, ip_address, user_agent, created_at`

func scanSigningAudit(row scanner) (model.SigningAuditEntry, error) {
	var e model.SigningAuditEntry
	var details []byte
	err := row.Scan(&e.ID, &e.SessionID, &e.SignerID, &e.Event, &details, &e.IPAddress, &e.UserAgent, &e.CreatedAt)
	e.Details = unmarshalDetails(details)
	return e, err
}

func (t *pgTx) AppendSigningAudit(ctx context.Context, e model.SigningAuditEntry) error {
	details, err := marshalDetails(e.Details)
	if err != nil {
		return fmt.Errorf("marshal signing audit details: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO signing_audit_logs (`+signingAuditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.SessionID, e.SignerID, e.Event, details, e.IPAddress, e.UserAgent, e.CreatedAt,
	)
	if err != nil {
		return mapError(err, "insert signing audit entry")
	}
	return nil
}

func (t *pgTx) ListSigningAudit(ctx context.Context, sessionID string) ([]model.SigningAuditEntry, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+signingAuditColumns+` FROM signing_audit_logs
		WHERE signing_session_id = $1
		ORDER BY created_at, id`, sessionID)
	out, err := collect(rows, err, scanSigningAudit)
	if err != nil {
		return nil, fmt.Errorf("list signing audit entries: %w", err)
	}
	return out, nil
}

func (t *pgTx) UpdateSigningAuditEntry(ctx context.Context, e model.SigningAuditEntry) error {
	if _, err := t.tx.Exec(ctx, `UPDATE signing_audit_logs SET event = $1 WHERE id = $2`, e.Event, e.ID); err != nil {
		return mapError(err, "update signing audit entry")
	}
	return model.NewImmutableRecordError("signing audit")
}

func (t *pgTx) DeleteSigningAuditEntry(ctx context.Context, id string) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM signing_audit_logs WHERE id = $1`, id); err != nil {
		return mapError(err, "delete signing audit entry")
	}
	return model.NewImmutableRecordError("signing audit")
}

// --- sessions ---

const sessionColumns = `id, contract_id, initiated_by, initiator_email, signing_order, status, document_hash,
	final_storage_path, final_document_hash, certificate_path, require_all_pages_viewed,
	require_page_initials, expires_at, completed_at, created_at`

func scanSession(row scanner) (model.SigningSession, error) {
	var s model.SigningSession
	err := row.Scan(&s.ID, &s.ContractID, &s.InitiatedBy, &s.InitiatorEmail, &s.SigningOrder, &s.Status,
		&s.DocumentHash, &s.FinalStoragePath, &s.FinalDocumentHash, &s.CertificatePath,
		&s.RequireAllPagesViewed, &s.RequirePageInitials, &s.ExpiresAt, &s.CompletedAt, &s.CreatedAt)
	return s, err
}

func (t *pgTx) CreateSession(ctx context.Context, s model.SigningSession) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO signing_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		s.ID, s.ContractID, s.InitiatedBy, s.InitiatorEmail, s.SigningOrder, s.Status, s.DocumentHash,
		s.FinalStoragePath, s.FinalDocumentHash, s.CertificatePath, s.RequireAllPagesViewed,
		s.RequirePageInitials, s.ExpiresAt, s.CompletedAt, s.CreatedAt,
	)
	if err != nil {
		return mapError(err, "insert signing session")
	}
	return nil
}

func (t *pgTx) GetSession(ctx context.Context, id string) (model.SigningSession, error) {
	s, err := scanSession(t.tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM signing_sessions WHERE id = $1`, id))
	if err != nil {
		return model.SigningSession{}, rowNotFound(err, "signing session", id)
	}
	return s, nil
}

func (t *pgTx) GetSessionForUpdate(ctx context.Context, id string) (model.SigningSession, error) {
	s, err := scanSession(t.tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM signing_sessions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return model.SigningSession{}, rowNotFound(err, "signing session", id)
	}
	return s, nil
}

func (t *pgTx) UpdateSession(ctx context.Context, s model.SigningSession) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE signing_sessions SET
			status = $1, final_storage_path = $2, final_document_hash = $3,
			certificate_path = $4, completed_at = $5, expires_at = $6
		WHERE id = $7`,
		s.Status, s.FinalStoragePath, s.FinalDocumentHash, s.CertificatePath, s.CompletedAt, s.ExpiresAt, s.ID,
	)
	if err != nil {
		return mapError(err, "update signing session")
	}
	if tag.RowsAffected() == 0 {
		return notFound("signing session", s.ID)
	}
	return nil
}

func (t *pgTx) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]model.SigningSession, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+sessionColumns+` FROM signing_sessions
		WHERE status = 'active' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	out, err := collect(rows, err, scanSession)
	if err != nil {
		return nil, fmt.Errorf("list expired signing sessions: %w", err)
	}
	return out, nil
}

// --- signers ---

const signerColumns = `id, signing_session_id, signer_name, signer_email, signer_type, signing_order, status,
	token_hash, token_expires_at, sent_at, viewed_at, signed_at, last_reminded_at,
	signature_image_path, signature_method, ip_address, user_agent`

func scanSigner(row scanner) (model.SigningSessionSigner, error) {
	var s model.SigningSessionSigner
	var status string
	var tokenHash *string
	err := row.Scan(&s.ID, &s.SessionID, &s.SignerName, &s.SignerEmail, &s.SignerType, &s.SigningOrder, &status,
		&tokenHash, &s.TokenExpiresAt, &s.SentAt, &s.ViewedAt, &s.SignedAt, &s.LastRemindedAt,
		&s.SignatureImagePath, &s.SignatureMethod, &s.IPAddress, &s.UserAgent)
	s.Status = model.SignerStatus(status)
	s.TokenHash = derefString(tokenHash)
	return s, err
}

// qualifiedSignerColumns is signerColumns prefixed for joins.
const qualifiedSignerColumns = `s.id, s.signing_session_id, s.signer_name, s.signer_email, s.signer_type,
	s.signing_order, s.status, s.token_hash, s.token_expires_at, s.sent_at, s.viewed_at, s.signed_at,
	s.last_reminded_at, s.signature_image_path, s.signature_method, s.ip_address, s.user_agent`

func (t *pgTx) CreateSigner(ctx context.Context, s model.SigningSessionSigner) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO signing_session_signers (`+signerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		s.ID, s.SessionID, s.SignerName, s.SignerEmail, s.SignerType, s.SigningOrder, string(s.Status),
		nullString(s.TokenHash), s.TokenExpiresAt, s.SentAt, s.ViewedAt, s.SignedAt, s.LastRemindedAt,
		s.SignatureImagePath, s.SignatureMethod, s.IPAddress, s.UserAgent,
	)
	if err != nil {
		return mapError(err, "insert signer")
	}
	return nil
}

func (t *pgTx) GetSigner(ctx context.Context, id string) (model.SigningSessionSigner, error) {
	s, err := scanSigner(t.tx.QueryRow(ctx,
		`SELECT `+signerColumns+` FROM signing_session_signers WHERE id = $1`, id))
	if err != nil {
		return model.SigningSessionSigner{}, rowNotFound(err, "signer", id)
	}
	return s, nil
}

func (t *pgTx) GetSignerByTokenHash(ctx context.Context, hash string) (model.SigningSessionSigner, error) {
	s, err := scanSigner(t.tx.QueryRow(ctx,
		`SELECT `+signerColumns+` FROM signing_session_signers WHERE token_hash = $1`, hash))
	if err != nil {
		return model.SigningSessionSigner{}, rowNotFound(err, "signer", "by token")
	}
	return s, nil
}

func (t *pgTx) UpdateSigner(ctx context.Context, s model.SigningSessionSigner) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE signing_session_signers SET
			status = $1, token_hash = $2, token_expires_at = $3, sent_at = $4, viewed_at = $5,
			signed_at = $6, last_reminded_at = $7, signature_image_path = $8, signature_method = $9,
			ip_address = $10, user_agent = $11
		WHERE id = $12`,
		string(s.Status), nullString(s.TokenHash), s.TokenExpiresAt, s.SentAt, s.ViewedAt,
		s.SignedAt, s.LastRemindedAt, s.SignatureImagePath, s.SignatureMethod,
		s.IPAddress, s.UserAgent, s.ID,
	)
	if err != nil {
		return mapError(err, "update signer")
	}
	if tag.RowsAffected() == 0 {
		return notFound("signer", s.ID)
	}
	return nil
}

func (t *pgTx) ListSigners(ctx context.Context, sessionID string) ([]model.SigningSessionSigner, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+signerColumns+` FROM signing_session_signers
		WHERE signing_session_id = $1
		ORDER BY signing_order`, sessionID)
	out, err := collect(rows, err, scanSigner)
	if err != nil {
		return nil, fmt.Errorf("list signers: %w", err)
	}
	return out, nil
}

func (t *pgTx) ListSignersAwaitingReminder(ctx context.Context, cutoff time.Time, limit int) ([]model.SigningSessionSigner, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+qualifiedSignerColumns+`
		FROM signing_session_signers s
		JOIN signing_sessions ss ON ss.id = s.signing_session_id
		WHERE ss.status = 'active'
		  AND s.status IN ('sent', 'viewed')
		  AND COALESCE(s.last_reminded_at, s.sent_at) < $1
		ORDER BY s.id
		LIMIT $2`, cutoff, limit)
	out, err := collect(rows, err, scanSigner)
	if err != nil {
		return nil, fmt.Errorf("list signers awaiting reminder: %w", err)
	}
	return out, nil
}

// --- fields ---

const fieldColumns = `id, signing_session_id, assigned_to_signer_id, field_type, label, page_number,
	x_position, y_position, width, height, is_required, value, filled_at`

func scanField(row scanner) (model.SigningField, error) {
	var f model.SigningField
	err := row.Scan(&f.ID, &f.SessionID, &f.AssignedSignerID, &f.FieldType, &f.Label, &f.Page,
		&f.X, &f.Y, &f.Width, &f.Height, &f.Required, &f.Value, &f.FilledAt)
	return f, err
}

func (t *pgTx) CreateField(ctx context.Context, f model.SigningField) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO signing_fields (`+fieldColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		f.ID, f.SessionID, f.AssignedSignerID, f.FieldType, f.Label, f.Page,
		f.X, f.Y, f.Width, f.Height, f.Required, f.Value, f.FilledAt,
	)
	if err != nil {
		return mapError(err, "insert signing field")
	}
	return nil
}

func (t *pgTx) ListFields(ctx context.Context, sessionID string) ([]model.SigningField, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+fieldColumns+` FROM signing_fields
		WHERE signing_session_id = $1
		ORDER BY page_number, id`, sessionID)
	out, err := collect(rows, err, scanField)
	if err != nil {
		return nil, fmt.Errorf("list signing fields: %w", err)
	}
	return out, nil
}

func (t *pgTx) UpdateField(ctx context.Context, f model.SigningField) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE signing_fields SET value = $1, filled_at = $2 WHERE id = $3`,
		f.Value, f.FilledAt, f.ID)
	if err != nil {
		return mapError(err, "update signing field")
	}
	if tag.RowsAffected() == 0 {
		return notFound("signing field", f.ID)
	}
	return nil
}
