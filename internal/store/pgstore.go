package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/covenant/model"
)

//go:embed schema.sql
var schemaSQL string

// SQLSTATE codes mapped to domain errors.
const (
	pgUniqueViolation = "23505"
	pgImmutableRecord = "CV001"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate applies the embedded schema. It is safe to run repeatedly.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunInTx runs fn inside a read-committed transaction.
func (s *PgStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

type scanner interface {
	Scan(dest ...any) error
}

func collect[T any](rows pgx.Rows, err error, scan func(scanner) (T, error)) ([]T, error) {
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (T, error) {
		return scan(row)
	})
}

// mapError converts database errors into domain errors.
func mapError(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgImmutableRecord:
			return model.NewImmutableRecordError("audit")
		case pgUniqueViolation:
			return model.NewConflictError(fmt.Sprintf("%s: duplicate record", op))
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func rowNotFound(err error, kind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(kind, id)
	}
	return fmt.Errorf("query %s: %w", kind, err)
}

// --- contracts ---

const contractColumns = `id, title, storage_path, workflow_state, signing_status, initiator_email, created_at, updated_at`

func scanContract(row scanner) (model.Contract, error) {
	var c model.Contract
	err := row.Scan(&c.ID, &c.Title, &c.StoragePath, &c.WorkflowState, &c.SigningStatus,
		&c.InitiatorEmail, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (t *pgTx) PutContract(ctx context.Context, c model.Contract) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO contracts (`+contractColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			storage_path = EXCLUDED.storage_path,
			workflow_state = EXCLUDED.workflow_state,
			signing_status = EXCLUDED.signing_status,
			initiator_email = EXCLUDED.initiator_email,
			updated_at = EXCLUDED.updated_at`,
		c.ID, c.Title, c.StoragePath, c.WorkflowState, c.SigningStatus, c.InitiatorEmail, c.CreatedAt, now,
	)
	if err != nil {
		return mapError(err, "upsert contract")
	}
	return nil
}

func (t *pgTx) GetContract(ctx context.Context, id string) (model.Contract, error) {
	c, err := scanContract(t.tx.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id))
	if err != nil {
		return model.Contract{}, rowNotFound(err, "contract", id)
	}
	return c, nil
}

// LockContract takes a transaction-scoped advisory lock on the contract ID
// before locking the row, so callers racing to create dependent rows for
// the same contract are serialized even when no dependent row exists yet.
func (t *pgTx) LockContract(ctx context.Context, id string) (model.Contract, error) {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, id); err != nil {
		return model.Contract{}, fmt.Errorf("advisory lock contract %q: %w", id, err)
	}
	c, err := scanContract(t.tx.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return model.Contract{}, rowNotFound(err, "contract", id)
	}
	return c, nil
}

func (t *pgTx) SetContractWorkflowState(ctx context.Context, id, state string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE contracts SET workflow_state = $1, updated_at = $2 WHERE id = $3`,
		state, time.Now().UTC(), id)
	if err != nil {
		return mapError(err, "update contract workflow state")
	}
	if tag.RowsAffected() == 0 {
		return notFound("contract", id)
	}
	return nil
}

func (t *pgTx) SetContractSigningStatus(ctx context.Context, id, status string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE contracts SET signing_status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id)
	if err != nil {
		return mapError(err, "update contract signing status")
	}
	if tag.RowsAffected() == 0 {
		return notFound("contract", id)
	}
	return nil
}

// --- templates ---

const templateColumns = `id, name, contract_type, stages, status, version, published_at, created_by, created_at, updated_at`

func scanTemplate(row scanner) (model.WorkflowTemplate, error) {
	var tpl model.WorkflowTemplate
	var stagesJSON []byte
	if err := row.Scan(&tpl.ID, &tpl.Name, &tpl.ContractType, &stagesJSON, &tpl.Status, &tpl.Version,
		&tpl.PublishedAt, &tpl.CreatedBy, &tpl.CreatedAt, &tpl.UpdatedAt); err != nil {
		return model.WorkflowTemplate{}, err
	}
	if err := json.Unmarshal(stagesJSON, &tpl.Stages); err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("unmarshal stages: %w", err)
	}
	return tpl, nil
}

func (t *pgTx) CreateTemplate(ctx context.Context, tpl model.WorkflowTemplate) error {
	stagesJSON, err := json.Marshal(tpl.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO workflow_templates (`+templateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		tpl.ID, tpl.Name, tpl.ContractType, stagesJSON, tpl.Status, tpl.Version,
		tpl.PublishedAt, tpl.CreatedBy, tpl.CreatedAt, tpl.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "insert workflow template")
	}
	return nil
}

func (t *pgTx) GetTemplate(ctx context.Context, id string) (model.WorkflowTemplate, error) {
	tpl, err := scanTemplate(t.tx.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM workflow_templates WHERE id = $1`, id))
	if err != nil {
		return model.WorkflowTemplate{}, rowNotFound(err, "workflow template", id)
	}
	return tpl, nil
}

func (t *pgTx) GetTemplateForUpdate(ctx context.Context, id string) (model.WorkflowTemplate, error) {
	tpl, err := scanTemplate(t.tx.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM workflow_templates WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return model.WorkflowTemplate{}, rowNotFound(err, "workflow template", id)
	}
	return tpl, nil
}

func (t *pgTx) UpdateTemplate(ctx context.Context, tpl model.WorkflowTemplate) error {
	stagesJSON, err := json.Marshal(tpl.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE workflow_templates SET
			name = $1, contract_type = $2, stages = $3, status = $4,
			version = $5, published_at = $6, updated_at = $7
		WHERE id = $8`,
		tpl.Name, tpl.ContractType, stagesJSON, tpl.Status,
		tpl.Version, tpl.PublishedAt, tpl.UpdatedAt, tpl.ID,
	)
	if err != nil {
		return mapError(err, "update workflow template")
	}
	if tag.RowsAffected() == 0 {
		return notFound("workflow template", tpl.ID)
	}
	return nil
}

func (t *pgTx) ListTemplates(ctx context.Context) ([]model.WorkflowTemplate, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+templateColumns+` FROM workflow_templates ORDER BY created_at`)
	out, err := collect(rows, err, scanTemplate)
	if err != nil {
		return nil, fmt.Errorf("list workflow templates: %w", err)
	}
	return out, nil
}

func (t *pgTx) CreateTemplateVersion(ctx context.Context, v model.TemplateVersion) error {
	stagesJSON, err := json.Marshal(v.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO workflow_template_versions (template_id, version, stages, published_at)
		VALUES ($1, $2, $3, $4)`,
		v.TemplateID, v.Version, stagesJSON, v.PublishedAt,
	)
	if err != nil {
		return mapError(err, "insert template version")
	}
	return nil
}

func (t *pgTx) GetTemplateVersion(ctx context.Context, templateID string, version int) (model.TemplateVersion, error) {
	v := model.TemplateVersion{TemplateID: templateID, Version: version}
	var stagesJSON []byte
	err := t.tx.QueryRow(ctx, `
		SELECT stages, published_at FROM workflow_template_versions
		WHERE template_id = $1 AND version = $2`,
		templateID, version,
	).Scan(&stagesJSON, &v.PublishedAt)
	if err != nil {
		return model.TemplateVersion{}, rowNotFound(err, "template version", versionKey(templateID, version))
	}
	if err := json.Unmarshal(stagesJSON, &v.Stages); err != nil {
		return model.TemplateVersion{}, fmt.Errorf("unmarshal stages: %w", err)
	}
	return v, nil
}

// --- instances ---

const instanceColumns = `id, contract_id, template_id, template_version, current_stage, state, started_by, started_at, completed_at`

func scanInstance(row scanner) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	err := row.Scan(&inst.ID, &inst.ContractID, &inst.TemplateID, &inst.TemplateVersion,
		&inst.CurrentStage, &inst.State, &inst.StartedBy, &inst.StartedAt, &inst.CompletedAt)
	return inst, err
}

func (t *pgTx) CreateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		inst.ID, inst.ContractID, inst.TemplateID, inst.TemplateVersion,
		inst.CurrentStage, inst.State, inst.StartedBy, inst.StartedAt, inst.CompletedAt,
	)
	if isUniqueViolation(err) {
		return model.NewAlreadyActiveError(inst.ContractID)
	}
	if err != nil {
		return mapError(err, "insert workflow instance")
	}
	return nil
}

func (t *pgTx) GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	inst, err := scanInstance(t.tx.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id))
	if err != nil {
		return model.WorkflowInstance{}, rowNotFound(err, "workflow instance", id)
	}
	return inst, nil
}

func (t *pgTx) GetInstanceForUpdate(ctx context.Context, id string) (model.WorkflowInstance, error) {
	inst, err := scanInstance(t.tx.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return model.WorkflowInstance{}, rowNotFound(err, "workflow instance", id)
	}
	return inst, nil
}

func (t *pgTx) UpdateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE workflow_instances SET current_stage = $1, state = $2, completed_at = $3
		WHERE id = $4`,
		inst.CurrentStage, inst.State, inst.CompletedAt, inst.ID,
	)
	if err != nil {
		return mapError(err, "update workflow instance")
	}
	if tag.RowsAffected() == 0 {
		return notFound("workflow instance", inst.ID)
	}
	return nil
}

func (t *pgTx) FindActiveInstance(ctx context.Context, contractID string) (model.WorkflowInstance, bool, error) {
	inst, err := scanInstance(t.tx.QueryRow(ctx, `
		SELECT `+instanceColumns+` FROM workflow_instances
		WHERE contract_id = $1 AND state = 'active'
		FOR UPDATE`, contractID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, false, nil
	}
	if err != nil {
		return model.WorkflowInstance{}, false, fmt.Errorf("query active workflow instance: %w", err)
	}
	return inst, true, nil
}

func (t *pgTx) ListActiveInstances(ctx context.Context, afterID string, limit int) ([]model.WorkflowInstance, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+instanceColumns+` FROM workflow_instances
		WHERE state = 'active' AND id > $1
		ORDER BY id
		LIMIT $2`, afterID, limit)
	out, err := collect(rows, err, scanInstance)
	if err != nil {
		return nil, fmt.Errorf("list active workflow instances: %w", err)
	}
	return out, nil
}

const stageActionColumns = `id, workflow_instance_id, stage_name, action, actor_id, actor_email, comment, created_at`

func scanStageAction(row scanner) (model.WorkflowStageAction, error) {
	var a model.WorkflowStageAction
	var action string
	err := row.Scan(&a.ID, &a.InstanceID, &a.StageName, &action, &a.ActorID, &a.ActorEmail, &a.Comment, &a.CreatedAt)
	a.Action = model.Action(action)
	return a, err
}

func (t *pgTx) AppendStageAction(ctx context.Context, a model.WorkflowStageAction) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO workflow_stage_actions (`+stageActionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.InstanceID, a.StageName, string(a.Action), a.ActorID, a.ActorEmail, a.Comment, a.CreatedAt,
	)
	if err != nil {
		return mapError(err, "insert stage action")
	}
	return nil
}

func (t *pgTx) ListStageActions(ctx context.Context, instanceID string) ([]model.WorkflowStageAction, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+stageActionColumns+` FROM workflow_stage_actions
		WHERE workflow_instance_id = $1
		ORDER BY created_at, id`, instanceID)
	out, err := collect(rows, err, scanStageAction)
	if err != nil {
		return nil, fmt.Errorf("list stage actions: %w", err)
	}
	return out, nil
}

func (t *pgTx) LastStageAction(ctx context.Context, instanceID string) (model.WorkflowStageAction, bool, error) {
	a, err := scanStageAction(t.tx.QueryRow(ctx, `
		SELECT `+stageActionColumns+` FROM workflow_stage_actions
		WHERE workflow_instance_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, instanceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowStageAction{}, false, nil
	}
	if err != nil {
		return model.WorkflowStageAction{}, false, fmt.Errorf("query last stage action: %w", err)
	}
	return a, true, nil
}
