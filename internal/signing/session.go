package signing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/covenant/internal/observability"
	"github.com/pitabwire/covenant/internal/sealer"
	"github.com/pitabwire/covenant/internal/store"
	"github.com/pitabwire/covenant/internal/validate"
	"github.com/pitabwire/covenant/model"
)

// SignerInput describes one party to invite. Order is the signer's rank in a
// sequential session; when nil the signer's position in the list is used.
type SignerInput struct {
	Name  string `json:"name" validate:"required,max=255"`
	Email string `json:"email" validate:"required,email"`
	Type  string `json:"type,omitempty" validate:"omitempty,oneof=internal external"`
	Order *int   `json:"order,omitempty" validate:"omitempty,min=0"`
}

// FieldInput positions a field on the document. Signer is the index of the
// assigned signer in SessionInput.Signers.
type FieldInput struct {
	Signer    int     `json:"signer" validate:"min=0"`
	FieldType string  `json:"field_type" validate:"required,oneof=signature initials text date checkbox dropdown"`
	Label     string  `json:"label,omitempty"`
	Page      int     `json:"page_number" validate:"min=1"`
	X         float64 `json:"x_position" validate:"min=0"`
	Y         float64 `json:"y_position" validate:"min=0"`
	Width     float64 `json:"width" validate:"gt=0"`
	Height    float64 `json:"height" validate:"gt=0"`
	Required  bool    `json:"is_required"`
}

// SessionInput is everything needed to open a signing session.
type SessionInput struct {
	ContractID            string        `json:"contract_id" validate:"required"`
	Signers               []SignerInput `json:"signers" validate:"required,min=1,dive"`
	SigningOrder          string        `json:"signing_order,omitempty" validate:"omitempty,oneof=sequential parallel"`
	RequireAllPagesViewed bool          `json:"require_all_pages_viewed"`
	RequirePageInitials   bool          `json:"require_page_initials"`
	Fields                []FieldInput  `json:"fields,omitempty" validate:"dive"`
}

func validateSession(in SessionInput) error {
	if err := validate.Struct(in); err != nil {
		return err
	}
	ranks := make(map[int]bool, len(in.Signers))
	for i, s := range in.Signers {
		r := rank(s, i)
		if ranks[r] {
			return validate.Field(fmt.Sprintf("signers[%d].order", i), "UNIQUE",
				fmt.Sprintf("signing order %d is used by more than one signer", r))
		}
		ranks[r] = true
	}
	for i, f := range in.Fields {
		if f.Signer >= len(in.Signers) {
			return validate.Field(fmt.Sprintf("fields[%d].signer", i), "UNKNOWN_SIGNER",
				fmt.Sprintf("no signer at index %d", f.Signer))
		}
	}
	return nil
}

func rank(s SignerInput, index int) int {
	if s.Order != nil {
		return *s.Order
	}
	return index
}

// CreateSession opens a signing session on the contract's current document.
// The document hash is captured at creation. Parallel sessions invite every
// signer immediately; sequential sessions start with AdvanceSession.
func (e *Engine) CreateSession(ctx context.Context, actor model.Actor, in SessionInput) (_ model.SigningSession, err error) {
	ctx, span := observability.StartSpan(ctx, "signing.create_session",
		observability.AttrContractID.String(in.ContractID),
		observability.AttrActorID.String(actor.ID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if in.SigningOrder == "" {
		in.SigningOrder = model.SigningOrderSequential
	}
	if err := validateSession(in); err != nil {
		return model.SigningSession{}, err
	}

	now := e.now().UTC()
	client := clientOf(actor)
	var (
		sess    model.SigningSession
		invites []model.Notification
	)
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		contract, err := tx.LockContract(ctx, in.ContractID)
		if err != nil {
			return err
		}
		if contract.StoragePath == "" {
			return validate.Field("contract_id", "NO_DOCUMENT",
				fmt.Sprintf("contract %q has no document to sign", contract.ID))
		}
		source, err := e.docs.Read(ctx, contract.StoragePath)
		if err != nil {
			return err
		}

		initiatorEmail := actor.Email
		if initiatorEmail == "" {
			initiatorEmail = contract.InitiatorEmail
		}
		sess = model.SigningSession{
			ID:                    uuid.New().String(),
			ContractID:            contract.ID,
			InitiatedBy:           actor.ID,
			InitiatorEmail:        initiatorEmail,
			SigningOrder:          in.SigningOrder,
			Status:                model.SessionStatusActive,
			DocumentHash:          sealer.HashHex(source),
			RequireAllPagesViewed: in.RequireAllPagesViewed,
			RequirePageInitials:   in.RequirePageInitials,
			ExpiresAt:             now.Add(e.sessionTTL),
			CreatedAt:             now,
		}
		if err := tx.CreateSession(ctx, sess); err != nil {
			return err
		}

		signers := make([]model.SigningSessionSigner, len(in.Signers))
		for i, s := range in.Signers {
			kind := s.Type
			if kind == "" {
				kind = model.SignerTypeExternal
			}
			signers[i] = model.SigningSessionSigner{
				ID:           uuid.New().String(),
				SessionID:    sess.ID,
				SignerName:   s.Name,
				SignerEmail:  s.Email,
				SignerType:   kind,
				SigningOrder: rank(s, i),
				Status:       model.SignerPending,
			}
			if err := tx.CreateSigner(ctx, signers[i]); err != nil {
				return err
			}
		}
		for _, f := range in.Fields {
			if err := tx.CreateField(ctx, model.SigningField{
				ID:               uuid.New().String(),
				SessionID:        sess.ID,
				AssignedSignerID: signers[f.Signer].ID,
				FieldType:        f.FieldType,
				Label:            f.Label,
				Page:             f.Page,
				X:                f.X,
				Y:                f.Y,
				Width:            f.Width,
				Height:           f.Height,
				Required:         f.Required,
			}); err != nil {
				return err
			}
		}

		if err := tx.SetContractSigningStatus(ctx, contract.ID, model.ContractSigningPending); err != nil {
			return err
		}
		if err := e.trail(ctx, tx, sess.ID, "", model.SigningEventCreated, client, map[string]any{
			"signing_order": sess.SigningOrder,
			"signer_count":  len(signers),
			"initiated_by":  actor.Name,
			"document_hash": sess.DocumentHash,
		}); err != nil {
			return err
		}

		if sess.SigningOrder == model.SigningOrderParallel {
			for i := range signers {
				n, err := e.invite(ctx, tx, sess, &signers[i], false, client)
				if err != nil {
					return err
				}
				invites = append(invites, n)
			}
		}
		return nil
	})
	if err != nil {
		return model.SigningSession{}, err
	}

	e.record(model.SigningEventCreated)
	for range invites {
		e.record(model.SigningEventSent)
	}
	e.logger.Info("signing session created",
		zap.String("session_id", sess.ID),
		zap.String("contract_id", sess.ContractID),
		zap.String("signing_order", sess.SigningOrder),
		zap.Int("signers", len(in.Signers)),
		zap.String("actor_id", actor.ID),
	)
	e.deliver(ctx, invites...)
	return sess, nil
}

// AdvanceSession moves the session forward after a signer acted. A
// sequential session invites the first unsigned signer if they are still
// pending, and otherwise waits for them; once every signer has
// signed the session is completed. Inactive sessions are left alone, so
// calling it again after completion is harmless.
func (e *Engine) AdvanceSession(ctx context.Context, sessionID string) (_ model.SigningSession, err error) {
	ctx, span := observability.StartSpan(ctx, "signing.advance_session",
		observability.AttrSessionID.String(sessionID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	var (
		sess     model.SigningSession
		invites  []model.Notification
		complete bool
	)
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		sess, err = tx.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != model.SessionStatusActive {
			return nil
		}
		signers, err := tx.ListSigners(ctx, sessionID)
		if err != nil {
			return err
		}

		if sess.SigningOrder == model.SigningOrderSequential {
			// The first signer who has not signed holds the turn. Only a
			// pending one still needs an invitation.
			for i := range signers {
				s := &signers[i]
				if s.Status == model.SignerSigned {
					continue
				}
				if s.Status == model.SignerPending {
					n, err := e.invite(ctx, tx, sess, s, false, model.ClientInfo{})
					if err != nil {
						return err
					}
					invites = append(invites, n)
				}
				return nil
			}
		}

		complete = len(signers) > 0
		for _, s := range signers {
			if s.Status != model.SignerSigned {
				complete = false
				break
			}
		}
		return nil
	})
	if err != nil {
		return model.SigningSession{}, err
	}

	for _, n := range invites {
		e.record(model.SigningEventSent)
		e.logger.Info("next signer invited",
			zap.String("session_id", sessionID),
			zap.String("signer_id", n.SignerID),
		)
	}
	e.deliver(ctx, invites...)

	if complete {
		return e.CompleteSession(ctx, sessionID)
	}
	return sess, nil
}

// CancelSession stops an active session. Signer records are left as they
// are.
func (e *Engine) CancelSession(ctx context.Context, actor model.Actor, sessionID, reason string) (_ model.SigningSession, err error) {
	ctx, span := observability.StartSpan(ctx, "signing.cancel_session",
		observability.AttrSessionID.String(sessionID),
		observability.AttrActorID.String(actor.ID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	var sess model.SigningSession
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		sess, err = lockActive(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		sess.Status = model.SessionStatusCancelled
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return err
		}
		return e.trail(ctx, tx, sess.ID, "", model.SigningEventCancelled, clientOf(actor), map[string]any{
			"cancelled_by": actor.ID,
			"reason":       reason,
		})
	})
	if err != nil {
		return model.SigningSession{}, err
	}

	e.record(model.SigningEventCancelled)
	e.logger.Info("signing session cancelled",
		zap.String("session_id", sessionID),
		zap.String("actor_id", actor.ID),
	)
	return sess, nil
}

// Session returns a signing session by ID.
func (e *Engine) Session(ctx context.Context, id string) (model.SigningSession, error) {
	var sess model.SigningSession
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		sess, err = tx.GetSession(ctx, id)
		return err
	})
	return sess, err
}

// Signers returns the session's signers in signing order.
func (e *Engine) Signers(ctx context.Context, sessionID string) ([]model.SigningSessionSigner, error) {
	var out []model.SigningSessionSigner
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetSession(ctx, sessionID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListSigners(ctx, sessionID)
		return err
	})
	return out, err
}

// Fields returns the session's positioned fields.
func (e *Engine) Fields(ctx context.Context, sessionID string) ([]model.SigningField, error) {
	var out []model.SigningField
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListFields(ctx, sessionID)
		return err
	})
	return out, err
}

// Certificate returns the completion certificate of a completed session.
func (e *Engine) Certificate(ctx context.Context, sessionID string) ([]byte, error) {
	sess, err := e.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.CertificatePath == "" {
		return nil, model.NewNotFoundError(fmt.Sprintf("signing session %q has no certificate", sessionID))
	}
	return e.docs.Read(ctx, sess.CertificatePath)
}

func clientOf(actor model.Actor) model.ClientInfo {
	return model.ClientInfo{IPAddress: actor.IPAddress, UserAgent: actor.UserAgent}
}
