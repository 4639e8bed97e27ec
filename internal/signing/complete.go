package signing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/covenant/internal/observability"
	"github.com/pitabwire/covenant/internal/sealer"
	"github.com/pitabwire/covenant/internal/store"
	"github.com/pitabwire/covenant/model"
)

// Fallback placement for signers without positioned signature fields: the
// last page, one row per signing order from fallbackTopY down to
// fallbackBottomY, then a new column.
const (
	fallbackX       = 20
	fallbackTopY    = 240
	fallbackBottomY = 30
	fallbackStepY   = 30
	fallbackStepX   = 70
	fallbackWidth   = 60
	fallbackHeight  = 20

	fallbackRows = (fallbackTopY-fallbackBottomY)/fallbackStepY + 1
)

func fallbackPosition(order int) (x, y float64) {
	order = max(order, 0)
	col, row := order/fallbackRows, order%fallbackRows
	return float64(fallbackX + fallbackStepX*col), float64(fallbackTopY - fallbackStepY*row)
}

func signedDocumentPath() string {
	return fmt.Sprintf("contracts/signed/%s.pdf", uuid.New().String())
}

func certificatePath(sessionID string) string {
	return fmt.Sprintf("contracts/audit/%s_certificate.txt", sessionID)
}

// completion is the state read before sealing.
type completion struct {
	session  model.SigningSession
	contract model.Contract
	signers  []model.SigningSessionSigner
	fields   []model.SigningField
	trail    []model.SigningAuditEntry
}

// CompleteSession seals a session whose signers have all signed: every
// signature is overlaid on the original document, the result is hashed and
// stored together with a completion certificate, and the session and
// contract are marked completed and signed. Completing an already completed
// session returns it unchanged. If sealing fails the session stays active
// and the call can be retried.
func (e *Engine) CompleteSession(ctx context.Context, sessionID string) (_ model.SigningSession, err error) {
	ctx, span := observability.StartSpan(ctx, "signing.complete_session",
		observability.AttrSessionID.String(sessionID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	var c completion
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if c.session, err = tx.GetSession(ctx, sessionID); err != nil {
			return err
		}
		if c.session.Status != model.SessionStatusActive {
			return nil
		}
		if c.contract, err = tx.GetContract(ctx, c.session.ContractID); err != nil {
			return err
		}
		if c.signers, err = tx.ListSigners(ctx, sessionID); err != nil {
			return err
		}
		if c.fields, err = tx.ListFields(ctx, sessionID); err != nil {
			return err
		}
		c.trail, err = tx.ListSigningAudit(ctx, sessionID)
		return err
	})
	if err != nil {
		return model.SigningSession{}, err
	}
	switch c.session.Status {
	case model.SessionStatusActive:
	case model.SessionStatusCompleted:
		return c.session, nil
	default:
		return model.SigningSession{}, model.NewSessionInactiveError(fmt.Sprintf("signing session is %s", c.session.Status))
	}
	for _, s := range c.signers {
		if s.Status != model.SignerSigned {
			return model.SigningSession{}, model.NewInvalidTransitionError(
				fmt.Sprintf("signer %s has not signed", s.ID))
		}
	}

	now := e.now().UTC()
	sealed, err := e.seal(ctx, c)
	if err != nil {
		return model.SigningSession{}, fmt.Errorf("seal signing session %s: %w", sessionID, err)
	}
	finalPath := signedDocumentPath()
	if err := e.docs.Write(ctx, finalPath, sealed.Bytes, "application/pdf"); err != nil {
		return model.SigningSession{}, err
	}

	cert, err := sealer.GenerateCertificate(sealer.CertificateInput{
		ContractTitle: c.contract.Title,
		Session:       c.session,
		Signers:       c.signers,
		Trail:         c.trail,
		FinalHash:     sealed.Hash,
		CompletedAt:   now,
	})
	if err != nil {
		return model.SigningSession{}, err
	}
	certPath := certificatePath(sessionID)
	if err := e.docs.Write(ctx, certPath, cert, "text/plain; charset=utf-8"); err != nil {
		return model.SigningSession{}, err
	}

	var (
		sess     model.SigningSession
		finished bool
	)
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		sess, err = tx.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		switch sess.Status {
		case model.SessionStatusActive:
		case model.SessionStatusCompleted:
			// Completed concurrently.
			return nil
		default:
			return model.NewSessionInactiveError(fmt.Sprintf("signing session is %s", sess.Status))
		}

		sess.Status = model.SessionStatusCompleted
		sess.CompletedAt = &now
		sess.FinalStoragePath = finalPath
		sess.FinalDocumentHash = sealed.Hash
		sess.CertificatePath = certPath
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return err
		}
		if err := tx.SetContractSigningStatus(ctx, sess.ContractID, model.ContractSigningSigned); err != nil {
			return err
		}
		finished = true
		return e.trail(ctx, tx, sess.ID, "", model.SigningEventCompleted, model.ClientInfo{}, map[string]any{
			"contract_id":         sess.ContractID,
			"signer_count":        len(c.signers),
			"final_storage_path":  finalPath,
			"final_document_hash": sealed.Hash,
		})
	})
	if err != nil {
		return model.SigningSession{}, err
	}
	if !finished {
		return sess, nil
	}

	e.record(model.SigningEventCompleted)
	e.logger.Info("signing session completed",
		zap.String("session_id", sess.ID),
		zap.String("contract_id", sess.ContractID),
		zap.String("final_document_hash", sess.FinalDocumentHash),
	)
	e.deliver(ctx, e.completionNotices(c, sess)...)
	return sess, nil
}

// seal builds the placements and runs the sealer over the original document.
func (e *Engine) seal(ctx context.Context, c completion) (sealer.Sealed, error) {
	source, err := e.docs.Read(ctx, c.contract.StoragePath)
	if err != nil {
		return sealer.Sealed{}, err
	}

	var (
		placements []sealer.Placement
		lastPage   int
	)
	for _, s := range c.signers {
		if s.SignatureImagePath == "" {
			continue
		}
		image, err := e.docs.Read(ctx, s.SignatureImagePath)
		if err != nil {
			return sealer.Sealed{}, err
		}

		positioned := false
		for _, f := range c.fields {
			if f.AssignedSignerID != s.ID || (f.FieldType != model.FieldSignature && f.FieldType != model.FieldInitials) {
				continue
			}
			positioned = true
			placements = append(placements, sealer.Placement{
				SignerID: s.ID,
				Page:     f.Page,
				Overlay:  sealer.Overlay{Image: image, X: f.X, Y: f.Y, Width: f.Width, Height: f.Height},
			})
		}
		if positioned {
			continue
		}

		if lastPage == 0 {
			if lastPage, err = e.sealer.PageCount(ctx, source); err != nil {
				return sealer.Sealed{}, err
			}
		}
		x, y := fallbackPosition(s.SigningOrder)
		placements = append(placements, sealer.Placement{
			SignerID: s.ID,
			Page:     lastPage,
			Overlay: sealer.Overlay{
				Image:  image,
				X:      x,
				Y:      y,
				Width:  fallbackWidth,
				Height: fallbackHeight,
			},
		})
	}

	return e.sealer.Seal(ctx, source, placements)
}

func (e *Engine) completionNotices(c completion, sess model.SigningSession) []model.Notification {
	now := e.now().UTC()
	subject := fmt.Sprintf("%s has been signed by all parties", c.contract.Title)
	data := map[string]any{
		"final_document_hash": sess.FinalDocumentHash,
	}

	var out []model.Notification
	for _, s := range c.signers {
		out = append(out, model.Notification{
			Kind:       model.NotifyCompleted,
			Recipient:  s.SignerEmail,
			Subject:    subject,
			ContractID: sess.ContractID,
			SessionID:  sess.ID,
			SignerID:   s.ID,
			Data:       data,
			CreatedAt:  now,
		})
	}
	if sess.InitiatorEmail != "" {
		out = append(out, model.Notification{
			Kind:       model.NotifyCompleted,
			Recipient:  sess.InitiatorEmail,
			Subject:    subject,
			ContractID: sess.ContractID,
			SessionID:  sess.ID,
			Data:       data,
			CreatedAt:  now,
		})
	}
	return out
}
