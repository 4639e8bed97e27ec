package signing

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/covenant/internal/observability"
	"github.com/pitabwire/covenant/internal/store"
	"github.com/pitabwire/covenant/internal/token"
	"github.com/pitabwire/covenant/model"
)

// access is the outcome of checking a raw token.
type access struct {
	signer  model.SigningSessionSigner
	session model.SigningSession
	// expired is set when the check moved the session to expired.
	expired bool
}

// denial reports whether err is a token check failure. Denials still commit
// the transaction they happen in so that an expiry found during the check
// is kept.
func denial(err error) bool {
	switch model.ErrorCode(err) {
	case model.ErrInvalidToken, model.ErrExpiredToken, model.ErrTokenAlreadyUsed, model.ErrSessionInactive:
		return true
	}
	return false
}

// authorize resolves raw to its signer and session and checks it. A session
// found past its expiry is moved to expired before SESSION_INACTIVE is
// returned.
func (e *Engine) authorize(ctx context.Context, tx store.Tx, raw string, client model.ClientInfo) (access, error) {
	var acc access
	if !token.WellFormed(raw) {
		return acc, model.NewInvalidTokenError()
	}
	signer, err := tx.GetSignerByTokenHash(ctx, token.Hash(raw))
	if err != nil {
		if model.IsCode(err, model.ErrNotFound) {
			return acc, model.NewInvalidTokenError()
		}
		return acc, err
	}
	sess, err := tx.GetSessionForUpdate(ctx, signer.SessionID)
	if err != nil {
		return acc, err
	}
	// Re-read under the session lock.
	if signer, err = tx.GetSigner(ctx, signer.ID); err != nil {
		return acc, err
	}
	acc.signer, acc.session = signer, sess

	now := e.now().UTC()
	err = token.Validate(raw, token.Record{
		Hash:             signer.TokenHash,
		ExpiresAt:        signer.TokenExpiresAt,
		SignerStatus:     signer.Status,
		SessionStatus:    sess.Status,
		SessionExpiresAt: sess.ExpiresAt,
	}, now)
	if err == nil {
		return acc, nil
	}

	if model.IsCode(err, model.ErrSessionInactive) && sess.Status == model.SessionStatusActive {
		acc.session.Status = model.SessionStatusExpired
		if uerr := tx.UpdateSession(ctx, acc.session); uerr != nil {
			return acc, uerr
		}
		if terr := e.trail(ctx, tx, sess.ID, signer.ID, model.SigningEventExpired, client, map[string]any{
			"expires_at": sess.ExpiresAt,
		}); terr != nil {
			return acc, terr
		}
		acc.expired = true
	}
	return acc, err
}

// afterDenial records a failed token check.
func (e *Engine) afterDenial(acc access, err error) {
	e.metrics.RecordTokenValidationFailure(model.ErrorCode(err))
	if acc.expired {
		e.record(model.SigningEventExpired)
		e.logger.Info("signing session expired on access",
			zap.String("session_id", acc.session.ID),
		)
	}
}

// SendToSigner issues a fresh token to a pending or already invited signer
// and sends the invitation. The raw token is returned once and never
// stored.
func (e *Engine) SendToSigner(ctx context.Context, actor model.Actor, signerID string) (_ string, err error) {
	ctx, span := observability.StartSpan(ctx, "signing.send_to_signer",
		observability.AttrSignerID.String(signerID),
		observability.AttrActorID.String(actor.ID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	var n model.Notification
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		signer, err := tx.GetSigner(ctx, signerID)
		if err != nil {
			return err
		}
		sess, err := lockActive(ctx, tx, signer.SessionID)
		if err != nil {
			return err
		}
		if signer, err = tx.GetSigner(ctx, signerID); err != nil {
			return err
		}
		n, err = e.invite(ctx, tx, sess, &signer, false, clientOf(actor))
		return err
	})
	if err != nil {
		return "", err
	}

	e.record(model.SigningEventSent)
	e.logger.Info("signer invited",
		zap.String("session_id", n.SessionID),
		zap.String("signer_id", signerID),
		zap.String("actor_id", actor.ID),
	)
	e.deliver(ctx, n)
	return n.Token, nil
}

// ValidateToken checks a signing link and returns the signer and session it
// grants access to. The first successful check marks the signer as viewed.
func (e *Engine) ValidateToken(ctx context.Context, raw string, client model.ClientInfo) (_ model.SigningSessionSigner, _ model.SigningSession, err error) {
	ctx, span := observability.StartSpan(ctx, "signing.validate_token")
	defer func() { observability.EndSpanWithError(span, err) }()

	var (
		acc    access
		denied error
		viewed bool
	)
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		acc, err = e.authorize(ctx, tx, raw, client)
		if err != nil {
			if denial(err) {
				denied = err
				return nil
			}
			return err
		}
		if acc.signer.ViewedAt != nil || acc.signer.Status != model.SignerSent {
			return nil
		}

		next, err := transition(ctx, acc.signer.Status, triggerView)
		if err != nil {
			return err
		}
		now := e.now().UTC()
		acc.signer.Status = next
		acc.signer.ViewedAt = &now
		if err := tx.UpdateSigner(ctx, acc.signer); err != nil {
			return err
		}
		viewed = true
		return e.trail(ctx, tx, acc.session.ID, acc.signer.ID, model.SigningEventViewed, client, map[string]any{
			"signer_name": acc.signer.SignerName,
		})
	})
	if err == nil && denied != nil {
		e.afterDenial(acc, denied)
		err = denied
	}
	if err != nil {
		return model.SigningSessionSigner{}, model.SigningSession{}, err
	}

	span.SetAttributes(
		observability.AttrSessionID.String(acc.session.ID),
		observability.AttrSignerID.String(acc.signer.ID),
	)
	if viewed {
		e.record(model.SigningEventViewed)
		e.logger.Info("signer viewed document",
			zap.String("session_id", acc.session.ID),
			zap.String("signer_id", acc.signer.ID),
		)
	}
	return acc.signer, acc.session, nil
}

// SendReminder issues a new token to a signer who was invited but has not
// acted yet and sends it as a reminder. The previous token stops working.
func (e *Engine) SendReminder(ctx context.Context, actor model.Actor, signerID string) (_ string, err error) {
	ctx, span := observability.StartSpan(ctx, "signing.send_reminder",
		observability.AttrSignerID.String(signerID),
		observability.AttrActorID.String(actor.ID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	n, err := e.remind(ctx, signerID, clientOf(actor))
	if err != nil {
		return "", err
	}
	e.logger.Info("signer reminded",
		zap.String("session_id", n.SessionID),
		zap.String("signer_id", signerID),
		zap.String("actor_id", actor.ID),
	)
	return n.Token, nil
}

func (e *Engine) remind(ctx context.Context, signerID string, client model.ClientInfo) (model.Notification, error) {
	var n model.Notification
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		signer, err := tx.GetSigner(ctx, signerID)
		if err != nil {
			return err
		}
		sess, err := lockActive(ctx, tx, signer.SessionID)
		if err != nil {
			return err
		}
		if signer, err = tx.GetSigner(ctx, signerID); err != nil {
			return err
		}
		if signer.Status != model.SignerSent && signer.Status != model.SignerViewed {
			return model.NewInvalidTransitionError(fmt.Sprintf("signer in status %s cannot be reminded", signer.Status))
		}
		n, err = e.invite(ctx, tx, sess, &signer, true, client)
		return err
	})
	if err != nil {
		return model.Notification{}, err
	}
	e.record(model.SigningEventReminderSent)
	e.deliver(ctx, n)
	return n, nil
}
