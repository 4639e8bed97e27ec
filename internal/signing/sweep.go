package signing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/covenant/internal/observability"
	"github.com/pitabwire/covenant/internal/store"
	"github.com/pitabwire/covenant/model"
)

// ExpireSessions moves every active session past its expiry to expired and
// returns how many were changed.
func (e *Engine) ExpireSessions(ctx context.Context) (_ int, err error) {
	ctx, span := observability.StartSpan(ctx, "signing.expire_sessions")
	defer func() { observability.EndSpanWithError(span, err) }()

	now := e.now().UTC()
	expired := 0
	for {
		changed := 0
		var page []model.SigningSession
		err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			page, err = tx.ListExpiredSessions(ctx, now, sweepBatch)
			if err != nil {
				return err
			}
			for _, candidate := range page {
				sess, err := tx.GetSessionForUpdate(ctx, candidate.ID)
				if err != nil {
					return err
				}
				if sess.Status != model.SessionStatusActive || !sess.ExpiresAt.Before(now) {
					continue
				}
				sess.Status = model.SessionStatusExpired
				if err := tx.UpdateSession(ctx, sess); err != nil {
					return err
				}
				if err := e.trail(ctx, tx, sess.ID, "", model.SigningEventExpired, model.ClientInfo{}, map[string]any{
					"expires_at": sess.ExpiresAt,
				}); err != nil {
					return err
				}
				changed++
			}
			return nil
		})
		if err != nil {
			return expired, err
		}
		expired += changed
		for range changed {
			e.record(model.SigningEventExpired)
		}
		if len(page) < sweepBatch || changed == 0 {
			break
		}
	}

	if expired > 0 {
		e.logger.Info("signing sessions expired", zap.Int("count", expired))
	}
	return expired, nil
}

// RemindPending sends a reminder with a fresh token to every invited signer
// of an active session whose last invitation or reminder is older than
// olderThan. Signed and declined signers are never reminded. It returns the
// number of reminders sent.
func (e *Engine) RemindPending(ctx context.Context, olderThan time.Duration) (_ int, err error) {
	ctx, span := observability.StartSpan(ctx, "signing.remind_pending")
	defer func() { observability.EndSpanWithError(span, err) }()

	if olderThan <= 0 {
		olderThan = DefaultReminderAge
	}
	cutoff := e.now().UTC().Add(-olderThan)
	seen := make(map[string]bool)
	sent := 0

	for {
		var page []model.SigningSessionSigner
		err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			page, err = tx.ListSignersAwaitingReminder(ctx, cutoff, sweepBatch)
			return err
		})
		if err != nil {
			return sent, err
		}

		progressed := false
		for _, s := range page {
			if seen[s.ID] {
				continue
			}
			seen[s.ID] = true
			progressed = true

			if _, err := e.remind(ctx, s.ID, model.ClientInfo{}); err != nil {
				if model.ErrorCode(err) == "" {
					return sent, err
				}
				// The signer or session changed since the page was read.
				e.logger.Debug("reminder skipped",
					zap.String("signer_id", s.ID),
					zap.Error(err),
				)
				continue
			}
			sent++
		}
		if len(page) < sweepBatch || !progressed {
			break
		}
	}

	if sent > 0 {
		e.logger.Info("signing reminders sent", zap.Int("count", sent))
	}
	return sent, nil
}
