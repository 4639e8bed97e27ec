// Package signing runs multi-party signing sessions: signers are invited with
// single-purpose tokens, capture their signatures through those tokens, and
// the session is sealed into a tamper-evident document once everyone signed.
package signing

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/covenant/internal/audit"
	"github.com/pitabwire/covenant/internal/document"
	"github.com/pitabwire/covenant/internal/notify"
	"github.com/pitabwire/covenant/internal/sealer"
	"github.com/pitabwire/covenant/internal/store"
	"github.com/pitabwire/covenant/internal/token"
	"github.com/pitabwire/covenant/model"
)

// Defaults for session and token lifetimes.
const (
	DefaultSessionTTL  = 30 * 24 * time.Hour
	DefaultReminderAge = 72 * time.Hour
)

// sweepBatch bounds how many rows a sweep reads per page.
const sweepBatch = 100

// Metrics receives signing counters.
type Metrics interface {
	RecordSigningEvent(event string)
	RecordTokenValidationFailure(code string)
}

type nopMetrics struct{}

func (nopMetrics) RecordSigningEvent(string)           {}
func (nopMetrics) RecordTokenValidationFailure(string) {}

// Documents reads contract documents and stores signing artifacts.
type Documents interface {
	document.Source
	document.Sink
}

// Engine implements the signing session lifecycle.
type Engine struct {
	store      store.Store
	docs       Documents
	sealer     *sealer.Sealer
	issuer     *token.Issuer
	notifier   notify.Notifier
	metrics    Metrics
	logger     *zap.Logger
	now        func() time.Time
	sessionTTL time.Duration
	tokenTTL   time.Duration
	signURL    string
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the destination of signer and initiator notifications.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRenderer sets the renderer used to seal documents. The default is
// sealer.TrailerRenderer.
func WithRenderer(r sealer.Renderer) Option {
	return func(e *Engine) { e.sealer = sealer.New(r) }
}

// WithSessionTTL sets how long new sessions stay open.
func WithSessionTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sessionTTL = d
		}
	}
}

// WithTokenTTL sets how long signer tokens stay valid.
func WithTokenTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.tokenTTL = d
		}
	}
}

// WithSigningURL sets the public base URL signing links are built from.
// The raw token is appended as the last path segment.
func WithSigningURL(base string) Option {
	return func(e *Engine) { e.signURL = strings.TrimSuffix(base, "/") }
}

// NewEngine creates a signing engine.
func NewEngine(s store.Store, docs Documents, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:      s,
		docs:       docs,
		sealer:     sealer.New(sealer.TrailerRenderer{}),
		notifier:   notify.Nop{},
		metrics:    nopMetrics{},
		logger:     logger,
		now:        time.Now,
		sessionTTL: DefaultSessionTTL,
		tokenTTL:   token.DefaultTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.issuer = token.NewIssuer(e.tokenTTL, token.WithClock(e.now))
	return e
}

// signingLink returns the public URL for raw, or "" when no base URL is set.
func (e *Engine) signingLink(raw string) string {
	if e.signURL == "" {
		return ""
	}
	return e.signURL + "/" + url.PathEscape(raw)
}

// trail appends a signing audit entry stamped with the engine clock.
func (e *Engine) trail(ctx context.Context, tx store.Tx, sessionID, signerID, event string, client model.ClientInfo, details map[string]any) error {
	return audit.Signing(ctx, tx, model.SigningAuditEntry{
		SessionID: sessionID,
		SignerID:  signerID,
		Event:     event,
		Details:   details,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
		CreatedAt: e.now().UTC(),
	})
}

// invite issues a fresh token for signer and records it. A first invitation
// or resend moves the signer to sent; a reminder keeps the signer's status.
// The returned notification carries the raw token and must be delivered
// after the transaction commits.
func (e *Engine) invite(ctx context.Context, tx store.Tx, sess model.SigningSession, signer *model.SigningSessionSigner, reminder bool, client model.ClientInfo) (model.Notification, error) {
	tok, err := e.issuer.Issue()
	if err != nil {
		return model.Notification{}, err
	}
	now := e.now().UTC()

	kind, event := model.NotifyInvitation, model.SigningEventSent
	if reminder {
		kind, event = model.NotifyReminder, model.SigningEventReminderSent
		signer.LastRemindedAt = &now
	} else {
		next, err := transition(ctx, signer.Status, triggerSend)
		if err != nil {
			return model.Notification{}, err
		}
		signer.Status = next
		signer.SentAt = &now
	}
	signer.TokenHash = tok.Hash
	expires := tok.ExpiresAt
	signer.TokenExpiresAt = &expires

	if err := tx.UpdateSigner(ctx, *signer); err != nil {
		return model.Notification{}, err
	}
	if err := e.trail(ctx, tx, sess.ID, signer.ID, event, client, map[string]any{
		"signer_name":  signer.SignerName,
		"signer_email": signer.SignerEmail,
	}); err != nil {
		return model.Notification{}, err
	}

	subject := "Please sign the contract"
	if reminder {
		subject = "Reminder: a contract is waiting for your signature"
	}
	data := map[string]any{
		"signer_name":      signer.SignerName,
		"token_expires_at": expires.Format(time.RFC3339),
	}
	if link := e.signingLink(tok.Raw); link != "" {
		data["signing_url"] = link
	}
	return model.Notification{
		Kind:       kind,
		Recipient:  signer.SignerEmail,
		Subject:    subject,
		ContractID: sess.ContractID,
		SessionID:  sess.ID,
		SignerID:   signer.ID,
		Token:      tok.Raw,
		Data:       data,
		CreatedAt:  now,
	}, nil
}

// deliver hands notifications to the notifier. Failures are logged only.
func (e *Engine) deliver(ctx context.Context, ns ...model.Notification) {
	for _, n := range ns {
		if err := e.notifier.Notify(ctx, n); err != nil {
			e.logger.Warn("signing notification failed",
				zap.String("kind", n.Kind),
				zap.String("session_id", n.SessionID),
				zap.String("signer_id", n.SignerID),
				zap.Error(err),
			)
		}
	}
}

// record counts events once their transaction has committed.
func (e *Engine) record(events ...string) {
	for _, ev := range events {
		e.metrics.RecordSigningEvent(ev)
	}
}

// lockActive locks the session and fails with SESSION_INACTIVE unless it is
// still active.
func lockActive(ctx context.Context, tx store.Tx, sessionID string) (model.SigningSession, error) {
	sess, err := tx.GetSessionForUpdate(ctx, sessionID)
	if err != nil {
		return model.SigningSession{}, err
	}
	if sess.Status != model.SessionStatusActive {
		return sess, model.NewSessionInactiveError(fmt.Sprintf("signing session is %s", sess.Status))
	}
	return sess, nil
}
