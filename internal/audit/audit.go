// Package audit writes and reads the append-only audit ledgers. Entries are
// written inside the caller's transaction so they commit or roll back with
// the state change they describe.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/covenant/internal/store"
	"github.com/pitabwire/covenant/model"
)

// Resource types used in the general ledger.
const (
	ResourceTemplate   = "workflow_template"
	ResourceInstance   = "workflow_instance"
	ResourceEscalation = "escalation_event"
	ResourceRule       = "escalation_rule"
	ResourceSession    = "signing_session"
)

// Appender is the write side of the general ledger.
type Appender interface {
	AppendAudit(ctx context.Context, e model.AuditEntry) error
}

// SigningAppender is the write side of the signing ledger.
type SigningAppender interface {
	AppendSigningAudit(ctx context.Context, e model.SigningAuditEntry) error
}

// Log appends an entry for an action performed by actor on a resource at
// the given time, normally the engine clock reading the change was stamped
// with. A nil actor is recorded as the system actor.
func Log(ctx context.Context, w Appender, at time.Time, action, resourceType, resourceID string, details map[string]any, actor *model.Actor) error {
	if actor == nil {
		actor = &model.SystemActor
	}
	entry := model.AuditEntry{
		ID:           uuid.New().String(),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		ActorID:      actor.ID,
		ActorEmail:   actor.Email,
		IPAddress:    actor.IPAddress,
		At:           at.UTC(),
	}
	if err := w.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("append audit %s: %w", action, err)
	}
	return nil
}

// Signing appends an event to a session's trail. ID and CreatedAt are filled
// in when empty.
func Signing(ctx context.Context, w SigningAppender, entry model.SigningAuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := w.AppendSigningAudit(ctx, entry); err != nil {
		return fmt.Errorf("append signing audit %s: %w", entry.Event, err)
	}
	return nil
}

// Ledger is the read side of both ledgers for compliance consumers.
type Ledger struct {
	store store.Store
}

// NewLedger creates a ledger reader over s.
func NewLedger(s store.Store) *Ledger {
	return &Ledger{store: s}
}

// List returns the entries recorded for a resource, oldest first.
func (l *Ledger) List(ctx context.Context, resourceType, resourceID string) ([]model.AuditEntry, error) {
	var out []model.AuditEntry
	err := l.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListAudit(ctx, resourceType, resourceID)
		return err
	})
	return out, err
}

// SigningTrail returns a session's signing events, oldest first.
func (l *Ledger) SigningTrail(ctx context.Context, sessionID string) ([]model.SigningAuditEntry, error) {
	var out []model.SigningAuditEntry
	err := l.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetSession(ctx, sessionID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListSigningAudit(ctx, sessionID)
		return err
	})
	return out, err
}

// Amend always fails with IMMUTABLE_RECORD. The attempt still reaches the
// store so that database-level guards are exercised.
func (l *Ledger) Amend(ctx context.Context, e model.AuditEntry) error {
	err := l.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateAuditEntry(ctx, e)
	})
	return immutable(err, "audit")
}

// Erase always fails with IMMUTABLE_RECORD.
func (l *Ledger) Erase(ctx context.Context, id string) error {
	err := l.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.DeleteAuditEntry(ctx, id)
	})
	return immutable(err, "audit")
}

// AmendSigning always fails with IMMUTABLE_RECORD.
func (l *Ledger) AmendSigning(ctx context.Context, e model.SigningAuditEntry) error {
	err := l.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateSigningAuditEntry(ctx, e)
	})
	return immutable(err, "signing audit")
}

// EraseSigning always fails with IMMUTABLE_RECORD.
func (l *Ledger) EraseSigning(ctx context.Context, id string) error {
	err := l.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.DeleteSigningAuditEntry(ctx, id)
	})
	return immutable(err, "signing audit")
}

func immutable(err error, kind string) error {
	if model.IsCode(err, model.ErrImmutableRecord) {
		return err
	}
	return model.NewImmutableRecordError(kind)
}
