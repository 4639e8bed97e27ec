package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/covenant/internal/store"
	"github.com/pitabwire/covenant/model"
)

func TestLog_recordsActor(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	actor := &model.Actor{ID: "user-1", Email: "legal@example.com", IPAddress: "10.0.0.1"}
	at := time.Date(2026, 3, 1, 11, 30, 0, 0, time.FixedZone("EAT", 3*60*60))

	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return Log(ctx, tx, at, "workflow_template.publish", ResourceTemplate, "t-1", map[string]any{"version": 2}, actor)
	}))

	entries, err := NewLedger(s).List(ctx, ResourceTemplate, "t-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "user-1", entries[0].ActorID)
	assert.Equal(t, "legal@example.com", entries[0].ActorEmail)
	assert.Equal(t, "10.0.0.1", entries[0].IPAddress)
	assert.Equal(t, 2, entries[0].Details["version"])
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC), entries[0].At, "stamped with the caller's clock, in UTC")
}

func TestLog_nilActorIsSystem(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return Log(ctx, tx, time.Now(), "escalation_created", ResourceEscalation, "ev-1", nil, nil)
	}))

	entries, err := NewLedger(s).List(ctx, ResourceEscalation, "ev-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.SystemActor.ID, entries[0].ActorID)
}

func TestSigningTrail(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateSession(ctx, model.SigningSession{ID: "ss-1", Status: model.SessionStatusActive}); err != nil {
			return err
		}
		if err := Signing(ctx, tx, model.SigningAuditEntry{SessionID: "ss-1", Event: model.SigningEventCreated}); err != nil {
			return err
		}
		return Signing(ctx, tx, model.SigningAuditEntry{SessionID: "ss-1", SignerID: "s-1", Event: model.SigningEventSent})
	}))

	trail, err := NewLedger(s).SigningTrail(ctx, "ss-1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, model.SigningEventCreated, trail[0].Event)
	assert.Equal(t, model.SigningEventSent, trail[1].Event)

	_, err = NewLedger(s).SigningTrail(ctx, "missing")
	assert.True(t, model.IsCode(err, model.ErrNotFound))
}

func TestLedger_rejectsMutation(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	ledger := NewLedger(s)

	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return Log(ctx, tx, time.Now(), "workflow_instance.start", ResourceInstance, "wi-1", nil, nil)
	}))
	entries, _ := ledger.List(ctx, ResourceInstance, "wi-1")
	require.Len(t, entries, 1)

	tampered := entries[0]
	tampered.Action = "workflow_instance.cancel"

	tests := []struct {
		name string
		call func() error
	}{
		{"amend", func() error { return ledger.Amend(ctx, tampered) }},
		{"erase", func() error { return ledger.Erase(ctx, entries[0].ID) }},
		{"amend signing", func() error { return ledger.AmendSigning(ctx, model.SigningAuditEntry{ID: "x"}) }},
		{"erase signing", func() error { return ledger.EraseSigning(ctx, "x") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			assert.True(t, model.IsCode(err, model.ErrImmutableRecord), "err = %v", err)
		})
	}

	after, _ := ledger.List(ctx, ResourceInstance, "wi-1")
	assert.Equal(t, entries, after)
}
