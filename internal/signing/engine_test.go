package signing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/covenant/internal/audit"
	"github.com/pitabwire/covenant/internal/document"
	"github.com/pitabwire/covenant/internal/notify"
	"github.com/pitabwire/covenant/internal/sealer"
	"github.com/pitabwire/covenant/internal/store"
	"github.com/pitabwire/covenant/model"
)

const contractDoc = "%PDF-1.7\n1 0 obj << /Type /Pages /Count 2 >> endobj\n" +
	"2 0 obj << /Type /Page >> endobj\n3 0 obj << /Type /Page >> endobj\n%%EOF"

var (
	initiator = model.Actor{ID: "user-1", Email: "legal@example.com", Name: "Legal Ops", IPAddress: "10.0.0.1"}
	browser   = model.ClientInfo{IPAddress: "203.0.113.7", UserAgent: "Mozilla/5.0"}

	pngImage  = append([]byte("\x89PNG\r\n\x1a\n"), []byte("signature-pixels")...)
	jpegImage = append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, []byte("jpeg-pixels")...)
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingMetrics struct {
	mu       sync.Mutex
	events   map[string]int
	failures map[string]int
}

func (m *countingMetrics) RecordSigningEvent(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events == nil {
		m.events = map[string]int{}
	}
	m.events[event]++
}

func (m *countingMetrics) RecordTokenValidationFailure(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures == nil {
		m.failures = map[string]int{}
	}
	m.failures[code]++
}

func (m *countingMetrics) event(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[name]
}

func (m *countingMetrics) failure(code string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[code]
}

// failingRenderer wraps the trailer renderer and fails while fail is set.
type failingRenderer struct {
	sealer.TrailerRenderer
	mu   sync.Mutex
	fail bool
}

func (r *failingRenderer) set(fail bool) {
	r.mu.Lock()
	r.fail = fail
	r.mu.Unlock()
}

func (r *failingRenderer) Overlay(ctx context.Context, source []byte, page int, overlays []sealer.Overlay) ([]byte, error) {
	r.mu.Lock()
	fail := r.fail
	r.mu.Unlock()
	if fail {
		return nil, assert.AnError
	}
	return r.TrailerRenderer.Overlay(ctx, source, page, overlays)
}

type env struct {
	store    *store.MemoryStore
	docs     *document.BlobStore
	clock    *clock
	notifier *notify.Recorder
	metrics  *countingMetrics
	renderer *failingRenderer
	engine   *Engine
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	ctx := context.Background()
	docs, err := document.OpenBlobStore(ctx, "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })

	e := &env{
		store:    store.NewMemoryStore(),
		docs:     docs,
		clock:    &clock{now: time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC)},
		notifier: &notify.Recorder{},
		metrics:  &countingMetrics{},
		renderer: &failingRenderer{},
	}
	opts = append([]Option{
		WithClock(e.clock.Now),
		WithNotifier(e.notifier),
		WithMetrics(e.metrics),
		WithRenderer(e.renderer),
		WithSigningURL("https://sign.example.com/sign/"),
	}, opts...)
	e.engine = NewEngine(e.store, docs, zap.NewNop(), opts...)

	e.putContract(t, model.Contract{
		ID:             "c-1",
		Title:          "Master Services Agreement",
		StoragePath:    "contracts/c-1.pdf",
		InitiatorEmail: "owner@example.com",
	})
	require.NoError(t, docs.Write(ctx, "contracts/c-1.pdf", []byte(contractDoc), "application/pdf"))
	return e
}

func (e *env) putContract(t *testing.T, c model.Contract) {
	t.Helper()
	require.NoError(t, e.store.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.PutContract(ctx, c)
	}))
}

func (e *env) contract(t *testing.T, id string) model.Contract {
	t.Helper()
	var c model.Contract
	require.NoError(t, e.store.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		c, err = tx.GetContract(ctx, id)
		return err
	}))
	return c
}

func (e *env) signer(t *testing.T, id string) model.SigningSessionSigner {
	t.Helper()
	var s model.SigningSessionSigner
	require.NoError(t, e.store.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		s, err = tx.GetSigner(ctx, id)
		return err
	}))
	return s
}

func (e *env) trail(t *testing.T, sessionID string) []string {
	t.Helper()
	entries, err := audit.NewLedger(e.store).SigningTrail(context.Background(), sessionID)
	require.NoError(t, err)
	events := make([]string, len(entries))
	for i, en := range entries {
		events[i] = en.Event
	}
	return events
}

// lastToken returns the raw token of the most recent invitation or reminder
// sent to email.
func (e *env) lastToken(t *testing.T, email string) string {
	t.Helper()
	sent := e.notifier.Sent()
	for i := len(sent) - 1; i >= 0; i-- {
		n := sent[i]
		if n.Recipient == email && (n.Kind == model.NotifyInvitation || n.Kind == model.NotifyReminder) {
			return n.Token
		}
	}
	t.Fatalf("no token sent to %s", email)
	return ""
}

func twoSigners() []SignerInput {
	return []SignerInput{
		{Name: "Alice Buyer", Email: "alice@example.com"},
		{Name: "Bob Seller", Email: "bob@example.com", Type: model.SignerTypeInternal},
	}
}

func threeSigners() []SignerInput {
	return append(twoSigners(), SignerInput{Name: "Carol Witness", Email: "carol@example.com"})
}

func (e *env) createSession(t *testing.T, order string, signers []SignerInput) (model.SigningSession, []model.SigningSessionSigner) {
	t.Helper()
	sess, err := e.engine.CreateSession(context.Background(), initiator, SessionInput{
		ContractID:   "c-1",
		Signers:      signers,
		SigningOrder: order,
	})
	require.NoError(t, err)
	list, err := e.engine.Signers(context.Background(), sess.ID)
	require.NoError(t, err)
	return sess, list
}

func intp(v int) *int { return &v }

func TestCreateSession(t *testing.T) {
	e := newEnv(t)
	sess, signers := e.createSession(t, "", twoSigners())

	assert.Equal(t, model.SigningOrderSequential, sess.SigningOrder)
	assert.Equal(t, model.SessionStatusActive, sess.Status)
	assert.Equal(t, sealer.HashHex([]byte(contractDoc)), sess.DocumentHash)
	assert.Equal(t, e.clock.Now().Add(DefaultSessionTTL), sess.ExpiresAt)
	assert.Equal(t, initiator.ID, sess.InitiatedBy)
	assert.Equal(t, initiator.Email, sess.InitiatorEmail)

	require.Len(t, signers, 2)
	assert.Equal(t, 0, signers[0].SigningOrder)
	assert.Equal(t, 1, signers[1].SigningOrder)
	assert.Equal(t, model.SignerTypeExternal, signers[0].SignerType)
	assert.Equal(t, model.SignerTypeInternal, signers[1].SignerType)
	for _, s := range signers {
		assert.Equal(t, model.SignerPending, s.Status)
		assert.Empty(t, s.TokenHash)
	}

	assert.Equal(t, model.ContractSigningPending, e.contract(t, "c-1").SigningStatus)
	assert.Equal(t, []string{model.SigningEventCreated}, e.trail(t, sess.ID))
	assert.Empty(t, e.notifier.Sent(), "sequential sessions wait for AdvanceSession")
	assert.Equal(t, 1, e.metrics.event(model.SigningEventCreated))
}

func TestCreateSession_explicitOrder(t *testing.T) {
	e := newEnv(t)
	_, signers := e.createSession(t, model.SigningOrderSequential, []SignerInput{
		{Name: "Second", Email: "second@example.com", Order: intp(2)},
		{Name: "First", Email: "first@example.com", Order: intp(1)},
	})
	require.Len(t, signers, 2)
	assert.Equal(t, "first@example.com", signers[0].SignerEmail)
	assert.Equal(t, "second@example.com", signers[1].SignerEmail)
}

func TestCreateSession_validation(t *testing.T) {
	e := newEnv(t)
	e.putContract(t, model.Contract{ID: "c-empty", Title: "No document"})
	ctx := context.Background()

	tests := []struct {
		name string
		in   SessionInput
		code string
	}{
		{"no signers", SessionInput{ContractID: "c-1"}, model.ErrValidationError},
		{"bad email", SessionInput{ContractID: "c-1", Signers: []SignerInput{{Name: "A", Email: "not-an-email"}}}, model.ErrValidationError},
		{"bad order", SessionInput{ContractID: "c-1", SigningOrder: "random", Signers: twoSigners()}, model.ErrValidationError},
		{"duplicate rank", SessionInput{ContractID: "c-1", Signers: []SignerInput{
			{Name: "A", Email: "a@example.com", Order: intp(1)},
			{Name: "B", Email: "b@example.com", Order: intp(1)},
		}}, model.ErrValidationError},
		{"field for unknown signer", SessionInput{ContractID: "c-1", Signers: twoSigners(), Fields: []FieldInput{
			{Signer: 5, FieldType: model.FieldSignature, Page: 1, Width: 10, Height: 10},
		}}, model.ErrValidationError},
		{"contract without document", SessionInput{ContractID: "c-empty", Signers: twoSigners()}, model.ErrValidationError},
		{"unknown contract", SessionInput{ContractID: "c-missing", Signers: twoSigners()}, model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.engine.CreateSession(ctx, initiator, tt.in)
			assert.True(t, model.IsCode(err, tt.code), "err = %v, want %s", err, tt.code)
		})
	}
}

func TestCreateSession_parallelInvitesEveryone(t *testing.T) {
	e := newEnv(t)
	sess, signers := e.createSession(t, model.SigningOrderParallel, twoSigners())

	invites := e.notifier.Kind(model.NotifyInvitation)
	require.Len(t, invites, 2)
	for _, n := range invites {
		assert.Len(t, n.Token, 64)
		assert.Equal(t, sess.ID, n.SessionID)
		assert.Equal(t, "https://sign.example.com/sign/"+n.Token, n.Data["signing_url"])
	}
	for _, s := range signers {
		assert.Equal(t, model.SignerSent, s.Status)
		assert.NotEmpty(t, s.TokenHash)
		require.NotNil(t, s.TokenExpiresAt)
		assert.Equal(t, e.clock.Now().Add(7*24*time.Hour), *s.TokenExpiresAt)
	}
	assert.Equal(t, []string{
		model.SigningEventCreated, model.SigningEventSent, model.SigningEventSent,
	}, e.trail(t, sess.ID))
}

func TestCreateSession_withFields(t *testing.T) {
	e := newEnv(t)
	sess, err := e.engine.CreateSession(context.Background(), initiator, SessionInput{
		ContractID: "c-1",
		Signers:    twoSigners(),
		Fields: []FieldInput{
			{Signer: 0, FieldType: model.FieldSignature, Page: 2, X: 50, Y: 100, Width: 80, Height: 25, Required: true},
			{Signer: 1, FieldType: model.FieldDate, Page: 2, X: 50, Y: 140, Width: 40, Height: 10},
		},
	})
	require.NoError(t, err)

	fields, err := e.engine.Fields(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, fields, 2)
	signers, _ := e.engine.Signers(context.Background(), sess.ID)
	byType := map[string]model.SigningField{}
	for _, f := range fields {
		byType[f.FieldType] = f
	}
	assert.Equal(t, signers[0].ID, byType[model.FieldSignature].AssignedSignerID)
	assert.Equal(t, signers[1].ID, byType[model.FieldDate].AssignedSignerID)
}

func TestSendToSigner(t *testing.T) {
	e := newEnv(t)
	sess, signers := e.createSession(t, "", twoSigners())

	raw, err := e.engine.SendToSigner(context.Background(), initiator, signers[1].ID)
	require.NoError(t, err)
	assert.Len(t, raw, 64)

	got := e.signer(t, signers[1].ID)
	assert.Equal(t, model.SignerSent, got.Status)
	assert.NotEqual(t, raw, got.TokenHash, "only the hash is stored")
	require.NotNil(t, got.SentAt)

	invites := e.notifier.Kind(model.NotifyInvitation)
	require.Len(t, invites, 1)
	assert.Equal(t, "bob@example.com", invites[0].Recipient)
	assert.Equal(t, raw, invites[0].Token)

	// Resending replaces the token.
	again, err := e.engine.SendToSigner(context.Background(), initiator, signers[1].ID)
	require.NoError(t, err)
	assert.NotEqual(t, raw, again)
	_, _, err = e.engine.ValidateToken(context.Background(), raw, browser)
	assert.True(t, model.IsCode(err, model.ErrInvalidToken))

	assert.Equal(t, []string{
		model.SigningEventCreated, model.SigningEventSent, model.SigningEventSent,
	}, e.trail(t, sess.ID))
}

func TestSendToSigner_inactiveSession(t *testing.T) {
	e := newEnv(t)
	sess, signers := e.createSession(t, "", twoSigners())
	_, err := e.engine.CancelSession(context.Background(), initiator, sess.ID, "wrong counterparty")
	require.NoError(t, err)

	_, err = e.engine.SendToSigner(context.Background(), initiator, signers[0].ID)
	assert.True(t, model.IsCode(err, model.ErrSessionInactive), "err = %v", err)
}

func TestAdvanceSession_sequential(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sess, signers := e.createSession(t, "", twoSigners())

	_, err := e.engine.AdvanceSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SignerSent, e.signer(t, signers[0].ID).Status)
	assert.Equal(t, model.SignerPending, e.signer(t, signers[1].ID).Status)

	// The first signer is still outstanding, so nothing else happens.
	_, err = e.engine.AdvanceSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, e.notifier.Kind(model.NotifyInvitation), 1)

	_, err = e.engine.CaptureSignature(ctx, e.lastToken(t, "alice@example.com"), browser, Capture{Image: pngImage})
	require.NoError(t, err)
	_, err = e.engine.AdvanceSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SignerSent, e.signer(t, signers[1].ID).Status)
	assert.Len(t, e.notifier.Kind(model.NotifyInvitation), 2)
}

func TestAdvanceSession_sequentialWaitsForViewedSigner(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sess, signers := e.createSession(t, "", twoSigners())

	_, err := e.engine.AdvanceSession(ctx, sess.ID)
	require.NoError(t, err)
	_, _, err = e.engine.ValidateToken(ctx, e.lastToken(t, "alice@example.com"), browser)
	require.NoError(t, err)
	require.Equal(t, model.SignerViewed, e.signer(t, signers[0].ID).Status)

	_, err = e.engine.AdvanceSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SignerPending, e.signer(t, signers[1].ID).Status, "a viewed signer still holds the turn")
	invitations := e.notifier.Kind(model.NotifyInvitation)
	require.Len(t, invitations, 1)
	assert.Equal(t, "alice@example.com", invitations[0].Recipient)
}

func TestAdvanceSession_inactiveIsNoop(t *testing.T) {
	e := newEnv(t)
	sess, signers := e.createSession(t, "", twoSigners())
	_, err := e.engine.CancelSession(context.Background(), initiator, sess.ID, "")
	require.NoError(t, err)

	got, err := e.engine.AdvanceSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCancelled, got.Status)
	assert.Equal(t, model.SignerPending, e.signer(t, signers[0].ID).Status)
}

func TestCancelSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sess, signers := e.createSession(t, model.SigningOrderParallel, twoSigners())

	got, err := e.engine.CancelSession(ctx, initiator, sess.ID, "terms changed")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCancelled, got.Status)
	for _, s := range signers {
		assert.Equal(t, model.SignerSent, e.signer(t, s.ID).Status, "signers are left untouched")
	}

	_, err = e.engine.CancelSession(ctx, initiator, sess.ID, "again")
	assert.True(t, model.IsCode(err, model.ErrSessionInactive))

	events := e.trail(t, sess.ID)
	assert.Equal(t, model.SigningEventCancelled, events[len(events)-1])
}

func TestCertificate_notCompleted(t *testing.T) {
	e := newEnv(t)
	sess, _ := e.createSession(t, "", twoSigners())
	_, err := e.engine.Certificate(context.Background(), sess.ID)
	assert.True(t, model.IsCode(err, model.ErrNotFound))
}
