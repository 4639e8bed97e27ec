package escalation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/covenant/internal/audit"
	"github.com/pitabwire/covenant/internal/notify"
	"github.com/pitabwire/covenant/internal/store"
	"github.com/pitabwire/covenant/internal/workflow"
	"github.com/pitabwire/covenant/model"
)

var admin = model.Actor{ID: "user-admin", Email: "admin@example.com", Roles: []string{"admin"}}

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

type tierMetrics struct {
	mu       sync.Mutex
	created  map[int]int
	resolved int
}

func (m *tierMetrics) RecordEscalationCreated(tier int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.created == nil {
		m.created = map[int]int{}
	}
	m.created[tier]++
}

func (m *tierMetrics) RecordEscalationResolved() {
	m.mu.Lock()
	m.resolved++
	m.mu.Unlock()
}

type env struct {
	store    *store.MemoryStore
	clock    *clock
	workflow *workflow.Engine
	monitor  *Monitor
	notifier *notify.Recorder
	metrics  *tierMetrics
	template model.WorkflowTemplate
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	e := &env{
		store:    store.NewMemoryStore(),
		clock:    &clock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)},
		notifier: &notify.Recorder{},
		metrics:  &tierMetrics{},
	}
	e.workflow = workflow.NewEngine(e.store, zap.NewNop(), workflow.WithClock(e.clock.Now))
	opts = append([]Option{
		WithClock(e.clock.Now),
		WithNotifier(e.notifier),
		WithMetrics(e.metrics),
	}, opts...)
	e.monitor = NewMonitor(e.store, zap.NewNop(), opts...)

	ctx := context.Background()
	tpl, err := e.workflow.CreateTemplate(ctx, admin, workflow.TemplateInput{
		Name: "Commercial",
		Stages: []model.Stage{
			{Name: "legal_review", Kind: model.StageReview},
			{Name: "approval", Kind: model.StageApproval},
		},
	})
	require.NoError(t, err)
	e.template, err = e.workflow.PublishTemplate(ctx, admin, tpl.ID)
	require.NoError(t, err)
	return e
}

func (e *env) startWorkflow(t *testing.T, contractID string) model.WorkflowInstance {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.PutContract(ctx, model.Contract{ID: contractID, Title: "Contract " + contractID})
	}))
	inst, err := e.workflow.StartWorkflow(ctx, admin, contractID, e.template.ID)
	require.NoError(t, err)
	return inst
}

func (e *env) addRule(t *testing.T, stage string, hours, tier int) model.EscalationRule {
	t.Helper()
	rule, err := e.monitor.AddRule(context.Background(), admin, RuleInput{
		TemplateID:     e.template.ID,
		StageName:      stage,
		Tier:           tier,
		SLABreachHours: hours,
		EscalateToRole: "legal_manager",
	})
	require.NoError(t, err)
	return rule
}

func TestAddRule_validation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   RuleInput
		code string
	}{
		{"tier too high", RuleInput{TemplateID: e.template.ID, StageName: "approval", Tier: 4, SLABreachHours: 24, EscalateToRole: "x"}, model.ErrValidationError},
		{"zero hours", RuleInput{TemplateID: e.template.ID, StageName: "approval", Tier: 1, EscalateToRole: "x"}, model.ErrValidationError},
		{"no target", RuleInput{TemplateID: e.template.ID, StageName: "approval", Tier: 1, SLABreachHours: 24}, model.ErrValidationError},
		{"unknown stage", RuleInput{TemplateID: e.template.ID, StageName: "signing", Tier: 1, SLABreachHours: 24, EscalateToRole: "x"}, model.ErrValidationError},
		{"unknown template", RuleInput{TemplateID: "missing", StageName: "approval", Tier: 1, SLABreachHours: 24, EscalateToRole: "x"}, model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.monitor.AddRule(ctx, admin, tt.in)
			assert.True(t, model.IsCode(err, tt.code), "err = %v, want %s", err, tt.code)
		})
	}
}

func TestAddRule_defaultsTierAndLists(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	rule, err := e.monitor.AddRule(ctx, admin, RuleInput{
		TemplateID: e.template.ID, StageName: "approval", SLABreachHours: 48, EscalateToUser: "cfo@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rule.Tier)

	e.addRule(t, "legal_review", 24, 2)
	rules, err := e.monitor.Rules(ctx, e.template.ID)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, 1, rules[0].Tier)
	assert.Equal(t, 2, rules[1].Tier)
}

func TestCheckBreaches_createsEventAfterSLA(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rule := e.addRule(t, "legal_review", 24, 2)
	inst := e.startWorkflow(t, "c-1")

	e.clock.Advance(23 * time.Hour)
	n, err := e.monitor.CheckBreaches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not yet breached")

	e.clock.Advance(time.Hour)
	n, err = e.monitor.CheckBreaches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events, err := e.monitor.Events(ctx, model.EscalationFilter{ContractID: "c-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, inst.ID, ev.InstanceID)
	assert.Equal(t, rule.ID, ev.RuleID)
	assert.Equal(t, "legal_review", ev.StageName)
	assert.Equal(t, 2, ev.Tier)
	assert.False(t, ev.Resolved())

	sent := e.notifier.Kind(model.NotifyEscalation)
	require.Len(t, sent, 1)
	assert.Equal(t, "legal_manager", sent[0].Role)
	assert.Equal(t, "c-1", sent[0].ContractID)
	assert.Equal(t, 1, e.metrics.created[2])

	entries, err := audit.NewLedger(e.store).List(ctx, audit.ResourceEscalation, ev.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.SystemActor.ID, entries[0].ActorID)
	assert.Equal(t, e.clock.Now(), entries[0].At, "stamped with the monitor clock")
}

func TestCheckBreaches_idempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addRule(t, "legal_review", 1, 1)
	e.startWorkflow(t, "c-1")
	e.clock.Advance(2 * time.Hour)

	first, err := e.monitor.CheckBreaches(ctx)
	require.NoError(t, err)
	second, err := e.monitor.CheckBreaches(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, first)
	assert.Equal(t, 0, second)
	events, _ := e.monitor.Events(ctx, model.EscalationFilter{})
	assert.Len(t, events, 1)
	assert.Len(t, e.notifier.Kind(model.NotifyEscalation), 1)
}

func TestCheckBreaches_concurrentScans(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addRule(t, "legal_review", 1, 1)
	for i := range 5 {
		e.startWorkflow(t, fmt.Sprintf("c-%d", i))
	}
	e.clock.Advance(2 * time.Hour)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := e.monitor.CheckBreaches(ctx)
			assert.NoError(t, err)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, total)
	events, _ := e.monitor.Events(ctx, model.EscalationFilter{UnresolvedOnly: true})
	assert.Len(t, events, 5)
}

func TestCheckBreaches_timeRunsFromLastAction(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addRule(t, "legal_review", 24, 1)
	inst := e.startWorkflow(t, "c-1")

	// A reject at the first stage stays there and restarts the clock.
	e.clock.Advance(20 * time.Hour)
	_, err := e.workflow.PerformAction(ctx, admin, inst.ID, "legal_review", model.ActionReject, "")
	require.NoError(t, err)

	e.clock.Advance(20 * time.Hour)
	n, err := e.monitor.CheckBreaches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "only 20h since the last action")

	e.clock.Advance(4 * time.Hour)
	n, err = e.monitor.CheckBreaches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCheckBreaches_timeRunsFromEnteringStage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addRule(t, "approval", 24, 1)
	inst := e.startWorkflow(t, "c-1")

	// The instance waited 30h in legal_review before moving to approval.
	e.clock.Advance(30 * time.Hour)
	inst, err := e.workflow.PerformAction(ctx, admin, inst.ID, "legal_review", model.ActionApprove, "")
	require.NoError(t, err)
	require.Equal(t, "approval", inst.CurrentStage)

	e.clock.Advance(2 * time.Hour)
	n, err := e.monitor.CheckBreaches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "only 2h in approval")

	e.clock.Advance(22 * time.Hour)
	n, err = e.monitor.CheckBreaches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCheckBreaches_onlyCurrentStageRules(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addRule(t, "approval", 1, 3)
	e.startWorkflow(t, "c-1")
	e.clock.Advance(48 * time.Hour)

	n, err := e.monitor.CheckBreaches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCheckBreaches_skipsCompletedInstances(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addRule(t, "approval", 1, 1)
	inst := e.startWorkflow(t, "c-1")
	inst, _ = e.workflow.PerformAction(ctx, admin, inst.ID, "legal_review", model.ActionApprove, "")
	_, err := e.workflow.PerformAction(ctx, admin, inst.ID, "approval", model.ActionApprove, "")
	require.NoError(t, err)
	e.clock.Advance(48 * time.Hour)

	n, err := e.monitor.CheckBreaches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCheckBreaches_pagesThroughInstances(t *testing.T) {
	e := newEnv(t, WithBatchSize(2))
	ctx := context.Background()
	e.addRule(t, "legal_review", 1, 1)
	for i := range 5 {
		e.startWorkflow(t, fmt.Sprintf("c-%d", i))
	}
	e.clock.Advance(time.Hour)

	n, err := e.monitor.CheckBreaches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestResolveEscalation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addRule(t, "legal_review", 1, 1)
	inst := e.startWorkflow(t, "c-1")
	e.clock.Advance(2 * time.Hour)
	_, err := e.monitor.CheckBreaches(ctx)
	require.NoError(t, err)
	events, _ := e.monitor.Events(ctx, model.EscalationFilter{})
	require.Len(t, events, 1)

	ev, err := e.monitor.ResolveEscalation(ctx, admin, events[0].ID)
	require.NoError(t, err)
	require.True(t, ev.Resolved())
	assert.Equal(t, admin.Email, ev.ResolvedBy)
	resolvedAt := *ev.ResolvedAt

	// Resolving again returns the event unchanged.
	e.clock.Advance(time.Hour)
	again, err := e.monitor.ResolveEscalation(ctx, admin, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, resolvedAt, *again.ResolvedAt)
	assert.Equal(t, 1, e.metrics.resolved)

	// The instance itself is untouched.
	current, err := e.workflow.Instance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.CurrentStage, current.CurrentStage)
	assert.Equal(t, model.InstanceStateActive, current.State)

	entries, _ := audit.NewLedger(e.store).List(ctx, audit.ResourceEscalation, ev.ID)
	var resolvedEntries int
	for _, en := range entries {
		if en.Action == "escalation_resolved" {
			resolvedEntries++
		}
	}
	assert.Equal(t, 1, resolvedEntries)

	unresolved, _ := e.monitor.Events(ctx, model.EscalationFilter{UnresolvedOnly: true})
	assert.Empty(t, unresolved)
}

func TestResolveEscalation_reescalatesAfterResolution(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addRule(t, "legal_review", 1, 1)
	e.startWorkflow(t, "c-1")
	e.clock.Advance(2 * time.Hour)
	_, _ = e.monitor.CheckBreaches(ctx)
	events, _ := e.monitor.Events(ctx, model.EscalationFilter{})
	_, err := e.monitor.ResolveEscalation(ctx, admin, events[0].ID)
	require.NoError(t, err)

	// The stage is still breached, so the next scan escalates again.
	n, err := e.monitor.CheckBreaches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestResolveEscalation_notFound(t *testing.T) {
	e := newEnv(t)
	_, err := e.monitor.ResolveEscalation(context.Background(), admin, "missing")
	assert.True(t, model.IsCode(err, model.ErrNotFound))
}
