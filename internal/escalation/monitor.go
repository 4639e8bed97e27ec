// Package escalation detects workflow stages that have outlived their SLA and
// records escalation events for them.
package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/covenant/internal/audit"
	"github.com/pitabwire/covenant/internal/notify"
	"github.com/pitabwire/covenant/internal/observability"
	"github.com/pitabwire/covenant/internal/store"
	"github.com/pitabwire/covenant/internal/validate"
	"github.com/pitabwire/covenant/model"
)

// DefaultBatchSize is the number of active instances read per scan page.
const DefaultBatchSize = 100

// Metrics receives escalation counters.
type Metrics interface {
	RecordEscalationCreated(tier int)
	RecordEscalationResolved()
}

type nopMetrics struct{}

func (nopMetrics) RecordEscalationCreated(int) {}
func (nopMetrics) RecordEscalationResolved()   {}

// Monitor manages escalation rules and scans running workflows for breaches.
type Monitor struct {
	store     store.Store
	notifier  notify.Notifier
	metrics   Metrics
	logger    *zap.Logger
	now       func() time.Time
	batchSize int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithNotifier sets the destination of escalation notifications.
func WithNotifier(n notify.Notifier) Option {
	return func(m *Monitor) { m.notifier = n }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(mr Metrics) Option {
	return func(m *Monitor) { m.metrics = mr }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithBatchSize sets how many active instances are read per page.
func WithBatchSize(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// NewMonitor creates a new escalation monitor.
func NewMonitor(s store.Store, logger *zap.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		store:     s,
		notifier:  notify.Nop{},
		metrics:   nopMetrics{},
		logger:    logger,
		now:       time.Now,
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RuleInput is the editable body of an escalation rule.
type RuleInput struct {
	TemplateID     string `json:"workflow_template_id"`
	StageName      string `json:"stage_name"`
	Tier           int    `json:"tier"`
	SLABreachHours int    `json:"sla_breach_hours"`
	EscalateToRole string `json:"escalate_to_role,omitempty"`
	EscalateToUser string `json:"escalate_to_user,omitempty"`
}

// AddRule attaches an SLA rule to a stage of a template.
func (m *Monitor) AddRule(ctx context.Context, actor model.Actor, in RuleInput) (model.EscalationRule, error) {
	rule := model.EscalationRule{
		ID:             uuid.New().String(),
		TemplateID:     in.TemplateID,
		StageName:      in.StageName,
		Tier:           in.Tier,
		SLABreachHours: in.SLABreachHours,
		EscalateToRole: in.EscalateToRole,
		EscalateToUser: in.EscalateToUser,
		CreatedAt:      m.now().UTC(),
	}
	if rule.Tier == 0 {
		rule.Tier = 1
	}
	if err := validate.Struct(rule); err != nil {
		return model.EscalationRule{}, err
	}
	if rule.EscalateToRole == "" && rule.EscalateToUser == "" {
		return model.EscalationRule{}, validate.Field("escalate_to_role", "REQUIRED",
			"a rule needs a role or a user to escalate to")
	}

	err := m.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		tpl, err := tx.GetTemplate(ctx, rule.TemplateID)
		if err != nil {
			return err
		}
		if model.StageIndex(tpl.Stages, rule.StageName) < 0 {
			return validate.Field("stage_name", "UNKNOWN_STAGE",
				fmt.Sprintf("template %q has no stage %q", tpl.ID, rule.StageName))
		}
		if err := tx.CreateEscalationRule(ctx, rule); err != nil {
			return err
		}
		return audit.Log(ctx, tx, rule.CreatedAt, "escalation_rule.create", audit.ResourceRule, rule.ID, map[string]any{
			"template_id":      rule.TemplateID,
			"stage_name":       rule.StageName,
			"tier":             rule.Tier,
			"sla_breach_hours": rule.SLABreachHours,
		}, &actor)
	})
	if err != nil {
		return model.EscalationRule{}, err
	}
	return rule, nil
}

// Rules returns the rules of a template ordered by tier.
func (m *Monitor) Rules(ctx context.Context, templateID string) ([]model.EscalationRule, error) {
	var out []model.EscalationRule
	err := m.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListEscalationRules(ctx, templateID)
		return err
	})
	return out, err
}

// breach is a rule found to be breached during a scan.
type breach struct {
	instance model.WorkflowInstance
	rule     model.EscalationRule
}

// CheckBreaches scans every active workflow instance and records an
// escalation event for each rule of its current stage whose SLA has passed
// and that has no unresolved event yet. Running it again without any state
// change creates nothing. It returns the number of events created.
func (m *Monitor) CheckBreaches(ctx context.Context) (_ int, err error) {
	ctx, span := observability.StartSpan(ctx, "escalation.check_breaches")
	defer func() { observability.EndSpanWithError(span, err) }()

	now := m.now().UTC()
	rulesByTemplate := map[string][]model.EscalationRule{}
	created := 0
	after := ""

	for {
		var (
			page     []model.WorkflowInstance
			breaches []breach
		)
		err := m.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			page, err = tx.ListActiveInstances(ctx, after, m.batchSize)
			if err != nil {
				return err
			}
			for _, inst := range page {
				rules, ok := rulesByTemplate[inst.TemplateID]
				if !ok {
					rules, err = tx.ListEscalationRules(ctx, inst.TemplateID)
					if err != nil {
						return err
					}
					rulesByTemplate[inst.TemplateID] = rules
				}
				found, err := m.breachedRules(ctx, tx, inst, rules, now)
				if err != nil {
					return err
				}
				breaches = append(breaches, found...)
			}
			return nil
		})
		if err != nil {
			return created, err
		}

		for _, b := range breaches {
			ev, ok, err := m.escalate(ctx, b, now)
			if err != nil {
				return created, err
			}
			if ok {
				created++
				m.afterEscalation(ctx, b, ev)
			}
		}

		if len(page) < m.batchSize {
			break
		}
		after = page[len(page)-1].ID
	}

	if created > 0 {
		m.logger.Info("escalation scan complete", zap.Int("created", created))
	}
	return created, nil
}

// breachedRules returns the rules of the instance's current stage whose SLA
// has elapsed. Time in stage runs from the instance's last action on any
// stage, since the action that moved it into the current stage is recorded
// against the stage it left. Without actions it runs from the start.
func (m *Monitor) breachedRules(ctx context.Context, tx store.Tx, inst model.WorkflowInstance, rules []model.EscalationRule, now time.Time) ([]breach, error) {
	var out []breach
	var entered *time.Time
	for _, r := range rules {
		if r.StageName != inst.CurrentStage {
			continue
		}
		if entered == nil {
			last, ok, err := tx.LastStageAction(ctx, inst.ID)
			if err != nil {
				return nil, err
			}
			at := inst.StartedAt
			if ok {
				at = last.CreatedAt
			}
			entered = &at
		}
		if now.Sub(*entered) >= time.Duration(r.SLABreachHours)*time.Hour {
			out = append(out, breach{instance: inst, rule: r})
		}
	}
	return out, nil
}

// escalate records the event for one breach. The instance is re-read under
// lock so that a concurrent transition or a concurrent scan never produces a
// second unresolved event for the same rule.
func (m *Monitor) escalate(ctx context.Context, b breach, now time.Time) (model.EscalationEvent, bool, error) {
	var (
		ev      model.EscalationEvent
		created bool
	)
	err := m.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		inst, err := tx.GetInstanceForUpdate(ctx, b.instance.ID)
		if err != nil {
			return err
		}
		if inst.State != model.InstanceStateActive || inst.CurrentStage != b.rule.StageName {
			return nil
		}
		exists, err := tx.HasUnresolvedEscalation(ctx, inst.ID, b.rule.ID)
		if err != nil || exists {
			return err
		}

		ev = model.EscalationEvent{
			ID:          uuid.New().String(),
			InstanceID:  inst.ID,
			RuleID:      b.rule.ID,
			ContractID:  inst.ContractID,
			StageName:   inst.CurrentStage,
			Tier:        b.rule.Tier,
			EscalatedAt: now,
		}
		if err := tx.CreateEscalationEvent(ctx, ev); err != nil {
			if model.IsCode(err, model.ErrConflict) {
				return nil
			}
			return err
		}
		created = true
		return audit.Log(ctx, tx, now, "escalation_event.create", audit.ResourceEscalation, ev.ID, map[string]any{
			"instance_id": inst.ID,
			"rule_id":     b.rule.ID,
			"contract_id": inst.ContractID,
			"stage_name":  inst.CurrentStage,
			"tier":        b.rule.Tier,
		}, nil)
	})
	if err != nil {
		return model.EscalationEvent{}, false, err
	}
	return ev, created, nil
}

func (m *Monitor) afterEscalation(ctx context.Context, b breach, ev model.EscalationEvent) {
	m.metrics.RecordEscalationCreated(ev.Tier)
	m.logger.Warn("workflow stage breached SLA",
		zap.String("event_id", ev.ID),
		zap.String("instance_id", ev.InstanceID),
		zap.String("contract_id", ev.ContractID),
		zap.String("stage", ev.StageName),
		zap.Int("tier", ev.Tier),
	)

	var title string
	_ = m.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.GetContract(ctx, ev.ContractID)
		title = c.Title
		return err
	})
	if title == "" {
		title = ev.ContractID
	}

	n := model.Notification{
		Kind:       model.NotifyEscalation,
		Recipient:  b.rule.EscalateToUser,
		Role:       b.rule.EscalateToRole,
		Subject:    "Escalation: SLA breach",
		ContractID: ev.ContractID,
		Data: map[string]any{
			"event_id":    ev.ID,
			"instance_id": ev.InstanceID,
			"stage_name":  ev.StageName,
			"tier":        ev.Tier,
			"body":        fmt.Sprintf("Contract %s stage %s has breached SLA.", title, ev.StageName),
		},
		CreatedAt: m.now().UTC(),
	}
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.logger.Warn("escalation notification failed",
			zap.String("event_id", ev.ID),
			zap.Error(err),
		)
	}
}

// ResolveEscalation marks an event resolved by actor. The workflow instance
// is not touched. Resolving an event twice returns it unchanged.
func (m *Monitor) ResolveEscalation(ctx context.Context, actor model.Actor, eventID string) (_ model.EscalationEvent, err error) {
	ctx, span := observability.StartSpan(ctx, "escalation.resolve", observability.AttrEventID.String(eventID))
	defer func() { observability.EndSpanWithError(span, err) }()

	var (
		ev       model.EscalationEvent
		resolved bool
	)
	err = m.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		ev, err = tx.GetEscalationEventForUpdate(ctx, eventID)
		if err != nil {
			return err
		}
		if ev.Resolved() {
			return nil
		}
		now := m.now().UTC()
		if err := tx.ResolveEscalationEvent(ctx, ev.ID, actor.Email, now); err != nil {
			return err
		}
		ev.ResolvedAt = &now
		ev.ResolvedBy = actor.Email
		resolved = true
		return audit.Log(ctx, tx, now, "escalation_resolved", audit.ResourceEscalation, ev.ID, map[string]any{
			"instance_id": ev.InstanceID,
			"rule_id":     ev.RuleID,
		}, &actor)
	})
	if err != nil {
		return model.EscalationEvent{}, err
	}

	if resolved {
		m.metrics.RecordEscalationResolved()
		m.logger.Info("escalation resolved",
			zap.String("event_id", ev.ID),
			zap.String("actor_id", actor.ID),
		)
	}
	return ev, nil
}

// Events lists escalation events, oldest first.
func (m *Monitor) Events(ctx context.Context, filter model.EscalationFilter) ([]model.EscalationEvent, error) {
	var out []model.EscalationEvent
	err := m.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListEscalationEvents(ctx, filter)
		return err
	})
	return out, err
}
