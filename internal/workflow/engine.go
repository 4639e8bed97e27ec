// Package workflow moves contracts through the stages of a published
// workflow template.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/covenant/internal/audit"
	"github.com/pitabwire/covenant/internal/notify"
	"github.com/pitabwire/covenant/internal/observability"
	"github.com/pitabwire/covenant/internal/store"
	"github.com/pitabwire/covenant/model"
)

// Metrics receives workflow counters.
type Metrics interface {
	RecordWorkflowStart(templateID string)
	RecordWorkflowAction(action string)
	RecordWorkflowCompletion(templateID string)
}

type nopMetrics struct{}

func (nopMetrics) RecordWorkflowStart(string)      {}
func (nopMetrics) RecordWorkflowAction(string)     {}
func (nopMetrics) RecordWorkflowCompletion(string) {}

// Engine manages workflow templates and the lifecycle of workflow instances.
type Engine struct {
	store    store.Store
	notifier notify.Notifier
	metrics  Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the destination of status change notifications.
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

// NewEngine creates a new workflow engine.
func NewEngine(s store.Store, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		notifier: notify.Nop{},
		metrics:  nopMetrics{},
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartWorkflow attaches a published template to a contract and places the
// new instance at the template's first stage. At most one active instance
// may exist per contract; the check runs under a lock on the contract.
func (e *Engine) StartWorkflow(ctx context.Context, actor model.Actor, contractID, templateID string) (_ model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.start",
		observability.AttrContractID.String(contractID),
		observability.AttrTemplateID.String(templateID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	now := e.now().UTC()
	var (
		inst     model.WorkflowInstance
		contract model.Contract
	)
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		tpl, err := tx.GetTemplate(ctx, templateID)
		if err != nil {
			return err
		}
		if tpl.Status != model.TemplateStatusPublished {
			return model.NewNotPublishedError(templateID)
		}
		version, err := tx.GetTemplateVersion(ctx, tpl.ID, tpl.Version)
		if err != nil {
			return err
		}
		if len(version.Stages) == 0 {
			return model.NewNotPublishedError(templateID)
		}

		contract, err = tx.LockContract(ctx, contractID)
		if err != nil {
			return err
		}
		if _, active, err := tx.FindActiveInstance(ctx, contractID); err != nil {
			return err
		} else if active {
			return model.NewAlreadyActiveError(contractID)
		}

		first := version.Stages[0].Name
		inst = model.WorkflowInstance{
			ID:              uuid.New().String(),
			ContractID:      contractID,
			TemplateID:      tpl.ID,
			TemplateVersion: version.Version,
			CurrentStage:    first,
			State:           model.InstanceStateActive,
			StartedBy:       actor.ID,
			StartedAt:       now,
		}
		if err := tx.CreateInstance(ctx, inst); err != nil {
			return err
		}
		if err := tx.SetContractWorkflowState(ctx, contractID, first); err != nil {
			return err
		}
		return audit.Log(ctx, tx, now, "workflow_instance.start", audit.ResourceInstance, inst.ID, map[string]any{
			"contract_id":      contractID,
			"template_id":      tpl.ID,
			"template_version": version.Version,
			"stage":            first,
		}, &actor)
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	e.metrics.RecordWorkflowStart(templateID)
	e.logger.Info("workflow started",
		zap.String("instance_id", inst.ID),
		zap.String("contract_id", contractID),
		zap.String("template_id", templateID),
		zap.Int("template_version", inst.TemplateVersion),
		zap.String("actor_id", actor.ID),
	)
	e.notifyStatusChanged(ctx, contract, inst, inst.CurrentStage)
	return inst, nil
}

// PerformAction applies action to the instance's current stage. stageName
// must equal the instance's current stage; a mismatch means the caller acted
// on stale state and fails with STALE_TRANSITION. Reject and rework move back
// one stage (never before the first); every other action moves forward, and
// moving past the last stage completes the instance.
func (e *Engine) PerformAction(
	ctx context.Context,
	actor model.Actor,
	instanceID string,
	stageName string,
	action model.Action,
	comment string,
) (_ model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.perform_action",
		observability.AttrInstanceID.String(instanceID),
		attribute.String("covenant.action", string(action)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if _, err := model.ParseAction(string(action)); err != nil {
		return model.WorkflowInstance{}, err
	}

	now := e.now().UTC()
	var (
		inst     model.WorkflowInstance
		contract model.Contract
		state    string
	)
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		inst, err = tx.GetInstanceForUpdate(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.State != model.InstanceStateActive {
			return model.NewStaleTransitionError(fmt.Sprintf("workflow instance %q is %s", instanceID, inst.State))
		}
		if inst.CurrentStage != stageName {
			return model.NewStaleTransitionError(fmt.Sprintf(
				"workflow instance %q is at stage %q, not %q", instanceID, inst.CurrentStage, stageName))
		}

		version, err := tx.GetTemplateVersion(ctx, inst.TemplateID, inst.TemplateVersion)
		if err != nil {
			return err
		}
		idx := model.StageIndex(version.Stages, inst.CurrentStage)
		if idx < 0 {
			return model.NewStaleTransitionError(fmt.Sprintf("stage %q no longer exists in template version %d", stageName, inst.TemplateVersion))
		}
		if !version.Stages[idx].Allows(action) {
			return model.NewInvalidTransitionError(fmt.Sprintf("action %q is not allowed on stage %q", action, stageName))
		}

		// The action record precedes the state it produces.
		if err := tx.AppendStageAction(ctx, model.WorkflowStageAction{
			ID:         uuid.New().String(),
			InstanceID: inst.ID,
			StageName:  stageName,
			Action:     action,
			ActorID:    actor.ID,
			ActorEmail: actor.Email,
			Comment:    comment,
			CreatedAt:  now,
		}); err != nil {
			return err
		}

		from := inst.CurrentStage
		next := max(idx+action.Delta(), 0)
		if next >= len(version.Stages) {
			inst.State = model.InstanceStateCompleted
			inst.CompletedAt = &now
			state = model.ContractStateExecuted
		} else {
			inst.CurrentStage = version.Stages[next].Name
			state = inst.CurrentStage
		}

		if err := tx.UpdateInstance(ctx, inst); err != nil {
			return err
		}
		if err := tx.SetContractWorkflowState(ctx, inst.ContractID, state); err != nil {
			return err
		}
		contract, err = tx.GetContract(ctx, inst.ContractID)
		if err != nil {
			return err
		}
		return audit.Log(ctx, tx, now, "workflow_stage."+string(action), audit.ResourceInstance, inst.ID, map[string]any{
			"contract_id": inst.ContractID,
			"from_stage":  from,
			"to_state":    state,
			"comment":     comment,
		}, &actor)
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	e.metrics.RecordWorkflowAction(string(action))
	if inst.State == model.InstanceStateCompleted {
		e.metrics.RecordWorkflowCompletion(inst.TemplateID)
	}
	e.logger.Info("workflow action performed",
		zap.String("instance_id", inst.ID),
		zap.String("stage", stageName),
		zap.String("action", string(action)),
		zap.String("state", state),
		zap.String("actor_id", actor.ID),
	)
	e.notifyStatusChanged(ctx, contract, inst, state)
	return inst, nil
}

// Instance returns a workflow instance by ID.
func (e *Engine) Instance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		inst, err = tx.GetInstance(ctx, id)
		return err
	})
	return inst, err
}

// ActiveInstance returns the contract's active instance, or NOT_FOUND.
func (e *Engine) ActiveInstance(ctx context.Context, contractID string) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		found, ok, err := tx.FindActiveInstance(ctx, contractID)
		if err != nil {
			return err
		}
		if !ok {
			return model.NewNotFoundError(fmt.Sprintf("contract %q has no active workflow", contractID))
		}
		inst = found
		return nil
	})
	return inst, err
}

// History returns every action recorded on the instance in the order they
// were performed.
func (e *Engine) History(ctx context.Context, instanceID string) ([]model.WorkflowStageAction, error) {
	var out []model.WorkflowStageAction
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetInstance(ctx, instanceID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListStageActions(ctx, instanceID)
		return err
	})
	return out, err
}

// notifyStatusChanged runs after commit. Failures are logged only.
func (e *Engine) notifyStatusChanged(ctx context.Context, contract model.Contract, inst model.WorkflowInstance, state string) {
	n := model.Notification{
		Kind:       model.NotifyStatusChanged,
		Recipient:  contract.InitiatorEmail,
		Subject:    fmt.Sprintf("%s is now %s", contract.Title, state),
		ContractID: contract.ID,
		Data: map[string]any{
			"instance_id": inst.ID,
			"state":       state,
		},
		CreatedAt: e.now().UTC(),
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Warn("status change notification failed",
			zap.String("contract_id", contract.ID),
			zap.String("instance_id", inst.ID),
			zap.Error(err),
		)
	}
}
