package model

import (
	"fmt"
	"time"
)

// Template status constants.
const (
	TemplateStatusDraft     = "draft"
	TemplateStatusPublished = "published"
)

// Workflow instance state constants.
const (
	InstanceStateActive    = "active"
	InstanceStateCompleted = "completed"
)

// ContractStateExecuted is written to a contract's workflow state once its
// workflow runs past the final stage.
const ContractStateExecuted = "executed"

// StageKind classifies a workflow stage.
type StageKind string

// Stage kinds.
const (
	StageDraft       StageKind = "draft"
	StageReview      StageKind = "review"
	StageApproval    StageKind = "approval"
	StageSigning     StageKind = "signing"
	StageCountersign StageKind = "countersign"
	StageCompletion  StageKind = "completion"
)

// Valid reports whether k is a known stage kind.
func (k StageKind) Valid() bool {
	switch k {
	case StageDraft, StageReview, StageApproval, StageSigning, StageCountersign, StageCompletion:
		return true
	}
	return false
}

// Action is a named transition trigger performed on the current stage.
type Action string

// Actions.
const (
	ActionApprove  Action = "approve"
	ActionSubmit   Action = "submit"
	ActionSign     Action = "sign"
	ActionComplete Action = "complete"
	ActionReject   Action = "reject"
	ActionRework   Action = "rework"
)

// actionDeltas is the transition table: the stage index offset applied by
// each action.
var actionDeltas = map[Action]int{
	ActionApprove:  1,
	ActionSubmit:   1,
	ActionSign:     1,
	ActionComplete: 1,
	ActionReject:   -1,
	ActionRework:   -1,
}

// ParseAction converts a raw action name into an Action. Unknown names are
// rejected with INVALID_TRANSITION.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if _, ok := actionDeltas[a]; !ok {
		return "", NewInvalidTransitionError(fmt.Sprintf("unknown action %q", s))
	}
	return a, nil
}

// Delta returns the stage index offset for the action.
func (a Action) Delta() int {
	return actionDeltas[a]
}

// Stage is one step of a workflow template.
type Stage struct {
	Name   string    `json:"name" yaml:"name" validate:"required,max=100"`
	Kind   StageKind `json:"type" yaml:"type" validate:"required,oneof=draft review approval signing countersign completion"`
	Owners []string  `json:"owners,omitempty" yaml:"owners,omitempty"`
	// Actions restricts which actions may be performed on the stage.
	// Empty allows all actions.
	Actions []Action `json:"actions,omitempty" yaml:"actions,omitempty" validate:"dive,oneof=approve submit sign complete reject rework"`
}

// Allows reports whether the stage accepts the action.
func (s Stage) Allows(a Action) bool {
	if len(s.Actions) == 0 {
		return true
	}
	for _, allowed := range s.Actions {
		if allowed == a {
			return true
		}
	}
	return false
}

// WorkflowTemplate is an ordered list of stages that workflow instances walk
// through. Only published templates can be started.
type WorkflowTemplate struct {
	ID           string     `json:"id"`
	Name         string     `json:"name" validate:"required,max=255"`
	ContractType string     `json:"contract_type,omitempty"`
	Stages       []Stage    `json:"stages" validate:"required,min=1,dive"`
	Status       string     `json:"status"`
	Version      int        `json:"version"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
	CreatedBy    string     `json:"created_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TemplateVersion is the frozen stage list of a template at publish time.
// Instances run against the version they were started on.
type TemplateVersion struct {
	TemplateID  string    `json:"template_id"`
	Version     int       `json:"version"`
	Stages      []Stage   `json:"stages"`
	PublishedAt time.Time `json:"published_at"`
}

// StageIndex returns the position of the named stage, or -1.
func StageIndex(stages []Stage, name string) int {
	for i, s := range stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// WorkflowInstance is one run of a template version against a contract.
type WorkflowInstance struct {
	ID              string     `json:"id"`
	ContractID      string     `json:"contract_id"`
	TemplateID      string     `json:"template_id"`
	TemplateVersion int        `json:"template_version"`
	CurrentStage    string     `json:"current_stage"`
	State           string     `json:"state"`
	StartedBy       string     `json:"started_by,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// WorkflowStageAction is an append-only record of an action performed on a
// stage.
type WorkflowStageAction struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"workflow_instance_id"`
	StageName  string    `json:"stage_name"`
	Action     Action    `json:"action"`
	ActorID    string    `json:"actor_id"`
	ActorEmail string    `json:"actor_email,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// EscalationRule declares the SLA for a template stage and who to escalate
// to when it is breached.
type EscalationRule struct {
	ID             string    `json:"id"`
	TemplateID     string    `json:"workflow_template_id" validate:"required"`
	StageName      string    `json:"stage_name" validate:"required"`
	Tier           int       `json:"tier" validate:"min=1,max=3"`
	SLABreachHours int       `json:"sla_breach_hours" validate:"min=1"`
	EscalateToRole string    `json:"escalate_to_role,omitempty"`
	EscalateToUser string    `json:"escalate_to_user,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// EscalationEvent records a detected SLA breach. At most one unresolved
// event exists per (instance, rule).
type EscalationEvent struct {
	ID          string     `json:"id"`
	InstanceID  string     `json:"workflow_instance_id"`
	RuleID      string     `json:"rule_id"`
	ContractID  string     `json:"contract_id"`
	StageName   string     `json:"stage_name"`
	Tier        int        `json:"tier"`
	EscalatedAt time.Time  `json:"escalated_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy  string     `json:"resolved_by,omitempty"`
}

// Resolved reports whether the event has been resolved.
func (e EscalationEvent) Resolved() bool {
	return e.ResolvedAt != nil
}

// EscalationFilter selects escalation events.
type EscalationFilter struct {
	ContractID     string
	UnresolvedOnly bool
}
