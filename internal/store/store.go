// Package store persists contracts, workflows, escalations, signing sessions
// and the audit ledgers. Every engine operation runs inside RunInTx so that
// state changes and their audit entries commit or roll back together.
package store

import (
	"context"
	"time"

	"github.com/pitabwire/covenant/model"
)

// Store opens transactions over the persistent state.
type Store interface {
	// RunInTx executes fn inside a single transaction. The transaction is
	// committed when fn returns nil and rolled back otherwise.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// HealthCheck verifies that the store is reachable.
	HealthCheck(ctx context.Context) error
}

// Tx is the full set of operations available inside a transaction.
type Tx interface {
	ContractRepository
	TemplateRepository
	InstanceRepository
	EscalationRepository
	AuditRepository
	SigningRepository
}

// ContractRepository reads and updates the externally owned contract records.
type ContractRepository interface {
	// PutContract creates or replaces a contract record.
	PutContract(ctx context.Context, c model.Contract) error

	// GetContract returns NOT_FOUND if the contract does not exist.
	GetContract(ctx context.Context, id string) (model.Contract, error)

	// LockContract returns the contract and holds an exclusive lock on it
	// until the transaction ends.
	LockContract(ctx context.Context, id string) (model.Contract, error)

	SetContractWorkflowState(ctx context.Context, id, state string) error
	SetContractSigningStatus(ctx context.Context, id, status string) error
}

// TemplateRepository persists workflow templates and their published
// snapshots.
type TemplateRepository interface {
	CreateTemplate(ctx context.Context, t model.WorkflowTemplate) error
	GetTemplate(ctx context.Context, id string) (model.WorkflowTemplate, error)
	GetTemplateForUpdate(ctx context.Context, id string) (model.WorkflowTemplate, error)
	UpdateTemplate(ctx context.Context, t model.WorkflowTemplate) error
	ListTemplates(ctx context.Context) ([]model.WorkflowTemplate, error)

	// CreateTemplateVersion stores an immutable snapshot. Returns CONFLICT
	// if the version already exists.
	CreateTemplateVersion(ctx context.Context, v model.TemplateVersion) error
	GetTemplateVersion(ctx context.Context, templateID string, version int) (model.TemplateVersion, error)
}

// InstanceRepository persists workflow instances and their stage actions.
type InstanceRepository interface {
	// CreateInstance returns WORKFLOW_ALREADY_ACTIVE if the contract already
	// has an active instance.
	CreateInstance(ctx context.Context, inst model.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error)
	GetInstanceForUpdate(ctx context.Context, id string) (model.WorkflowInstance, error)
	UpdateInstance(ctx context.Context, inst model.WorkflowInstance) error

	// FindActiveInstance returns the active instance for a contract, if any.
	FindActiveInstance(ctx context.Context, contractID string) (model.WorkflowInstance, bool, error)

	// ListActiveInstances returns up to limit active instances with IDs
	// greater than afterID, ordered by ID.
	ListActiveInstances(ctx context.Context, afterID string, limit int) ([]model.WorkflowInstance, error)

	AppendStageAction(ctx context.Context, a model.WorkflowStageAction) error
	ListStageActions(ctx context.Context, instanceID string) ([]model.WorkflowStageAction, error)

	// LastStageAction returns the most recent action recorded on any stage
	// of the instance.
	LastStageAction(ctx context.Context, instanceID string) (model.WorkflowStageAction, bool, error)
}

// EscalationRepository persists escalation rules and events.
type EscalationRepository interface {
	CreateEscalationRule(ctx context.Context, r model.EscalationRule) error
	ListEscalationRules(ctx context.Context, templateID string) ([]model.EscalationRule, error)

	// HasUnresolvedEscalation reports whether an unresolved event exists for
	// the (instance, rule) pair.
	HasUnresolvedEscalation(ctx context.Context, instanceID, ruleID string) (bool, error)

	// CreateEscalationEvent returns CONFLICT if an unresolved event already
	// exists for the same (instance, rule).
	CreateEscalationEvent(ctx context.Context, e model.EscalationEvent) error
	GetEscalationEventForUpdate(ctx context.Context, id string) (model.EscalationEvent, error)
	ResolveEscalationEvent(ctx context.Context, id, resolvedBy string, at time.Time) error
	ListEscalationEvents(ctx context.Context, filter model.EscalationFilter) ([]model.EscalationEvent, error)
}

// AuditRepository appends to the audit ledgers. Update and delete exist only
// to surface IMMUTABLE_RECORD; they never change a row.
type AuditRepository interface {
	AppendAudit(ctx context.Context, e model.AuditEntry) error
	ListAudit(ctx context.Context, resourceType, resourceID string) ([]model.AuditEntry, error)
	UpdateAuditEntry(ctx context.Context, e model.AuditEntry) error
	DeleteAuditEntry(ctx context.Context, id string) error

	AppendSigningAudit(ctx context.Context, e model.SigningAuditEntry) error
	ListSigningAudit(ctx context.Context, sessionID string) ([]model.SigningAuditEntry, error)
	UpdateSigningAuditEntry(ctx context.Context, e model.SigningAuditEntry) error
	DeleteSigningAuditEntry(ctx context.Context, id string) error
}

// SigningRepository persists signing sessions, signers and fields.
type SigningRepository interface {
	CreateSession(ctx context.Context, s model.SigningSession) error
	GetSession(ctx context.Context, id string) (model.SigningSession, error)
	GetSessionForUpdate(ctx context.Context, id string) (model.SigningSession, error)
	UpdateSession(ctx context.Context, s model.SigningSession) error

	// ListExpiredSessions returns active sessions whose expiry is before now.
	ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]model.SigningSession, error)

	// CreateSigner returns CONFLICT if another signer in the session has the
	// same signing order.
	CreateSigner(ctx context.Context, s model.SigningSessionSigner) error
	GetSigner(ctx context.Context, id string) (model.SigningSessionSigner, error)

	// GetSignerByTokenHash returns NOT_FOUND if no signer holds the hash.
	GetSignerByTokenHash(ctx context.Context, hash string) (model.SigningSessionSigner, error)
	UpdateSigner(ctx context.Context, s model.SigningSessionSigner) error

	// ListSigners returns the session's signers ordered by signing order.
	ListSigners(ctx context.Context, sessionID string) ([]model.SigningSessionSigner, error)

	// ListSignersAwaitingReminder returns sent or viewed signers of active
	// sessions whose last invitation or reminder is older than cutoff.
	ListSignersAwaitingReminder(ctx context.Context, cutoff time.Time, limit int) ([]model.SigningSessionSigner, error)

	CreateField(ctx context.Context, f model.SigningField) error
	ListFields(ctx context.Context, sessionID string) ([]model.SigningField, error)
	UpdateField(ctx context.Context, f model.SigningField) error
}
