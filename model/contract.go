package model

import "time"

// Contract signing status constants.
const (
	ContractSigningNone    = "none"
	ContractSigningPending = "pending"
	ContractSigningSigned  = "signed"
)

// Contract is the document under management. Contracts are owned by an
// external system; the engines only read their document location and write
// the workflow and signing states.
type Contract struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	StoragePath    string    `json:"storage_path,omitempty"`
	WorkflowState  string    `json:"workflow_state,omitempty"`
	SigningStatus  string    `json:"signing_status,omitempty"`
	InitiatorEmail string    `json:"initiator_email,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AuditEntry is an append-only record in the general audit ledger.
type AuditEntry struct {
	ID           string         `json:"id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Details      map[string]any `json:"details,omitempty"`
	ActorID      string         `json:"actor_id,omitempty"`
	ActorEmail   string         `json:"actor_email,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	At           time.Time      `json:"at"`
}

// Notification kinds.
const (
	NotifyStatusChanged = "status_changed"
	NotifyInvitation    = "invitation"
	NotifyReminder      = "reminder"
	NotifyCompleted     = "completed"
	NotifyDeclined      = "declined"
	NotifyEscalation    = "escalation"
)

// Notification is a request to tell someone about a state change. Delivery
// is best effort and never part of the state change itself.
type Notification struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Recipient  string         `json:"recipient,omitempty"`
	Role       string         `json:"role,omitempty"`
	Subject    string         `json:"subject"`
	ContractID string         `json:"contract_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	SignerID   string         `json:"signer_id,omitempty"`
	Token      string         `json:"token,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
