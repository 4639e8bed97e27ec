package model

import "time"

// Signing session status constants.
const (
	SessionStatusActive    = "active"
	SessionStatusCompleted = "completed"
	SessionStatusCancelled = "cancelled"
	SessionStatusExpired   = "expired"
)

// Signing order constants.
const (
	SigningOrderSequential = "sequential"
	SigningOrderParallel   = "parallel"
)

// SignerStatus is the lifecycle state of a single signer.
type SignerStatus string

// Signer statuses. Signed and declined are terminal.
const (
	SignerPending  SignerStatus = "pending"
	SignerSent     SignerStatus = "sent"
	SignerViewed   SignerStatus = "viewed"
	SignerSigned   SignerStatus = "signed"
	SignerDeclined SignerStatus = "declined"
)

// Terminal reports whether no further transition is possible.
func (s SignerStatus) Terminal() bool {
	return s == SignerSigned || s == SignerDeclined
}

// Signer type constants.
const (
	SignerTypeInternal = "internal"
	SignerTypeExternal = "external"
)

// Field type constants.
const (
	FieldSignature = "signature"
	FieldInitials  = "initials"
	FieldText      = "text"
	FieldDate      = "date"
	FieldCheckbox  = "checkbox"
	FieldDropdown  = "dropdown"
)

// SigningSession is a request for one or more signers to sign a contract
// document.
type SigningSession struct {
	ID                    string     `json:"id"`
	ContractID            string     `json:"contract_id"`
	InitiatedBy           string     `json:"initiated_by"`
	InitiatorEmail        string     `json:"initiator_email,omitempty"`
	SigningOrder          string     `json:"signing_order"`
	Status                string     `json:"status"`
	DocumentHash          string     `json:"document_hash"`
	FinalStoragePath      string     `json:"final_storage_path,omitempty"`
	FinalDocumentHash     string     `json:"final_document_hash,omitempty"`
	CertificatePath       string     `json:"certificate_path,omitempty"`
	RequireAllPagesViewed bool       `json:"require_all_pages_viewed"`
	RequirePageInitials   bool       `json:"require_page_initials"`
	ExpiresAt             time.Time  `json:"expires_at"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

// Active reports whether the session still accepts signer activity at the
// given time.
func (s SigningSession) Active(now time.Time) bool {
	return s.Status == SessionStatusActive && !now.After(s.ExpiresAt)
}

// SigningSessionSigner is one party asked to sign within a session. The
// token hash is never serialized.
type SigningSessionSigner struct {
	ID                 string       `json:"id"`
	SessionID          string       `json:"signing_session_id"`
	SignerName         string       `json:"signer_name"`
	SignerEmail        string       `json:"signer_email"`
	SignerType         string       `json:"signer_type"`
	SigningOrder       int          `json:"signing_order"`
	Status             SignerStatus `json:"status"`
	TokenHash          string       `json:"-"`
	TokenExpiresAt     *time.Time   `json:"token_expires_at,omitempty"`
	SentAt             *time.Time   `json:"sent_at,omitempty"`
	ViewedAt           *time.Time   `json:"viewed_at,omitempty"`
	SignedAt           *time.Time   `json:"signed_at,omitempty"`
	LastRemindedAt     *time.Time   `json:"last_reminded_at,omitempty"`
	SignatureImagePath string       `json:"signature_image_path,omitempty"`
	SignatureMethod    string       `json:"signature_method,omitempty"`
	IPAddress          string       `json:"ip_address,omitempty"`
	UserAgent          string       `json:"user_agent,omitempty"`
}

// SigningField is a positioned input on the document assigned to a signer.
// Coordinates are in document units on a 1-based page.
type SigningField struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"signing_session_id"`
	AssignedSignerID string     `json:"assigned_to_signer_id"`
	FieldType        string     `json:"field_type" validate:"required,oneof=signature initials text date checkbox dropdown"`
	Label            string     `json:"label,omitempty"`
	Page             int        `json:"page_number" validate:"min=1"`
	X                float64    `json:"x_position" validate:"min=0"`
	Y                float64    `json:"y_position" validate:"min=0"`
	Width            float64    `json:"width" validate:"gt=0"`
	Height           float64    `json:"height" validate:"gt=0"`
	Required         bool       `json:"is_required"`
	Value            string     `json:"value,omitempty"`
	FilledAt         *time.Time `json:"filled_at,omitempty"`
}

// Signing audit events.
const (
	SigningEventCreated      = "created"
	SigningEventSent         = "sent"
	SigningEventViewed       = "viewed"
	SigningEventFieldFilled  = "field_filled"
	SigningEventSigned       = "signed"
	SigningEventDeclined     = "declined"
	SigningEventCancelled    = "cancelled"
	SigningEventExpired      = "expired"
	SigningEventCompleted    = "completed"
	SigningEventReminderSent = "reminder_sent"
)

// SigningAuditEntry is an append-only event in a session's audit trail.
type SigningAuditEntry struct {
	ID        string         `json:"id"`
	SessionID string         `json:"signing_session_id"`
	SignerID  string         `json:"signer_id,omitempty"`
	Event     string         `json:"event"`
	Details   map[string]any `json:"details,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
