package model

import "strings"

// Capabilities checked by the admin API.
const (
	CapTemplatesManage   = "templates:manage"
	CapTemplatesPublish  = "templates:publish"
	CapWorkflowsStart    = "workflows:start"
	CapWorkflowsAct      = "workflows:act"
	CapWorkflowsView     = "workflows:view"
	CapEscalationsManage = "escalations:manage"
	CapSigningManage     = "signing:manage"
	CapSigningView       = "signing:view"
	CapAuditView         = "audit:view"
)

// CapabilitySet is a set of capabilities granted to an actor. Each key is a
// capability string (e.g. "signing:manage") and may include wildcards
// (e.g. "signing:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if the set matches all given capabilities.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
//
//	"*"          matches anything
//	"signing:*"  matches "signing:manage"
//	"signing"    does NOT match "signing:manage"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := pattern[:len(pattern)-1]
	return strings.HasPrefix(cap, prefix)
}

// CapabilityResolver resolves the full capability set for an actor.
type CapabilityResolver interface {
	Resolve(actor *Actor) (CapabilitySet, error)
	Invalidate(actorID string)
}

// PolicyEvaluator is the backend that maps actor roles to capabilities.
type PolicyEvaluator interface {
	ResolveCapabilities(actor *Actor) (CapabilitySet, error)
	Sync() error
}
