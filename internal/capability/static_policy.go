package capability

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/covenant/model"
)

// knownScopes are the capability prefixes the admin API checks.
var knownScopes = map[string]bool{
	"templates":   true,
	"workflows":   true,
	"escalations": true,
	"signing":     true,
	"audit":       true,
}

// policyFile is the on-disk role table:
//
//	roles:
//	  legal: [workflows:act, "signing:*"]
type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// StaticPolicyEvaluator grants each role the capabilities listed for it in
// a YAML file.
type StaticPolicyEvaluator struct {
	path string

	mu    sync.RWMutex
	roles map[string][]string
}

// NewStaticPolicyEvaluator loads and validates the policy at path.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewStaticPolicyFromMap builds an evaluator from an in-memory role table.
// Sync is a no-op for it.
func NewStaticPolicyFromMap(roles map[string][]string) *StaticPolicyEvaluator {
	return &StaticPolicyEvaluator{roles: roles}
}

// ResolveCapabilities returns the union of the capabilities of every role
// the actor holds. Unknown roles grant nothing.
func (e *StaticPolicyEvaluator) ResolveCapabilities(actor *model.Actor) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, role := range actor.Roles {
		for _, c := range e.roles[role] {
			caps[c] = true
		}
	}
	return caps, nil
}

// Sync reloads the policy file. A file that fails to parse or validate
// leaves the current policy in place.
func (e *StaticPolicyEvaluator) Sync() error {
	if e.path == "" {
		return nil
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: read policy %s: %w", e.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parse policy %s: %w", e.path, err)
	}
	for role, caps := range p.Roles {
		for _, c := range caps {
			if err := validateCapability(c); err != nil {
				return fmt.Errorf("capability: policy %s role %q: %w", e.path, role, err)
			}
		}
	}

	e.mu.Lock()
	e.roles = p.Roles
	e.mu.Unlock()
	return nil
}

// validateCapability accepts "*", "<scope>:*" and "<scope>:<action>" for a
// scope the admin API knows about.
func validateCapability(c string) error {
	if c == "*" {
		return nil
	}
	scope, action, ok := strings.Cut(c, ":")
	if !ok || action == "" {
		return fmt.Errorf("malformed capability %q", c)
	}
	if !knownScopes[scope] {
		return fmt.Errorf("unknown capability scope %q", scope)
	}
	return nil
}
