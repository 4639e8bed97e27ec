package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pitabwire/covenant/model"
)

// MemoryStore is an in-memory Store for tests and single-instance
// deployments. Transactions are serialized by a single mutex and a failed
// transaction restores the state captured when it began. RunInTx must not
// be called from inside another transaction.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	contracts    map[string]model.Contract
	templates    map[string]model.WorkflowTemplate
	versions     map[string]model.TemplateVersion // key: templateID#version
	instances    map[string]model.WorkflowInstance
	actions      []model.WorkflowStageAction
	rules        map[string]model.EscalationRule
	events       map[string]model.EscalationEvent
	audit        []model.AuditEntry
	signingAudit []model.SigningAuditEntry
	sessions     map[string]model.SigningSession
	signers      map[string]model.SigningSessionSigner
	fields       map[string]model.SigningField
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		contracts: make(map[string]model.Contract),
		templates: make(map[string]model.WorkflowTemplate),
		versions:  make(map[string]model.TemplateVersion),
		instances: make(map[string]model.WorkflowInstance),
		rules:     make(map[string]model.EscalationRule),
		events:    make(map[string]model.EscalationEvent),
		sessions:  make(map[string]model.SigningSession),
		signers:   make(map[string]model.SigningSessionSigner),
		fields:    make(map[string]model.SigningField),
	}}
}

func (s *memState) clone() *memState {
	return &memState{
		contracts:    maps.Clone(s.contracts),
		templates:    maps.Clone(s.templates),
		versions:     maps.Clone(s.versions),
		instances:    maps.Clone(s.instances),
		actions:      slices.Clone(s.actions),
		rules:        maps.Clone(s.rules),
		events:       maps.Clone(s.events),
		audit:        slices.Clone(s.audit),
		signingAudit: slices.Clone(s.signingAudit),
		sessions:     maps.Clone(s.sessions),
		signers:      maps.Clone(s.signers),
		fields:       maps.Clone(s.fields),
	}
}

// RunInTx executes fn with exclusive access to the store.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(ctx, &memTx{st: s.state}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

type memTx struct {
	st *memState
}

func notFound(kind, id string) error {
	return model.NewNotFoundError(fmt.Sprintf("%s %q not found", kind, id))
}

// --- contracts ---

func (t *memTx) PutContract(_ context.Context, c model.Contract) error {
	t.st.contracts[c.ID] = c
	return nil
}

func (t *memTx) GetContract(_ context.Context, id string) (model.Contract, error) {
	c, ok := t.st.contracts[id]
	if !ok {
		return model.Contract{}, notFound("contract", id)
	}
	return c, nil
}

func (t *memTx) LockContract(ctx context.Context, id string) (model.Contract, error) {
	return t.GetContract(ctx, id)
}

func (t *memTx) SetContractWorkflowState(_ context.Context, id, state string) error {
	c, ok := t.st.contracts[id]
	if !ok {
		return notFound("contract", id)
	}
	c.WorkflowState = state
	c.UpdatedAt = time.Now().UTC()
	t.st.contracts[id] = c
	return nil
}

func (t *memTx) SetContractSigningStatus(_ context.Context, id, status string) error {
	c, ok := t.st.contracts[id]
	if !ok {
		return notFound("contract", id)
	}
	c.SigningStatus = status
	c.UpdatedAt = time.Now().UTC()
	t.st.contracts[id] = c
	return nil
}

// --- templates ---

func (t *memTx) CreateTemplate(_ context.Context, tpl model.WorkflowTemplate) error {
	if _, exists := t.st.templates[tpl.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow template %q already exists", tpl.ID))
	}
	tpl.Stages = slices.Clone(tpl.Stages)
	t.st.templates[tpl.ID] = tpl
	return nil
}

func (t *memTx) GetTemplate(_ context.Context, id string) (model.WorkflowTemplate, error) {
	tpl, ok := t.st.templates[id]
	if !ok {
		return model.WorkflowTemplate{}, notFound("workflow template", id)
	}
	tpl.Stages = slices.Clone(tpl.Stages)
	return tpl, nil
}

func (t *memTx) GetTemplateForUpdate(ctx context.Context, id string) (model.WorkflowTemplate, error) {
	return t.GetTemplate(ctx, id)
}

func (t *memTx) UpdateTemplate(_ context.Context, tpl model.WorkflowTemplate) error {
	if _, ok := t.st.templates[tpl.ID]; !ok {
		return notFound("workflow template", tpl.ID)
	}
	tpl.Stages = slices.Clone(tpl.Stages)
	t.st.templates[tpl.ID] = tpl
	return nil
}

func (t *memTx) ListTemplates(_ context.Context) ([]model.WorkflowTemplate, error) {
	out := make([]model.WorkflowTemplate, 0, len(t.st.templates))
	for _, tpl := range t.st.templates {
		tpl.Stages = slices.Clone(tpl.Stages)
		out = append(out, tpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func versionKey(templateID string, version int) string {
	return templateID + "#" + strconv.Itoa(version)
}

func (t *memTx) CreateTemplateVersion(_ context.Context, v model.TemplateVersion) error {
	key := versionKey(v.TemplateID, v.Version)
	if _, exists := t.st.versions[key]; exists {
		return model.NewConflictError(fmt.Sprintf("template %q version %d already exists", v.TemplateID, v.Version))
	}
	v.Stages = slices.Clone(v.Stages)
	t.st.versions[key] = v
	return nil
}

func (t *memTx) GetTemplateVersion(_ context.Context, templateID string, version int) (model.TemplateVersion, error) {
	v, ok := t.st.versions[versionKey(templateID, version)]
	if !ok {
		return model.TemplateVersion{}, notFound("template version", versionKey(templateID, version))
	}
	v.Stages = slices.Clone(v.Stages)
	return v, nil
}

// --- instances ---

func (t *memTx) CreateInstance(_ context.Context, inst model.WorkflowInstance) error {
	for _, existing := range t.st.instances {
		if existing.ContractID == inst.ContractID && existing.State == model.InstanceStateActive {
			return model.NewAlreadyActiveError(inst.ContractID)
		}
	}
	t.st.instances[inst.ID] = inst
	return nil
}

func (t *memTx) GetInstance(_ context.Context, id string) (model.WorkflowInstance, error) {
	inst, ok := t.st.instances[id]
	if !ok {
		return model.WorkflowInstance{}, notFound("workflow instance", id)
	}
	return inst, nil
}

func (t *memTx) GetInstanceForUpdate(ctx context.Context, id string) (model.WorkflowInstance, error) {
	return t.GetInstance(ctx, id)
}

func (t *memTx) UpdateInstance(_ context.Context, inst model.WorkflowInstance) error {
	if _, ok := t.st.instances[inst.ID]; !ok {
		return notFound("workflow instance", inst.ID)
	}
	t.st.instances[inst.ID] = inst
	return nil
}

func (t *memTx) FindActiveInstance(_ context.Context, contractID string) (model.WorkflowInstance, bool, error) {
	for _, inst := range t.st.instances {
		if inst.ContractID == contractID && inst.State == model.InstanceStateActive {
			return inst, true, nil
		}
	}
	return model.WorkflowInstance{}, false, nil
}

func (t *memTx) ListActiveInstances(_ context.Context, afterID string, limit int) ([]model.WorkflowInstance, error) {
	var out []model.WorkflowInstance
	for _, inst := range t.st.instances {
		if inst.State == model.InstanceStateActive && inst.ID > afterID {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) AppendStageAction(_ context.Context, a model.WorkflowStageAction) error {
	t.st.actions = append(t.st.actions, a)
	return nil
}

func (t *memTx) ListStageActions(_ context.Context, instanceID string) ([]model.WorkflowStageAction, error) {
	var out []model.WorkflowStageAction
	for _, a := range t.st.actions {
		if a.InstanceID == instanceID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (t *memTx) LastStageAction(_ context.Context, instanceID string) (model.WorkflowStageAction, bool, error) {
	var (
		last  model.WorkflowStageAction
		found bool
	)
	for _, a := range t.st.actions {
		if a.InstanceID != instanceID {
			continue
		}
		if !found || !a.CreatedAt.Before(last.CreatedAt) {
			last, found = a, true
		}
	}
	return last, found, nil
}

// --- escalations ---

func (t *memTx) CreateEscalationRule(_ context.Context, r model.EscalationRule) error {
	if _, exists := t.st.rules[r.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("escalation rule %q already exists", r.ID))
	}
	t.st.rules[r.ID] = r
	return nil
}

func (t *memTx) ListEscalationRules(_ context.Context, templateID string) ([]model.EscalationRule, error) {
	var out []model.EscalationRule
	for _, r := range t.st.rules {
		if r.TemplateID == templateID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) HasUnresolvedEscalation(_ context.Context, instanceID, ruleID string) (bool, error) {
	for _, e := range t.st.events {
		if e.InstanceID == instanceID && e.RuleID == ruleID && !e.Resolved() {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) CreateEscalationEvent(ctx context.Context, e model.EscalationEvent) error {
	exists, _ := t.HasUnresolvedEscalation(ctx, e.InstanceID, e.RuleID)
	if exists {
		return model.NewConflictError(fmt.Sprintf(
			"unresolved escalation already exists for instance %q rule %q", e.InstanceID, e.RuleID))
	}
	t.st.events[e.ID] = e
	return nil
}

func (t *memTx) GetEscalationEventForUpdate(_ context.Context, id string) (model.EscalationEvent, error) {
	e, ok := t.st.events[id]
	if !ok {
		return model.EscalationEvent{}, notFound("escalation event", id)
	}
	return e, nil
}

func (t *memTx) ResolveEscalationEvent(_ context.Context, id, resolvedBy string, at time.Time) error {
	e, ok := t.st.events[id]
	if !ok {
		return notFound("escalation event", id)
	}
	e.ResolvedAt = &at
	e.ResolvedBy = resolvedBy
	t.st.events[id] = e
	return nil
}

func (t *memTx) ListEscalationEvents(_ context.Context, filter model.EscalationFilter) ([]model.EscalationEvent, error) {
	var out []model.EscalationEvent
	for _, e := range t.st.events {
		if filter.ContractID != "" && e.ContractID != filter.ContractID {
			continue
		}
		if filter.UnresolvedOnly && e.Resolved() {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EscalatedAt.Before(out[j].EscalatedAt) })
	return out, nil
}

// --- audit ---

func (t *memTx) AppendAudit(_ context.Context, e model.AuditEntry) error {
	e.Details = maps.Clone(e.Details)
	t.st.audit = append(t.st.audit, e)
	return nil
}

func (t *memTx) ListAudit(_ context.Context, resourceType, resourceID string) ([]model.AuditEntry, error) {
	var out []model.AuditEntry
	for _, e := range t.st.audit {
		if e.ResourceType == resourceType && e.ResourceID == resourceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) UpdateAuditEntry(_ context.Context, _ model.AuditEntry) error {
	return model.NewImmutableRecordError("audit")
}

func (t *memTx) DeleteAuditEntry(_ context.Context, _ string) error {
	return model.NewImmutableRecordError("audit")
}

func (t *memTx) AppendSigningAudit(_ context.Context, e model.SigningAuditEntry) error {
	e.Details = maps.Clone(e.Details)
	t.st.signingAudit = append(t.st.signingAudit, e)
	return nil
}

func (t *memTx) ListSigningAudit(_ context.Context, sessionID string) ([]model.SigningAuditEntry, error) {
	var out []model.SigningAuditEntry
	for _, e := range t.st.signingAudit {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) UpdateSigningAuditEntry(_ context.Context, _ model.SigningAuditEntry) error {
	return model.NewImmutableRecordError("signing audit")
}

func (t *memTx) DeleteSigningAuditEntry(_ context.Context, _ string) error {
	return model.NewImmutableRecordError("signing audit")
}

// --- signing ---

func (t *memTx) CreateSession(_ context.Context, s model.SigningSession) error {
	if _, exists := t.st.sessions[s.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("signing session %q already exists", s.ID))
	}
	t.st.sessions[s.ID] = s
	return nil
}

func (t *memTx) GetSession(_ context.Context, id string) (model.SigningSession, error) {
	s, ok := t.st.sessions[id]
	if !ok {
		return model.SigningSession{}, notFound("signing session", id)
	}
	return s, nil
}

func (t *memTx) GetSessionForUpdate(ctx context.Context, id string) (model.SigningSession, error) {
	return t.GetSession(ctx, id)
}

func (t *memTx) UpdateSession(_ context.Context, s model.SigningSession) error {
	if _, ok := t.st.sessions[s.ID]; !ok {
		return notFound("signing session", s.ID)
	}
	t.st.sessions[s.ID] = s
	return nil
}

func (t *memTx) ListExpiredSessions(_ context.Context, now time.Time, limit int) ([]model.SigningSession, error) {
	var out []model.SigningSession
	for _, s := range t.st.sessions {
		if s.Status == model.SessionStatusActive && s.ExpiresAt.Before(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) CreateSigner(_ context.Context, s model.SigningSessionSigner) error {
	for _, existing := range t.st.signers {
		if existing.SessionID == s.SessionID && existing.SigningOrder == s.SigningOrder {
			return model.NewConflictError(fmt.Sprintf(
				"signing order %d already used in session %q", s.SigningOrder, s.SessionID))
		}
	}
	t.st.signers[s.ID] = s
	return nil
}

func (t *memTx) GetSigner(_ context.Context, id string) (model.SigningSessionSigner, error) {
	s, ok := t.st.signers[id]
	if !ok {
		return model.SigningSessionSigner{}, notFound("signer", id)
	}
	return s, nil
}

func (t *memTx) GetSignerByTokenHash(_ context.Context, hash string) (model.SigningSessionSigner, error) {
	if hash != "" {
		for _, s := range t.st.signers {
			if s.TokenHash == hash {
				return s, nil
			}
		}
	}
	return model.SigningSessionSigner{}, model.NewNotFoundError("signer not found")
}

func (t *memTx) UpdateSigner(_ context.Context, s model.SigningSessionSigner) error {
	if _, ok := t.st.signers[s.ID]; !ok {
		return notFound("signer", s.ID)
	}
	t.st.signers[s.ID] = s
	return nil
}

func (t *memTx) ListSigners(_ context.Context, sessionID string) ([]model.SigningSessionSigner, error) {
	var out []model.SigningSessionSigner
	for _, s := range t.st.signers {
		if s.SessionID == sessionID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SigningOrder < out[j].SigningOrder })
	return out, nil
}

func (t *memTx) ListSignersAwaitingReminder(_ context.Context, cutoff time.Time, limit int) ([]model.SigningSessionSigner, error) {
	var out []model.SigningSessionSigner
	for _, s := range t.st.signers {
		if s.Status != model.SignerSent && s.Status != model.SignerViewed {
			continue
		}
		sess, ok := t.st.sessions[s.SessionID]
		if !ok || sess.Status != model.SessionStatusActive {
			continue
		}
		last := s.SentAt
		if s.LastRemindedAt != nil {
			last = s.LastRemindedAt
		}
		if last == nil || !last.Before(cutoff) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) CreateField(_ context.Context, f model.SigningField) error {
	t.st.fields[f.ID] = f
	return nil
}

func (t *memTx) ListFields(_ context.Context, sessionID string) ([]model.SigningField, error) {
	var out []model.SigningField
	for _, f := range t.st.fields {
		if f.SessionID == sessionID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Page != out[j].Page {
			return out[i].Page < out[j].Page
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) UpdateField(_ context.Context, f model.SigningField) error {
	if _, ok := t.st.fields[f.ID]; !ok {
		return notFound("signing field", f.ID)
	}
	t.st.fields[f.ID] = f
	return nil
}
