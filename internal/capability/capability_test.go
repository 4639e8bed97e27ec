package capability

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/covenant/model"
)

func testActor(roles ...string) *model.Actor {
	return &model.Actor{ID: "user-1", Email: "user@example.com", Roles: roles}
}

func TestStaticPolicyEvaluator_roles(t *testing.T) {
	e, err := NewStaticPolicyEvaluator("testdata/policies.yaml")
	require.NoError(t, err)

	caps, err := e.ResolveCapabilities(testActor("contract_viewer"))
	require.NoError(t, err)
	assert.True(t, caps.Has(model.CapSigningView))
	assert.False(t, caps.Has(model.CapSigningManage))

	caps, _ = e.ResolveCapabilities(testActor("legal", "admin"))
	assert.True(t, caps.HasAll(
		model.CapTemplatesPublish,
		model.CapEscalationsManage,
		model.CapSigningManage,
		model.CapAuditView,
	))

	caps, _ = e.ResolveCapabilities(testActor("nonexistent"))
	assert.Empty(t, caps)
}

func TestStaticPolicyEvaluator_loadErrors(t *testing.T) {
	tests := []struct {
		file string
		msg  string
	}{
		{"testdata/missing.yaml", "read policy"},
		{"testdata/bad_scope.yaml", `unknown capability scope "billing"`},
		{"testdata/malformed.yaml", `malformed capability "signing"`},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			_, err := NewStaticPolicyEvaluator(tt.file)
			assert.ErrorContains(t, err, tt.msg)
		})
	}
}

func TestStaticPolicyEvaluator_syncKeepsPolicyOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("roles:\n  ops: [\"signing:*\"]\n"), 0o600))

	e, err := NewStaticPolicyEvaluator(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("roles:\n  ops: [payroll:run]\n"), 0o600))
	require.Error(t, e.Sync())

	caps, _ := e.ResolveCapabilities(testActor("ops"))
	assert.True(t, caps.Has(model.CapSigningManage))
}

type countingEvaluator struct {
	calls atomic.Int32
	err   error
	syncs atomic.Int32
}

func (c *countingEvaluator) ResolveCapabilities(_ *model.Actor) (model.CapabilitySet, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return model.CapabilitySet{model.CapAuditView: true}, nil
}

func (c *countingEvaluator) Sync() error {
	c.syncs.Add(1)
	return nil
}

func TestResolver_cachesPerRoleSet(t *testing.T) {
	ev := &countingEvaluator{}
	r := NewResolver(ev, time.Minute)

	for range 3 {
		caps, err := r.Resolve(testActor("admin", "legal"))
		require.NoError(t, err)
		assert.True(t, caps.Has(model.CapAuditView))
	}
	_, _ = r.Resolve(testActor("legal", "admin", "legal"))
	assert.EqualValues(t, 1, ev.calls.Load(), "role order and duplicates share an entry")

	_, _ = r.Resolve(testActor("legal"))
	assert.EqualValues(t, 2, ev.calls.Load())
}

func TestResolver_expiry(t *testing.T) {
	ev := &countingEvaluator{}
	r := NewResolver(ev, time.Minute)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	_, _ = r.Resolve(testActor("admin"))
	now = now.Add(59 * time.Second)
	_, _ = r.Resolve(testActor("admin"))
	assert.EqualValues(t, 1, ev.calls.Load())

	now = now.Add(time.Second)
	_, _ = r.Resolve(testActor("admin"))
	assert.EqualValues(t, 2, ev.calls.Load())
}

func TestResolver_noCaching(t *testing.T) {
	ev := &countingEvaluator{}
	r := NewResolver(ev, 0)

	_, _ = r.Resolve(testActor("admin"))
	_, _ = r.Resolve(testActor("admin"))
	assert.EqualValues(t, 2, ev.calls.Load())
}

func TestResolver_errorsAreNotCached(t *testing.T) {
	ev := &countingEvaluator{err: errors.New("policy unavailable")}
	r := NewResolver(ev, time.Minute)

	_, err := r.Resolve(testActor("admin"))
	require.Error(t, err)
	_, err = r.Resolve(testActor("admin"))
	require.Error(t, err)
	assert.EqualValues(t, 2, ev.calls.Load())
}

func TestResolver_InvalidateAndReload(t *testing.T) {
	ev := &countingEvaluator{}
	r := NewResolver(ev, time.Minute)

	_, _ = r.Resolve(testActor("admin"))
	_, _ = r.Resolve(testActor("legal"))
	r.Invalidate("user-1")
	_, _ = r.Resolve(testActor("admin"))
	assert.EqualValues(t, 3, ev.calls.Load())

	require.NoError(t, r.Reload())
	assert.EqualValues(t, 1, ev.syncs.Load())
	_, _ = r.Resolve(testActor("admin"))
	assert.EqualValues(t, 4, ev.calls.Load())
}

func TestNewStaticPolicyFromMap(t *testing.T) {
	e := NewStaticPolicyFromMap(map[string][]string{"ops": {"signing:*"}})
	require.NoError(t, e.Sync())

	caps, _ := e.ResolveCapabilities(testActor("ops"))
	assert.True(t, caps.Has(model.CapSigningManage))
	assert.False(t, caps.Has(model.CapAuditView))
}
