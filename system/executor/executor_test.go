package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyfrworks/cyfr/system/component"
	"github.com/cyfrworks/cyfr/system/governor"
	"github.com/cyfrworks/cyfr/system/journal"
	"github.com/cyfrworks/cyfr/system/policy"
	"github.com/cyfrworks/cyfr/system/ratelimit"
)

// writeDummyComponent places arbitrary bytes at ref's canonical path under
// root so loadComponent succeeds; the pre-flight gates this file exercises
// (rate limiting, in particular) all run before the bytes are ever handed
// to wazero, so they need not be valid WASM.
func writeDummyComponent(t *testing.T, root string, ref component.Reference) {
	t.Helper()
	path := filepath.Join(root, ref.RelativePath())
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("not-real-wasm"), 0o644))
}

// newTestExecutor wires a fresh Executor against an in-memory journal and
// the given policy store, mirroring the in-memory-sqlite test setup in
// journal/integration_test.go. componentsRoot is an empty temporary
// directory: a test that must get past step 2 (loadComponent) places a
// component there with writeDummyComponent; any other reference fails
// with component_not_found.
func newTestExecutor(t *testing.T, store policy.Store) (*Executor, string, func()) {
	t.Helper()

	j, err := journal.Open("file::memory:?cache=shared")
	require.NoError(t, err)

	root := t.TempDir()
	e := New(root, store, ratelimit.New(), j, governor.New(), nil, nil, nil, governor.Budget{
		MaxMemoryBytes: 16 * 1024 * 1024,
		Timeout:        5 * time.Second,
	}, nil)

	return e, root, func() { j.Close() }
}

func TestExecuteRejectsMalformedReference(t *testing.T) {
	e, _, cleanup := newTestExecutor(t, policy.NewStaticStore(nil))
	defer cleanup()

	result := e.Execute(context.Background(), Request{ComponentRef: "not-a-reference", UserID: "user-1"})

	require.Error(t, result.Err)
	assert.Equal(t, journal.StatusFailed, result.Status)
	assert.NotEmpty(t, result.ExecutionID)

	_, err := e.Journal.Get(context.Background(), result.ExecutionID)
	assert.Error(t, err, "a malformed reference must be rejected before any journal entry is written")
}

func TestExecuteRejectsUnknownComponent(t *testing.T) {
	ref, err := component.ParseReference("reagent:acme.sum:1.0.0")
	require.NoError(t, err)

	store := policy.NewStaticStore(map[string]policy.Policy{
		ref.String(): {AllowedDomains: []string{"*"}},
	})
	e, _, cleanup := newTestExecutor(t, store)
	defer cleanup()

	result := e.Execute(context.Background(), Request{ComponentRef: ref.String(), UserID: "user-1"})

	require.Error(t, result.Err)
	assert.Equal(t, journal.StatusFailed, result.Status)
	assert.Contains(t, result.Err.Error(), "component_not_found")
}

func TestExecuteRejectsOversizedInput(t *testing.T) {
	ref, err := component.ParseReference("reagent:acme.sum:1.0.0")
	require.NoError(t, err)

	store := policy.NewStaticStore(map[string]policy.Policy{ref.String(): {}})
	e, root, cleanup := newTestExecutor(t, store)
	defer cleanup()
	writeDummyComponent(t, root, ref)

	result := e.Execute(context.Background(), Request{
		ComponentRef: ref.String(),
		UserID:       "user-1",
		Input:        make([]byte, policy.DefaultMaxRequestSize+1),
	})

	require.Error(t, result.Err)
	assert.Equal(t, journal.StatusFailed, result.Status)
	assert.Contains(t, result.Err.Error(), "request_too_large")

	_, getErr := e.Journal.Get(context.Background(), result.ExecutionID)
	assert.Error(t, getErr, "an oversized input must be rejected before any journal write, against the policy's max_request_size")
}

func TestNormalizeReferenceAcceptsLocalPathForm(t *testing.T) {
	ref, err := normalizeReference("reagents/acme/sum/1.0.0/reagent.wasm")
	require.NoError(t, err)
	assert.Equal(t, component.TypeReagent, ref.Type)
	assert.Equal(t, "acme", ref.Namespace)
	assert.Equal(t, "sum", ref.Name)
	assert.Equal(t, "1.0.0", ref.Version)
}

func TestExecuteAcceptsLocalPathReferenceEndToEnd(t *testing.T) {
	ref, err := component.ParseReference("reagent:acme.sum:1.0.0")
	require.NoError(t, err)

	store := policy.NewStaticStore(map[string]policy.Policy{ref.String(): {}})
	e, root, cleanup := newTestExecutor(t, store)
	defer cleanup()
	writeDummyComponent(t, root, ref)

	result := e.Execute(context.Background(), Request{
		ComponentRef: ref.RelativePath(),
		UserID:       "user-1",
	})

	// The dummy bytes are not valid WASM, so this must fail later in the
	// pipeline rather than with an unresolved-reference error.
	require.Error(t, result.Err)
	assert.NotContains(t, result.Err.Error(), "invalid component reference")
}

func TestExecuteRejectsUnknownRole(t *testing.T) {
	ref, err := component.ParseReference("reagent:acme.sum:1.0.0")
	require.NoError(t, err)

	store := policy.NewStaticStore(map[string]policy.Policy{ref.String(): {}})
	e, root, cleanup := newTestExecutor(t, store)
	defer cleanup()
	writeDummyComponent(t, root, ref)

	result := e.Execute(context.Background(), Request{
		ComponentRef: ref.String(),
		RoleHint:     "overlord",
		UserID:       "user-1",
	})

	require.Error(t, result.Err)
	assert.Equal(t, journal.StatusFailed, result.Status)
	assert.Contains(t, result.Err.Error(), "unknown role")
}

func TestExecuteRejectsWhenPolicyNotConfigured(t *testing.T) {
	ref, err := component.ParseReference("catalyst:acme.fetch:1.0.0")
	require.NoError(t, err)

	e, root, cleanup := newTestExecutor(t, policy.NewStaticStore(nil))
	defer cleanup()
	writeDummyComponent(t, root, ref)

	result := e.Execute(context.Background(), Request{ComponentRef: ref.String(), RoleHint: "catalyst", UserID: "user-1"})

	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "policy_not_configured")

	_, getErr := e.Journal.Get(context.Background(), result.ExecutionID)
	assert.Error(t, getErr, "a missing policy must be rejected before any journal entry is written")
}

func TestExecuteRejectsCatalystWithEmptyAllowedDomains(t *testing.T) {
	ref, err := component.ParseReference("catalyst:acme.fetch:1.0.0")
	require.NoError(t, err)

	store := policy.NewStaticStore(map[string]policy.Policy{ref.String(): {}})
	e, root, cleanup := newTestExecutor(t, store)
	defer cleanup()
	writeDummyComponent(t, root, ref)

	result := e.Execute(context.Background(), Request{ComponentRef: ref.String(), RoleHint: "catalyst", UserID: "user-1"})

	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "policy_not_configured")

	_, getErr := e.Journal.Get(context.Background(), result.ExecutionID)
	assert.Error(t, getErr, "a catalyst with no allowed_domains must be rejected before any journal entry is written")
}

func TestExecuteReagentPassesPolicyGateWithNoPolicyRegistered(t *testing.T) {
	ref, err := component.ParseReference("reagent:acme.sum:1.0.0")
	require.NoError(t, err)

	e, root, cleanup := newTestExecutor(t, policy.NewStaticStore(nil))
	defer cleanup()
	writeDummyComponent(t, root, ref)

	result := e.Execute(context.Background(), Request{ComponentRef: ref.String(), UserID: "user-1"})

	// A reagent always passes the policy gate per spec, so this must fail
	// later in the pipeline (the dummy bytes are not valid WASM) rather
	// than with policy_not_configured, and it must have reached the
	// journal write step.
	require.Error(t, result.Err)
	assert.NotContains(t, result.Err.Error(), "policy_not_configured")
	_, getErr := e.Journal.Get(context.Background(), result.ExecutionID)
	assert.NoError(t, getErr, "a reagent with no policy registered must still reach the journal write step")
}

func TestExecuteRejectsOnRateLimitBeforeJournalWrite(t *testing.T) {
	ref, err := component.ParseReference("reagent:acme.sum:1.0.0")
	require.NoError(t, err)

	store := policy.NewStaticStore(map[string]policy.Policy{
		ref.String(): {RateLimit: &policy.RateLimit{Requests: 1, Window: time.Minute}},
	})
	e, root, cleanup := newTestExecutor(t, store)
	defer cleanup()
	writeDummyComponent(t, root, ref)

	req := Request{ComponentRef: ref.String(), UserID: "user-1"}

	first := e.Execute(context.Background(), req)
	require.Error(t, first.Err, "the dummy bytes are not valid WASM, so the first call runs the full pipeline through to a compile failure")
	assert.Equal(t, journal.StatusFailed, first.Status)
	_, firstGetErr := e.Journal.Get(context.Background(), first.ExecutionID)
	assert.NoError(t, firstGetErr, "the first call consumed the rate budget, so it must have reached the journal write step")

	second := e.Execute(context.Background(), req)
	require.Error(t, second.Err)
	assert.Contains(t, second.Err.Error(), "rate_limited")

	_, getErr := e.Journal.Get(context.Background(), second.ExecutionID)
	assert.Error(t, getErr, "a rate-limited request must be rejected before any journal entry is written")
}

func TestChildInvokerPropagatesFailureStatus(t *testing.T) {
	ref, err := component.ParseReference("reagent:acme.sum:1.0.0")
	require.NoError(t, err)

	store := policy.NewStaticStore(map[string]policy.Policy{ref.String(): {}})
	e, _, cleanup := newTestExecutor(t, store)
	defer cleanup()

	inv := childInvoker{executor: e, userID: "user-1"}
	_, err = inv.InvokeChild(context.Background(), "parent-exec", ref, component.RoleReagent, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "component_not_found")
}

func TestNoSecretsResolvesEmpty(t *testing.T) {
	secrets, err := NoSecrets{}.Resolve(context.Background(), component.Reference{}, "user-1")
	require.NoError(t, err)
	assert.Nil(t, secrets)
}

func TestIsCancelledMatchesCancelledErrorKindOnly(t *testing.T) {
	assert.True(t, isCancelled(&cancelledErr{}))
	assert.False(t, isCancelled(nil))
	assert.False(t, isCancelled(&plainErr{msg: "trap: out of bounds"}))
}

type cancelledErr struct{}

func (*cancelledErr) Error() string { return "cancelled: execution interrupted" }

type plainErr struct{ msg string }

func (e *plainErr) Error() string { return e.msg }
