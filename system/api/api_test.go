package api

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyfrworks/cyfr/pkg/logger"
	"github.com/cyfrworks/cyfr/system/component"
	"github.com/cyfrworks/cyfr/system/executor"
	"github.com/cyfrworks/cyfr/system/governor"
	"github.com/cyfrworks/cyfr/system/journal"
	"github.com/cyfrworks/cyfr/system/policy"
	"github.com/cyfrworks/cyfr/system/ratelimit"
)

func newTestServer(t *testing.T, store policy.Store) (*Server, string) {
	t.Helper()

	j, err := journal.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	root := t.TempDir()
	exec := executor.New(root, store, ratelimit.New(), j, governor.New(), nil, nil, nil, governor.Budget{
		MaxMemoryBytes: 16 * 1024 * 1024,
		Timeout:        5 * time.Second,
	}, nil)

	return NewServer(exec, logger.Nop(), NewMetrics(nil)), root
}

func writeDummyComponent(t *testing.T, root string, ref component.Reference) {
	t.Helper()
	path := filepath.Join(root, ref.RelativePath())
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("not-real-wasm"), 0o644))
}

func TestRunReturnsBareErrorForPreflightRejection(t *testing.T) {
	s, _ := newTestServer(t, policy.NewStaticStore(nil))

	_, err := s.run(context.Background(), "user-1", RunParams{Reference: "not-a-reference"})

	require.Error(t, err, "a pre-flight rejection must surface as a bare error, not a populated RunResult")
}

func TestRunReturnsPopulatedResultForPostflightFailure(t *testing.T) {
	ref, err := component.ParseReference("reagent:acme.sum:1.0.0")
	require.NoError(t, err)

	store := policy.NewStaticStore(map[string]policy.Policy{ref.String(): {}})
	s, root := newTestServer(t, store)
	writeDummyComponent(t, root, ref)

	out, err := s.run(context.Background(), "user-1", RunParams{Reference: ref.String()})

	require.NoError(t, err, "once a journal record exists, run must report the failure inside RunResult, not as an error")
	assert.NotEmpty(t, out.ExecutionID)
	assert.Equal(t, journal.StatusFailed, out.Status)
	assert.NotEmpty(t, out.ErrorMessage, "a failed execution past the journal write must carry an error_message")
}

func TestListOnlyReturnsOwnedRecords(t *testing.T) {
	ref, err := component.ParseReference("reagent:acme.sum:1.0.0")
	require.NoError(t, err)

	store := policy.NewStaticStore(map[string]policy.Policy{ref.String(): {}})
	s, root := newTestServer(t, store)
	writeDummyComponent(t, root, ref)

	_, err = s.run(context.Background(), "user-1", RunParams{Reference: ref.String()})
	require.NoError(t, err)
	_, err = s.run(context.Background(), "user-2", RunParams{Reference: ref.String()})
	require.NoError(t, err)

	listForUser1, err := s.list(context.Background(), "user-1", ListParams{})
	require.NoError(t, err)
	assert.Equal(t, 1, listForUser1.Count)

	listForUser2, err := s.list(context.Background(), "user-2", ListParams{})
	require.NoError(t, err)
	assert.Equal(t, 1, listForUser2.Count)
}

func TestLogsRejectsNonOwnerAsNotFound(t *testing.T) {
	ref, err := component.ParseReference("reagent:acme.sum:1.0.0")
	require.NoError(t, err)

	store := policy.NewStaticStore(map[string]policy.Policy{ref.String(): {}})
	s, root := newTestServer(t, store)
	writeDummyComponent(t, root, ref)

	out, err := s.run(context.Background(), "user-1", RunParams{Reference: ref.String()})
	require.NoError(t, err)

	_, err = s.logs(context.Background(), "user-2", LogsParams{ExecutionID: out.ExecutionID})
	require.Error(t, err, "a different user's execution id must be indistinguishable from an unknown id")

	same, err := s.logs(context.Background(), "user-1", LogsParams{ExecutionID: out.ExecutionID})
	require.NoError(t, err)
	assert.Contains(t, same.Logs, out.ExecutionID)
}

func TestCancelRejectsTerminalRecord(t *testing.T) {
	ref, err := component.ParseReference("reagent:acme.sum:1.0.0")
	require.NoError(t, err)

	store := policy.NewStaticStore(map[string]policy.Policy{ref.String(): {}})
	s, root := newTestServer(t, store)
	writeDummyComponent(t, root, ref)

	out, err := s.run(context.Background(), "user-1", RunParams{Reference: ref.String()})
	require.NoError(t, err)
	require.Equal(t, journal.StatusFailed, out.Status)

	_, err = s.cancel(context.Background(), "user-1", CancelParams{ExecutionID: out.ExecutionID})
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestCancelRejectsUnknownExecution(t *testing.T) {
	s, _ := newTestServer(t, policy.NewStaticStore(nil))

	_, err := s.cancel(context.Background(), "user-1", CancelParams{ExecutionID: "does-not-exist"})
	require.Error(t, err)
}
