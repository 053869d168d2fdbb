// Package api implements the MCP-style RPC surface a caller uses to drive
// the execution sandbox: a single `execution` tool with run/list/logs/cancel
// actions, plus the two `opus://` resources, served over HTTP. Grounded on
// the teacher's system/api.HTTPHandler (apiResponse envelope, X-Account-ID
// header convention) generalized to this system's action-dispatch shape
// and the §7 error envelope instead of the teacher's success/data/error
// struct.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/cyfrworks/cyfr/pkg/logger"
	"github.com/cyfrworks/cyfr/system/executor"
	"github.com/cyfrworks/cyfr/system/journal"
)

// Server wires the RPC surface to the execution core. One Server is
// shared process-wide.
type Server struct {
	Executor *executor.Executor
	Log      *logger.Logger
	Metrics  *Metrics
}

// NewServer builds a Server. metrics may be nil, in which case a
// metrics set registered against no registry (discarded) is used.
func NewServer(exec *executor.Executor, log *logger.Logger, metrics *Metrics) *Server {
	if log == nil {
		log = logger.Nop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Server{Executor: exec, Log: log, Metrics: metrics}
}

// RunParams is the `run` action's request shape.
type RunParams struct {
	Reference string          `json:"reference"`
	Input     rawOrNil        `json:"input"`
	Type      string          `json:"type,omitempty"`
	Verify    *VerifyHint     `json:"verify,omitempty"`
}

// VerifyHint is accepted for wire compatibility with spec.md §6's `run`
// shape but not acted on: identity/issuer verification is an out-of-scope
// collaborator per SPEC_FULL.md §1 (OAuth is explicitly out of scope),
// modeled here only so a caller that sends it does not get a schema
// rejection.
type VerifyHint struct {
	Identity string `json:"identity,omitempty"`
	Issuer   string `json:"issuer,omitempty"`
}

// RunResult is the `run` action's response shape (spec.md §6). It is only
// populated once execution reached step 7 (the journal's Running write);
// a pre-flight failure (steps 1-6) is reported as a plain error instead,
// per spec.md §7's "pre-flight errors carry only an error string with no
// execution_id" rule.
type RunResult struct {
	ExecutionID     string         `json:"execution_id"`
	Status          journal.Status `json:"status"`
	Result          rawOrNil       `json:"result,omitempty"`
	ComponentType   string         `json:"component_type,omitempty"`
	ComponentDigest string         `json:"component_digest,omitempty"`
	PolicyApplied   rawOrNil       `json:"policy_applied,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
}

// ListParams is the `list` action's request shape.
type ListParams struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// ListResult is the `list` action's response shape.
type ListResult struct {
	Executions []ExecutionSummary `json:"executions"`
	Count      int                `json:"count"`
}

// ExecutionSummary is one record as returned by `list`.
type ExecutionSummary struct {
	ExecutionID     string         `json:"execution_id"`
	Status          journal.Status `json:"status"`
	ComponentRef    string         `json:"component_ref"`
	ComponentType   string         `json:"component_type"`
	ComponentDigest string         `json:"component_digest"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// LogsParams is the `logs` action's request shape.
type LogsParams struct {
	ExecutionID string `json:"execution_id"`
}

// LogsResult is the `logs` action's response shape.
type LogsResult struct {
	ExecutionID     string         `json:"execution_id"`
	Status          journal.Status `json:"status"`
	Logs            string         `json:"logs"`
	ComponentDigest string         `json:"component_digest"`
	ComponentType   string         `json:"component_type"`
}

// CancelParams is the `cancel` action's request shape.
type CancelParams struct {
	ExecutionID string `json:"execution_id"`
}

// CancelResult is the `cancel` action's response shape.
type CancelResult struct {
	Cancelled bool `json:"cancelled"`
}

// ErrNotCancellable is returned when `cancel` targets a record that has
// already reached a terminal state (spec.md §8's round-trip law: cancel on
// a terminal record is a no-op returning NotCancellable).
var ErrNotCancellable = errors.New("already completed")

func (s *Server) run(ctx context.Context, userID string, p RunParams) (RunResult, error) {
	result := s.Executor.Execute(ctx, executor.Request{
		ComponentRef: p.Reference,
		RoleHint:     p.Type,
		UserID:       userID,
		Input:        []byte(p.Input),
	})

	rec, journalErr := s.Executor.Journal.Get(ctx, result.ExecutionID)
	if journalErr != nil {
		// Never reached step 7: a pre-flight rejection, reported without
		// an execution_id since no record exists for the caller to query.
		kind, _ := classify(result.Err)
		s.Metrics.ObserveRunError(string(kind))
		return RunResult{}, result.Err
	}

	s.Metrics.ObserveExecution(string(result.Status))

	out := RunResult{
		ExecutionID:     result.ExecutionID,
		Status:          result.Status,
		Result:          rawOrNil(result.Output),
		ComponentType:   rec.ComponentType,
		ComponentDigest: rec.ComponentDigest,
		PolicyApplied:   rawOrNil(rec.PolicySnapshot),
	}
	if result.Err != nil {
		out.ErrorMessage = result.Err.Error()
		kind, _ := classify(result.Err)
		s.Metrics.ObserveRunError(string(kind))
	}
	return out, nil
}

func (s *Server) list(ctx context.Context, userID string, p ListParams) (ListResult, error) {
	filter := journal.ListFilter{
		UserID: userID,
		Status: journal.Status(p.Status),
		Limit:  p.Limit,
	}
	records, err := s.Executor.Journal.List(ctx, filter)
	if err != nil {
		return ListResult{}, err
	}

	out := ListResult{Executions: make([]ExecutionSummary, 0, len(records))}
	for _, rec := range records {
		out.Executions = append(out.Executions, ExecutionSummary{
			ExecutionID:     rec.ID,
			Status:          rec.Status,
			ComponentRef:    rec.ComponentRef,
			ComponentType:   rec.ComponentType,
			ComponentDigest: rec.ComponentDigest,
			StartedAt:       rec.StartedAt,
			CompletedAt:     rec.CompletedAt,
		})
	}
	out.Count = len(out.Executions)
	return out, nil
}

func (s *Server) logs(ctx context.Context, userID string, p LogsParams) (LogsResult, error) {
	rec, err := s.getOwned(ctx, p.ExecutionID, userID)
	if err != nil {
		return LogsResult{}, err
	}
	return LogsResult{
		ExecutionID:     rec.ID,
		Status:          rec.Status,
		Logs:            renderLog(rec),
		ComponentDigest: rec.ComponentDigest,
		ComponentType:   rec.ComponentType,
	}, nil
}

func (s *Server) cancel(ctx context.Context, userID string, p CancelParams) (CancelResult, error) {
	rec, err := s.getOwned(ctx, p.ExecutionID, userID)
	if err != nil {
		return CancelResult{}, err
	}
	if rec.Status != journal.StatusRunning {
		return CancelResult{}, ErrNotCancellable
	}
	s.Executor.Governor.Cancel(rec.ID)
	return CancelResult{Cancelled: true}, nil
}

// getOwned fetches a record and enforces ownership (spec.md §8 invariant
// 3: list/get for any other user must never return the record). A record
// owned by a different user is reported identically to one that does not
// exist at all, so the API surface never confirms another user's
// execution IDs.
func (s *Server) getOwned(ctx context.Context, id, userID string) (journal.Record, error) {
	rec, err := s.Executor.Journal.Get(ctx, id)
	if err != nil {
		return journal.Record{}, err
	}
	if rec.UserID != userID {
		return journal.Record{}, &journal.ErrNotFound{ID: id}
	}
	return rec, nil
}

func renderLog(rec journal.Record) string {
	msg := "execution " + rec.ID + " status=" + string(rec.Status) + " component=" + rec.ComponentRef + "\n"
	msg += "started_at=" + rec.StartedAt.Format(time.RFC3339) + "\n"
	if rec.CompletedAt != nil {
		msg += "completed_at=" + rec.CompletedAt.Format(time.RFC3339) + "\n"
	}
	if rec.ErrorMessage != nil && *rec.ErrorMessage != "" {
		msg += "error: " + *rec.ErrorMessage + "\n"
	}
	return msg
}

// rawOrNil marshals as the raw JSON it holds, or is omitted entirely when
// empty, letting RunResult.Result/PolicyApplied pass a component's own
// JSON output through unmodified rather than double-encoding it as a
// base64 string.
type rawOrNil []byte

// MarshalJSON implements json.Marshaler.
func (r rawOrNil) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *rawOrNil) UnmarshalJSON(data []byte) error {
	*r = append((*r)[0:0], data...)
	return nil
}
