// Package governor bounds the resources a single execution may consume:
// linear memory via wazero's page limit, wall-clock time via
// context.WithTimeout, and a fuel budget approximating total work done.
// The runtime construction and WASI wiring are ported from
// Mindburn-Labs-helm/core's WASISandbox, generalized to per-execution
// budgets and cancellation rather than the teacher's fixed, package-level
// configuration.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/cyfrworks/cyfr/system/errkind"
)

const wasmPageSize = 64 * 1024

// Budget bounds a single execution.
type Budget struct {
	MaxMemoryBytes int64
	Timeout        time.Duration
	FuelBudget     uint64
}

// Pages converts MaxMemoryBytes to the wazero page count, rounding up and
// enforcing a minimum of one page.
func (b Budget) Pages() uint32 {
	if b.MaxMemoryBytes <= 0 {
		return 1
	}
	pages := (b.MaxMemoryBytes + wasmPageSize - 1) / wasmPageSize
	if pages < 1 {
		pages = 1
	}
	return uint32(pages)
}

// Outcome classifies why a Run ended.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeOOM       Outcome = "out_of_memory"
	OutcomeFuelOut   Outcome = "fuel_exhausted"
	OutcomeTrap      Outcome = "trap"
)

// Error is returned by Run when execution does not reach OutcomeOK.
type Error struct {
	Outcome Outcome
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("governor: %s: %v", e.Outcome, e.Cause)
	}
	return fmt.Sprintf("governor: %s", e.Outcome)
}

func (e *Error) Unwrap() error { return e.Cause }

// ErrorKind implements errkind.Coded: Outcome's string values already
// match the §7 taxonomy's timeout/cancelled/out_of_memory/fuel_exhausted/
// trap kinds one-for-one.
func (e *Error) ErrorKind() errkind.Kind { return errkind.Kind(e.Outcome) }

// Instance wraps a wazero runtime scoped to one execution's budget,
// deny-by-default on every capability WASI could otherwise grant: no
// filesystem, no network, no environment, no random source, no
// nanotime, stdout/stderr only.
type Instance struct {
	Runtime wazero.Runtime
	budget  Budget
}

// NewInstance builds a fresh wazero runtime for one execution, configured
// to budget's memory ceiling, and instantiates WASI with only stdout and
// stderr wired up.
func NewInstance(ctx context.Context, budget Budget) (*Instance, error) {
	cfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(budget.Pages()).
		WithCloseOnContextDone(true)

	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	// Deny-by-default: no WithFS, no WithRandSource, no WithNanotime, no
	// WithEnvironment. A component gets only what CapabilityInstaller
	// explicitly wires into its import table.
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("governor: instantiate wasi: %w", err)
	}

	return &Instance{Runtime: rt, budget: budget}, nil
}

// Close releases the runtime's resources. Safe to call more than once.
func (i *Instance) Close(ctx context.Context) error {
	return i.Runtime.Close(ctx)
}

// Governor tracks the live executions it is governing so an operator
// action (cancel) can reach the right one. One Governor is shared process-
// wide; each execution gets its own Instance and cancel function.
type Governor struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds an empty Governor.
func New() *Governor {
	return &Governor{cancels: make(map[string]context.CancelFunc)}
}

// WithBudget derives a context bounded by budget's wall-clock timeout and
// registers its cancel function under executionID so Cancel can reach it.
// The returned release func must be called when the execution finishes,
// successfully or not, to deregister the cancel function.
func (g *Governor) WithBudget(parent context.Context, executionID string, budget Budget) (ctx context.Context, release func()) {
	var cancel context.CancelFunc
	if budget.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, budget.Timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}

	g.mu.Lock()
	g.cancels[executionID] = cancel
	g.mu.Unlock()

	release = func() {
		cancel()
		g.mu.Lock()
		delete(g.cancels, executionID)
		g.mu.Unlock()
	}
	return ctx, release
}

// Cancel requests early termination of a running execution. It is a no-op
// if the execution is not currently tracked (already finished, or unknown).
func (g *Governor) Cancel(executionID string) bool {
	g.mu.Lock()
	cancel, ok := g.cancels[executionID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// ClassifyContextErr maps a context error observed after a run into the
// Outcome it represents. It cannot itself distinguish an operator Cancel
// from the governor's own timeout; callers that care pass wasCancelled
// from their own bookkeeping. Executor does not call it: it classifies a
// failed run from runCtx.Err() and the fuel tracker directly.
func ClassifyContextErr(err error, wasCancelled bool) Outcome {
	if err == nil {
		return OutcomeOK
	}
	if wasCancelled {
		return OutcomeCancelled
	}
	return OutcomeTimeout
}

// FuelTracker approximates a unit-of-work ceiling. wazero has no
// first-party fuel metering API (unlike, e.g., wasmtime), so this counts
// host-function invocations as the unit of work: every capability
// installed by CapabilityInstaller calls Charge(1) on entry, and a
// component that calls host functions beyond its budget is terminated.
// This does not bound pure-compute loops with no host calls; Timeout is
// the backstop for that case.
//
// FuelTracker itself only counts; Fuel below pairs it with the
// cancellation hook that actually terminates the task on exhaustion.
type FuelTracker struct {
	mu     sync.Mutex
	budget uint64
	spent  uint64
}

// NewFuelTracker builds a tracker for the given budget. A zero budget
// means unlimited.
func NewFuelTracker(budget uint64) *FuelTracker {
	return &FuelTracker{budget: budget}
}

// Charge consumes n units, returning an error if doing so would exceed
// the budget. A zero budget never errors.
func (f *FuelTracker) Charge(n uint64) error {
	if f.budget == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spent+n > f.budget {
		return &Error{Outcome: OutcomeFuelOut}
	}
	f.spent += n
	return nil
}

// Spent reports units charged so far.
func (f *FuelTracker) Spent() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spent
}

// Fuel bundles a FuelTracker with the execution's own cancellation hook,
// so a capability group charging past budget doesn't just fail the one
// host call that tripped it but actually unwinds the running guest
// instance: Charge cancels the execution's context before returning the
// error, and the engine (WithCloseOnContextDone) tears the instance down
// from there. A nil *Fuel charges for free, so capability groups need not
// special-case executions with no fuel tracking configured (e.g. in
// isolated package tests).
type Fuel struct {
	tracker *FuelTracker
	cancel  context.CancelFunc
}

// NewFuel builds a Fuel gate over budget, wired to cancel when a charge
// would exceed it.
func NewFuel(budget uint64, cancel context.CancelFunc) *Fuel {
	return &Fuel{tracker: NewFuelTracker(budget), cancel: cancel}
}

// Charge consumes one unit of work. Exceeding the budget cancels the
// execution and returns a *Error with OutcomeFuelOut.
func (f *Fuel) Charge() error {
	if f == nil {
		return nil
	}
	if err := f.tracker.Charge(1); err != nil {
		if f.cancel != nil {
			f.cancel()
		}
		return err
	}
	return nil
}

// Spent reports units charged so far, for diagnostics. Zero for a nil Fuel.
func (f *Fuel) Spent() uint64 {
	if f == nil {
		return 0
	}
	return f.tracker.Spent()
}
