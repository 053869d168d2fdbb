// Package executor implements the end-to-end pipeline that turns a
// component reference and input into a journaled, policy-enforced,
// resource-governed execution. The step ordering and its all-or-nothing
// teardown guarantee are grounded on the teacher's engineImpl.Execute in
// system/tee/engine.go: service lookup, default application, validation,
// context.WithTimeout, secret resolution strictly before script
// execution, script execution, and failure classification, generalized
// here from a TEE enclave call to a wazero guest module call and widened
// with the policy/rate-limit/journal stages this system adds.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/cyfrworks/cyfr/pkg/logger"
	"github.com/cyfrworks/cyfr/system/capability"
	"github.com/cyfrworks/cyfr/system/component"
	"github.com/cyfrworks/cyfr/system/formulainvoke"
	"github.com/cyfrworks/cyfr/system/governor"
	"github.com/cyfrworks/cyfr/system/httpcap"
	"github.com/cyfrworks/cyfr/system/journal"
	"github.com/cyfrworks/cyfr/system/mcpdispatch"
	"github.com/cyfrworks/cyfr/system/policy"
	"github.com/cyfrworks/cyfr/system/ratelimit"
	"github.com/cyfrworks/cyfr/system/secretmask"
	"github.com/cyfrworks/cyfr/system/secretsbridge"
	"github.com/cyfrworks/cyfr/system/wasmio"
)

// SecretResolver resolves the secrets a component's policy entitles it to
// before the guest module ever runs, per the teacher's
// isSecretAllowed/matchPattern gate in system/tee/engine.go.
type SecretResolver interface {
	Resolve(ctx context.Context, ref component.Reference, userID string) (map[string]string, error)
}

// NoSecrets is a SecretResolver that never resolves anything, for
// components with no secret dependencies.
type NoSecrets struct{}

// Resolve implements SecretResolver.
func (NoSecrets) Resolve(context.Context, component.Reference, string) (map[string]string, error) {
	return nil, nil
}

// Request is the input to Execute.
type Request struct {
	ComponentRef string // canonical reference string
	RoleHint     string // optional override; defaults per ParseRole
	UserID       string
	Input        []byte
	ParentExecutionID *string
}

// Result is the outcome of one Execute call.
type Result struct {
	ExecutionID string
	Status      journal.Status
	Output      []byte
	Err         error
}

// Executor wires every stage of the pipeline together. One Executor is
// shared process-wide; each Execute call is independently safe for
// concurrent use.
type Executor struct {
	ComponentsRoot string
	PolicyStore    policy.Store
	RateLimiter    *ratelimit.Limiter
	Journal        journal.Journal
	Governor       *governor.Governor
	Tools          map[string]mcpdispatch.Tool
	Telemetry      mcpdispatch.Telemetry
	SecretResolver SecretResolver
	DefaultBudget  governor.Budget
	Log            *logger.Logger

	newUUID func() string
}

// New builds an Executor. DefaultBudget is applied whenever a component's
// policy omits a resource field.
func New(componentsRoot string, store policy.Store, limiter *ratelimit.Limiter, j journal.Journal, gov *governor.Governor, tools map[string]mcpdispatch.Tool, telemetry mcpdispatch.Telemetry, resolver SecretResolver, defaultBudget governor.Budget, log *logger.Logger) *Executor {
	if resolver == nil {
		resolver = NoSecrets{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Executor{
		ComponentsRoot: componentsRoot,
		PolicyStore:    store,
		RateLimiter:    limiter,
		Journal:        j,
		Governor:       gov,
		Tools:          tools,
		Telemetry:      telemetry,
		SecretResolver: resolver,
		DefaultBudget:  defaultBudget,
		Log:            log,
		newUUID:        func() string { return uuid.NewString() },
	}
}

// Execute runs the full pipeline for req and returns its terminal Result.
// Steps 1-5 perform no side effects and may be retried freely; steps 6-11
// are all-or-nothing once the journal's Running entry is written; step 12
// (teardown) always runs regardless of how earlier steps concluded.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	executionID := e.newUUID()

	// Step 1: normalize reference. A reference may arrive either in
	// canonical form or as a local-path under the components root; try
	// the canonical parse first since that is the common case.
	ref, err := normalizeReference(req.ComponentRef)
	if err != nil {
		return Result{ExecutionID: executionID, Status: journal.StatusFailed, Err: err}
	}

	// Step 2: resolve bytes + digest.
	wasmBytes, err := e.loadComponent(ref)
	if err != nil {
		return Result{ExecutionID: executionID, Status: journal.StatusFailed, Err: err}
	}
	digest := component.Digest(wasmBytes)

	// Step 3: role selection.
	role, err := component.ParseRole(req.RoleHint)
	if err != nil {
		return Result{ExecutionID: executionID, Status: journal.StatusFailed, Err: err}
	}

	// Step 4: policy gate. Catalysts must have a policy row with a
	// non-empty allowed_domains set or the call is rejected before any
	// execution record is written; reagents and formulas always pass the
	// gate and fall back to an all-defaults policy when none is
	// registered for them.
	p, ok := e.PolicyStore.Get(ref)
	if role == component.RoleCatalyst {
		if !ok || len(p.AllowedDomains) == 0 {
			return Result{ExecutionID: executionID, Status: journal.StatusFailed, Err: fmt.Errorf("policy_not_configured: no allowed_domains configured for catalyst %s", ref.String())}
		}
	}
	// Resource fields the policy omits take DefaultBudget's values first;
	// WithDefaults then fills whatever is still unset.
	if p.Timeout <= 0 {
		p.Timeout = e.DefaultBudget.Timeout
	}
	if p.MaxMemoryBytes <= 0 {
		p.MaxMemoryBytes = e.DefaultBudget.MaxMemoryBytes
	}
	p = p.WithDefaults()

	// Step 5: validate input size against the now-defaulted policy's
	// max_request_size (spec.md §4.1 step 3).
	if int64(len(req.Input)) > p.MaxRequestSize {
		return Result{ExecutionID: executionID, Status: journal.StatusFailed, Err: fmt.Errorf("request_too_large: input of %d bytes exceeds limit %d", len(req.Input), p.MaxRequestSize)}
	}

	// Step 6: rate-limit check (pre-flight; in-flight host calls share
	// this same bucket via the ratelimit.Key below).
	rlKey := ratelimit.Key{UserID: req.UserID, ComponentRef: ref.String()}
	if p.RateLimit != nil {
		if err := e.RateLimiter.Check(rlKey, ratelimit.Limit{Requests: p.RateLimit.Requests, Window: p.RateLimit.Window}); err != nil {
			return Result{ExecutionID: executionID, Status: journal.StatusFailed, Err: err}
		}
	}

	startedAt := time.Now().UTC()
	policySnapshot := snapshotPolicy(p)

	// Step 7: write started journal entry.
	if err := e.Journal.WriteStarted(ctx, journal.StartParams{
		ID:              executionID,
		ParentID:        req.ParentExecutionID,
		UserID:          req.UserID,
		ComponentRef:    ref.String(),
		ComponentType:   string(ref.Type),
		ComponentDigest: digest,
		Input:           req.Input,
		PolicySnapshot:  policySnapshot,
		StartedAt:       startedAt,
	}); err != nil {
		return Result{ExecutionID: executionID, Status: journal.StatusFailed, Err: err}
	}

	output, runErr := e.runGoverned(ctx, executionID, ref, role, p, wasmBytes, req)

	completedAt := time.Now().UTC()
	status := journal.StatusCompleted
	var journalErr error

	switch {
	case runErr == nil:
		if werr := e.Journal.WriteCompleted(ctx, executionID, output, completedAt); werr != nil {
			e.Log.With(nil).Warnf("journal: write completed failed for %s: %v", executionID, werr)
		}
	case isCancelled(runErr):
		status = journal.StatusCancelled
		if werr := e.Journal.WriteCancelled(ctx, executionID, completedAt); werr != nil {
			e.Log.With(nil).Warnf("journal: write cancelled failed for %s: %v", executionID, werr)
		}
	default:
		status = journal.StatusFailed
		journalErr = runErr
		if werr := e.Journal.WriteFailed(ctx, executionID, runErr.Error(), completedAt); werr != nil {
			e.Log.With(nil).Warnf("journal: write failed failed for %s: %v", executionID, werr)
		}
	}

	return Result{ExecutionID: executionID, Status: status, Output: output, Err: journalErr}
}

func isCancelled(err error) bool {
	return err != nil && strings.Contains(err.Error(), "cancelled")
}

// normalizeReference accepts either the canonical "<type>:<ns>.<name>:<ver>"
// form or a local-path reference of the form
// "<type>s/<namespace>/<name>/<version>/<type>.wasm" (spec.md §4.1 step 1),
// trying the canonical parse first since it never contains a "/".
func normalizeReference(raw string) (component.Reference, error) {
	if !strings.Contains(raw, "/") {
		return component.ParseReference(raw)
	}
	return component.ResolveLocalPath(strings.Split(raw, "/"))
}

// runGoverned covers steps 8-11: install capabilities, run under the
// governor's budget, mask output. Step 12 (teardown) is guaranteed via
// defer regardless of how this function returns.
func (e *Executor) runGoverned(ctx context.Context, executionID string, ref component.Reference, role component.Role, p policy.Policy, wasmBytes []byte, req Request) ([]byte, error) {
	budget := governor.Budget{
		MaxMemoryBytes: p.MaxMemoryBytes,
		Timeout:        p.Timeout,
		FuelBudget:     e.DefaultBudget.FuelBudget,
	}
	if budget.MaxMemoryBytes <= 0 {
		budget.MaxMemoryBytes = e.DefaultBudget.MaxMemoryBytes
	}
	if budget.Timeout <= 0 {
		budget.Timeout = e.DefaultBudget.Timeout
	}

	runCtx, release := e.Governor.WithBudget(ctx, executionID, budget)
	defer release() // step 12: unconditional teardown of the cancel registration

	// fuelCtx is cancelled independently the moment a capability group's
	// fuel charge exceeds budget.FuelBudget (spec.md §4.7), distinct from
	// runCtx's own timeout/operator-cancel so the two outcomes can be told
	// apart below.
	fuelCtx, fuelCancel := context.WithCancel(runCtx)
	defer fuelCancel()
	fuel := governor.NewFuel(budget.FuelBudget, fuelCancel)

	secrets, err := e.SecretResolver.Resolve(fuelCtx, ref, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("secret_resolution_failed: %w", err)
	}
	masker := secretmask.New(secretValues(secrets))

	inst, err := governor.NewInstance(fuelCtx, budget)
	if err != nil {
		return nil, err
	}
	defer inst.Close(fuelCtx) // step 12: unconditional teardown of the wazero runtime

	groups := e.capabilityGroups(executionID, ref, req.UserID, p, secrets, masker, fuel)
	installer := capability.New(groups...)
	if _, err := installer.InstallFor(fuelCtx, inst.Runtime, role); err != nil {
		return nil, err
	}

	compiled, err := inst.Runtime.CompileModule(fuelCtx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile_failed: %w", err)
	}
	defer compiled.Close(fuelCtx)

	mod, err := inst.Runtime.InstantiateModule(fuelCtx, compiled, wazero.NewModuleConfig().WithName(ref.String()))
	if err != nil {
		if fuel.Spent() >= budget.FuelBudget && budget.FuelBudget > 0 {
			return nil, &governor.Error{Outcome: governor.OutcomeFuelOut}
		}
		if runCtx.Err() != nil {
			return nil, fmt.Errorf("cancelled: %w", runCtx.Err())
		}
		return nil, fmt.Errorf("trap: %w", err)
	}
	defer mod.Close(fuelCtx)

	entry := mod.ExportedFunction("cyfr_execute")
	if entry == nil {
		return nil, fmt.Errorf("bad_component: %s does not export cyfr_execute", ref.String())
	}

	inputPacked, err := writeGuestInput(mod, req.Input)
	if err != nil {
		return nil, err
	}

	results, err := entry.Call(fuelCtx, inputPacked)
	if err != nil {
		if fuel.Spent() >= budget.FuelBudget && budget.FuelBudget > 0 {
			return nil, &governor.Error{Outcome: governor.OutcomeFuelOut}
		}
		if runCtx.Err() != nil {
			return nil, fmt.Errorf("cancelled: %w", runCtx.Err())
		}
		return nil, fmt.Errorf("trap: %w", err)
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("bad_component: cyfr_execute must return exactly one packed result")
	}

	output, err := readGuestOutput(mod, results[0])
	if err != nil {
		return nil, err
	}

	maxResp := p.MaxResponseSize
	if maxResp <= 0 {
		maxResp = policy.DefaultMaxResponseSize
	}
	if int64(len(output)) > maxResp {
		return nil, fmt.Errorf("response_too_large: output of %d bytes exceeds limit %d", len(output), maxResp)
	}

	if !json.Valid(output) {
		return nil, fmt.Errorf("bad_component: cyfr_execute did not return valid JSON")
	}

	if masker.HasSecrets() {
		output = []byte(masker.MaskString(string(output)))
	}

	return output, nil
}

// capabilityGroups builds every host-function group this execution may
// import from, all sharing fuel so a component cannot dodge §4.7's fuel
// ceiling by spreading host calls across capability namespaces.
func (e *Executor) capabilityGroups(executionID string, ref component.Reference, userID string, p policy.Policy, secrets map[string]string, masker *secretmask.Masker, fuel *governor.Fuel) []capability.Group {
	httpGroup := httpcap.NewGroup(p, ref, userID, executionID, e.RateLimiter, masker)
	httpGroup.Fuel = fuel

	mcpGroup := mcpdispatch.NewGroup(p, executionID, e.Tools, e.Telemetry)
	mcpGroup.Fuel = fuel

	secretsGroup := secretsbridge.NewGroup(ref, executionID, secrets)
	secretsGroup.Fuel = fuel

	formulaGroup := formulainvoke.NewGroup(executionID, childInvoker{executor: e, userID: userID})
	formulaGroup.Fuel = fuel

	return []capability.Group{httpGroup, mcpGroup, secretsGroup, formulaGroup}
}

// childInvoker adapts Executor to formulainvoke.Invoker without an import
// cycle: formulainvoke depends only on this small interface, not on the
// executor package.
type childInvoker struct {
	executor *Executor
	userID   string
}

func (c childInvoker) InvokeChild(ctx context.Context, parentExecutionID string, ref component.Reference, role component.Role, input []byte) ([]byte, error) {
	parentID := parentExecutionID
	result := c.executor.Execute(ctx, Request{
		ComponentRef:      ref.String(),
		RoleHint:          string(role),
		UserID:            c.userID,
		Input:             input,
		ParentExecutionID: &parentID,
	})
	if result.Err != nil {
		return nil, result.Err
	}
	if result.Status != journal.StatusCompleted {
		return nil, fmt.Errorf("child execution %s did not complete: %s", result.ExecutionID, result.Status)
	}
	return result.Output, nil
}

// writeGuestInput copies input into the guest's linear memory via its
// exported cyfr_alloc, returning the packed (ptr<<32|len) value
// cyfr_execute expects as its single argument, per the wasmio convention
// every capability group's host functions already use for the same
// marshalling problem in the other direction.
func writeGuestInput(mod api.Module, input []byte) (uint64, error) {
	return wasmio.WriteResult(mod, input)
}

// readGuestOutput unpacks cyfr_execute's packed return value and copies
// the referenced guest memory out, mirroring wasmio.ReadBytes's role on
// the host-function request path.
func readGuestOutput(mod api.Module, packed uint64) ([]byte, error) {
	ptr, length := wasmio.Unpack(packed)
	return wasmio.ReadBytes(mod, ptr, length)
}

func (e *Executor) loadComponent(ref component.Reference) ([]byte, error) {
	path := filepath.Join(e.ComponentsRoot, ref.RelativePath())
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("component_not_found: %s: %w", ref.String(), err)
	}
	return data, nil
}

func secretValues(secrets map[string]string) []string {
	out := make([]string, 0, len(secrets))
	for _, v := range secrets {
		out = append(out, v)
	}
	return out
}

func snapshotPolicy(p policy.Policy) []byte {
	b, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return b
}
