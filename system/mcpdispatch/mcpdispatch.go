// Package mcpdispatch implements the "cyfr:mcp" capability group: a
// single `call` host function catalysts and formulas may import, used to invoke
// external tools (storage, telemetry, and other host-registered
// services) by name. Tool access is gated by the component's
// allowed_tools policy list, and storage tool calls additionally enforce
// the allowed_storage_paths prefix check plus a hard restriction that
// writes may only land under the "agent/" namespace regardless of policy,
// mirroring the teacher's per-service storage isolation in
// system/sandbox/storage.go.
package mcpdispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/cyfrworks/cyfr/system/component"
	"github.com/cyfrworks/cyfr/system/errkind"
	"github.com/cyfrworks/cyfr/system/governor"
	"github.com/cyfrworks/cyfr/system/policy"
	"github.com/cyfrworks/cyfr/system/wasmio"
)

// Request is the JSON payload a component sends to `call`. Tool and Action
// together name the target ("service", "action") and are joined as
// "service.action" for policy and Tools-map lookups (spec.md §4.6).
type Request struct {
	Tool   string          `json:"tool"`
	Action string          `json:"action"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// toolAction renders the "service.action" key CheckTool and the Tools map
// are keyed by.
func (r Request) toolAction() string {
	if r.Action == "" {
		return r.Tool
	}
	return r.Tool + "." + r.Action
}

// Response is the JSON payload `call` returns.
type Response struct {
	Result json.RawMessage       `json:"result,omitempty"`
	Error  *errkind.EnvelopeBody `json:"error,omitempty"`
}

func errResponse(kind errkind.Kind, err error) Response {
	env := errkind.Encode(kind, err)
	return Response{Error: &env.Error}
}

// Tool is a host-registered tool implementation. Storage tools receive
// their path argument pre-validated by dispatch; a Tool only needs to
// perform its action.
type Tool interface {
	// Invoke executes the tool call and returns its JSON result.
	Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// Telemetry receives one event per dispatched call, regardless of
// outcome. The default is a no-op; the daemon wires a real sink in
// system/api.
type Telemetry interface {
	EmitToolCall(ctx context.Context, executionID, tool string, allowed bool, err error)
}

type noopTelemetry struct{}

func (noopTelemetry) EmitToolCall(context.Context, string, string, bool, error) {}

// writableStoragePrefix is the only namespace storage writes may target,
// independent of a component's own allowed_storage_paths: a policy may
// narrow read/write access further, but can never widen it past this
// namespace (spec.md §4.2's "agent/" restriction).
const writableStoragePrefix = "agent/"

// Group implements capability.Group for tool dispatch.
type Group struct {
	Policy      policy.Policy
	ExecutionID string
	Tools       map[string]Tool
	Telemetry   Telemetry
	Fuel        *governor.Fuel
}

// NewGroup builds a mcpdispatch.Group. tools maps "service.action" to its
// implementation; telemetry may be nil, in which case calls are not
// reported anywhere.
func NewGroup(p policy.Policy, executionID string, tools map[string]Tool, telemetry Telemetry) *Group {
	if telemetry == nil {
		telemetry = noopTelemetry{}
	}
	return &Group{Policy: p, ExecutionID: executionID, Tools: tools, Telemetry: telemetry}
}

// Namespace implements capability.Group.
func (g *Group) Namespace() string { return "cyfr:mcp" }

// Version implements capability.Group.
func (g *Group) Version() string { return "1.0.0" }

// Roles implements capability.Group: tool dispatch is available to
// catalysts and formulas (spec.md §4.3 role matrix); reagents are pure
// computation and import nothing beyond WASI stdout/stderr.
func (g *Group) Roles() []component.Role {
	return []component.Role{component.RoleCatalyst, component.RoleFormula}
}

// Install implements capability.Group.
func (g *Group) Install(ctx context.Context, builder wazero.HostModuleBuilder) error {
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
			return g.handleCall(ctx, mod, ptr, length)
		}).
		Export("call")
	return nil
}

func (g *Group) handleCall(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
	resp := g.dispatch(ctx, mod, ptr, length)
	out, err := json.Marshal(resp)
	if err != nil {
		out, _ = json.Marshal(errResponse(errkind.KindInternal, err))
	}
	packed, err := wasmio.WriteResult(mod, out)
	if err != nil {
		return 0
	}
	return packed
}

func (g *Group) dispatch(ctx context.Context, mod api.Module, ptr, length uint32) Response {
	if err := g.Fuel.Charge(); err != nil {
		return errResponse(errkind.KindFuelExhausted, err)
	}

	raw, err := wasmio.ReadBytes(mod, ptr, length)
	if err != nil {
		return errResponse(errkind.KindInvalidRequest, err)
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errResponse(errkind.KindInvalidJSON, fmt.Errorf("invalid request JSON"))
	}
	return g.dispatchRequest(ctx, req)
}

// dispatchRequest is the decoded-request core of dispatch, kept separate
// from guest-memory marshalling so it is directly testable.
func (g *Group) dispatchRequest(ctx context.Context, req Request) Response {
	if req.Tool == "" {
		return errResponse(errkind.KindInvalidRequest, fmt.Errorf("tool is required"))
	}

	toolAction := req.toolAction()

	if err := policy.CheckTool(g.Policy, toolAction); err != nil {
		g.Telemetry.EmitToolCall(ctx, g.ExecutionID, toolAction, false, err)
		return errResponse(errkind.KindToolDenied, err)
	}

	if strings.HasPrefix(toolAction, "storage.") {
		if err := g.checkStorageArgs(req, toolAction); err != nil {
			g.Telemetry.EmitToolCall(ctx, g.ExecutionID, toolAction, false, err)
			return errResponse(errkind.KindInvalidRequest, err)
		}
	}

	tool, ok := g.Tools[toolAction]
	if !ok {
		err := fmt.Errorf("%s is not registered", toolAction)
		g.Telemetry.EmitToolCall(ctx, g.ExecutionID, toolAction, false, err)
		return errResponse(errkind.KindToolNotRegistered, err)
	}

	result, err := tool.Invoke(ctx, req.Args)
	g.Telemetry.EmitToolCall(ctx, g.ExecutionID, toolAction, true, err)
	if err != nil {
		return errResponse(errkind.KindToolError, err)
	}
	return Response{Result: result}
}

// storageArgs is the common shape of every storage.* tool's args.
type storageArgs struct {
	Path string `json:"path"`
}

func (g *Group) checkStorageArgs(req Request, toolAction string) error {
	var args storageArgs
	if err := json.Unmarshal(req.Args, &args); err != nil || args.Path == "" {
		return fmt.Errorf("storage tools require a path argument")
	}

	if err := policy.CheckStoragePath(g.Policy, args.Path); err != nil {
		return err
	}

	isWrite := strings.HasSuffix(toolAction, ".write") || strings.HasSuffix(toolAction, ".delete")
	if isWrite && !strings.HasPrefix(args.Path, writableStoragePrefix) {
		return &policy.Error{
			Kind:     policy.KindStoragePathDenied,
			Rejected: args.Path,
			Allowed:  []string{writableStoragePrefix + "*"},
		}
	}

	return nil
}
