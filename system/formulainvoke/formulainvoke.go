// Package formulainvoke implements the "cyfr:formula" capability group: a
// single `call` host function installed only for formula components,
// letting a formula recursively invoke another component as a child
// execution of itself. Each child gets a fresh resource budget rather
// than a slice of its parent's remaining budget (spec.md §9's resolved
// Open Question), but is rooted off the parent's cancellation: killing
// the parent kills every in-flight child. Grounded on the teacher's
// IPCProxy.Call in system/sandbox/ipc.go, generalized from a
// service-to-service call to a component-to-component one.
package formulainvoke

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/cyfrworks/cyfr/system/component"
	"github.com/cyfrworks/cyfr/system/errkind"
	"github.com/cyfrworks/cyfr/system/governor"
	"github.com/cyfrworks/cyfr/system/wasmio"
)

// Request is the JSON payload a formula sends to `call` (spec.md §4.6/§6:
// {reference, input, type}).
type Request struct {
	Reference string          `json:"reference"` // canonical component reference string
	Type      string          `json:"type,omitempty"` // role hint; defaults to reagent
	Input     json.RawMessage `json:"input,omitempty"`
}

// Response is the JSON payload `call` returns.
type Response struct {
	Output json.RawMessage       `json:"output,omitempty"`
	Error  *errkind.EnvelopeBody `json:"error,omitempty"`
}

func errResponse(kind errkind.Kind, err error) Response {
	env := errkind.Encode(kind, err)
	return Response{Error: &env.Error}
}

// Invoker is the subset of the executor a formula's recursive call goes
// through; implemented by system/executor.Executor to avoid an import
// cycle between the two packages.
type Invoker interface {
	InvokeChild(ctx context.Context, parentExecutionID string, ref component.Reference, role component.Role, input []byte) (output []byte, err error)
}

// Group implements capability.Group for formula-initiated recursive
// invocation.
type Group struct {
	ParentExecutionID string
	Invoker           Invoker
	Fuel              *governor.Fuel
}

// NewGroup builds a formulainvoke.Group scoped to one parent execution.
func NewGroup(parentExecutionID string, invoker Invoker) *Group {
	return &Group{ParentExecutionID: parentExecutionID, Invoker: invoker}
}

// Namespace implements capability.Group.
func (g *Group) Namespace() string { return "cyfr:formula" }

// Version implements capability.Group.
func (g *Group) Version() string { return "1.0.0" }

// Roles implements capability.Group: only formulas may recursively invoke
// other components (spec.md §4.3 role matrix).
func (g *Group) Roles() []component.Role {
	return []component.Role{component.RoleFormula}
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
	resp := g.invoke(ctx, mod, ptr, length)
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

func (g *Group) invoke(ctx context.Context, mod api.Module, ptr, length uint32) Response {
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
	return g.invokeRequest(ctx, req)
}

// invokeRequest is the decoded-request core of invoke, kept separate from
// guest-memory marshalling so it is directly testable.
func (g *Group) invokeRequest(ctx context.Context, req Request) Response {
	if req.Reference == "" {
		return errResponse(errkind.KindInvalidRequest, fmt.Errorf("reference is required"))
	}

	ref, err := component.ParseReference(req.Reference)
	if err != nil {
		return errResponse(errkind.KindInvalidReference, err)
	}

	role, err := component.ParseRole(req.Type)
	if err != nil {
		return errResponse(errkind.KindInvalidRequest, err)
	}

	output, err := g.Invoker.InvokeChild(ctx, g.ParentExecutionID, ref, role, req.Input)
	if err != nil {
		return errResponse(errkind.KindExecutionFailed, err)
	}
	return Response{Output: output}
}
