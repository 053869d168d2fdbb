// Package secretsbridge implements the "cyfr:secrets" capability group: a
// single `get` host function, installed only for catalysts, backed by a
// snapshot of resolved name->value pairs built once at installation time.
// No backend I/O happens per read and no enumeration side channel exists:
// a lookup miss and a policy-denied name return the identical error shape.
// Grounded on the teacher's SecretManager in system/tee/secret_manager.go
// (policy-gated GetSecret with a direct-then-grant-chain fallback),
// narrowed here to a single pre-resolved snapshot since this system
// resolves every secret before execution starts (spec.md §4.1 step 2).
package secretsbridge

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

// Request is the JSON payload a component sends to `get`.
type Request struct {
	Name string `json:"name"`
}

// Response is the JSON payload `get` returns.
type Response struct {
	Value string                `json:"value,omitempty"`
	Error *errkind.EnvelopeBody `json:"error,omitempty"`
}

func errResponse(kind errkind.Kind, err error) Response {
	env := errkind.Encode(kind, err)
	return Response{Error: &env.Error}
}

// Group implements capability.Group for catalyst secret access. snapshot
// is built once, before the guest module runs, from the execution's
// resolved secrets; Group never touches a secret backend itself.
type Group struct {
	Reference   component.Reference
	ExecutionID string
	Fuel        *governor.Fuel
	snapshot    map[string]string
}

// NewGroup builds a secretsbridge.Group over an already-resolved
// name->value snapshot. Resolution (policy matching, backend fetch) is
// the caller's responsibility, performed once before the execution's
// sandbox runs, per the secret-resolution-before-script-execution
// ordering the engine pipeline requires.
func NewGroup(ref component.Reference, executionID string, snapshot map[string]string) *Group {
	clone := make(map[string]string, len(snapshot))
	for k, v := range snapshot {
		clone[k] = v
	}
	return &Group{Reference: ref, ExecutionID: executionID, snapshot: clone}
}

// Namespace implements capability.Group.
func (g *Group) Namespace() string { return "cyfr:secrets" }

// Version implements capability.Group.
func (g *Group) Version() string { return "1.0.0" }

// Roles implements capability.Group: secrets are available to catalysts
// only (spec.md §4.3 role matrix).
func (g *Group) Roles() []component.Role {
	return []component.Role{component.RoleCatalyst}
}

// Install implements capability.Group.
func (g *Group) Install(ctx context.Context, builder wazero.HostModuleBuilder) error {
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
			return g.handleGet(mod, ptr, length)
		}).
		Export("get")
	return nil
}

func (g *Group) handleGet(mod api.Module, ptr, length uint32) uint64 {
	resp := g.get(mod, ptr, length)
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

func (g *Group) get(mod api.Module, ptr, length uint32) Response {
	if err := g.Fuel.Charge(); err != nil {
		return errResponse(errkind.KindFuelExhausted, err)
	}

	raw, err := wasmio.ReadBytes(mod, ptr, length)
	if err != nil {
		return errResponse(errkind.KindInvalidRequest, err)
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil || req.Name == "" {
		return errResponse(errkind.KindInvalidRequest, fmt.Errorf("name is required"))
	}

	return g.resolve(req.Name)
}

// resolve looks up name in the snapshot, returning an identically-shaped
// error for "not granted" and "does not exist" so a component cannot
// distinguish the two and enumerate valid secret names by observing error
// shape differences.
func (g *Group) resolve(name string) Response {
	value, ok := g.snapshot[name]
	if !ok {
		return errResponse(errkind.KindSecretAccessDenied, fmt.Errorf("%s not granted to %s", name, g.Reference.String()))
	}
	return Response{Value: value}
}
