package formulainvoke

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyfrworks/cyfr/system/component"
)

type fakeInvoker struct {
	lastParent string
	lastRef    component.Reference
	lastRole   component.Role
	output     []byte
	err        error
}

func (f *fakeInvoker) InvokeChild(ctx context.Context, parentExecutionID string, ref component.Reference, role component.Role, input []byte) ([]byte, error) {
	f.lastParent = parentExecutionID
	f.lastRef = ref
	f.lastRole = role
	return f.output, f.err
}

func TestInvokeRequestDispatchesToInvoker(t *testing.T) {
	invoker := &fakeInvoker{output: []byte(`{"ok":true}`)}
	g := NewGroup("parent-exec-1", invoker)

	resp := g.invokeRequest(context.Background(), Request{Reference: "reagent:local.sum:0.1.0", Input: json.RawMessage(`{"a":1}`)})
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Output))
	assert.Equal(t, "parent-exec-1", invoker.lastParent)
	assert.Equal(t, component.RoleReagent, invoker.lastRole)
	assert.Equal(t, "local", invoker.lastRef.Namespace)
}

func TestInvokeRequestRejectsMissingComponent(t *testing.T) {
	g := NewGroup("parent-exec-1", &fakeInvoker{})
	resp := g.invokeRequest(context.Background(), Request{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "invalid_request", resp.Error.Type)
}

func TestInvokeRequestRejectsMalformedReference(t *testing.T) {
	g := NewGroup("parent-exec-1", &fakeInvoker{})
	resp := g.invokeRequest(context.Background(), Request{Reference: "not-a-reference"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "invalid_reference", resp.Error.Type)
}

func TestInvokeRequestSurfacesInvokerError(t *testing.T) {
	invoker := &fakeInvoker{err: errors.New("budget exhausted")}
	g := NewGroup("parent-exec-1", invoker)
	resp := g.invokeRequest(context.Background(), Request{Reference: "formula:local.pipeline:2.3.1"})
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "budget exhausted")
}

func TestRolesIsFormulaOnly(t *testing.T) {
	g := NewGroup("p", &fakeInvoker{})
	assert.Equal(t, []component.Role{component.RoleFormula}, g.Roles())
}

func TestDefaultRoleWhenUnspecified(t *testing.T) {
	invoker := &fakeInvoker{output: []byte("{}")}
	g := NewGroup("p", invoker)
	_ = g.invokeRequest(context.Background(), Request{Reference: "catalyst:acme.fetcher:1.0.0"})
	assert.Equal(t, component.RoleReagent, invoker.lastRole)
}
