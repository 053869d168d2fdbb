package secretsbridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyfrworks/cyfr/system/component"
)

func testRef(t *testing.T) component.Reference {
	t.Helper()
	ref, err := component.ParseReference("catalyst:acme.fetcher:1.0.0")
	require.NoError(t, err)
	return ref
}

func TestResolveReturnsGrantedSecret(t *testing.T) {
	g := NewGroup(testRef(t), "exec-1", map[string]string{"API_KEY": "sk-123"})
	resp := g.resolve("API_KEY")
	assert.Equal(t, "sk-123", resp.Value)
	assert.Nil(t, resp.Error)
}

func TestResolveUngrantedAndMissingAreIndistinguishable(t *testing.T) {
	g := NewGroup(testRef(t), "exec-1", map[string]string{"API_KEY": "sk-123"})

	missing := g.resolve("DOES_NOT_EXIST")
	notGranted := g.resolve("OTHER_COMPONENTS_SECRET")

	require.NotNil(t, missing.Error)
	require.NotNil(t, notGranted.Error)
	assert.Equal(t, "access_denied", missing.Error.Type)
	assert.Equal(t, "access_denied", notGranted.Error.Type)
}

func TestSnapshotIsCopiedNotAliased(t *testing.T) {
	source := map[string]string{"API_KEY": "sk-123"}
	g := NewGroup(testRef(t), "exec-1", source)

	source["API_KEY"] = "mutated"
	resp := g.resolve("API_KEY")
	assert.Equal(t, "sk-123", resp.Value, "Group must not observe mutation of the caller's map after construction")
}

func TestRolesIsCatalystOnly(t *testing.T) {
	g := NewGroup(testRef(t), "exec-1", nil)
	assert.Equal(t, []component.Role{component.RoleCatalyst}, g.Roles())
}
