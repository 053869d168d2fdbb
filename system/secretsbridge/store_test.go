package secretsbridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyfrworks/cyfr/system/component"
)

func TestMemoryStoreGetSet(t *testing.T) {
	store := NewMemoryStore()

	_, ok, err := store.Get(context.Background(), "api-key")
	require.NoError(t, err)
	assert.False(t, ok, "an unset secret must report ok=false, not an error")

	store.Set("api-key", "sk-test-value")

	value, ok, err := store.Get(context.Background(), "api-key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sk-test-value", value)
}

func TestResolverOnlyResolvesGrantedNames(t *testing.T) {
	catalyst, err := component.ParseReference("catalyst:acme.notifier:1.0.0")
	require.NoError(t, err)
	other, err := component.ParseReference("catalyst:acme.other:1.0.0")
	require.NoError(t, err)

	store := NewMemoryStore()
	store.Set("api-key", "sk-test-value")
	store.Set("db-password", "hunter2")

	resolver := NewResolver(store)
	resolver.Grant(catalyst, "api-key")

	secrets, err := resolver.Resolve(context.Background(), catalyst, "user-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"api-key": "sk-test-value"}, secrets,
		"only the granted name must appear, even though the store holds other values")

	secrets, err = resolver.Resolve(context.Background(), other, "user-1")
	require.NoError(t, err)
	assert.Empty(t, secrets, "a component with no grants must resolve to no secrets at all")
}

func TestResolverSkipsGrantedButUnsetSecrets(t *testing.T) {
	ref, err := component.ParseReference("catalyst:acme.notifier:1.0.0")
	require.NoError(t, err)

	resolver := NewResolver(NewMemoryStore())
	resolver.Grant(ref, "never-configured")

	secrets, err := resolver.Resolve(context.Background(), ref, "user-1")
	require.NoError(t, err)
	assert.Empty(t, secrets, "a grant for a name the store never set must resolve silently, not error")
}
