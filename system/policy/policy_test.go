package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyfrworks/cyfr/system/component"
)

func TestCheckDomainLiteralAndWildcard(t *testing.T) {
	p := Policy{AllowedDomains: []string{"api.example.com", "*.trusted.io"}}

	assert.NoError(t, CheckDomain(p, "api.example.com"))
	assert.NoError(t, CheckDomain(p, "API.Example.COM"))
	assert.NoError(t, CheckDomain(p, "sub.trusted.io"))
	assert.NoError(t, CheckDomain(p, "deep.sub.trusted.io"))

	err := CheckDomain(p, "trusted.io")
	assert.Error(t, err, "bare suffix root should not match *.trusted.io")

	err = CheckDomain(p, "evil.com")
	require.Error(t, err)
	var polErr *Error
	require.ErrorAs(t, err, &polErr)
	assert.Equal(t, KindDomainBlocked, polErr.Kind)
	assert.Equal(t, "evil.com", polErr.Rejected)
}

func TestCheckDomainWildcardAll(t *testing.T) {
	p := Policy{AllowedDomains: []string{"*"}}
	assert.NoError(t, CheckDomain(p, "anything.example"))
}

func TestCheckMethodCaseInsensitive(t *testing.T) {
	p := Policy{AllowedMethods: []string{"GET", "POST"}}
	assert.NoError(t, CheckMethod(p, "get"))
	assert.NoError(t, CheckMethod(p, "POST"))
	assert.Error(t, CheckMethod(p, "DELETE"))
}

func TestCheckMethodDefaultsWhenUnset(t *testing.T) {
	p := Policy{}
	assert.NoError(t, CheckMethod(p, "GET"))
	assert.NoError(t, CheckMethod(p, "PATCH"))
}

func TestCheckToolExactAndWildcard(t *testing.T) {
	p := Policy{AllowedTools: []string{"storage.read", "telemetry.*"}}
	assert.NoError(t, CheckTool(p, "storage.read"))
	assert.Error(t, CheckTool(p, "storage.write"))
	assert.NoError(t, CheckTool(p, "telemetry.emit"))
	assert.NoError(t, CheckTool(p, "telemetry.flush"))
}

func TestCheckToolEmptyDeniesAll(t *testing.T) {
	p := Policy{}
	err := CheckTool(p, "storage.read")
	require.Error(t, err)
	var polErr *Error
	require.ErrorAs(t, err, &polErr)
	assert.Equal(t, KindToolDenied, polErr.Kind)
}

func TestCheckStoragePathPrefixAndUnrestricted(t *testing.T) {
	p := Policy{AllowedStoragePaths: []string{"agent/"}}
	assert.NoError(t, CheckStoragePath(p, "agent/scratch/1"))
	assert.Error(t, CheckStoragePath(p, "system/config"))

	unrestricted := Policy{}
	assert.NoError(t, CheckStoragePath(unrestricted, "anything/at/all"))
}

func TestWithDefaultsFillsZeroValuesOnly(t *testing.T) {
	p := Policy{MaxMemoryBytes: 123}
	out := p.WithDefaults()
	assert.Equal(t, int64(123), out.MaxMemoryBytes)
	assert.Equal(t, DefaultTimeout, out.Timeout)
	assert.Equal(t, int64(DefaultMaxRequestSize), out.MaxRequestSize)
	assert.Equal(t, int64(DefaultMaxResponseSize), out.MaxResponseSize)
	assert.Equal(t, defaultMethods, out.AllowedMethods)
}

func TestStaticStoreGetSet(t *testing.T) {
	ref, err := component.ParseReference("catalyst:acme.fetcher:1.0.0")
	require.NoError(t, err)

	store := NewStaticStore(nil)
	_, ok := store.Get(ref)
	assert.False(t, ok)

	store.Set(ref, Policy{AllowedDomains: []string{"*.acme.com"}})
	p, ok := store.Get(ref)
	require.True(t, ok)
	assert.Equal(t, []string{"*.acme.com"}, p.AllowedDomains)
}

func TestErrorImplementsErrkindCoded(t *testing.T) {
	err := CheckDomain(Policy{AllowedDomains: []string{"api.example.com"}}, "evil.com")
	var polErr *Error
	require.ErrorAs(t, err, &polErr)
	assert.Equal(t, "domain_blocked", string(polErr.ErrorKind()))
}

func TestCheckHTTPRequestChecksMethodBeforeDomain(t *testing.T) {
	p := Policy{AllowedDomains: []string{"api.example.com"}, AllowedMethods: []string{"GET"}}
	err := CheckHTTPRequest(p, "evil.com", "POST")
	require.Error(t, err)
	var polErr *Error
	require.ErrorAs(t, err, &polErr)
	assert.Equal(t, KindMethodBlocked, polErr.Kind, "method gate should fail first")
}
