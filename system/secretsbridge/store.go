package secretsbridge

import (
	"context"
	"sync"

	"github.com/cyfrworks/cyfr/system/component"
)

// SecretStore is the out-of-scope collaborator that actually persists raw
// secret values (encryption at rest, rotation, and the rest of a
// production secret manager are explicitly out of scope per
// SPEC_FULL.md §1); this interface is the seam a real implementation
// plugs into. MemoryStore below is the in-process reference
// implementation used to exercise the core end-to-end.
type SecretStore interface {
	Get(ctx context.Context, name string) (string, bool, error)
}

// MemoryStore is a SecretStore backed by a plain map, for local
// development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Set installs or replaces a secret value.
func (s *MemoryStore) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}

// Get implements SecretStore.
func (s *MemoryStore) Get(_ context.Context, name string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok, nil
}

// Resolver adapts a SecretStore plus a per-component grant list (spec.md
// §3's SecretGrant: a (secret-name, component-reference) tuple) into the
// executor's SecretResolver interface. It is defined without importing
// system/executor so the two packages never form a cycle; Go's structural
// typing lets executor.SecretResolver accept *Resolver directly.
type Resolver struct {
	Store  SecretStore
	mu     sync.RWMutex
	grants map[string][]string // component reference string -> granted secret names
}

// NewResolver builds a Resolver with no grants configured.
func NewResolver(store SecretStore) *Resolver {
	return &Resolver{Store: store, grants: make(map[string][]string)}
}

// Grant authorizes ref to read the named secret.
func (r *Resolver) Grant(ref component.Reference, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grants[ref.String()] = append(r.grants[ref.String()], name)
}

// Resolve implements executor.SecretResolver: it looks up every name
// granted to ref and returns the subset the store actually has a value
// for, never erroring on an unresolved individual name (the component
// sees that as an access_denied from secretsbridge.Group.get, not a
// pipeline failure).
func (r *Resolver) Resolve(ctx context.Context, ref component.Reference, userID string) (map[string]string, error) {
	r.mu.RLock()
	names := append([]string(nil), r.grants[ref.String()]...)
	r.mu.RUnlock()

	out := make(map[string]string, len(names))
	for _, name := range names {
		value, ok, err := r.Store.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			out[name] = value
		}
	}
	return out, nil
}
