// Package policy implements the per-component security contract and its
// evaluation: domain, method, tool, and storage-path matching, all on the
// hot path of host-function calls. Matching rules are grounded on the
// glob-style matcher in the teacher's sandbox policy loader, generalized
// to the exact rules this system requires (no regex, explicit *.suffix
// domain matching, service.action / service.* tool matching).
package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/cyfrworks/cyfr/system/component"
	"github.com/cyfrworks/cyfr/system/errkind"
)

// Policy is the immutable per-component security contract. A Policy value
// is snapshotted once at execution start and never mutated afterward.
type Policy struct {
	AllowedDomains      []string      `json:"allowed_domains"`
	AllowedMethods      []string      `json:"allowed_methods"`
	RateLimit           *RateLimit    `json:"rate_limit,omitempty"`
	Timeout             time.Duration `json:"timeout"`
	MaxMemoryBytes      int64         `json:"max_memory_bytes"`
	MaxRequestSize       int64        `json:"max_request_size"`
	MaxResponseSize      int64        `json:"max_response_size"`
	AllowedTools         []string     `json:"allowed_tools"`
	AllowedStoragePaths  []string     `json:"allowed_storage_paths"`
}

// RateLimit describes a component's rate-limit configuration in policy form.
type RateLimit struct {
	Requests int           `json:"requests"`
	Window   time.Duration `json:"window"`
}

// Defaults used whenever a Policy omits a field (spec.md §3).
const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxMemoryBytes = 64 * 1024 * 1024
	DefaultMaxRequestSize  = 1 * 1024 * 1024
	DefaultMaxResponseSize = 5 * 1024 * 1024
)

var defaultMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH"}

// WithDefaults returns a copy of p with zero-valued fields replaced by the
// spec-mandated defaults. AllowedDomains, AllowedTools and
// AllowedStoragePaths are left as-is: an empty slice there is meaningful
// (deny-all / unrestricted per spec, not "unset").
func (p Policy) WithDefaults() Policy {
	out := p
	if len(out.AllowedMethods) == 0 {
		out.AllowedMethods = defaultMethods
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.MaxMemoryBytes <= 0 {
		out.MaxMemoryBytes = DefaultMaxMemoryBytes
	}
	if out.MaxRequestSize <= 0 {
		out.MaxRequestSize = DefaultMaxRequestSize
	}
	if out.MaxResponseSize <= 0 {
		out.MaxResponseSize = DefaultMaxResponseSize
	}
	return out
}

// Store is the external collaborator that owns policy storage and
// coherence (spec.md §1's "PolicyStore (ext)"). The sandbox core only
// reads through it.
type Store interface {
	Get(ref component.Reference) (Policy, bool)
}

// StaticStore is an in-memory Store, useful for tests and for local
// component development where policies live in a single config file.
type StaticStore struct {
	policies map[string]Policy
}

// NewStaticStore builds a StaticStore from a ref-string-keyed map.
func NewStaticStore(policies map[string]Policy) *StaticStore {
	clone := make(map[string]Policy, len(policies))
	for k, v := range policies {
		clone[k] = v
	}
	return &StaticStore{policies: clone}
}

// Get implements Store.
func (s *StaticStore) Get(ref component.Reference) (Policy, bool) {
	p, ok := s.policies[ref.String()]
	return p, ok
}

// Set installs or replaces the policy for a reference; used by tests and
// by the (optional) file-based loader in loader.go.
func (s *StaticStore) Set(ref component.Reference, p Policy) {
	if s.policies == nil {
		s.policies = make(map[string]Policy)
	}
	s.policies[ref.String()] = p
}

// Error is the typed error every policy-gate rejection produces, carrying
// both the rejected value and the allowed set so the message is
// diagnosable at the component boundary (spec.md §4.2).
type Error struct {
	Kind      string
	Rejected  string
	Allowed   []string
	Reference string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %q not in allowed set %v (component %s)", e.Kind, e.Rejected, e.Allowed, e.Reference)
}

// ErrorKind implements errkind.Coded.
func (e *Error) ErrorKind() errkind.Kind {
	return errkind.Kind(e.Kind)
}

// Error kinds matching the §7 taxonomy.
const (
	KindDomainBlocked      = "domain_blocked"
	KindMethodBlocked      = "method_blocked"
	KindToolDenied         = "tool_denied"
	KindStoragePathDenied  = "storage_path_denied"
	KindPolicyNotConfigured = "policy_not_configured"
)

// CheckDomain implements spec.md §4.2's domain matching: literal
// case-insensitive match, "*.suffix" suffix match, or bare "*" for all.
func CheckDomain(p Policy, host string) error {
	host = strings.ToLower(host)
	for _, pattern := range p.AllowedDomains {
		if domainMatches(pattern, host) {
			return nil
		}
	}
	return &Error{Kind: KindDomainBlocked, Rejected: host, Allowed: p.AllowedDomains}
}

func domainMatches(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // ".suffix"
		return strings.HasSuffix(host, suffix)
	}
	return pattern == host
}

// CheckMethod implements §4.2's case-insensitive method matching.
func CheckMethod(p Policy, method string) error {
	method = strings.ToUpper(method)
	allowed := p.AllowedMethods
	if len(allowed) == 0 {
		allowed = defaultMethods
	}
	for _, m := range allowed {
		if strings.EqualFold(m, method) {
			return nil
		}
	}
	return &Error{Kind: KindMethodBlocked, Rejected: method, Allowed: allowed}
}

// CheckHTTPRequest runs both the domain and method gates, matching the
// combined pre-flight check a component's HTTP host function performs.
func CheckHTTPRequest(p Policy, host, method string) error {
	if err := CheckMethod(p, method); err != nil {
		return err
	}
	return CheckDomain(p, host)
}

// CheckTool implements §4.2's tool matching: "service.action" exact, or
// "service.*" prefix on the dotted name. An empty AllowedTools denies all.
func CheckTool(p Policy, toolAction string) error {
	for _, pattern := range p.AllowedTools {
		if toolMatches(pattern, toolAction) {
			return nil
		}
	}
	return &Error{Kind: KindToolDenied, Rejected: toolAction, Allowed: p.AllowedTools}
}

func toolMatches(pattern, toolAction string) bool {
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(toolAction, prefix)
	}
	return pattern == toolAction
}

// CheckStoragePath implements §4.2's prefix matching; an empty
// AllowedStoragePaths means unrestricted.
func CheckStoragePath(p Policy, path string) error {
	if len(p.AllowedStoragePaths) == 0 {
		return nil
	}
	for _, prefix := range p.AllowedStoragePaths {
		if strings.HasPrefix(path, prefix) {
			return nil
		}
	}
	return &Error{Kind: KindStoragePathDenied, Rejected: path, Allowed: p.AllowedStoragePaths}
}
