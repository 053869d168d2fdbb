// Package component defines the canonical identity of a WebAssembly
// component: its reference, its role, and the digest computed from its
// bytes. These are value objects with no I/O of their own.
package component

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cyfrworks/cyfr/system/errkind"
)

// Type is the kind of component, one of catalyst/reagent/formula.
type Type string

const (
	TypeCatalyst Type = "catalyst"
	TypeReagent  Type = "reagent"
	TypeFormula  Type = "formula"
)

var shorthand = map[string]Type{
	"c": TypeCatalyst, "catalyst": TypeCatalyst,
	"r": TypeReagent, "reagent": TypeReagent,
	"f": TypeFormula, "formula": TypeFormula,
}

func (t Type) valid() bool {
	switch t {
	case TypeCatalyst, TypeReagent, TypeFormula:
		return true
	}
	return false
}

// pluralDir returns the components/<dir>/ segment for a type.
func (t Type) pluralDir() string {
	return string(t) + "s"
}

// Reference is the canonical identifier for a component: type, namespace,
// name and version. Its string form is "<type>:<namespace>.<name>:<version>".
type Reference struct {
	Type      Type
	Namespace string
	Name      string
	Version   string
}

// ErrInvalidRef is returned when a reference cannot be parsed in any of the
// accepted forms.
type ErrInvalidRef struct {
	Input string
	Cause string
}

func (e *ErrInvalidRef) Error() string {
	return fmt.Sprintf("invalid component reference %q: %s", e.Input, e.Cause)
}

// ErrorKind implements errkind.Coded.
func (e *ErrInvalidRef) ErrorKind() errkind.Kind { return errkind.KindInvalidReference }

// ParseReference accepts the canonical string form or the one-letter
// shorthand ("c:ns.name:1.0.0", "catalyst:ns.name:1.0.0"). It does not
// accept local-path forms; use ResolveLocalPath for those.
func ParseReference(s string) (Reference, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Reference{}, &ErrInvalidRef{Input: s, Cause: "expected <type>:<namespace>.<name>:<version>"}
	}

	typ, ok := shorthand[strings.ToLower(parts[0])]
	if !ok {
		return Reference{}, &ErrInvalidRef{Input: s, Cause: "unknown component type " + parts[0]}
	}

	nsName := parts[1]
	dot := strings.LastIndex(nsName, ".")
	if dot <= 0 || dot == len(nsName)-1 {
		return Reference{}, &ErrInvalidRef{Input: s, Cause: "expected <namespace>.<name>"}
	}

	version := parts[2]
	if version == "" {
		return Reference{}, &ErrInvalidRef{Input: s, Cause: "version is required"}
	}

	ref := Reference{
		Type:      typ,
		Namespace: nsName[:dot],
		Name:      nsName[dot+1:],
		Version:   version,
	}
	if ref.Namespace == "" || ref.Name == "" {
		return Reference{}, &ErrInvalidRef{Input: s, Cause: "namespace and name must be non-empty"}
	}
	return ref, nil
}

// String renders the canonical form, round-tripping through ParseReference.
func (r Reference) String() string {
	return fmt.Sprintf("%s:%s.%s:%s", r.Type, r.Namespace, r.Name, r.Version)
}

// RelativePath returns the canonical filesystem layout path (relative to a
// components root) for this reference: <type>s/<namespace>/<name>/<version>/<type>.wasm
func (r Reference) RelativePath() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s.wasm", r.Type.pluralDir(), r.Namespace, r.Name, r.Version, r.Type)
}

// ResolveLocalPath derives a Reference from a path that must match the
// canonical layout components/<type>s/<namespace>/<name>/<version>/<type>.wasm.
// segments is the path split on "/" starting from (and including) the
// "<type>s" segment, i.e. everything under the configured components root.
func ResolveLocalPath(segments []string) (Reference, error) {
	if len(segments) != 5 {
		return Reference{}, &ErrInvalidRef{Input: strings.Join(segments, "/"), Cause: "expected <type>s/<namespace>/<name>/<version>/<type>.wasm"}
	}

	typeDir, namespace, name, version, filename := segments[0], segments[1], segments[2], segments[3], segments[4]

	var typ Type
	switch typeDir {
	case "catalysts":
		typ = TypeCatalyst
	case "reagents":
		typ = TypeReagent
	case "formulas":
		typ = TypeFormula
	default:
		return Reference{}, &ErrInvalidRef{Input: typeDir, Cause: "unknown component directory " + typeDir}
	}

	if filename != string(typ)+".wasm" {
		return Reference{}, &ErrInvalidRef{Input: filename, Cause: "filename must be " + string(typ) + ".wasm"}
	}
	if namespace == "" || name == "" || version == "" {
		return Reference{}, &ErrInvalidRef{Input: strings.Join(segments, "/"), Cause: "namespace, name and version must be non-empty"}
	}

	return Reference{Type: typ, Namespace: namespace, Name: name, Version: version}, nil
}

// Digest computes the canonical "sha256:<hex>" digest of component bytes.
func Digest(bytes []byte) string {
	sum := sha256.Sum256(bytes)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Role is the behavioral classification of a component, determining which
// capabilities the installer wires up.
type Role string

const (
	RoleCatalyst Role = "catalyst"
	RoleReagent  Role = "reagent"
	RoleFormula  Role = "formula"
)

// ParseRole maps a caller-supplied role hint to a Role, defaulting to
// RoleReagent when hint is empty, per spec.
func ParseRole(hint string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(hint)) {
	case "":
		return RoleReagent, nil
	case "catalyst":
		return RoleCatalyst, nil
	case "reagent":
		return RoleReagent, nil
	case "formula":
		return RoleFormula, nil
	default:
		return "", fmt.Errorf("unknown role %q", hint)
	}
}
