// Package capability assembles the per-execution host-function import
// table a component sees, keyed by namespace@version, scoped to the
// component's role. Each concrete capability (HTTP, MCP dispatch, secrets,
// formula invocation) lives in its own package and implements Group here;
// this package only owns the role matrix and the wiring loop, generalizing
// the teacher's per-service capability grant logic in
// system/sandbox/manager.go (shouldGrantCapability) from a static
// role-tiered allow-list into a pluggable group registry.
package capability

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"

	"github.com/cyfrworks/cyfr/system/component"
)

// Group is one namespace@version's worth of host functions. Implementors
// live in system/httpcap, system/mcpdispatch, system/secretsbridge, and
// system/formulainvoke.
type Group interface {
	// Namespace is the import module name a component imports from, e.g.
	// "cyfr:http".
	Namespace() string
	// Version is appended to Namespace as "namespace@version".
	Version() string
	// Roles lists which component roles may import this group.
	Roles() []component.Role
	// Install registers the group's functions onto builder. Install is
	// called once per execution so closures may capture per-execution
	// state (policy, execution ID, context).
	Install(ctx context.Context, builder wazero.HostModuleBuilder) error
}

func allowedFor(g Group, role component.Role) bool {
	for _, r := range g.Roles() {
		if r == role {
			return true
		}
	}
	return false
}

// Installer wires a fixed set of Groups into a wazero runtime for a given
// execution, restricted to the groups the component's role is allowed to
// import.
type Installer struct {
	groups []Group
}

// New builds an Installer over the given groups. Order is preserved for
// diagnostics but does not affect behavior.
func New(groups ...Group) *Installer {
	return &Installer{groups: groups}
}

// ImportName renders the namespace@version import key a component's
// import section must name to receive a group's functions.
func ImportName(g Group) string {
	return fmt.Sprintf("%s@%s", g.Namespace(), g.Version())
}

// InstallFor instantiates, onto rt, the host modules for every group
// allowed under role. It returns the list of namespace@version keys that
// were installed, for logging and journal snapshotting.
func (in *Installer) InstallFor(ctx context.Context, rt wazero.Runtime, role component.Role) ([]string, error) {
	var installed []string
	for _, g := range in.groups {
		if !allowedFor(g, role) {
			continue
		}

		builder := rt.NewHostModuleBuilder(ImportName(g))
		if err := g.Install(ctx, builder); err != nil {
			return installed, fmt.Errorf("capability: install %s: %w", ImportName(g), err)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return installed, fmt.Errorf("capability: instantiate %s: %w", ImportName(g), err)
		}
		installed = append(installed, ImportName(g))
	}
	return installed, nil
}

// RoleMatrix documents, for diagnostics and tests, which groups a role is
// entitled to without requiring a live Installer.
func RoleMatrix(groups []Group) map[component.Role][]string {
	out := map[component.Role][]string{
		component.RoleCatalyst: {},
		component.RoleReagent:  {},
		component.RoleFormula:  {},
	}
	for _, g := range groups {
		for _, r := range g.Roles() {
			out[r] = append(out[r], ImportName(g))
		}
	}
	return out
}
