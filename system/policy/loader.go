package policy

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cyfrworks/cyfr/system/component"
)

// fileBundle is the on-disk shape of a policy bundle: a flat map from
// canonical component reference string to that component's Policy,
// grounded on the teacher's PolicyConfig in system/sandbox/policy_loader.go
// but flattened to this system's single-level policy-per-reference model
// rather than the teacher's rule-engine/capability-profile structure.
type fileBundle struct {
	Version  string            `json:"version"`
	Policies map[string]Policy `json:"policies"`
}

// LoadFile reads a JSON policy bundle from path and returns a StaticStore
// keyed by canonical reference string. Each key is parsed with
// component.ParseReference so a malformed reference in the bundle fails
// fast at load time rather than silently never matching at lookup time.
func LoadFile(path string) (*StaticStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}

	var bundle fileBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("policy: parse %s: %w", path, err)
	}

	store := NewStaticStore(nil)
	for refStr, p := range bundle.Policies {
		ref, err := component.ParseReference(refStr)
		if err != nil {
			return nil, fmt.Errorf("policy: %s: invalid reference %q: %w", path, refStr, err)
		}
		store.Set(ref, p)
	}
	return store, nil
}
