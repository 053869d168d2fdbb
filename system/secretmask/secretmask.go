// Package secretmask redacts secret values out of execution output before
// it ever reaches the journal, an HTTP response, or a log line. It walks
// arbitrary JSON-shaped data recursively and also scans free-form strings,
// matching secrets in their literal, base64, base64url, and hex encodings.
package secretmask

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// Redaction is the literal string substituted for a matched secret
// (spec.md §4.5 and its end-to-end masking scenario require exactly this
// marker, not some other redaction format).
const Redaction = "[REDACTED]"

// minSecretLen is the shortest secret value this package will bother
// matching; shorter values produce too many false positives across the
// encoded forms to be worth scanning for.
const minSecretLen = 4

// Masker holds the set of secret values to redact and their derived
// encoded forms, computed once so repeated calls to Mask don't
// recompute them per call.
type Masker struct {
	variants []string
}

// New builds a Masker over the given secret values. Values shorter than
// the minimum threshold are ignored.
func New(secrets []string) *Masker {
	m := &Masker{}
	seen := make(map[string]bool)

	add := func(s string) {
		if len(s) < minSecretLen || seen[s] {
			return
		}
		seen[s] = true
		m.variants = append(m.variants, s)
	}

	for _, s := range secrets {
		if len(s) < minSecretLen {
			continue
		}
		add(s)
		add(base64.StdEncoding.EncodeToString([]byte(s)))
		add(base64.URLEncoding.EncodeToString([]byte(s)))
		add(hex.EncodeToString([]byte(s)))
		add(strings.ToUpper(hex.EncodeToString([]byte(s))))
	}

	return m
}

// MaskString replaces every occurrence of any secret variant in s with the
// redaction marker.
func (m *Masker) MaskString(s string) string {
	if len(m.variants) == 0 {
		return s
	}
	out := s
	for _, v := range m.variants {
		if v == "" {
			continue
		}
		out = strings.ReplaceAll(out, v, Redaction)
	}
	return out
}

// Mask walks an arbitrary JSON-decoded value (the shapes produced by
// encoding/json.Unmarshal into interface{}: map[string]interface{},
// []interface{}, string, float64, bool, nil) and returns a copy with every
// string leaf redacted. Non-string leaves are returned unchanged.
func (m *Masker) Mask(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return m.MaskString(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			out[k] = m.Mask(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = m.Mask(child)
		}
		return out
	default:
		return val
	}
}

// HasSecrets reports whether m has any non-empty secret loaded, so callers
// can skip masking work entirely when no secrets were ever resolved.
func (m *Masker) HasSecrets() bool {
	return len(m.variants) > 0
}
