// Package validation checks an entity's fields against the tier a lifecycle
// transition requires.
package validation

import (
	"strings"

	"invent/internal/domain"
	"invent/internal/registry"
)

// Missing names every required field that is absent or empty, in registry
// order. An empty Missing means the tier is satisfied.
type Missing []string

func (m Missing) Empty() bool { return len(m) == 0 }

func (m Missing) Contains(name string) bool {
	for _, n := range m {
		if n == name {
			return true
		}
	}
	return false
}

func (m Missing) Names() []string { return append([]string(nil), m...) }

func (m Missing) String() string { return strings.Join(m, ", ") }

// Validate reports the fields of reg required for tier that are not populated
// in fields. Optional fields are never reported.
func Validate(reg registry.Registry, fields domain.Fields, tier domain.Tier) Missing {
	var missing Missing
	for _, d := range reg.Fields() {
		if !d.RequiredAt(tier) {
			continue
		}
		v, ok := fields[d.Name]
		if !ok || IsEmpty(d.ValueKind, v) {
			missing = append(missing, d.Name)
		}
	}
	return missing
}

// IsEmpty reports whether v carries no content for a field of kind. Sets are
// empty when no member is non-blank.
func IsEmpty(kind domain.ValueKind, v domain.Value) bool {
	switch kind {
	case domain.ValueDate:
		return v.Date == nil || v.Date.IsZero()
	case domain.ValueMultiSelect:
		for _, item := range v.Items {
			if strings.TrimSpace(item) != "" {
				return false
			}
		}
		return true
	default:
		return strings.TrimSpace(v.Text) == ""
	}
}
