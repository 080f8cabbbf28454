package provisioner

import (
	"strings"

	"github.com/hangarhq/hangar/pkg/types"
)

// Profiles available to leases. A label selects a profile by containing
// its name ("linux-large" picks large); anything else gets small.
var profiles = []types.NodeProfile{
	{Name: "large", VCPU: 8, RAMMB: 16384, DiskGB: 120},
	{Name: "medium", VCPU: 4, RAMMB: 8192, DiskGB: 80},
	{Name: "small", VCPU: 2, RAMMB: 4096, DiskGB: 40},
}

// ProfileForLabel resolves the VM sizing for a lease label.
func ProfileForLabel(label string) types.NodeProfile {
	lower := strings.ToLower(label)
	for _, p := range profiles {
		if strings.Contains(lower, p.Name) {
			return p
		}
	}
	return profiles[len(profiles)-1]
}

// NormalizeNodeLabel maps a raw controller label expression to a
// name-safe token string: whitespace and boolean operators split the
// expression, duplicate tokens are dropped, and anything left outside
// [a-zA-Z0-9_-] becomes a dash.
func NormalizeNodeLabel(label string) string {
	tokens := strings.FieldsFunc(label, func(r rune) bool {
		switch r {
		case ' ', '\t', '&', '|', '!', '(', ')':
			return true
		}
		return false
	})

	seen := make(map[string]bool, len(tokens))
	var parts []string
	for _, tok := range tokens {
		clean := sanitizeToken(tok)
		if clean == "" || seen[clean] {
			continue
		}
		seen[clean] = true
		parts = append(parts, clean)
	}
	if len(parts) == 0 {
		return "agent"
	}
	return strings.Join(parts, "-")
}

func sanitizeToken(tok string) string {
	var b strings.Builder
	b.Grow(len(tok))
	for _, r := range tok {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
