// Package policy provides per-account notification filter policies.
package policy

import "strings"

// Mode is the tiered notification verbosity.
type Mode string

const (
	ModeOff      Mode = "off"
	ModeCritical Mode = "critical"
	ModeBalanced Mode = "balanced"
	ModeAll      Mode = "all"
)

// DefaultID is the policy used when a connection links none.
const DefaultID = "default"

// Policy is a FilterPolicy as stored in DynamoDB.
// PK: ACCOUNT#{accountId}
// SK: POLICY#{policyId}
type Policy struct {
	ID    string
	Mode  Mode
	Watch []string
	// Ignore suppresses alerts whose keywords or subject match, unless the
	// score reaches the urgent override.
	Ignore                []string
	FirstTimeSender       bool
	ThreadReplies         bool
	DeadlineDetection     bool
	SubscriptionDetection bool
}

// Default returns the built-in policy.
func Default() Policy {
	return Policy{
		ID:                    DefaultID,
		Mode:                  ModeBalanced,
		FirstTimeSender:       true,
		ThreadReplies:         true,
		DeadlineDetection:     true,
		SubscriptionDetection: true,
	}
}

// Threshold returns the minimum score a message needs under this mode.
// ok is false for ModeOff.
func (m Mode) Threshold() (threshold int, ok bool) {
	switch m {
	case ModeOff:
		return 0, false
	case ModeAll:
		return 0, true
	case ModeCritical:
		return 70, true
	default:
		return 30, true
	}
}

// ParseMode maps a stored value to a Mode, defaulting to balanced.
func ParseMode(s string) Mode {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeOff, ModeCritical, ModeBalanced, ModeAll:
		return m
	default:
		return ModeBalanced
	}
}

// NormalizeKeywords lower-cases, trims and de-duplicates keywords,
// keeping first-seen order and dropping empties.
func NormalizeKeywords(keywords []string) []string {
	if len(keywords) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// Normalize returns a copy of p with keyword sets normalised.
func (p Policy) Normalize() Policy {
	p.Mode = ParseMode(string(p.Mode))
	p.Watch = NormalizeKeywords(p.Watch)
	p.Ignore = NormalizeKeywords(p.Ignore)
	return p
}
