// Package capability implements the pattern language that authorizes
// envelope emission: a kind glob plus an optional recursive payload pattern,
// with canonical-JSON identity for deduplication and revocation.
package capability

import (
	jsoniter "github.com/json-iterator/go"
)

// The stdlib-compatible config sorts map keys, which is what makes
// Canonical stable under key order.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Pattern is one capability. Kind is an exact kind, a "prefix/*" glob, or
// "*" for match-all. Payload, when present, is a recursive pattern over the
// envelope payload: string leaves match exactly, with a trailing "*" for
// prefix match or a leading "!" for negation; object values recurse; a key
// missing from the envelope payload fails the match.
type Pattern struct {
	Kind    string         `json:"kind" yaml:"kind"`
	Payload map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Canonical returns the pattern's identity: its JSON encoding with object
// keys sorted. Two patterns are the same capability iff their canonical
// forms are equal; grants deduplicate and revocations compare by it.
func (p Pattern) Canonical() string {
	out, err := json.MarshalToString(p)
	if err != nil {
		// Patterns come from YAML config or decoded JSON payloads; both
		// marshal cleanly. Fall back to the kind so a broken pattern can
		// never collide with a real one silently.
		return "kind:" + p.Kind
	}
	return out
}

// Equal reports whether two patterns are the same capability.
func (p Pattern) Equal(other Pattern) bool {
	return p.Canonical() == other.Canonical()
}
