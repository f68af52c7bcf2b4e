package capability

import "fmt"

// Set is an ordered collection of patterns deduplicated by canonical form.
// It is not safe for concurrent use; the gateway guards each participant's
// sets with its registry lock.
type Set struct {
	patterns []Pattern
	seen     map[string]struct{}
}

// NewSet builds a set from the given patterns, dropping duplicates.
func NewSet(patterns ...Pattern) *Set {
	s := &Set{seen: make(map[string]struct{}, len(patterns))}
	for _, p := range patterns {
		s.Add(p)
	}
	return s
}

// Add inserts a pattern. It returns false when an identical pattern is
// already present.
func (s *Set) Add(p Pattern) bool {
	key := p.Canonical()
	if _, dup := s.seen[key]; dup {
		return false
	}
	s.seen[key] = struct{}{}
	s.patterns = append(s.patterns, p)
	return true
}

// AddAll inserts every pattern, keeping first occurrences.
func (s *Set) AddAll(patterns []Pattern) {
	for _, p := range patterns {
		s.Add(p)
	}
}

// Contains reports whether an identical pattern is present.
func (s *Set) Contains(p Pattern) bool {
	_, ok := s.seen[p.Canonical()]
	return ok
}

// Len returns the number of distinct patterns.
func (s *Set) Len() int {
	return len(s.patterns)
}

// Patterns returns the patterns in insertion order. The slice is a copy.
func (s *Set) Patterns() []Pattern {
	out := make([]Pattern, len(s.patterns))
	copy(out, s.patterns)
	return out
}

// Clone returns an independent copy of the set.
func (s *Set) Clone() *Set {
	return NewSet(s.patterns...)
}

// Matches reports whether any pattern in the set authorizes the envelope.
// Matching is existential; set order never changes the outcome.
func (s *Set) Matches(kind string, payload map[string]any) bool {
	for _, p := range s.patterns {
		if p.Matches(kind, payload) {
			return true
		}
	}
	return false
}

// DecodePatterns converts a decoded JSON value (as found in
// system/register and capability/grant payloads) into patterns. It rejects
// anything that is not a sequence of pattern objects with a kind.
func DecodePatterns(v any) ([]Pattern, error) {
	if v == nil {
		return nil, fmt.Errorf("decode capabilities: expected a sequence of patterns")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	var patterns []Pattern
	if err := json.Unmarshal(raw, &patterns); err != nil {
		return nil, fmt.Errorf("decode capabilities: expected a sequence of patterns: %w", err)
	}
	for i, p := range patterns {
		if p.Kind == "" {
			return nil, fmt.Errorf("decode capabilities: pattern %d has no kind", i)
		}
	}
	return patterns, nil
}
