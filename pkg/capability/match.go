package capability

import "strings"

// Matches reports whether the pattern authorizes an envelope with the given
// kind and payload. A pattern without a payload matches any payload.
func (p Pattern) Matches(kind string, payload map[string]any) bool {
	if !kindMatches(p.Kind, kind) {
		return false
	}
	if p.Payload == nil {
		return true
	}
	return payloadMatches(p.Payload, payload)
}

func kindMatches(pattern, kind string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return kind == prefix || strings.HasPrefix(kind, prefix+"/")
	}
	return pattern == kind
}

func payloadMatches(pattern map[string]any, payload map[string]any) bool {
	for key, want := range pattern {
		got, ok := payload[key]
		if !ok {
			return false
		}
		if !valueMatches(want, got) {
			return false
		}
	}
	return true
}

func valueMatches(want, got any) bool {
	switch w := want.(type) {
	case string:
		return stringMatches(w, got)
	case map[string]any:
		g, ok := got.(map[string]any)
		if !ok {
			return false
		}
		return payloadMatches(w, g)
	default:
		// Non-string scalars compare by canonical JSON so YAML ints meet
		// JSON numbers without type gymnastics.
		return canonicalValue(want) == canonicalValue(got)
	}
}

// stringMatches applies the three string leaf forms, negation first:
// "!X" matches anything except the exact string X, a trailing "*" matches
// string values with the given prefix, anything else matches exactly.
func stringMatches(want string, got any) bool {
	if rest, ok := strings.CutPrefix(want, "!"); ok {
		s, isString := got.(string)
		return !isString || s != rest
	}
	if prefix, ok := strings.CutSuffix(want, "*"); ok {
		s, isString := got.(string)
		return isString && strings.HasPrefix(s, prefix)
	}
	s, isString := got.(string)
	return isString && s == want
}

func canonicalValue(v any) string {
	out, err := json.MarshalToString(v)
	if err != nil {
		return ""
	}
	return out
}
