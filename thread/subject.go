package thread

import (
	"strings"
)

// BaseSubject returns the RFC 5256 base subject of s: reply and forward
// leaders, [blob] prefixes, (fwd) trailers and [fwd: ...] wrappers are
// removed and whitespace is collapsed. Comparison is left to the caller;
// case is preserved.
func BaseSubject(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	for {
		s = stripTrailers(s)
		for {
			changed := false
			if rest, ok := stripLeader(s); ok {
				s, changed = rest, true
			}
			if rest, ok := stripBlob(s); ok && rest != "" {
				s, changed = rest, true
			}
			if !changed {
				break
			}
		}
		if len(s) > 5 && strings.EqualFold(s[:5], "[fwd:") && s[len(s)-1] == ']' {
			s = strings.TrimSpace(s[5 : len(s)-1])
			continue
		}
		return s
	}
}

func stripTrailers(s string) string {
	for {
		s = strings.TrimRight(s, " ")
		if len(s) >= 5 && strings.EqualFold(s[len(s)-5:], "(fwd)") {
			s = s[:len(s)-5]
			continue
		}
		return s
	}
}

// stripLeader removes one subj-leader: *blob ("re" / "fw" / "fwd") [blob] ":".
func stripLeader(s string) (string, bool) {
	rest := s
	for {
		r, ok := stripBlob(rest)
		if !ok {
			break
		}
		rest = r
	}
	lower := strings.ToLower(rest)
	switch {
	case strings.HasPrefix(lower, "re"):
		rest = rest[2:]
	case strings.HasPrefix(lower, "fwd"):
		rest = rest[3:]
	case strings.HasPrefix(lower, "fw"):
		rest = rest[2:]
	default:
		return s, false
	}
	rest = strings.TrimLeft(rest, " ")
	if r, ok := stripBlob(rest); ok {
		rest = r
	}
	if !strings.HasPrefix(rest, ":") {
		return s, false
	}
	return strings.TrimLeft(rest[1:], " "), true
}

// stripBlob removes one leading "[...]" without nested brackets.
func stripBlob(s string) (string, bool) {
	if !strings.HasPrefix(s, "[") {
		return s, false
	}
	end := strings.IndexAny(s[1:], "[]")
	if end < 0 || s[1+end] != ']' {
		return s, false
	}
	return strings.TrimLeft(s[end+2:], " "), true
}
