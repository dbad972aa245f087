package rbac

import "strings"

// Evaluate reports whether the granted permission set satisfies the query.
//
// A literal is satisfied when some granted name segment-matches it. Matching
// is segment-wise over '.'-delimited tokens, not substring matching: each
// granted segment must equal the query segment or be "*", and a trailing "*"
// in the granted name matches the remainder of the query name. Segment
// counts must otherwise agree, so "api.*" does not satisfy "api" and
// "api.read" does not satisfy "api.read.key".
//
// An invalid query node (the zero value, or a malformed tree that bypassed
// ParseQuery) returns ErrMalformedQuery rather than false.
func Evaluate(q Query, granted map[string]struct{}) (bool, error) {
	switch q.kind {
	case kindLiteral:
		for g := range granted {
			if matchName(g, q.lit) {
				return true, nil
			}
		}
		return false, nil

	case kindAnd:
		for _, child := range q.children {
			ok, err := Evaluate(child, granted)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case kindOr:
		for _, child := range q.children {
			ok, err := Evaluate(child, granted)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, ErrMalformedQuery
	}
}

// matchName reports whether a single granted name satisfies a required name.
// Wildcards live in the granted name only; the required name is a plain
// literal from the caller's query.
func matchName(granted, required string) bool {
	gs := strings.Split(granted, ".")
	rs := strings.Split(required, ".")

	for i, g := range gs {
		if g == "*" && i == len(gs)-1 {
			// Trailing wildcard swallows the rest: one or more segments.
			return len(rs) > i
		}
		if i >= len(rs) {
			return false
		}
		if g != "*" && g != rs[i] {
			return false
		}
	}
	return len(gs) == len(rs)
}

// PermissionSet builds the set form Evaluate expects from a list of names.
func PermissionSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
