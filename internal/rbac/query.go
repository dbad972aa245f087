// Package rbac evaluates boolean permission queries against a principal's
// granted permission set.
package rbac

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedQuery is returned when a query cannot be parsed into the typed
// tree. It is a client error: malformed authorization requirements are never
// silently treated as "denied".
var ErrMalformedQuery = errors.New("malformed permission query")

type nodeKind int

const (
	kindInvalid nodeKind = iota
	kindLiteral
	kindAnd
	kindOr
)

// Query is a boolean expression over permission-name literals: a tagged
// union of Literal, And, and Or nodes. Build queries with the constructors
// or parse the JSON wire form with ParseQuery; the zero value is invalid and
// evaluates to an error, never to false.
//
// Wire format: a bare JSON string is a literal, {"and":[...]} and
// {"or":[...]} are connectives with nestable children.
type Query struct {
	kind     nodeKind
	lit      string
	children []Query
}

// Literal returns a query satisfied by the single permission name.
func Literal(name string) Query { return Query{kind: kindLiteral, lit: name} }

// All returns a query satisfied only when every child is satisfied.
// All() with no children is vacuously true.
func All(children ...Query) Query { return Query{kind: kindAnd, children: children} }

// Any returns a query satisfied when at least one child is satisfied.
// Any() with no children is false.
func Any(children ...Query) Query { return Query{kind: kindOr, children: children} }

// ParseQuery parses the JSON wire form into a typed query tree.
func ParseQuery(raw json.RawMessage) (Query, error) {
	var lit string
	if err := json.Unmarshal(raw, &lit); err == nil {
		if lit == "" {
			return Query{}, fmt.Errorf("%w: empty permission literal", ErrMalformedQuery)
		}
		return Literal(lit), nil
	}

	var node struct {
		And []json.RawMessage `json:"and"`
		Or  []json.RawMessage `json:"or"`
	}
	if err := json.Unmarshal(raw, &node); err != nil {
		return Query{}, fmt.Errorf("%w: %v", ErrMalformedQuery, err)
	}
	if (node.And == nil) == (node.Or == nil) {
		// Neither or both connectives present.
		return Query{}, fmt.Errorf("%w: node must carry exactly one of \"and\"/\"or\"", ErrMalformedQuery)
	}

	parseChildren := func(raws []json.RawMessage) ([]Query, error) {
		children := make([]Query, 0, len(raws))
		for _, r := range raws {
			child, err := ParseQuery(r)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return children, nil
	}

	if node.And != nil {
		children, err := parseChildren(node.And)
		if err != nil {
			return Query{}, err
		}
		return All(children...), nil
	}
	children, err := parseChildren(node.Or)
	if err != nil {
		return Query{}, err
	}
	return Any(children...), nil
}

// MarshalJSON renders the query back into its wire form.
func (q Query) MarshalJSON() ([]byte, error) {
	switch q.kind {
	case kindLiteral:
		return json.Marshal(q.lit)
	case kindAnd:
		return json.Marshal(map[string][]Query{"and": q.children})
	case kindOr:
		return json.Marshal(map[string][]Query{"or": q.children})
	default:
		return nil, ErrMalformedQuery
	}
}

// UnmarshalJSON parses the wire form, delegating to ParseQuery.
func (q *Query) UnmarshalJSON(data []byte) error {
	parsed, err := ParseQuery(data)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}
