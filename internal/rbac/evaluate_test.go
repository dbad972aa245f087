package rbac

import (
	"errors"
	"testing"
)

func evalOK(t *testing.T, q Query, granted []string) bool {
	t.Helper()
	ok, err := Evaluate(q, PermissionSet(granted))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	return ok
}

func TestLiteralWildcardMatching(t *testing.T) {
	tests := []struct {
		name     string
		granted  []string
		required string
		want     bool
	}{
		{"exact", []string{"api.123.read_key"}, "api.123.read_key", true},
		{"middle wildcard", []string{"api.*.read_key"}, "api.123.read_key", true},
		{"wrong leaf", []string{"api.*.create_key"}, "api.123.read_key", false},
		{"trailing wildcard", []string{"api.*"}, "api.123.read_key", true},
		{"trailing wildcard needs a segment", []string{"api.*"}, "api", false},
		{"segment count mismatch short", []string{"api.read"}, "api.read.key", false},
		{"segment count mismatch long", []string{"api.read.key"}, "api.read", false},
		{"no substring matching", []string{"api.read"}, "api.reader", false},
		{"superuser wildcard", []string{"*"}, "ratelimit.ns1.delete_override", true},
		{"wildcard in query is literal", []string{"api.123.read_key"}, "api.*.read_key", false},
		{"empty grant set", nil, "api.123.read_key", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := evalOK(t, Literal(tt.required), tt.granted); got != tt.want {
				t.Errorf("Evaluate(Literal(%q), %v) = %v, want %v", tt.required, tt.granted, got, tt.want)
			}
		})
	}
}

func TestConnectives(t *testing.T) {
	granted := []string{"a", "b"}

	if !evalOK(t, All(Literal("a"), Literal("b")), granted) {
		t.Error("And over fully granted set should be true")
	}
	if evalOK(t, All(Literal("a"), Literal("c")), granted) {
		t.Error("And with a missing literal should be false")
	}
	if !evalOK(t, Any(Literal("c"), Literal("b")), granted) {
		t.Error("Or with one granted literal should be true")
	}
	if evalOK(t, Any(Literal("c"), Literal("d")), granted) {
		t.Error("Or with no granted literal should be false")
	}

	// Vacuous cases.
	if !evalOK(t, All(), granted) {
		t.Error("empty And should be vacuously true")
	}
	if evalOK(t, Any(), granted) {
		t.Error("empty Or should be false")
	}
}

func TestNestedQuery(t *testing.T) {
	// (read AND (admin OR owner))
	q := All(
		Literal("doc.read"),
		Any(Literal("team.admin"), Literal("doc.owner")),
	)

	if !evalOK(t, q, []string{"doc.read", "doc.owner"}) {
		t.Error("nested query should be satisfied")
	}
	if evalOK(t, q, []string{"doc.read"}) {
		t.Error("nested query missing the Or branch should fail")
	}
}

func TestEvaluateRejectsInvalidNode(t *testing.T) {
	_, err := Evaluate(Query{}, PermissionSet([]string{"a"}))
	if !errors.Is(err, ErrMalformedQuery) {
		t.Errorf("zero-value query: got %v, want ErrMalformedQuery", err)
	}

	// A malformed child inside a valid connective surfaces too.
	_, err = Evaluate(All(Literal("a"), Query{}), PermissionSet([]string{"a"}))
	if !errors.Is(err, ErrMalformedQuery) {
		t.Errorf("malformed child: got %v, want ErrMalformedQuery", err)
	}
}
