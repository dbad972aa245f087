package rbac

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseQueryWireFormat(t *testing.T) {
	raw := []byte(`{"and":["api.*.read_key",{"or":["team.admin","doc.owner"]}]}`)

	q, err := ParseQuery(raw)
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}

	ok, err := Evaluate(q, PermissionSet([]string{"api.*.read_key", "doc.owner"}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !ok {
		t.Error("parsed query should be satisfied")
	}

	ok, err = Evaluate(q, PermissionSet([]string{"api.*.read_key"}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ok {
		t.Error("parsed query should fail without the Or branch")
	}
}

func TestParseQueryMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty object", `{}`},
		{"both connectives", `{"and":["a"],"or":["b"]}`},
		{"number literal", `42`},
		{"empty string literal", `""`},
		{"malformed child", `{"and":["a",{}]}`},
		{"array at top level", `["a","b"]`},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseQuery([]byte(tt.raw))
			if !errors.Is(err, ErrMalformedQuery) {
				t.Errorf("ParseQuery(%s): got %v, want ErrMalformedQuery", tt.raw, err)
			}
		})
	}
}

func TestQueryJSONRoundTrip(t *testing.T) {
	q := All(Literal("p1"), Any(Literal("p2"), Literal("p3")))

	b, err := json.Marshal(q)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var back Query
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	// The round-tripped tree must evaluate identically.
	for _, granted := range [][]string{{"p1", "p3"}, {"p1"}, {"p2", "p3"}} {
		want, _ := Evaluate(q, PermissionSet(granted))
		got, err := Evaluate(back, PermissionSet(granted))
		if err != nil {
			t.Fatalf("Evaluate round-trip: %v", err)
		}
		if got != want {
			t.Errorf("granted %v: round-trip = %v, original = %v", granted, got, want)
		}
	}
}

func TestMarshalInvalidQuery(t *testing.T) {
	if _, err := json.Marshal(Query{}); err == nil {
		t.Error("marshaling the zero-value query should fail")
	}
}
