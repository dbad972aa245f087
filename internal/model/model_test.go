package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestKeyHashNotInJSON(t *testing.T) {
	key := Key{
		ID:          "key_123",
		Hash:        "sha256hashvalue",
		Start:       "keygate_abc1",
		WorkspaceID: "ws_1",
		KeyringID:   "kr_1",
		Enabled:     true,
		CreatedAt:   time.Now(),
	}

	b, err := json.Marshal(key)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if _, ok := m["hash"]; ok {
		t.Error("hash should NOT appear in JSON output (json:\"-\" tag)")
	}
	if _, ok := m["start"]; !ok {
		t.Error("start should be present in JSON output")
	}
}

func TestKeyOptionalFieldsOmitted(t *testing.T) {
	key := Key{
		ID:          "key_123",
		WorkspaceID: "ws_1",
		KeyringID:   "kr_1",
		Enabled:     true,
	}

	b, err := json.Marshal(key)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	for _, absent := range []string{"remaining", "refill", "ratelimit", "expires", "deleted_at"} {
		if _, ok := m[absent]; ok {
			t.Errorf("%s should be omitted when unset", absent)
		}
	}

	// Remaining zero and remaining nil are distinct states.
	zero := int64(0)
	key.Remaining = &zero
	b2, _ := json.Marshal(key)
	var m2 map[string]interface{}
	if err := json.Unmarshal(b2, &m2); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if got, ok := m2["remaining"]; !ok || got != float64(0) {
		t.Errorf("remaining = %v, want 0 present", got)
	}
}

func TestOverrideWindow(t *testing.T) {
	o := RatelimitOverride{Duration: 60000}
	if o.Window() != time.Minute {
		t.Errorf("Window() = %v, want 1m", o.Window())
	}
}

func TestErrorResponseJSON(t *testing.T) {
	er := ErrorResponse{
		Error: ErrorDetail{
			Code:    404,
			Message: "override not found",
			Context: map[string]interface{}{"override_id": "ovr_1"},
		},
	}

	b, err := json.Marshal(er)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	errObj, ok := m["error"].(map[string]interface{})
	if !ok {
		t.Fatal("expected 'error' key to be an object")
	}
	if errObj["code"] != float64(404) {
		t.Errorf("error.code = %v, want 404", errObj["code"])
	}

	// Context should be omitted when nil.
	er2 := ErrorResponse{Error: ErrorDetail{Code: 500, Message: "internal"}}
	b2, _ := json.Marshal(er2)
	var m2 map[string]interface{}
	if err := json.Unmarshal(b2, &m2); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if _, ok := m2["error"].(map[string]interface{})["context"]; ok {
		t.Error("context should be omitted when nil")
	}
}
