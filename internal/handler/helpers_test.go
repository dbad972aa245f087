package handler

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusBadRequest, "invalid input")

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %s", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"code":400`) {
		t.Errorf("expected code 400 in body: %s", body)
	}
	if !strings.Contains(body, `"message":"invalid input"`) {
		t.Errorf("expected message in body: %s", body)
	}
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %s", ct)
	}
	if body := w.Body.String(); !strings.Contains(body, `"hello":"world"`) {
		t.Errorf("expected JSON body, got: %s", body)
	}
}

func TestClassifyDBError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"sqlite unique", errors.New("UNIQUE constraint failed: permissions.name"), http.StatusConflict},
		{"postgres unique", errors.New(`duplicate key value violates unique constraint "permissions_name_key"`), http.StatusConflict},
		{"mysql unique", errors.New("Error 1062: Duplicate entry 'x' for key 'name'"), http.StatusConflict},
		{"not null", errors.New("NOT NULL constraint failed: api_keys.hash"), http.StatusBadRequest},
		{"foreign key", errors.New("FOREIGN KEY constraint failed"), http.StatusBadRequest},
		{"other", errors.New("disk I/O error"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := classifyDBError(tt.err, "op failed")
			if status != tt.want {
				t.Errorf("status = %d, want %d", status, tt.want)
			}
		})
	}
}
