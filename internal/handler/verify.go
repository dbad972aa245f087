package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/keygatehq/keygate/internal/rbac"
	"github.com/keygatehq/keygate/internal/service"
)

// VerifyHandler serves the public verification endpoint. It is the only
// route reachable without a root key; brute-force protection is the IP
// limiter in front of it.
type VerifyHandler struct {
	engine *service.Engine
}

// NewVerifyHandler creates a VerifyHandler.
func NewVerifyHandler(engine *service.Engine) *VerifyHandler {
	return &VerifyHandler{engine: engine}
}

// verifyKeyRequest is the wire form of a verification attempt. Authorization
// is the raw JSON query tree; it is parsed once here at the boundary.
type verifyKeyRequest struct {
	Key           string          `json:"key"`
	Authorization json.RawMessage `json:"authorization,omitempty"`
	Ratelimit     *struct {
		Namespace  string `json:"namespace"`
		Identifier string `json:"identifier"`
		Limit      int64  `json:"limit"`
		Duration   int64  `json:"duration"` // milliseconds
		Cost       int64  `json:"cost,omitempty"`
	} `json:"ratelimit,omitempty"`
}

// VerifyKey verifies an end-user secret and returns the typed result.
// POST /v1/keys.verifyKey
func (h *VerifyHandler) VerifyKey(w http.ResponseWriter, r *http.Request) {
	var req verifyKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	vr := service.VerifyRequest{Secret: req.Key}

	if len(req.Authorization) > 0 {
		q, err := rbac.ParseQuery(req.Authorization)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		vr.Authorization = &q
	}

	if req.Ratelimit != nil {
		if req.Ratelimit.Namespace == "" || req.Ratelimit.Identifier == "" {
			writeError(w, http.StatusBadRequest, "ratelimit requires namespace and identifier")
			return
		}
		vr.Ratelimit = &service.LimitRequest{
			Namespace:  req.Ratelimit.Namespace,
			Identifier: req.Ratelimit.Identifier,
			Limit:      req.Ratelimit.Limit,
			Duration:   time.Duration(req.Ratelimit.Duration) * time.Millisecond,
			Cost:       req.Ratelimit.Cost,
		}
	}

	res, err := h.engine.Verify(r.Context(), vr)
	if err != nil {
		if errors.Is(err, rbac.ErrMalformedQuery) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// Infrastructure fault: the decision could not be made, deny.
		writeError(w, http.StatusInternalServerError, "verification unavailable")
		return
	}

	// Invalid outcomes are still HTTP 200: the request was served, the
	// caller branches on the code field.
	writeJSON(w, http.StatusOK, res)
}
