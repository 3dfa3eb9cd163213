package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/frontdesklabs/call-engine/internal/broker"
	"github.com/frontdesklabs/call-engine/internal/domain"
	"github.com/frontdesklabs/call-engine/internal/registry"
	"github.com/gorilla/mux"
)

// CallHandler serves the read side: live call state for tenant dashboards
// and the health endpoint.
type CallHandler struct {
	registry   *registry.Registry
	broker     *broker.Broker
	instanceID string
	startedAt  time.Time
}

func NewCallHandler(reg *registry.Registry, brk *broker.Broker, instanceID string) *CallHandler {
	return &CallHandler{
		registry:   reg,
		broker:     brk,
		instanceID: instanceID,
		startedAt:  time.Now(),
	}
}

type callResponse struct {
	*domain.Call
	Session *domain.SessionInfo `json:"session,omitempty"`
}

// GetCall is GET /calls/{callID}: a point-in-time snapshot of the call,
// never the live aggregate.
func (h *CallHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["callID"]

	snap, err := h.registry.Snapshot(callID)
	if err != nil {
		if errors.Is(err, domain.ErrCallNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "call not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "snapshot failed"})
		return
	}

	resp := callResponse{Call: snap}
	if info, ok := h.broker.Session(callID); ok {
		resp.Session = &info
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health is GET /health.
func (h *CallHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"instance_id":     h.instanceID,
		"uptime_seconds":  int(time.Since(h.startedAt).Seconds()),
		"active_calls":    h.registry.ActiveCount(),
		"active_sessions": h.broker.ActiveSessions(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
