package ingress

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/frontdesklabs/call-engine/internal/domain"
	"github.com/frontdesklabs/call-engine/internal/engine"
	"github.com/frontdesklabs/call-engine/internal/registry"
	"github.com/frontdesklabs/call-engine/pkg/logger"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// providerEvent is the wire shape of a telephony provider webhook.
type providerEvent struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	CallID     string    `json:"call_control_id"`
	TenantID   string    `json:"tenant_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Direction  string    `json:"direction"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    struct {
		RecordingURL string `json:"recording_url"`
		Digit        string `json:"digit"`
	} `json:"payload"`
}

// eventTypeMap translates provider event names to the engine's event types.
var eventTypeMap = map[string]domain.EventType{
	"call.initiated":       domain.EventInitiated,
	"call.answered":        domain.EventAnswered,
	"call.hangup":          domain.EventHangup,
	"call.recording.ready": domain.EventRecordingReady,
	"call.dtmf":            domain.EventDTMF,
	"call.error":           domain.EventError,
}

// Handler terminates telephony provider webhooks: verify the signature,
// throttle, deduplicate, translate, hand off to the engine, and acknowledge
// fast. All call-lifecycle work happens on the call's worker, never on the
// request goroutine.
type Handler struct {
	secret   string
	limiter  *sourceLimiter
	eventLog registry.EventLog
	engine   *engine.Engine
}

func NewHandler(secret string, ratePerMin, burst int, eventLog registry.EventLog, eng *engine.Engine) *Handler {
	return &Handler{
		secret:   secret,
		limiter:  newSourceLimiter(ratePerMin, burst),
		eventLog: eventLog,
		engine:   eng,
	}
}

// HandleWebhook is POST /webhooks/telephony.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	if !VerifySignature(h.secret, body, r.Header.Get(SignatureHeader)) {
		logger.Base().Warn("Rejected webhook with bad signature",
			zap.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	var ev providerEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		return
	}
	if ev.EventID == "" || ev.CallID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing event_id or call_control_id"})
		return
	}

	if !h.limiter.Allow(h.sourceKey(r, &ev)) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	eventType, known := eventTypeMap[ev.EventType]
	if !known {
		// Acknowledge unknown event kinds so the provider stops retrying them.
		logger.Base().Debug("Ignoring unknown webhook event type",
			zap.String("event_type", ev.EventType))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	first, err := h.eventLog.MarkProcessed(r.Context(), ev.EventID)
	if err != nil {
		// Dedup store outage: fail open. A rare duplicate beats dropping a
		// real lifecycle event, and the state machine discards invalid replays.
		logger.Base().Error("Event log unavailable, processing without dedup", zap.Error(err))
		first = true
	}
	if !first {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	h.engine.Submit(h.toCallEvent(&ev, eventType, body))
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (h *Handler) toCallEvent(ev *providerEvent, eventType domain.EventType, raw []byte) *domain.CallEvent {
	ts := ev.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &domain.CallEvent{
		EventID:      ev.EventID,
		CallID:       ev.CallID,
		Type:         eventType,
		TenantID:     ev.TenantID,
		FromNumber:   ev.From,
		ToNumber:     ev.To,
		Direction:    domain.CallDirection(ev.Direction),
		Timestamp:    ts,
		RecordingURL: ev.Payload.RecordingURL,
		RawPayload:   raw,
	}
}

// sourceKey picks the throttling key: the caller's number when the payload
// carries one, the tenant as the account-level fallback, remote host last.
func (h *Handler) sourceKey(r *http.Request, ev *providerEvent) string {
	if ev.From != "" {
		return "from:" + ev.From
	}
	if ev.TenantID != "" {
		return "tenant:" + ev.TenantID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "addr:" + r.RemoteAddr
	}
	return "addr:" + host
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
