package ingress

import (
	"net/http"
	"time"

	"github.com/frontdesklabs/call-engine/internal/domain"
	"github.com/frontdesklabs/call-engine/internal/engine"
	"github.com/frontdesklabs/call-engine/internal/registry"
	"github.com/frontdesklabs/call-engine/pkg/logger"
	twclient "github.com/twilio/twilio-go/client"
	"go.uber.org/zap"
)

// TwilioSignatureHeader carries the HMAC-SHA1 signature Twilio computes over
// the callback URL and the sorted form parameters.
const TwilioSignatureHeader = "X-Twilio-Signature"

// RecordingHandler terminates the recording-status callback the fallback
// controller registers when it starts a voicemail recording. Twilio posts
// form-encoded status updates here, not the JSON envelope of the main
// webhook, so it gets its own endpoint and its own signature scheme.
type RecordingHandler struct {
	validator   twclient.RequestValidator
	validate    bool
	callbackURL string
	eventLog    registry.EventLog
	engine      *engine.Engine
}

// NewRecordingHandler builds the handler. An empty authToken disables
// signature validation for local development.
func NewRecordingHandler(authToken, callbackURL string, eventLog registry.EventLog, eng *engine.Engine) *RecordingHandler {
	return &RecordingHandler{
		validator:   twclient.NewRequestValidator(authToken),
		validate:    authToken != "",
		callbackURL: callbackURL,
		eventLog:    eventLog,
		engine:      eng,
	}
}

// HandleRecording is POST /webhooks/telephony/recording.
func (h *RecordingHandler) HandleRecording(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed form"})
		return
	}

	if h.validate {
		params := make(map[string]string, len(r.PostForm))
		for key, values := range r.PostForm {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}
		if !h.validator.Validate(h.callbackURL, params, r.Header.Get(TwilioSignatureHeader)) {
			logger.Base().Warn("Rejected recording callback with bad signature",
				zap.String("remote", r.RemoteAddr))
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
			return
		}
	}

	callID := r.PostForm.Get("CallSid")
	recordingSid := r.PostForm.Get("RecordingSid")
	if callID == "" || recordingSid == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing CallSid or RecordingSid"})
		return
	}

	if status := r.PostForm.Get("RecordingStatus"); status != "completed" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	first, err := h.eventLog.MarkProcessed(r.Context(), "recording:"+recordingSid)
	if err != nil {
		logger.Base().Error("Event log unavailable, processing without dedup", zap.Error(err))
		first = true
	}
	if !first {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	h.engine.Submit(&domain.CallEvent{
		EventID:      "recording:" + recordingSid,
		CallID:       callID,
		Type:         domain.EventRecordingReady,
		Timestamp:    time.Now().UTC(),
		RecordingURL: r.PostForm.Get("RecordingUrl"),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
