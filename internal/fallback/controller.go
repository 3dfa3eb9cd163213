package fallback

import (
	"context"
	"time"

	"github.com/frontdesklabs/call-engine/internal/domain"
	"github.com/frontdesklabs/call-engine/internal/telephony"
	"github.com/frontdesklabs/call-engine/pkg/logger"
	"go.uber.org/zap"
)

// DefaultPrompt is the fixed caller-facing voicemail invitation. It is
// deliberately backend-independent: this path must work during a full AI
// outage.
const DefaultPrompt = "We are sorry, our receptionist is unavailable right now. Please leave a message after the tone and we will call you back."

// Notifier is the urgent-path slice of the outcome dispatcher's notification
// surface: a human must learn that automated handling failed.
type Notifier interface {
	NotifyUrgent(ctx context.Context, tenantID, callID, message string)
}

// Controller drives the voicemail path when the AI session fails: prompt the
// caller, start a recording, and alert an operator. It never touches the AI
// backend.
type Controller struct {
	commander   telephony.Commander
	notifier    Notifier
	prompt      string
	callbackURL string
}

func NewController(commander telephony.Commander, notifier Notifier, prompt, recordingCallbackURL string) *Controller {
	if prompt == "" {
		prompt = DefaultPrompt
	}
	return &Controller{
		commander:   commander,
		notifier:    notifier,
		prompt:      prompt,
		callbackURL: recordingCallbackURL,
	}
}

// Engage runs the voicemail flow for a call that just entered
// voicemail-fallback. Failures here are logged and escalated to the
// operator notification, never returned: the one unacceptable outcome is a
// silently dropped call.
func (c *Controller) Engage(ctx context.Context, call *domain.Call) {
	logger.Base().Warn("Engaging voicemail fallback",
		zap.String("call_id", call.CallID),
		zap.String("tenant_id", call.TenantID))

	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	promptOK := true
	if err := c.commander.PlayPrompt(opCtx, call.CallID, c.prompt); err != nil {
		promptOK = false
		logger.Base().Error("Voicemail prompt failed",
			zap.String("call_id", call.CallID), zap.Error(err))
	}

	if err := c.commander.StartRecording(opCtx, call.CallID, c.callbackURL); err != nil {
		logger.Base().Error("Voicemail recording start failed",
			zap.String("call_id", call.CallID), zap.Error(err))
	}

	msg := "AI handling failed, caller routed to voicemail"
	if !promptOK {
		msg = "AI handling failed and the voicemail prompt could not be played"
	}
	c.notifier.NotifyUrgent(ctx, call.TenantID, call.CallID, msg)
}
