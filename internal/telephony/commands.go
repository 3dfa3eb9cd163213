package telephony

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/frontdesklabs/call-engine/pkg/logger"
	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// Commander issues in-call commands back to the telephony provider: prompt
// playback, recording control, hangup. It is the only component that talks
// to the provider's REST surface.
type Commander interface {
	// PlayPrompt speaks a fixed prompt to the caller.
	PlayPrompt(ctx context.Context, callID, prompt string) error
	// StartRecording begins recording the call leg and registers the
	// recording-ready callback.
	StartRecording(ctx context.Context, callID, callbackURL string) error
	// Hangup terminates the provider leg.
	Hangup(ctx context.Context, callID string) error
}

// TwilioCommander implements Commander on the Twilio REST API.
type TwilioCommander struct {
	client *twilio.RestClient
}

func NewTwilioCommander(accountSID, authToken string) *TwilioCommander {
	return &TwilioCommander{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
	}
}

// voicemailTwiml builds the inline response that speaks the prompt and keeps
// the line open for recording. The prompt is operator-configured free text
// and must be XML-escaped before embedding.
func voicemailTwiml(prompt string) string {
	var esc strings.Builder
	_ = xml.EscapeText(&esc, []byte(prompt))
	return fmt.Sprintf(`<Response><Say>%s</Say><Pause length="60"/></Response>`, esc.String())
}

// PlayPrompt redirects the live call to inline TwiML that speaks the prompt
// and then keeps the line open for recording.
func (c *TwilioCommander) PlayPrompt(_ context.Context, callID, prompt string) error {
	params := &openapi.UpdateCallParams{}
	params.SetTwiml(voicemailTwiml(prompt))

	if _, err := c.client.Api.UpdateCall(callID, params); err != nil {
		return fmt.Errorf("play prompt for %s: %w", callID, err)
	}
	logger.Base().Info("Prompt playback issued", zap.String("call_id", callID))
	return nil
}

func (c *TwilioCommander) StartRecording(_ context.Context, callID, callbackURL string) error {
	params := &openapi.CreateCallRecordingParams{}
	if callbackURL != "" {
		params.SetRecordingStatusCallback(callbackURL)
		params.SetRecordingStatusCallbackEvent([]string{"completed"})
	}

	if _, err := c.client.Api.CreateCallRecording(callID, params); err != nil {
		return fmt.Errorf("start recording for %s: %w", callID, err)
	}
	logger.Base().Info("Recording started", zap.String("call_id", callID))
	return nil
}

func (c *TwilioCommander) Hangup(_ context.Context, callID string) error {
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")

	if _, err := c.client.Api.UpdateCall(callID, params); err != nil {
		return fmt.Errorf("hangup %s: %w", callID, err)
	}
	return nil
}
