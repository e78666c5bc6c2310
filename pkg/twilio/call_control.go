// Package twilio wraps the pieces of the Twilio REST API the bridge
// needs: answering voice webhooks with Media Streams TwiML, validating
// webhook signatures, and completing calls on the PSTN side.
package twilio

import (
	"fmt"

	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
	"go.uber.org/zap"
)

// CallControlService manages outbound Twilio REST operations.
// If credentials are missing the service is disabled and every
// operation becomes a no-op, so the bridge still serves Twilio media
// streams that arrive without signature enforcement (local testing).
type CallControlService struct {
	restClient *twilio.RestClient
	validator  client.RequestValidator
	accountSID string
	enabled    bool
}

// NewCallControlService creates a new call control service.
// If accountSID or authToken is empty, the service will be disabled.
func NewCallControlService(accountSID, authToken string) *CallControlService {
	if accountSID == "" || authToken == "" {
		logger.Base().Warn("Twilio credentials not provided, call control disabled")
		return &CallControlService{enabled: false}
	}

	return &CallControlService{
		restClient: twilio.NewRestClientWithParams(twilio.ClientParams{Username: accountSID, Password: authToken}),
		validator:  client.NewRequestValidator(authToken),
		accountSID: accountSID,
		enabled:    true,
	}
}

// IsEnabled returns whether the service is enabled
func (s *CallControlService) IsEnabled() bool {
	return s.enabled
}

// ValidateRequest checks the X-Twilio-Signature of an incoming webhook
// against the full request URL and POST form parameters. Always true
// when the service is disabled.
func (s *CallControlService) ValidateRequest(url string, params map[string]string, signature string) bool {
	if !s.enabled {
		return true
	}
	return s.validator.Validate(url, params, signature)
}

// StreamTwiML renders the voice webhook response that connects the call
// to the bidirectional media stream endpoint.
func StreamTwiML(streamURL string) (string, error) {
	stream := &twiml.VoiceStream{Url: streamURL}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}

	doc, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		return "", fmt.Errorf("failed to render stream twiml: %w", err)
	}
	return doc, nil
}

// RejectTwiML renders a response that rejects the call outright.
func RejectTwiML() (string, error) {
	reject := &twiml.VoiceReject{}
	doc, err := twiml.Voice([]twiml.Element{reject})
	if err != nil {
		return "", fmt.Errorf("failed to render reject twiml: %w", err)
	}
	return doc, nil
}

// CompleteCall asks Twilio to end the PSTN leg of a call. The media
// stream closing tears down the WebSocket, but without this the carrier
// side can linger until Twilio's own timeout.
func (s *CallControlService) CompleteCall(callSID string) error {
	if !s.enabled {
		return nil
	}
	if callSID == "" {
		return fmt.Errorf("call SID cannot be empty")
	}

	params := &api.UpdateCallParams{}
	params.SetStatus("completed")

	if _, err := s.restClient.Api.UpdateCall(callSID, params); err != nil {
		logger.Base().Error("Failed to complete Twilio call",
			zap.String("call_sid", callSID),
			zap.Error(err))
		return fmt.Errorf("failed to complete call %s: %w", callSID, err)
	}

	logger.Base().Info("Twilio call completed", zap.String("call_sid", callSID))
	return nil
}
