package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClareAI/astra-voice-bridge/internal/audio"
	"github.com/ClareAI/astra-voice-bridge/internal/config"
	"github.com/ClareAI/astra-voice-bridge/internal/core/bridge"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/provider"
	"github.com/ClareAI/astra-voice-bridge/internal/vad"
	"github.com/ClareAI/astra-voice-bridge/pkg/twilio"
)

// stubModelConn negotiates immediately and swallows everything else, so
// handler tests exercise the transport path without a model backend.
type stubModelConn struct {
	mu      sync.Mutex
	handler func(map[string]interface{})
	closed  bool
}

func (c *stubModelConn) UpdateSession(session map[string]interface{}) error {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(map[string]interface{}{
			"type":    "session.created",
			"session": map[string]interface{}{"id": "sess-test"},
		})
	}
	return nil
}

func (c *stubModelConn) AppendAudio([]byte) error                  { return nil }
func (c *stubModelConn) CommitAudio() error                        { return nil }
func (c *stubModelConn) ClearAudio() error                         { return nil }
func (c *stubModelConn) CreateResponse() error                     { return nil }
func (c *stubModelConn) CancelResponse() error                     { return nil }
func (c *stubModelConn) CreateFunctionOutput(string, string) error { return nil }
func (c *stubModelConn) CreateUserMessage(string) error            { return nil }
func (c *stubModelConn) SendEvent(map[string]interface{}) error    { return nil }

func (c *stubModelConn) SetEventHandler(handler func(map[string]interface{})) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

func (c *stubModelConn) SetErrorHandler(func(error)) {}

func (c *stubModelConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *stubModelConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

type stubModelProvider struct{}

func (p *stubModelProvider) InitializeConnection(context.Context, string, *provider.ConnectionConfig) (provider.ModelConnection, error) {
	return &stubModelConn{}, nil
}

func (p *stubModelProvider) GetProviderType() provider.ProviderType { return provider.ProviderTypeLocal }
func (p *stubModelProvider) SupportsFeature(provider.Feature) bool  { return true }

func handlerBridgeConfig() *config.BridgeConfig {
	return &config.BridgeConfig{
		UseLocalModel: true,
		LocalModelURL: "ws://localhost:8765",
		Voice:         "alloy",
		Temperature:   0.8,
		InputRate:     audio.Rate16k,
		OutputRate:    audio.Rate16k,
		Encoding:      audio.EncodingPCM16,
		VAD: vad.Config{
			SpeechThreshold:     0.5,
			SilenceThreshold:    0.6,
			MinSpeechDurationMs: 64,
			ForceStopTimeoutMs:  2000,
			Device:              "cpu",
			SampleRate:          audio.Rate16k,
		},
		TurnDetection: config.TurnDetectionConfig{Type: "none"},
		Timeouts: config.TimeoutConfig{
			Connect:       time.Second,
			SessionCreate: time.Second,
			Function:      time.Second,
			IngressCommit: 150 * time.Millisecond,
			OrphanStream:  500 * time.Millisecond,
			HangupDelay:   40 * time.Millisecond,
		},
	}
}

func newTestBridgeManager(t *testing.T) *bridge.Manager {
	t.Helper()
	manager, err := bridge.NewManager(bridge.ManagerOptions{
		Config:   handlerBridgeConfig(),
		Provider: &stubModelProvider{},
	})
	require.NoError(t, err)
	return manager
}

func TestVoiceWebSocketNegotiatesSession(t *testing.T) {
	manager := newTestBridgeManager(t)

	router := mux.NewRouter()
	router.Use(CORSMiddleware)
	router.Use(GlobalLoggingMiddleware)
	voiceHandler := NewVoiceHandler(manager, twilio.NewCallControlService("", ""), "")
	voiceHandler.SetupVoiceRoutes(router)

	server := httptest.NewServer(router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/voice/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"type":    "session.initiate",
		"call_id": "handler-test-call",
		"caller":  "+15550001111",
		"media_format": map[string]interface{}{
			"encoding":    "pcm16",
			"sample_rate": 16000,
			"channels":    1,
		},
	}))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var accepted map[string]interface{}
	require.NoError(t, ws.ReadJSON(&accepted))
	assert.Equal(t, "session.accepted", accepted["type"])
	assert.Equal(t, 1, manager.Count())

	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"type":       "session.end",
		"reasonCode": "client_hangup",
		"reason":     "done",
	}))

	require.Eventually(t, func() bool { return manager.Count() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestTwilioVoiceWebhookReturnsStreamTwiML(t *testing.T) {
	h := NewVoiceHandler(nil, twilio.NewCallControlService("", ""), "https://bridge.example.com")

	form := url.Values{}
	form.Set("CallSid", "CA1234")
	form.Set("From", "+15550001111")
	req := httptest.NewRequest(http.MethodPost, "/twilio/voice", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	h.HandleTwilioVoice(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "<Connect>")
	assert.Contains(t, rec.Body.String(), `url="wss://bridge.example.com/twilio/stream"`)
}

func TestTwilioVoiceWebhookRejectsBadSignature(t *testing.T) {
	callControl := twilio.NewCallControlService("AC00000000000000000000000000000000", "auth-token")
	h := NewVoiceHandler(nil, callControl, "https://bridge.example.com")

	form := url.Values{}
	form.Set("CallSid", "CA1234")
	req := httptest.NewRequest(http.MethodPost, "/twilio/voice", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", "bogus")
	rec := httptest.NewRecorder()

	h.HandleTwilioVoice(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStreamURLPrefersPublicBase(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/twilio/voice", nil)

	h := NewVoiceHandler(nil, twilio.NewCallControlService("", ""), "https://bridge.example.com")
	assert.Equal(t, "wss://bridge.example.com/twilio/stream", h.streamURL(req))

	h = NewVoiceHandler(nil, twilio.NewCallControlService("", ""), "http://localhost:8080")
	assert.Equal(t, "ws://localhost:8080/twilio/stream", h.streamURL(req))
}

func TestStreamURLFallsBackToRequestHost(t *testing.T) {
	h := NewVoiceHandler(nil, twilio.NewCallControlService("", ""), "")
	req := httptest.NewRequest(http.MethodPost, "/twilio/voice", nil)
	req.Host = "pod-1.internal:8080"

	assert.Equal(t, "wss://pod-1.internal:8080/twilio/stream", h.streamURL(req))
}

func TestWebhookURLUsesPublicBase(t *testing.T) {
	h := NewVoiceHandler(nil, twilio.NewCallControlService("", ""), "https://bridge.example.com/")
	req := httptest.NewRequest(http.MethodPost, "/twilio/voice?AccountSid=AC1", nil)

	assert.Equal(t, "https://bridge.example.com/twilio/voice?AccountSid=AC1", h.webhookURL(req))
}
