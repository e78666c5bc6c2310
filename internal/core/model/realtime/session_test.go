package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClareAI/astra-voice-bridge/internal/config"
)

func testBridgeConfig() *config.BridgeConfig {
	return &config.BridgeConfig{
		Voice:        "alloy",
		Temperature:  0.8,
		Instructions: "You are a helpful receptionist.",
		TurnDetection: config.TurnDetectionConfig{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
			CreateResponse:    false,
		},
	}
}

func TestSessionPayloadDefaults(t *testing.T) {
	session := SessionPayload(testBridgeConfig(), "", nil)

	assert.Equal(t, []string{"text", "audio"}, session["modalities"])
	assert.Equal(t, "alloy", session["voice"])
	assert.Equal(t, "pcm16", session["input_audio_format"])
	assert.Equal(t, "pcm16", session["output_audio_format"])
	assert.Equal(t, 0.8, session["temperature"])
	assert.Equal(t, "You are a helpful receptionist.", session["instructions"])

	transcription := session["input_audio_transcription"].(map[string]interface{})
	assert.Equal(t, "whisper-1", transcription["model"])

	td := session["turn_detection"].(map[string]interface{})
	assert.Equal(t, "server_vad", td["type"])
	assert.Equal(t, 0.5, td["threshold"])
	assert.Equal(t, 300, td["prefix_padding_ms"])
	assert.Equal(t, 500, td["silence_duration_ms"])
	assert.Equal(t, false, td["create_response"])

	_, hasTools := session["tools"]
	assert.False(t, hasTools)
	_, hasMax := session["max_response_output_tokens"]
	assert.False(t, hasMax)
}

func TestSessionPayloadPerCallInstructionsWin(t *testing.T) {
	session := SessionPayload(testBridgeConfig(), "Greet the caller by name.", nil)
	assert.Equal(t, "Greet the caller by name.", session["instructions"])
}

func TestSessionPayloadIncludesTools(t *testing.T) {
	tools := []map[string]interface{}{
		{"type": "function", "name": "check_order_status"},
	}
	session := SessionPayload(testBridgeConfig(), "", tools)

	require.Len(t, session["tools"], 1)
	assert.Equal(t, "auto", session["tool_choice"])
}

func TestSessionPayloadDisablesTurnDetection(t *testing.T) {
	cfg := testBridgeConfig()
	cfg.TurnDetection.Type = "none"
	session := SessionPayload(cfg, "", nil)
	assert.Nil(t, session["turn_detection"])
}

func TestSessionPayloadMaxTokens(t *testing.T) {
	cfg := testBridgeConfig()
	cfg.MaxResponseOutputTokens = 4096
	session := SessionPayload(cfg, "", nil)
	assert.Equal(t, 4096, session["max_response_output_tokens"])
}
