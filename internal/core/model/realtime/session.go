package realtime

import (
	"github.com/ClareAI/astra-voice-bridge/internal/config"
)

// SessionPayload builds the session block for the negotiation session.update
// from bridge configuration plus the per-call instructions and tool schemas.
// The model always speaks PCM16; rate conversion happens on the bridge side.
func SessionPayload(cfg *config.BridgeConfig, instructions string, tools []map[string]interface{}) map[string]interface{} {
	if instructions == "" {
		instructions = cfg.Instructions
	}

	session := map[string]interface{}{
		"modalities":          []string{"text", "audio"},
		"voice":               cfg.Voice,
		"input_audio_format":  "pcm16",
		"output_audio_format": "pcm16",
		"input_audio_transcription": map[string]interface{}{
			"model": "whisper-1",
		},
		"turn_detection": turnDetectionPayload(cfg.TurnDetection),
		"temperature":    cfg.Temperature,
	}

	if instructions != "" {
		session["instructions"] = instructions
	}
	if cfg.MaxResponseOutputTokens > 0 {
		session["max_response_output_tokens"] = cfg.MaxResponseOutputTokens
	}
	if len(tools) > 0 {
		session["tools"] = tools
		session["tool_choice"] = "auto"
	}

	return session
}

// turnDetectionPayload returns nil for type "none", which the wire protocol
// expresses as an explicit null to disable server-side turn handling.
func turnDetectionPayload(td config.TurnDetectionConfig) interface{} {
	if td.Type == "" || td.Type == "none" {
		return nil
	}
	return map[string]interface{}{
		"type":                td.Type,
		"threshold":           td.Threshold,
		"prefix_padding_ms":   td.PrefixPaddingMs,
		"silence_duration_ms": td.SilenceDurationMs,
		"create_response":     td.CreateResponse,
	}
}
