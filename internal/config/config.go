package config

import (
	"fmt"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/audio"
	"github.com/ClareAI/astra-voice-bridge/internal/bridgeerr"
	"github.com/ClareAI/astra-voice-bridge/internal/vad"
)

// Note: .env is loaded in main for local development using godotenv.Load().

// TurnDetectionConfig mirrors the Realtime session turn_detection block.
type TurnDetectionConfig struct {
	// Type is server_vad, semantic_vad, or none.
	Type              string
	Threshold         float64
	PrefixPaddingMs   int
	SilenceDurationMs int
	// CreateResponse lets the model auto-create responses at end of turn.
	// When false the bridge requests responses itself after each commit;
	// exactly one side owns response creation.
	CreateResponse bool
}

// RecordingConfig controls per-call artifact capture.
type RecordingConfig struct {
	Enable    bool
	OutputDir string
}

// TimeoutConfig groups the bridge's operational deadlines.
type TimeoutConfig struct {
	Connect       time.Duration
	SessionCreate time.Duration
	Function      time.Duration
	IngressCommit time.Duration
	OrphanStream  time.Duration
	HangupDelay   time.Duration
}

// BridgeConfig is everything a single bridge needs: model connection,
// audio rates, VAD tuning, turn detection, recording, and deadlines.
type BridgeConfig struct {
	// Model connection
	OpenAIAPIKey            string
	OpenAIBaseURL           string
	ModelID                 string
	Voice                   string
	Temperature             float64
	MaxResponseOutputTokens int
	Instructions            string
	// Greeting, when set, is spoken by the bot as soon as the session is
	// Active, sent as transient response instructions.
	Greeting string

	// Telephony audio
	InputRate  int
	OutputRate int
	Encoding   audio.Encoding

	VAD           vad.Config
	TurnDetection TurnDetectionConfig
	Recording     RecordingConfig
	Timeouts      TimeoutConfig

	// Local model substitute for offline runs and tests
	UseLocalModel bool
	LocalModelURL string
}

// LoadBridgeConfig builds a BridgeConfig from environment variables with
// documented defaults. Call Validate before using it.
func LoadBridgeConfig() *BridgeConfig {
	return &BridgeConfig{
		OpenAIAPIKey:            getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:           getEnv("OPENAI_BASE_URL", "wss://api.openai.com/v1/realtime"),
		ModelID:                 getEnv("OPENAI_MODEL_ID", "gpt-4o-realtime-preview"),
		Voice:                   getEnv("OPENAI_VOICE", "alloy"),
		Temperature:             getEnvAsFloat("OPENAI_TEMPERATURE", 0.8),
		MaxResponseOutputTokens: getEnvAsInt("OPENAI_MAX_RESPONSE_OUTPUT_TOKENS", 0),
		Instructions:            getEnv("OPENAI_INSTRUCTIONS", ""),
		Greeting:                getEnv("GREETING_TEXT", ""),

		InputRate:  getEnvAsInt("AUDIO_INPUT_RATE", 16000),
		OutputRate: getEnvAsInt("AUDIO_OUTPUT_RATE", 16000),
		Encoding:   audio.Encoding(getEnv("AUDIO_ENCODING", string(audio.EncodingPCM16))),

		VAD: vad.Config{
			SpeechThreshold:     getEnvAsFloat("VAD_SPEECH_THRESHOLD", 0.5),
			SilenceThreshold:    getEnvAsFloat("VAD_SILENCE_THRESHOLD", 0.6),
			MinSpeechDurationMs: getEnvAsInt("VAD_MIN_SPEECH_DURATION_MS", 500),
			ForceStopTimeoutMs:  getEnvAsInt("VAD_FORCE_STOP_TIMEOUT_MS", 2000),
			Device:              getEnv("VAD_DEVICE", "cpu"),
			SampleRate:          getEnvAsInt("VAD_SAMPLE_RATE", 16000),
		},

		TurnDetection: TurnDetectionConfig{
			Type:              getEnv("TURN_DETECTION_TYPE", "server_vad"),
			Threshold:         getEnvAsFloat("TURN_DETECTION_THRESHOLD", 0.5),
			PrefixPaddingMs:   getEnvAsInt("TURN_DETECTION_PREFIX_PADDING_MS", 300),
			SilenceDurationMs: getEnvAsInt("TURN_DETECTION_SILENCE_DURATION_MS", 500),
			CreateResponse:    getEnvAsBool("TURN_DETECTION_CREATE_RESPONSE", false),
		},

		Recording: RecordingConfig{
			Enable:    getEnvAsBool("RECORDING_ENABLED", false),
			OutputDir: getEnv("RECORDING_OUTPUT_DIR", "./recordings"),
		},

		Timeouts: TimeoutConfig{
			Connect:       getEnvAsDurationMs("MODEL_CONNECT_TIMEOUT_MS", 10*time.Second),
			SessionCreate: getEnvAsDurationMs("SESSION_CREATE_TIMEOUT_MS", 15*time.Second),
			Function:      getEnvAsDurationMs("FUNCTION_TIMEOUT_MS", 30*time.Second),
			IngressCommit: getEnvAsDurationMs("INGRESS_COMMIT_TIMEOUT_MS", 2*time.Second),
			OrphanStream:  getEnvAsDurationMs("ORPHAN_STREAM_TIMEOUT_MS", 500*time.Millisecond),
			HangupDelay:   getEnvAsDurationMs("HANGUP_DELAY_MS", 8*time.Second),
		},

		UseLocalModel: getEnvAsBool("USE_LOCAL_MODEL", false),
		LocalModelURL: getEnv("LOCAL_MODEL_URL", "ws://localhost:8765"),
	}
}

// Validate fails fast before any peer contact is attempted.
func (c *BridgeConfig) Validate() error {
	if !c.UseLocalModel && c.OpenAIAPIKey == "" {
		return bridgeerr.New(bridgeerr.KindConfig, "config.validate", "OPENAI_API_KEY is required")
	}
	if c.UseLocalModel && c.LocalModelURL == "" {
		return bridgeerr.New(bridgeerr.KindConfig, "config.validate", "LOCAL_MODEL_URL is required when USE_LOCAL_MODEL is set")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return bridgeerr.New(bridgeerr.KindConfig, "config.validate", "temperature %.2f outside [0,2]", c.Temperature)
	}
	if c.MaxResponseOutputTokens < 0 {
		return bridgeerr.New(bridgeerr.KindConfig, "config.validate", "max response output tokens must be >= 0")
	}

	if c.InputRate != 8000 && c.InputRate != 16000 {
		return bridgeerr.New(bridgeerr.KindConfig, "config.validate", "input rate must be 8000 or 16000, got %d", c.InputRate)
	}
	switch c.OutputRate {
	case 8000, 16000, 24000:
	default:
		return bridgeerr.New(bridgeerr.KindConfig, "config.validate", "output rate must be 8000, 16000 or 24000, got %d", c.OutputRate)
	}
	switch c.Encoding {
	case audio.EncodingPCM16, audio.EncodingMulaw:
	default:
		return bridgeerr.New(bridgeerr.KindConfig, "config.validate", "encoding must be pcm16 or mulaw, got %q", c.Encoding)
	}
	if c.Encoding == audio.EncodingMulaw && c.InputRate != 8000 {
		return bridgeerr.New(bridgeerr.KindConfig, "config.validate", "mulaw requires an 8000 Hz input rate")
	}

	if err := c.VAD.Validate(); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindConfig, "config.validate", err)
	}

	switch c.TurnDetection.Type {
	case "server_vad", "semantic_vad", "none":
	default:
		return bridgeerr.New(bridgeerr.KindConfig, "config.validate", "turn detection type must be server_vad, semantic_vad or none, got %q", c.TurnDetection.Type)
	}

	if c.Recording.Enable && c.Recording.OutputDir == "" {
		return bridgeerr.New(bridgeerr.KindConfig, "config.validate", "recording output dir is required when recording is enabled")
	}

	for name, d := range map[string]time.Duration{
		"connect":        c.Timeouts.Connect,
		"session create": c.Timeouts.SessionCreate,
		"function":       c.Timeouts.Function,
		"ingress commit": c.Timeouts.IngressCommit,
		"orphan stream":  c.Timeouts.OrphanStream,
		"hangup delay":   c.Timeouts.HangupDelay,
	} {
		if d <= 0 {
			return bridgeerr.New(bridgeerr.KindConfig, "config.validate", "%s timeout must be positive", name)
		}
	}
	return nil
}

// TelephonyFormat returns the negotiated default telephony media format.
func (c *BridgeConfig) TelephonyFormat() audio.Format {
	return audio.Format{
		Encoding:   c.Encoding,
		SampleRate: c.InputRate,
		Channels:   1,
	}
}

// ModelURL returns the WebSocket URL the model peer dials.
func (c *BridgeConfig) ModelURL() string {
	if c.UseLocalModel {
		return c.LocalModelURL
	}
	return fmt.Sprintf("%s?model=%s", c.OpenAIBaseURL, c.ModelID)
}
