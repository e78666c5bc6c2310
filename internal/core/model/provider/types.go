package provider

import (
	"context"
)

// ProviderType represents the type of realtime model peer
type ProviderType string

const (
	ProviderTypeOpenAI ProviderType = "openai"
	ProviderTypeLocal  ProviderType = "local"
)

// String returns the string representation of ProviderType
func (pt ProviderType) String() string {
	return string(pt)
}

// IsValid checks if the provider type is valid
func (pt ProviderType) IsValid() bool {
	return pt == ProviderTypeOpenAI || pt == ProviderTypeLocal
}

// ModelProvider defines the interface for realtime model peers (OpenAI, local substitute)
type ModelProvider interface {
	// InitializeConnection dials the model peer and returns a live connection
	InitializeConnection(ctx context.Context, callID string, config *ConnectionConfig) (ModelConnection, error)

	// GetProviderType returns the type of the provider
	GetProviderType() ProviderType

	// SupportsFeature checks if the provider supports a specific feature
	SupportsFeature(feature Feature) bool
}

// ModelConnection represents an active connection to a model peer. All event
// producers deliver raw wire events (decoded JSON objects) to the handler set
// via SetEventHandler; writes are serialized by the implementation.
type ModelConnection interface {
	// UpdateSession sends a session.update with the given session payload
	UpdateSession(session map[string]interface{}) error

	// AppendAudio appends PCM16 audio to the model input buffer
	AppendAudio(pcm []byte) error

	// CommitAudio commits the model input buffer, closing the current segment
	CommitAudio() error

	// ClearAudio discards any uncommitted input audio
	ClearAudio() error

	// CreateResponse asks the model to generate a response
	CreateResponse() error

	// CancelResponse interrupts the in-progress response
	CancelResponse() error

	// CreateFunctionOutput returns a tool result for the given function call id
	CreateFunctionOutput(functionCallID, output string) error

	// CreateUserMessage injects a user text item into the conversation
	CreateUserMessage(text string) error

	// SendEvent sends an arbitrary event to the model
	SendEvent(event map[string]interface{}) error

	// SetEventHandler sets the handler invoked for every decoded server event
	SetEventHandler(handler func(event map[string]interface{}))

	// SetErrorHandler sets the handler invoked when the connection dies
	SetErrorHandler(handler func(err error))

	// Close closes the connection
	Close() error

	// IsConnected returns whether the connection is active
	IsConnected() bool
}

// ConnectionConfig contains per-call configuration for initializing a connection
type ConnectionConfig struct {
	CallID       string
	Instructions string
	Tools        []map[string]interface{}
}

// Feature represents a capability that a provider may or may not support
type Feature string

const (
	FeatureRealtimeAudio   Feature = "realtime_audio"
	FeatureFunctionCalling Feature = "function_calling"
	FeatureStreaming       Feature = "streaming"
	FeatureTranscription   Feature = "transcription"
)

// ProviderFactory creates model providers based on configuration
type ProviderFactory interface {
	CreateProvider(providerType ProviderType) (ModelProvider, error)
	GetSupportedProviders() []ProviderType
}
