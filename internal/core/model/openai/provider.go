// Package openai dials the OpenAI Realtime API over WebSocket.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/bridgeerr"
	"github.com/ClareAI/astra-voice-bridge/internal/config"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/provider"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/realtime"
)

const (
	DefaultRealtimeBaseURL = "wss://api.openai.com/v1/realtime"
	DefaultModelID         = "gpt-4o-realtime-preview"

	// betaHeader opts in to the Realtime WebSocket protocol.
	betaHeader = "realtime=v1"
)

// Provider implements ModelProvider for the OpenAI Realtime API
type Provider struct {
	config *config.BridgeConfig
}

// NewProvider creates a new OpenAI provider
func NewProvider(cfg *config.BridgeConfig) *Provider {
	return &Provider{
		config: cfg,
	}
}

// GetProviderType returns the provider type
func (p *Provider) GetProviderType() provider.ProviderType {
	return provider.ProviderTypeOpenAI
}

// SupportsFeature checks if OpenAI supports a feature
func (p *Provider) SupportsFeature(feature provider.Feature) bool {
	switch feature {
	case provider.FeatureRealtimeAudio, provider.FeatureFunctionCalling, provider.FeatureStreaming, provider.FeatureTranscription:
		return true
	default:
		return false
	}
}

// InitializeConnection dials the Realtime endpoint with bearer auth and the
// beta protocol header. The returned connection is live; session.update is
// the caller's first move.
func (p *Provider) InitializeConnection(ctx context.Context, callID string, _ *provider.ConnectionConfig) (provider.ModelConnection, error) {
	if p.config.OpenAIAPIKey == "" {
		return nil, bridgeerr.New(bridgeerr.KindConfig, "openai.connect", "API key is not configured")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.config.OpenAIAPIKey)
	header.Set("OpenAI-Beta", betaHeader)

	timeout := p.config.Timeouts.Connect
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := realtime.NewClient(realtime.ClientOptions{
		URL:              p.Endpoint(),
		Headers:          header,
		CallID:           callID,
		HandshakeTimeout: timeout,
	})

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Connect(connectCtx); err != nil {
		return nil, err
	}
	return client, nil
}

// Endpoint appends the model id to the configured base URL.
func (p *Provider) Endpoint() string {
	base := strings.TrimRight(p.config.OpenAIBaseURL, "/")
	if base == "" {
		base = DefaultRealtimeBaseURL
	}
	modelID := p.config.ModelID
	if modelID == "" {
		modelID = DefaultModelID
	}
	return fmt.Sprintf("%s?model=%s", base, modelID)
}
