// Package local provides a stand-in model peer for offline runs and tests.
// It speaks the same wire vocabulary as the OpenAI Realtime API, so the
// bridge code path is identical either way.
package local

import (
	"context"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/bridgeerr"
	"github.com/ClareAI/astra-voice-bridge/internal/config"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/provider"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/realtime"
)

// Provider implements ModelProvider against a local substitute server
type Provider struct {
	config *config.BridgeConfig
}

// NewProvider creates a new local provider
func NewProvider(cfg *config.BridgeConfig) *Provider {
	return &Provider{
		config: cfg,
	}
}

// GetProviderType returns the provider type
func (p *Provider) GetProviderType() provider.ProviderType {
	return provider.ProviderTypeLocal
}

// SupportsFeature checks if the local substitute supports a feature
func (p *Provider) SupportsFeature(feature provider.Feature) bool {
	switch feature {
	case provider.FeatureRealtimeAudio, provider.FeatureFunctionCalling, provider.FeatureStreaming, provider.FeatureTranscription:
		return true
	default:
		return false
	}
}

// InitializeConnection dials the local substitute server. No auth headers.
func (p *Provider) InitializeConnection(ctx context.Context, callID string, _ *provider.ConnectionConfig) (provider.ModelConnection, error) {
	if p.config.LocalModelURL == "" {
		return nil, bridgeerr.New(bridgeerr.KindConfig, "local.connect", "local model URL is not configured")
	}

	timeout := p.config.Timeouts.Connect
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := realtime.NewClient(realtime.ClientOptions{
		URL:              p.config.LocalModelURL,
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
