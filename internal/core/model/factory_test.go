package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClareAI/astra-voice-bridge/internal/config"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/provider"
)

func TestFactoryCreatesRegisteredProviders(t *testing.T) {
	factory := NewProviderFactory(&config.BridgeConfig{})

	openaiProvider, err := factory.CreateProvider(provider.ProviderTypeOpenAI)
	require.NoError(t, err)
	assert.Equal(t, provider.ProviderTypeOpenAI, openaiProvider.GetProviderType())

	localProvider, err := factory.CreateProvider(provider.ProviderTypeLocal)
	require.NoError(t, err)
	assert.Equal(t, provider.ProviderTypeLocal, localProvider.GetProviderType())

	assert.ElementsMatch(t,
		[]provider.ProviderType{provider.ProviderTypeOpenAI, provider.ProviderTypeLocal},
		factory.GetSupportedProviders())
}

func TestFactoryRejectsUnknownProvider(t *testing.T) {
	factory := NewProviderFactory(&config.BridgeConfig{})
	_, err := factory.CreateProvider(provider.ProviderType("gemini"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported provider type")
}

func TestProviderTypeForFollowsConfig(t *testing.T) {
	assert.Equal(t, provider.ProviderTypeOpenAI, ProviderTypeFor(&config.BridgeConfig{}))
	assert.Equal(t, provider.ProviderTypeLocal, ProviderTypeFor(&config.BridgeConfig{UseLocalModel: true}))
}

func TestCreateConfiguredProvider(t *testing.T) {
	factory := NewProviderFactory(&config.BridgeConfig{UseLocalModel: true})
	p, err := factory.CreateConfiguredProvider()
	require.NoError(t, err)
	assert.Equal(t, provider.ProviderTypeLocal, p.GetProviderType())
}
