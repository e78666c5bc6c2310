package model

import (
	"fmt"
	"sync"

	"github.com/ClareAI/astra-voice-bridge/internal/config"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/local"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/openai"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/provider"
)

// DefaultProviderFactory implements ProviderFactory
type DefaultProviderFactory struct {
	config    *config.BridgeConfig
	providers map[provider.ProviderType]func(*config.BridgeConfig) provider.ModelProvider
	mutex     sync.RWMutex
}

// NewProviderFactory creates a provider factory with the default providers
// registered.
func NewProviderFactory(cfg *config.BridgeConfig) *DefaultProviderFactory {
	factory := &DefaultProviderFactory{
		config:    cfg,
		providers: make(map[provider.ProviderType]func(*config.BridgeConfig) provider.ModelProvider),
	}

	factory.RegisterProvider(provider.ProviderTypeOpenAI, func(cfg *config.BridgeConfig) provider.ModelProvider {
		return openai.NewProvider(cfg)
	})
	factory.RegisterProvider(provider.ProviderTypeLocal, func(cfg *config.BridgeConfig) provider.ModelProvider {
		return local.NewProvider(cfg)
	})

	return factory
}

// RegisterProvider registers a provider type
func (f *DefaultProviderFactory) RegisterProvider(providerType provider.ProviderType, creator func(*config.BridgeConfig) provider.ModelProvider) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.providers[providerType] = creator
}

// CreateProvider creates a provider instance
func (f *DefaultProviderFactory) CreateProvider(providerType provider.ProviderType) (provider.ModelProvider, error) {
	f.mutex.RLock()
	creator, exists := f.providers[providerType]
	f.mutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unsupported provider type: %s", providerType)
	}
	return creator(f.config), nil
}

// CreateConfiguredProvider creates the provider selected by configuration.
func (f *DefaultProviderFactory) CreateConfiguredProvider() (provider.ModelProvider, error) {
	return f.CreateProvider(ProviderTypeFor(f.config))
}

// GetSupportedProviders returns a list of supported provider types
func (f *DefaultProviderFactory) GetSupportedProviders() []provider.ProviderType {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	providers := make([]provider.ProviderType, 0, len(f.providers))
	for providerType := range f.providers {
		providers = append(providers, providerType)
	}
	return providers
}

// ProviderTypeFor returns the provider type the configuration selects.
func ProviderTypeFor(cfg *config.BridgeConfig) provider.ProviderType {
	if cfg.UseLocalModel {
		return provider.ProviderTypeLocal
	}
	return provider.ProviderTypeOpenAI
}
