package bridge

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ClareAI/astra-voice-bridge/internal/adapters/telephony"
	"github.com/ClareAI/astra-voice-bridge/internal/bridgeerr"
	"github.com/ClareAI/astra-voice-bridge/internal/config"
	"github.com/ClareAI/astra-voice-bridge/internal/core/call"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/provider"
	"github.com/ClareAI/astra-voice-bridge/internal/core/tool"
	"github.com/ClareAI/astra-voice-bridge/internal/recording"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
)

// ManagerOptions configures the process-wide bridge manager.
type ManagerOptions struct {
	Config   *config.BridgeConfig
	Provider provider.ModelProvider

	// Tools is shared by every bridge and must not be mutated after the
	// first call starts. Nil means an empty registry.
	Tools *tool.Manager

	// Uploader is passed through to per-call recorders. Optional.
	Uploader recording.Uploader

	// Hooks apply to every bridge.
	Hooks Hooks
}

// Manager owns the live bridges of the process and the shared function
// registry, and fans shutdown out across all of them.
type Manager struct {
	opts ManagerOptions

	mu       sync.RWMutex
	bridges  map[string]*Bridge
	draining bool
}

// NewManager validates the options and returns an empty manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Config == nil || opts.Provider == nil {
		return nil, bridgeerr.New(bridgeerr.KindConfig, "bridge.manager", "config and model provider are required")
	}
	if opts.Tools == nil {
		opts.Tools = tool.NewManager()
	}
	return &Manager{
		opts:    opts,
		bridges: make(map[string]*Bridge),
	}, nil
}

// Tools returns the shared function registry.
func (m *Manager) Tools() *tool.Manager {
	return m.opts.Tools
}

// Run builds a bridge for the peer, tracks it for the call's lifetime, and
// blocks until the call ends.
func (m *Manager) Run(peer telephony.Peer) error {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		_ = peer.SendSessionEnd(ReasonServerShutdown, "service is shutting down")
		_ = peer.Close()
		return bridgeerr.New(bridgeerr.KindState, "bridge.manager", "manager is shutting down")
	}
	m.mu.Unlock()

	br, err := New(Options{
		Config:    m.opts.Config,
		Telephony: peer,
		Provider:  m.opts.Provider,
		Tools:     m.opts.Tools,
		Uploader:  m.opts.Uploader,
		Hooks:     m.opts.Hooks,
	})
	if err != nil {
		_ = peer.Close()
		return err
	}

	token := uuid.NewString()
	m.mu.Lock()
	m.bridges[token] = br
	count := len(m.bridges)
	m.mu.Unlock()
	br.RegisterCleanup(func() { m.remove(token) })

	logger.Base().Info("Bridge registered", zap.Int("live_bridges", count))
	return br.Run()
}

func (m *Manager) remove(token string) {
	m.mu.Lock()
	delete(m.bridges, token)
	count := len(m.bridges)
	m.mu.Unlock()
	logger.Base().Info("Bridge deregistered", zap.Int("live_bridges", count))
}

// Find returns the live bridge for a call id.
func (m *Manager) Find(callID string) (*Bridge, bool) {
	if callID == "" {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, br := range m.bridges {
		if br.ID() == callID {
			return br, true
		}
	}
	return nil, false
}

// EndCall closes the call if it runs in this process. Returns whether a
// bridge was found.
func (m *Manager) EndCall(callID, reasonCode, reason string) bool {
	br, ok := m.Find(callID)
	if !ok {
		return false
	}
	if reasonCode == "" {
		reasonCode = ReasonClientHangup
	}
	if reason == "" {
		reason = "call ended by operator"
	}
	br.Close(reasonCode, reason)
	return true
}

// List returns a snapshot of every live call that finished negotiation.
func (m *Manager) List() []call.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]call.Record, 0, len(m.bridges))
	for _, br := range m.bridges {
		if rec, ok := br.Snapshot(); ok {
			out = append(out, rec)
		}
	}
	return out
}

// Count returns the number of live bridges, negotiating ones included.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bridges)
}

// Draining reports whether Shutdown has started refusing new calls.
func (m *Manager) Draining() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.draining
}

// Shutdown refuses new calls, closes every live bridge, and waits up to
// timeout for them to finish tearing down.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.mu.Lock()
	m.draining = true
	live := make([]*Bridge, 0, len(m.bridges))
	for _, br := range m.bridges {
		live = append(live, br)
	}
	m.mu.Unlock()

	logger.Base().Info("Closing all bridges", zap.Int("count", len(live)))
	for _, br := range live {
		br.Close(ReasonServerShutdown, "service is shutting down")
	}

	deadline := time.After(timeout)
	for _, br := range live {
		select {
		case <-br.Done():
		case <-deadline:
			logger.Base().Warn("Shutdown timeout with bridges still closing",
				zap.String("call_id", br.ID()))
			return
		}
	}
	logger.Base().Info("All bridges closed")
}
