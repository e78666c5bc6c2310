// Package session keeps the cross-pod registry of live calls in Redis so
// any replica can locate and end a call by id. Without Redis every
// operation degrades to a local no-op and calls stay single-pod.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"github.com/ClareAI/astra-voice-bridge/pkg/redis"
)

const (
	// CleanupChannel carries end-call broadcasts between pods.
	CleanupChannel = "voice:bridge:session:cleanup"

	// registrationTTL bounds how long a crashed pod's entries linger.
	registrationTTL = 1 * time.Hour
)

// Info is the registry record for one live call.
type Info struct {
	CallID    string    `json:"callId"`
	PodID     string    `json:"podId"`
	Channel   string    `json:"channel"`
	Caller    string    `json:"caller,omitempty"`
	BotName   string    `json:"botName,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// CleanupMessage is the payload broadcast on CleanupChannel.
type CleanupMessage struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// Manager fronts the Redis registry for one pod. A nil Redis service
// disables it.
type Manager struct {
	redisSvc redis.RedisServiceInterface
	podID    string
}

func NewManager(redisSvc redis.RedisServiceInterface, podID string) *Manager {
	return &Manager{
		redisSvc: redisSvc,
		podID:    podID,
	}
}

// Enabled reports whether the registry has a Redis backend.
func (m *Manager) Enabled() bool {
	return m.redisSvc != nil
}

// Register records a live call under a TTL key, stamped with this pod.
func (m *Manager) Register(ctx context.Context, info Info) error {
	if m.redisSvc == nil {
		return nil
	}
	info.PodID = m.podID
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}

	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	key := m.redisSvc.GenerateKey(redis.CALL_SESSION, info.CallID)

	err = m.redisSvc.SetValue(ctx, key, string(data), registrationTTL)
	if err == nil {
		logger.Base().Info("Call registered in Redis",
			zap.String("call_id", info.CallID),
			zap.String("pod_id", m.podID),
			zap.String("channel", info.Channel))
	}
	return err
}

// Unregister removes a call's registry entry.
func (m *Manager) Unregister(ctx context.Context, callID string) error {
	if m.redisSvc == nil {
		return nil
	}
	key := m.redisSvc.GenerateKey(redis.CALL_SESSION, callID)
	return m.redisSvc.DelValue(ctx, key)
}

// Lookup returns the registry entry for a call id. A missing entry is not
// an error; the bool reports presence.
func (m *Manager) Lookup(ctx context.Context, callID string) (Info, bool, error) {
	if m.redisSvc == nil {
		return Info{}, false, nil
	}
	key := m.redisSvc.GenerateKey(redis.CALL_SESSION, callID)
	val, err := m.redisSvc.GetValue(ctx, key)
	if err != nil {
		if errors.Is(err, redis.ErrKeyNotExist) {
			return Info{}, false, nil
		}
		return Info{}, false, err
	}

	var info Info
	if err := json.Unmarshal([]byte(val), &info); err != nil {
		return Info{}, false, err
	}
	return info, true, nil
}

// NotifyCleanup broadcasts an end-call request to every pod.
func (m *Manager) NotifyCleanup(ctx context.Context, callID, reason string) error {
	if m.redisSvc == nil {
		return nil
	}
	logger.Base().Info("Broadcasting cleanup request",
		zap.String("call_id", callID),
		zap.String("reason", reason))
	return m.redisSvc.Publish(ctx, CleanupChannel, CleanupMessage{CallID: callID, Reason: reason})
}

// SubscribeToCleanup listens for cleanup broadcasts. The handler runs on
// the subscription pump goroutine and also sees this pod's own broadcasts.
func (m *Manager) SubscribeToCleanup(ctx context.Context, handler func(callID, reason string)) error {
	if m.redisSvc == nil {
		return nil
	}
	return m.redisSvc.Subscribe(ctx, CleanupChannel, func(payload string) {
		var msg CleanupMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			logger.Base().Error("Failed to unmarshal cleanup message", zap.Error(err))
			return
		}
		handler(msg.CallID, msg.Reason)
	})
}
