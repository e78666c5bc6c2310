package event

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
)

// LoggingMiddleware traces every event at debug level. Audio chunks flow
// through the router every 20 ms, so this stays off the info level.
func LoggingMiddleware() Middleware {
	return func(ev *BridgeEvent) *BridgeEvent {
		logger.Base().Debug("Dispatching event",
			zap.String("type", string(ev.Type)),
			zap.String("call_id", ev.CallID))
		return ev
	}
}

// ValidationMiddleware drops events without a type.
func ValidationMiddleware() Middleware {
	return func(ev *BridgeEvent) *BridgeEvent {
		if ev.Type == "" {
			logger.Base().Warn("Dropping event with empty type",
				zap.String("call_id", ev.CallID))
			return nil
		}
		return ev
	}
}

// DeduplicationMiddleware drops repeats of the listed event types arriving
// within the window, keyed by type and call. Only lifecycle-ish types
// belong here; never audio frames.
func DeduplicationMiddleware(window time.Duration, types ...EventType) Middleware {
	guarded := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		guarded[t] = struct{}{}
	}

	var mu sync.Mutex
	lastSeen := make(map[string]time.Time)

	return func(ev *BridgeEvent) *BridgeEvent {
		if _, ok := guarded[ev.Type]; !ok {
			return ev
		}

		key := fmt.Sprintf("%s:%s", ev.Type, ev.CallID)
		now := time.Now()

		mu.Lock()
		defer mu.Unlock()
		if seen, ok := lastSeen[key]; ok && now.Sub(seen) < window {
			logger.Base().Debug("Dropping duplicate event",
				zap.String("type", string(ev.Type)),
				zap.String("call_id", ev.CallID),
				zap.Duration("window", window))
			return nil
		}
		lastSeen[key] = now

		// Opportunistic cleanup keeps the map from growing over long calls.
		for k, seen := range lastSeen {
			if now.Sub(seen) > 2*window {
				delete(lastSeen, k)
			}
		}
		return ev
	}
}

// DefaultMiddlewareChain is the chain every bridge installs.
func DefaultMiddlewareChain() []Middleware {
	return []Middleware{
		ValidationMiddleware(),
		LoggingMiddleware(),
	}
}
