package event

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
)

// ErrUnknownEventType is returned by Dispatch in strict mode when no handler
// is registered for the event's type.
var ErrUnknownEventType = errors.New("event: unknown event type")

// Handler processes one event. Returning an error is logged but does not
// stop dispatch to later handlers.
type Handler func(event *BridgeEvent) error

// Middleware runs before dispatch and may transform the event or drop it by
// returning nil.
type Middleware func(event *BridgeEvent) *BridgeEvent

// RouterOptions configures a Router.
type RouterOptions struct {
	// Strict makes Dispatch fail with ErrUnknownEventType when nothing is
	// registered for an event's type. The default is permissive:
	// unmatched events are logged and ignored.
	Strict bool
}

// RouterStats contains dispatch counters.
type RouterStats struct {
	TotalEvents    int64            `json:"total_events"`
	EventsByType   map[string]int64 `json:"events_by_type"`
	Dropped        int64            `json:"dropped"`
	HandlerErrors  int64            `json:"handler_errors"`
	HandlerPanics  int64            `json:"handler_panics"`
	ActiveHandlers int              `json:"active_handlers"`
}

type registration struct {
	handler  Handler
	priority int
	terminal bool
	seq      int
}

// Router maps event types to ordered handler lists. Handlers run
// synchronously in ascending priority order (registration order breaks
// ties), so frame processing never reorders.
type Router struct {
	mu         sync.RWMutex
	handlers   map[EventType][]registration
	middleware []Middleware
	strict     bool
	nextSeq    int

	ctx    context.Context
	cancel context.CancelFunc

	statsMu sync.RWMutex
	stats   RouterStats
}

// NewRouter creates a router.
func NewRouter(opts RouterOptions) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		handlers: make(map[EventType][]registration),
		strict:   opts.Strict,
		ctx:      ctx,
		cancel:   cancel,
		stats: RouterStats{
			EventsByType: make(map[string]int64),
		},
	}
}

// Register adds a handler for eventType. Lower priority runs first.
func (r *Router) Register(eventType EventType, handler Handler, priority int) error {
	return r.register(eventType, handler, priority, false)
}

// RegisterTerminal adds a handler that consumes the event: once it runs,
// handlers after it in priority order are skipped.
func (r *Router) RegisterTerminal(eventType EventType, handler Handler, priority int) error {
	return r.register(eventType, handler, priority, true)
}

func (r *Router) register(eventType EventType, handler Handler, priority int, terminal bool) error {
	select {
	case <-r.ctx.Done():
		return fmt.Errorf("event: router is closed")
	default:
	}
	if handler == nil {
		return fmt.Errorf("event: handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSeq++
	regs := append(r.handlers[eventType], registration{
		handler:  handler,
		priority: priority,
		terminal: terminal,
		seq:      r.nextSeq,
	})
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority < regs[j].priority
		}
		return regs[i].seq < regs[j].seq
	})
	r.handlers[eventType] = regs

	r.statsMu.Lock()
	r.stats.ActiveHandlers++
	r.statsMu.Unlock()
	return nil
}

// Unregister removes a previously registered handler, matched by identity.
func (r *Router) Unregister(eventType EventType, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs, exists := r.handlers[eventType]
	if !exists {
		return fmt.Errorf("event: no handlers for type %s", eventType)
	}

	target := fmt.Sprintf("%p", handler)
	for i, reg := range regs {
		if fmt.Sprintf("%p", reg.handler) == target {
			r.handlers[eventType] = append(regs[:i], regs[i+1:]...)
			r.statsMu.Lock()
			r.stats.ActiveHandlers--
			r.statsMu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("event: handler not found for type %s", eventType)
}

// Use appends middleware to the pre-dispatch chain.
func (r *Router) Use(mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
}

// Dispatch runs the middleware chain and then every matching handler in
// priority order. Handler panics and errors are isolated: they are logged
// and dispatch continues, except past a terminal handler.
func (r *Router) Dispatch(ev *BridgeEvent) error {
	select {
	case <-r.ctx.Done():
		return fmt.Errorf("event: router is closed")
	default:
	}
	if ev == nil {
		return fmt.Errorf("event: nil event")
	}

	r.mu.RLock()
	chain := make([]Middleware, len(r.middleware))
	copy(chain, r.middleware)
	r.mu.RUnlock()

	for _, mw := range chain {
		ev = mw(ev)
		if ev == nil {
			r.statsMu.Lock()
			r.stats.Dropped++
			r.statsMu.Unlock()
			return nil
		}
	}

	r.mu.RLock()
	regs, exists := r.handlers[ev.Type]
	regsCopy := make([]registration, len(regs))
	copy(regsCopy, regs)
	r.mu.RUnlock()

	r.countEvent(ev.Type)

	if !exists || len(regsCopy) == 0 {
		if r.strict {
			return fmt.Errorf("%w: %s", ErrUnknownEventType, ev.Type)
		}
		logger.Base().Debug("No handlers for event type",
			zap.String("type", string(ev.Type)),
			zap.String("call_id", ev.CallID))
		return nil
	}

	for _, reg := range regsCopy {
		r.invoke(reg, ev)
		if reg.terminal {
			break
		}
	}
	return nil
}

func (r *Router) invoke(reg registration, ev *BridgeEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.statsMu.Lock()
			r.stats.HandlerPanics++
			r.statsMu.Unlock()
			logger.Base().Error("Event handler panic",
				zap.String("type", string(ev.Type)),
				zap.String("call_id", ev.CallID),
				zap.Any("panic", rec))
		}
	}()

	if err := reg.handler(ev); err != nil {
		r.statsMu.Lock()
		r.stats.HandlerErrors++
		r.statsMu.Unlock()
		logger.Base().Error("Event handler failed",
			zap.String("type", string(ev.Type)),
			zap.String("call_id", ev.CallID),
			zap.Error(err))
	}
}

// Close shuts the router down; further Register and Dispatch calls fail.
func (r *Router) Close() error {
	r.cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[EventType][]registration)
	r.middleware = nil
	return nil
}

// Stats returns a copy of the dispatch counters.
func (r *Router) Stats() RouterStats {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()

	out := RouterStats{
		TotalEvents:    r.stats.TotalEvents,
		EventsByType:   make(map[string]int64, len(r.stats.EventsByType)),
		Dropped:        r.stats.Dropped,
		HandlerErrors:  r.stats.HandlerErrors,
		HandlerPanics:  r.stats.HandlerPanics,
		ActiveHandlers: r.stats.ActiveHandlers,
	}
	for k, v := range r.stats.EventsByType {
		out.EventsByType[k] = v
	}
	return out
}

func (r *Router) countEvent(eventType EventType) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	r.stats.TotalEvents++
	r.stats.EventsByType[string(eventType)]++
}
