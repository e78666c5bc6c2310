package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/gopkg/util/gopool"
	"go.uber.org/zap"

	"github.com/ClareAI/astra-voice-bridge/internal/bridgeerr"
	"github.com/ClareAI/astra-voice-bridge/internal/core/call"
	"github.com/ClareAI/astra-voice-bridge/internal/core/event"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
)

const (
	defaultFunctionTimeout = 30 * time.Second
	defaultHangupDelay     = 8 * time.Second
)

// hangupNames are tools whose successful completion ends the call once the
// farewell response has had time to play.
var hangupNames = map[string]struct{}{
	ToolNameWrapUp:          {},
	ToolNameTransferToHuman: {},
	ToolNameHangUp:          {},
}

// Bridge is the slice of the call bridge the dispatcher drives: result
// delivery, response generation, and the delayed hang-up.
type Bridge interface {
	// SendFunctionOutput emits conversation.item.create with a
	// function_call_output item for the given model call id.
	SendFunctionOutput(functionCallID, output string) error

	// RequestResponse asks for a response generation; the bridge applies
	// the response-active guard before sending anything.
	RequestResponse(trigger string)

	// ScheduleHangup ends the call after the delay with the given reason.
	// Repeated schedules and schedules on a closing call are no-ops.
	ScheduleHangup(delay time.Duration, reason string)
}

// pendingCall accumulates streamed argument fragments for one model call id.
type pendingCall struct {
	name         string
	argsBuf      strings.Builder
	outputItemID string
}

// DispatcherOptions wires the dispatcher to a call.
type DispatcherOptions struct {
	Call    *call.State
	Manager *Manager
	Bridge  Bridge

	// FunctionTimeout caps one handler invocation. Zero means 30 s.
	FunctionTimeout time.Duration

	// HangupDelay is the grace period between a hang-up trigger and the
	// actual close, long enough for the farewell audio. Zero means 8 s.
	HangupDelay time.Duration
}

// Dispatcher turns streamed function_call_arguments events into handler
// invocations and returns their results to the model. Handlers run off the
// event pump, one task per model call id, so slow tools never stall audio.
type Dispatcher struct {
	opts    DispatcherOptions
	timeout time.Duration
	delay   time.Duration

	mu              sync.Mutex
	pending         map[string]*pendingCall
	hangupScheduled bool
}

// NewDispatcher validates the wiring and returns a ready dispatcher.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Call == nil || opts.Manager == nil || opts.Bridge == nil {
		return nil, bridgeerr.New(bridgeerr.KindConfig, "tool.dispatcher", "call, manager and bridge are required")
	}
	timeout := opts.FunctionTimeout
	if timeout <= 0 {
		timeout = defaultFunctionTimeout
	}
	delay := opts.HangupDelay
	if delay <= 0 {
		delay = defaultHangupDelay
	}
	return &Dispatcher{
		opts:    opts,
		timeout: timeout,
		delay:   delay,
		pending: make(map[string]*pendingCall),
	}, nil
}

// HandleArgsDelta creates or grows the argument buffer for a call id. The
// function name is recorded on first sight.
func (d *Dispatcher) HandleArgsDelta(data *event.FunctionCallData) {
	if data == nil || data.FunctionCallID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[data.FunctionCallID]
	if !ok {
		p = &pendingCall{}
		d.pending[data.FunctionCallID] = p
	}
	if p.name == "" && data.Name != "" {
		p.name = data.Name
	}
	p.argsBuf.WriteString(data.Delta)
}

// HandleArgsDone finalizes a pending call and invokes its handler on the
// worker pool. The done event's arguments win; an empty payload falls back
// to the accumulated buffer.
func (d *Dispatcher) HandleArgsDone(data *event.FunctionCallData) {
	if data == nil || data.FunctionCallID == "" {
		return
	}

	d.mu.Lock()
	p, ok := d.pending[data.FunctionCallID]
	if ok {
		delete(d.pending, data.FunctionCallID)
	} else {
		p = &pendingCall{}
	}
	if data.OutputItemID != "" {
		p.outputItemID = data.OutputItemID
	}
	name := p.name
	if name == "" {
		name = data.Name
	}
	args := data.Arguments
	if strings.TrimSpace(args) == "" {
		args = p.argsBuf.String()
	}
	d.mu.Unlock()

	logger.Base().Info("Function call finalized",
		zap.String("call_id", d.opts.Call.ID()),
		zap.String("function_call_id", data.FunctionCallID),
		zap.String("function", name),
		zap.String("output_item_id", p.outputItemID),
		zap.Int("args_bytes", len(args)))

	def, registered := d.opts.Manager.Lookup(name)
	if !registered || def.Handler == nil {
		logger.Base().Warn("Function not registered",
			zap.String("call_id", d.opts.Call.ID()),
			zap.String("function", name))
		d.emitResult(data.FunctionCallID, fmt.Sprintf(`{"error":"Function '%s' not implemented."}`, name))
		return
	}

	parsed, err := parseArguments(args)
	if err != nil {
		logger.Base().Warn("Function arguments are not valid JSON",
			zap.String("call_id", d.opts.Call.ID()),
			zap.String("function", name),
			zap.Error(err))
		d.emitResult(data.FunctionCallID, errorPayload(fmt.Sprintf("invalid arguments for '%s': %s", name, err)))
		return
	}

	functionCallID := data.FunctionCallID
	gopool.Go(func() {
		d.invoke(functionCallID, name, def, parsed)
	})
}

// PendingCalls reports how many calls are mid-stream.
func (d *Dispatcher) PendingCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// invoke runs one handler with a hard timeout and sends its outcome back.
func (d *Dispatcher) invoke(functionCallID, name string, def *Definition, args map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := def.Handler(ctx, args)
		ch <- outcome{result: res, err: err}
	}()

	start := time.Now()
	var out outcome
	select {
	case out = <-ch:
	case <-ctx.Done():
		out.err = bridgeerr.New(bridgeerr.KindFunction, "tool.dispatch",
			"function '%s' timed out after %s", name, d.timeout)
	}

	if out.err != nil {
		logger.Base().Warn("Function failed",
			zap.String("call_id", d.opts.Call.ID()),
			zap.String("function", name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(out.err))
		d.emitResult(functionCallID, errorPayload(out.err.Error()))
		return
	}

	output := serializeResult(out.result)
	logger.Base().Info("Function completed",
		zap.String("call_id", d.opts.Call.ID()),
		zap.String("function", name),
		zap.Duration("elapsed", time.Since(start)))

	d.emitResult(functionCallID, output)
	d.inspectHangup(name, output)
}

// emitResult sends the function_call_output and asks for the follow-up
// response so the model can speak to the outcome.
func (d *Dispatcher) emitResult(functionCallID, output string) {
	if err := d.opts.Bridge.SendFunctionOutput(functionCallID, output); err != nil {
		logger.Base().Error("Failed to send function output",
			zap.String("call_id", d.opts.Call.ID()),
			zap.String("function_call_id", functionCallID),
			zap.Error(err))
		return
	}
	d.opts.Bridge.RequestResponse("function_result")
}

// inspectHangup schedules the call end when a successful result asks for it:
// either the tool name is in the hang-up set or the result carries
// next_action == "end_call".
func (d *Dispatcher) inspectHangup(name, output string) {
	reason := ""
	if _, ok := hangupNames[name]; ok {
		reason = fmt.Sprintf("Function '%s' requested call end", name)
	} else if nextAction(output) == "end_call" {
		reason = fmt.Sprintf("Function '%s' returned next_action=end_call", name)
	}
	if reason == "" {
		return
	}

	d.mu.Lock()
	if d.hangupScheduled {
		d.mu.Unlock()
		return
	}
	d.hangupScheduled = true
	d.mu.Unlock()

	logger.Base().Info("Hang-up scheduled",
		zap.String("call_id", d.opts.Call.ID()),
		zap.String("reason", reason),
		zap.Duration("delay", d.delay))
	d.opts.Bridge.ScheduleHangup(d.delay, reason)
}

// parseArguments decodes the argument JSON; empty input means no arguments.
func parseArguments(args string) (map[string]interface{}, error) {
	if strings.TrimSpace(args) == "" {
		return map[string]interface{}{}, nil
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

// serializeResult turns a handler return value into the output payload.
// Raw JSON passes through; anything else is marshaled.
func serializeResult(result interface{}) string {
	switch v := result.(type) {
	case nil:
		return "{}"
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return errorPayload(fmt.Sprintf("unserializable result: %s", err))
		}
		return string(b)
	}
}

// nextAction extracts result["next_action"] from an output payload.
func nextAction(output string) string {
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(output), &m); err != nil {
		return ""
	}
	action, _ := m["next_action"].(string)
	return action
}

func errorPayload(msg string) string {
	b, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return `{"error":"internal error"}`
	}
	return string(b)
}
