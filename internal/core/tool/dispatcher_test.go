package tool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClareAI/astra-voice-bridge/internal/core/call"
	"github.com/ClareAI/astra-voice-bridge/internal/core/event"
)

type functionOutput struct {
	functionCallID string
	output         string
}

type hangupRequest struct {
	delay  time.Duration
	reason string
}

type fakeToolBridge struct {
	mu       sync.Mutex
	outputs  []functionOutput
	requests []string
	hangups  []hangupRequest
	sendErr  error
}

func (b *fakeToolBridge) SendFunctionOutput(functionCallID, output string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.outputs = append(b.outputs, functionOutput{functionCallID: functionCallID, output: output})
	return nil
}

func (b *fakeToolBridge) RequestResponse(trigger string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, trigger)
}

func (b *fakeToolBridge) ScheduleHangup(delay time.Duration, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hangups = append(b.hangups, hangupRequest{delay: delay, reason: reason})
}

func (b *fakeToolBridge) outputList() []functionOutput {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]functionOutput(nil), b.outputs...)
}

func (b *fakeToolBridge) requestList() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.requests...)
}

func (b *fakeToolBridge) hangupList() []hangupRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]hangupRequest(nil), b.hangups...)
}

func newDispatcherHarness(t *testing.T, mutate func(*DispatcherOptions)) (*Dispatcher, *Manager, *fakeToolBridge) {
	t.Helper()

	m := NewManager()
	bridge := &fakeToolBridge{}
	opts := DispatcherOptions{
		Call:    call.New("call-tool-test"),
		Manager: m,
		Bridge:  bridge,
	}
	if mutate != nil {
		mutate(&opts)
	}
	d, err := NewDispatcher(opts)
	require.NoError(t, err)
	return d, m, bridge
}

func (b *fakeToolBridge) waitOutputs(t *testing.T, n int) []functionOutput {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(b.outputList()) >= n
	}, 2*time.Second, 10*time.Millisecond)
	return b.outputList()
}

func TestNewDispatcherRequiresWiring(t *testing.T) {
	_, err := NewDispatcher(DispatcherOptions{})
	require.Error(t, err)
}

func TestDispatcherAccumulatesDeltasAcrossFragments(t *testing.T) {
	d, m, bridge := newDispatcherHarness(t, nil)

	gotArgs := make(chan map[string]interface{}, 1)
	require.NoError(t, m.Register(&Definition{
		Name: "lookup_weather",
		Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
			gotArgs <- args
			return map[string]interface{}{"temperature": 21}, nil
		},
	}))

	d.HandleArgsDelta(&event.FunctionCallData{FunctionCallID: "fc-1", Name: "lookup_weather", Delta: `{"city":`})
	d.HandleArgsDelta(&event.FunctionCallData{FunctionCallID: "fc-1", Delta: `"Oslo"}`})
	assert.Equal(t, 1, d.PendingCalls())

	d.HandleArgsDone(&event.FunctionCallData{FunctionCallID: "fc-1", OutputItemID: "item-1"})
	assert.Zero(t, d.PendingCalls())

	outputs := bridge.waitOutputs(t, 1)
	assert.Equal(t, "fc-1", outputs[0].functionCallID)
	assert.JSONEq(t, `{"temperature":21}`, outputs[0].output)
	assert.Equal(t, []string{"function_result"}, bridge.requestList())
	assert.Empty(t, bridge.hangupList())

	select {
	case args := <-gotArgs:
		assert.Equal(t, map[string]interface{}{"city": "Oslo"}, args)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestDispatcherPrefersDoneArguments(t *testing.T) {
	d, m, bridge := newDispatcherHarness(t, nil)

	gotArgs := make(chan map[string]interface{}, 1)
	require.NoError(t, m.Register(&Definition{
		Name: "lookup_weather",
		Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
			gotArgs <- args
			return nil, nil
		},
	}))

	d.HandleArgsDelta(&event.FunctionCallData{FunctionCallID: "fc-2", Name: "lookup_weather", Delta: `{"city":"Os`})
	d.HandleArgsDone(&event.FunctionCallData{FunctionCallID: "fc-2", Arguments: `{"city":"Bergen"}`})

	outputs := bridge.waitOutputs(t, 1)
	assert.Equal(t, "{}", outputs[0].output) // nil result serializes to an empty object

	select {
	case args := <-gotArgs:
		assert.Equal(t, map[string]interface{}{"city": "Bergen"}, args)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestDispatcherDoneWithoutDeltasStillRuns(t *testing.T) {
	d, m, bridge := newDispatcherHarness(t, nil)

	require.NoError(t, m.Register(&Definition{
		Name: "ping",
		Handler: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"pong": true}, nil
		},
	}))

	d.HandleArgsDone(&event.FunctionCallData{FunctionCallID: "fc-3", Name: "ping"})

	outputs := bridge.waitOutputs(t, 1)
	assert.JSONEq(t, `{"pong":true}`, outputs[0].output)
}

func TestDispatcherMissingHandlerEmitsError(t *testing.T) {
	d, _, bridge := newDispatcherHarness(t, nil)

	d.HandleArgsDone(&event.FunctionCallData{FunctionCallID: "fc-4", Name: "lookup_weather", Arguments: "{}"})

	outputs := bridge.outputList()
	require.Len(t, outputs, 1)
	assert.Equal(t, `{"error":"Function 'lookup_weather' not implemented."}`, outputs[0].output)
	assert.Equal(t, []string{"function_result"}, bridge.requestList())
	assert.Empty(t, bridge.hangupList())
}

func TestDispatcherInvalidArgumentsEmitError(t *testing.T) {
	d, m, bridge := newDispatcherHarness(t, nil)
	require.NoError(t, m.Register(&Definition{
		Name: "lookup_weather",
		Handler: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			t.Error("handler must not run on unparseable arguments")
			return nil, nil
		},
	}))

	d.HandleArgsDone(&event.FunctionCallData{FunctionCallID: "fc-5", Name: "lookup_weather", Arguments: `{not json`})

	outputs := bridge.outputList()
	require.Len(t, outputs, 1)
	assert.Contains(t, outputs[0].output, "invalid arguments for 'lookup_weather'")
	assert.Equal(t, []string{"function_result"}, bridge.requestList())
}

func TestDispatcherHandlerErrorSerialized(t *testing.T) {
	d, m, bridge := newDispatcherHarness(t, nil)
	require.NoError(t, m.Register(&Definition{
		Name: "lookup_order",
		Handler: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			return nil, errors.New("backend unavailable")
		},
	}))

	d.HandleArgsDone(&event.FunctionCallData{FunctionCallID: "fc-6", Name: "lookup_order", Arguments: "{}"})

	outputs := bridge.waitOutputs(t, 1)
	assert.Equal(t, `{"error":"backend unavailable"}`, outputs[0].output)
	assert.Equal(t, []string{"function_result"}, bridge.requestList())
}

func TestDispatcherTimeoutProducesErrorResult(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	d, m, bridge := newDispatcherHarness(t, func(o *DispatcherOptions) {
		o.FunctionTimeout = 50 * time.Millisecond
	})
	require.NoError(t, m.Register(&Definition{
		Name: "slow_tool",
		Handler: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			<-block
			return nil, nil
		},
	}))

	d.HandleArgsDone(&event.FunctionCallData{FunctionCallID: "fc-7", Name: "slow_tool", Arguments: "{}"})

	outputs := bridge.waitOutputs(t, 1)
	assert.Contains(t, outputs[0].output, "timed out")
}

func TestDispatcherPanicBecomesErrorResult(t *testing.T) {
	d, m, bridge := newDispatcherHarness(t, nil)
	require.NoError(t, m.Register(&Definition{
		Name: "flaky_tool",
		Handler: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			panic("boom")
		},
	}))

	d.HandleArgsDone(&event.FunctionCallData{FunctionCallID: "fc-8", Name: "flaky_tool", Arguments: "{}"})

	outputs := bridge.waitOutputs(t, 1)
	assert.Equal(t, `{"error":"handler panic: boom"}`, outputs[0].output)
	assert.Equal(t, []string{"function_result"}, bridge.requestList())
}

func TestDispatcherHangupOnBuiltinName(t *testing.T) {
	d, m, bridge := newDispatcherHarness(t, func(o *DispatcherOptions) {
		o.HangupDelay = 25 * time.Millisecond
	})
	require.NoError(t, RegisterBuiltins(m))

	d.HandleArgsDone(&event.FunctionCallData{FunctionCallID: "fc-9", Name: ToolNameWrapUp, Arguments: "{}"})

	bridge.waitOutputs(t, 1)
	require.Eventually(t, func() bool {
		return len(bridge.hangupList()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	hangup := bridge.hangupList()[0]
	assert.Equal(t, 25*time.Millisecond, hangup.delay)
	assert.Equal(t, "Function 'wrap_up' requested call end", hangup.reason)
}

func TestDispatcherHangupOnNextAction(t *testing.T) {
	d, m, bridge := newDispatcherHarness(t, nil)
	require.NoError(t, m.Register(&Definition{
		Name: "collect_payment",
		Handler: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"success": true, "next_action": "end_call"}, nil
		},
	}))

	d.HandleArgsDone(&event.FunctionCallData{FunctionCallID: "fc-10", Name: "collect_payment", Arguments: "{}"})

	require.Eventually(t, func() bool {
		return len(bridge.hangupList()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Function 'collect_payment' returned next_action=end_call", bridge.hangupList()[0].reason)
}

func TestDispatcherHangupScheduledOnce(t *testing.T) {
	d, m, bridge := newDispatcherHarness(t, nil)
	require.NoError(t, RegisterBuiltins(m))

	d.HandleArgsDone(&event.FunctionCallData{FunctionCallID: "fc-11", Name: ToolNameWrapUp, Arguments: "{}"})
	d.HandleArgsDone(&event.FunctionCallData{FunctionCallID: "fc-12", Name: ToolNameHangUp, Arguments: "{}"})

	bridge.waitOutputs(t, 2)
	require.Eventually(t, func() bool {
		return len(bridge.hangupList()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, bridge.hangupList(), 1)
}

func TestDispatcherFailedHangupToolDoesNotHangUp(t *testing.T) {
	d, m, bridge := newDispatcherHarness(t, nil)
	require.NoError(t, m.Register(&Definition{
		Name: ToolNameWrapUp,
		Handler: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			return nil, errors.New("not ready")
		},
	}))

	d.HandleArgsDone(&event.FunctionCallData{FunctionCallID: "fc-13", Name: ToolNameWrapUp, Arguments: "{}"})

	outputs := bridge.waitOutputs(t, 1)
	assert.Equal(t, `{"error":"not ready"}`, outputs[0].output)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, bridge.hangupList())
}

func TestDispatcherConcurrentCallsIndependent(t *testing.T) {
	d, m, bridge := newDispatcherHarness(t, nil)

	gotArgs := make(chan map[string]interface{}, 2)
	require.NoError(t, m.Register(&Definition{
		Name: "lookup_weather",
		Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
			gotArgs <- args
			return map[string]interface{}{"ok": true}, nil
		},
	}))

	// Interleaved fragments for two parallel tool calls.
	d.HandleArgsDelta(&event.FunctionCallData{FunctionCallID: "fc-a", Name: "lookup_weather", Delta: `{"city":`})
	d.HandleArgsDelta(&event.FunctionCallData{FunctionCallID: "fc-b", Name: "lookup_weather", Delta: `{"city":`})
	d.HandleArgsDelta(&event.FunctionCallData{FunctionCallID: "fc-a", Delta: `"Oslo"}`})
	d.HandleArgsDelta(&event.FunctionCallData{FunctionCallID: "fc-b", Delta: `"Bergen"}`})
	assert.Equal(t, 2, d.PendingCalls())

	d.HandleArgsDone(&event.FunctionCallData{FunctionCallID: "fc-a"})
	d.HandleArgsDone(&event.FunctionCallData{FunctionCallID: "fc-b"})

	bridge.waitOutputs(t, 2)

	cities := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case args := <-gotArgs:
			city, _ := args["city"].(string)
			cities[city] = true
		case <-time.After(2 * time.Second):
			t.Fatal("handlers never ran")
		}
	}
	assert.True(t, cities["Oslo"])
	assert.True(t, cities["Bergen"])
}

func TestDispatcherSendFailureSkipsResponse(t *testing.T) {
	d, _, bridge := newDispatcherHarness(t, nil)
	bridge.sendErr = errors.New("model connection closed")

	d.HandleArgsDone(&event.FunctionCallData{FunctionCallID: "fc-14", Name: "unknown_tool", Arguments: "{}"})

	assert.Empty(t, bridge.outputList())
	assert.Empty(t, bridge.requestList())
}
