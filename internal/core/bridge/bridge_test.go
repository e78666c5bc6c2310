package bridge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClareAI/astra-voice-bridge/internal/audio"
	"github.com/ClareAI/astra-voice-bridge/internal/bridgeerr"
	"github.com/ClareAI/astra-voice-bridge/internal/config"
	"github.com/ClareAI/astra-voice-bridge/internal/core/call"
	"github.com/ClareAI/astra-voice-bridge/internal/core/event"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/provider"
	"github.com/ClareAI/astra-voice-bridge/internal/core/tool"
	"github.com/ClareAI/astra-voice-bridge/internal/recording"
	"github.com/ClareAI/astra-voice-bridge/internal/vad"
)

var bridgeTestFormat = audio.Format{Encoding: audio.EncodingPCM16, SampleRate: audio.Rate16k, Channels: 1}

func pcm16(samples int, value int16) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(value))
	}
	return buf
}

// -- telephony fake ---------------------------------------------------------

type sessionEnd struct {
	code   string
	reason string
}

type fakeTelephony struct {
	events chan *event.BridgeEvent

	mu         sync.Mutex
	accepted   []audio.Format
	started    int
	stopped    int
	playStarts []string
	playChunks [][]byte
	playStops  []string
	clears     int
	activities [][]event.Activity
	ends       []sessionEnd
	closed     bool

	closeOnce sync.Once
}

func newFakeTelephony() *fakeTelephony {
	return &fakeTelephony{events: make(chan *event.BridgeEvent, 64)}
}

func (f *fakeTelephony) Events() <-chan *event.BridgeEvent { return f.events }

func (f *fakeTelephony) Channel() string { return "test" }

func (f *fakeTelephony) push(ev *event.BridgeEvent) { f.events <- ev }

func (f *fakeTelephony) SendAccepted(format audio.Format) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, format)
	return nil
}

func (f *fakeTelephony) SendStreamStarted() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return nil
}

func (f *fakeTelephony) SendStreamStopped() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeTelephony) StartPlayStream(streamID string, _ audio.Format) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playStarts = append(f.playStarts, streamID)
	return nil
}

func (f *fakeTelephony) SendPlayChunk(_ string, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(frame))
	copy(buf, frame)
	f.playChunks = append(f.playChunks, buf)
	return nil
}

func (f *fakeTelephony) StopPlayStream(streamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playStops = append(f.playStops, streamID)
	return nil
}

func (f *fakeTelephony) ClearPlayback() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeTelephony) SendActivities(activities []event.Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, activities)
	return nil
}

func (f *fakeTelephony) SendSessionEnd(reasonCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, sessionEnd{code: reasonCode, reason: reason})
	return nil
}

func (f *fakeTelephony) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.events)
	})
	return nil
}

func (f *fakeTelephony) acceptedFormats() []audio.Format {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audio.Format(nil), f.accepted...)
}

func (f *fakeTelephony) sessionEnds() []sessionEnd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sessionEnd(nil), f.ends...)
}

func (f *fakeTelephony) counts() (started, stopped, clears int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.stopped, f.clears
}

func (f *fakeTelephony) playback() (starts, stops []string, chunks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.playStarts...), append([]string(nil), f.playStops...), len(f.playChunks)
}

func (f *fakeTelephony) sentActivities() [][]event.Activity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]event.Activity(nil), f.activities...)
}

func (f *fakeTelephony) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// -- model fake -------------------------------------------------------------

type functionOutput struct {
	functionCallID string
	output         string
}

type fakeModelConn struct {
	mu              sync.Mutex
	autoSession     bool
	sessionUpdates  []map[string]interface{}
	appended        [][]byte
	commits         int
	clearsAudio     int
	responseCreates int
	cancels         int
	outputs         []functionOutput
	userMessages    []string
	sentEvents      []map[string]interface{}
	closed          bool
	handler         func(map[string]interface{})
	errHandler      func(error)
}

func (c *fakeModelConn) UpdateSession(session map[string]interface{}) error {
	c.mu.Lock()
	c.sessionUpdates = append(c.sessionUpdates, session)
	auto := c.autoSession
	c.mu.Unlock()
	if auto {
		c.emit(map[string]interface{}{
			"type":    "session.created",
			"session": map[string]interface{}{"id": "sess-1"},
		})
	}
	return nil
}

func (c *fakeModelConn) AppendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	c.appended = append(c.appended, buf)
	return nil
}

func (c *fakeModelConn) CommitAudio() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits++
	return nil
}

func (c *fakeModelConn) ClearAudio() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearsAudio++
	return nil
}

func (c *fakeModelConn) CreateResponse() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseCreates++
	return nil
}

func (c *fakeModelConn) CancelResponse() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels++
	return nil
}

func (c *fakeModelConn) CreateFunctionOutput(functionCallID, output string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs = append(c.outputs, functionOutput{functionCallID: functionCallID, output: output})
	return nil
}

func (c *fakeModelConn) CreateUserMessage(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userMessages = append(c.userMessages, text)
	return nil
}

func (c *fakeModelConn) SendEvent(ev map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentEvents = append(c.sentEvents, ev)
	return nil
}

func (c *fakeModelConn) SetEventHandler(handler func(map[string]interface{})) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *fakeModelConn) SetErrorHandler(handler func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errHandler = handler
}

func (c *fakeModelConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeModelConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeModelConn) emit(raw map[string]interface{}) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(raw)
	}
}

func (c *fakeModelConn) fireError(err error) {
	c.mu.Lock()
	h := c.errHandler
	c.mu.Unlock()
	if h != nil {
		h(err)
	}
}

func (c *fakeModelConn) counters() (appends, commits, creates, cancels int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.appended), c.commits, c.responseCreates, c.cancels
}

func (c *fakeModelConn) appendedAudio() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.appended...)
}

func (c *fakeModelConn) functionOutputs() []functionOutput {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]functionOutput(nil), c.outputs...)
}

func (c *fakeModelConn) sentUserMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.userMessages...)
}

func (c *fakeModelConn) rawSent() []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]interface{}(nil), c.sentEvents...)
}

func (c *fakeModelConn) updates() []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]interface{}(nil), c.sessionUpdates...)
}

func (c *fakeModelConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeProvider hands out a fixed connection when conn is set, or a fresh
// auto-negotiating one per dial otherwise.
type fakeProvider struct {
	conn    *fakeModelConn
	dialErr error

	mu     sync.Mutex
	dialed int
	conns  []*fakeModelConn
}

func (p *fakeProvider) InitializeConnection(_ context.Context, _ string, _ *provider.ConnectionConfig) (provider.ModelConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialed++
	if p.dialErr != nil {
		return nil, p.dialErr
	}
	if p.conn != nil {
		return p.conn, nil
	}
	c := &fakeModelConn{autoSession: true}
	p.conns = append(p.conns, c)
	return c, nil
}

func (p *fakeProvider) GetProviderType() provider.ProviderType { return provider.ProviderTypeLocal }

func (p *fakeProvider) SupportsFeature(provider.Feature) bool { return true }

// -- harness ----------------------------------------------------------------

func bridgeTestConfig() *config.BridgeConfig {
	return &config.BridgeConfig{
		UseLocalModel: true,
		LocalModelURL: "ws://localhost:8765",
		Voice:         "alloy",
		Temperature:   0.8,
		InputRate:     audio.Rate16k,
		OutputRate:    audio.Rate16k,
		Encoding:      audio.EncodingPCM16,
		VAD: vad.Config{
			SpeechThreshold:     0.5,
			SilenceThreshold:    0.6,
			MinSpeechDurationMs: 64,
			ForceStopTimeoutMs:  2000,
			Device:              "cpu",
			SampleRate:          audio.Rate16k,
		},
		TurnDetection: config.TurnDetectionConfig{Type: "none"},
		Timeouts: config.TimeoutConfig{
			Connect:       time.Second,
			SessionCreate: time.Second,
			Function:      time.Second,
			IngressCommit: 150 * time.Millisecond,
			OrphanStream:  500 * time.Millisecond,
			HangupDelay:   40 * time.Millisecond,
		},
	}
}

type bridgeHarness struct {
	t       *testing.T
	cfg     *config.BridgeConfig
	tel     *fakeTelephony
	conn    *fakeModelConn
	prov    *fakeProvider
	tools   *tool.Manager
	br      *Bridge
	runDone chan error
}

func newBridgeHarness(t *testing.T, mutate func(*Options, *config.BridgeConfig)) *bridgeHarness {
	t.Helper()
	cfg := bridgeTestConfig()
	tel := newFakeTelephony()
	conn := &fakeModelConn{autoSession: true}
	prov := &fakeProvider{conn: conn}
	tools := tool.NewManager()

	opts := Options{
		Config:    cfg,
		Telephony: tel,
		Provider:  prov,
		Tools:     tools,
	}
	if mutate != nil {
		mutate(&opts, cfg)
	}

	br, err := New(opts)
	require.NoError(t, err)

	h := &bridgeHarness{
		t:       t,
		cfg:     cfg,
		tel:     tel,
		conn:    conn,
		prov:    prov,
		tools:   tools,
		br:      br,
		runDone: make(chan error, 1),
	}
	go func() { h.runDone <- br.Run() }()

	t.Cleanup(func() {
		br.Close(ReasonServerShutdown, "test cleanup")
		select {
		case <-h.runDone:
		case <-time.After(2 * time.Second):
			t.Error("bridge Run did not return")
		}
	})
	return h
}

func (h *bridgeHarness) initiate() {
	h.t.Helper()
	h.tel.push(event.NewBridgeEvent(event.TelephonySessionInitiate, "call-1").
		WithData(&event.SessionInitiateData{
			CallID:      "call-1",
			BotName:     "support-bot",
			Caller:      "+4712345678",
			MediaFormat: bridgeTestFormat,
		}))
	require.Eventually(h.t, func() bool {
		rec, ok := h.br.Snapshot()
		return ok && rec.Status == call.StatusActive
	}, 2*time.Second, 10*time.Millisecond, "bridge did not reach Active")
}

func (h *bridgeHarness) waitRun() error {
	h.t.Helper()
	select {
	case err := <-h.runDone:
		h.runDone <- err
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("bridge Run did not return")
		return nil
	}
}

func (h *bridgeHarness) status() call.Status {
	rec, ok := h.br.Snapshot()
	if !ok {
		return call.StatusInitializing
	}
	return rec.Status
}

// -- tests ------------------------------------------------------------------

func TestNewBridgeRequiresWiring(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.Equal(t, bridgeerr.KindConfig, bridgeerr.KindOf(err))

	_, err = New(Options{Config: bridgeTestConfig(), Telephony: newFakeTelephony()})
	require.Error(t, err)
	assert.Equal(t, bridgeerr.KindConfig, bridgeerr.KindOf(err))
}

func TestBridgeNegotiatesToActive(t *testing.T) {
	h := newBridgeHarness(t, nil)
	h.initiate()

	assert.Equal(t, []audio.Format{bridgeTestFormat}, h.tel.acceptedFormats())

	updates := h.conn.updates()
	require.Len(t, updates, 1)
	assert.Equal(t, "pcm16", updates[0]["input_audio_format"])
	assert.Equal(t, "alloy", updates[0]["voice"])

	rec, ok := h.br.Snapshot()
	require.True(t, ok)
	assert.Equal(t, "sess-1", rec.PeerSessionID)
	assert.Equal(t, "call-1", rec.CallID)
	assert.Equal(t, "support-bot", rec.BotName)
	assert.Equal(t, "test", rec.Channel)
	assert.Equal(t, "call-1", h.br.ID())
}

func TestBridgeNegotiationTimeoutGoesToClosed(t *testing.T) {
	h := newBridgeHarness(t, func(_ *Options, cfg *config.BridgeConfig) {
		cfg.Timeouts.SessionCreate = 50 * time.Millisecond
	})
	h.conn.mu.Lock()
	h.conn.autoSession = false
	h.conn.mu.Unlock()

	h.tel.push(event.NewBridgeEvent(event.TelephonySessionInitiate, "call-1").
		WithData(&event.SessionInitiateData{CallID: "call-1", MediaFormat: bridgeTestFormat}))

	err := h.waitRun()
	require.Error(t, err)
	assert.Equal(t, bridgeerr.KindProtocol, bridgeerr.KindOf(err))

	ends := h.tel.sessionEnds()
	require.Len(t, ends, 1)
	assert.Equal(t, ReasonProtocolError, ends[0].code)
	assert.Equal(t, call.StatusClosed, h.status())
	assert.True(t, h.tel.isClosed())
}

func TestBridgeDialFailureEndsSession(t *testing.T) {
	dialErr := bridgeerr.New(bridgeerr.KindTransport, "test.dial", "model peer unreachable")
	h := newBridgeHarness(t, func(o *Options, _ *config.BridgeConfig) {
		o.Provider = &fakeProvider{conn: &fakeModelConn{}, dialErr: dialErr}
	})

	h.tel.push(event.NewBridgeEvent(event.TelephonySessionInitiate, "call-1").
		WithData(&event.SessionInitiateData{CallID: "call-1", MediaFormat: bridgeTestFormat}))

	err := h.waitRun()
	require.Error(t, err)
	assert.Equal(t, bridgeerr.KindTransport, bridgeerr.KindOf(err))

	ends := h.tel.sessionEnds()
	require.Len(t, ends, 1)
	assert.Equal(t, ReasonTransportError, ends[0].code)
	assert.Equal(t, call.StatusClosed, h.status())
}

func TestBridgeGreetingSentWhenConfigured(t *testing.T) {
	h := newBridgeHarness(t, func(_ *Options, cfg *config.BridgeConfig) {
		cfg.Greeting = "Hello! How can I help you today?"
	})
	h.initiate()

	require.Eventually(t, func() bool { return len(h.conn.rawSent()) == 1 }, time.Second, 10*time.Millisecond)
	sent := h.conn.rawSent()[0]
	assert.Equal(t, "response.create", sent["type"])
	response, ok := sent["response"].(map[string]interface{})
	require.True(t, ok)
	instructions, ok := response["instructions"].(string)
	require.True(t, ok)
	assert.Contains(t, instructions, `"Hello! How can I help you today?"`)
	assert.Contains(t, instructions, "ONE-TIME USE ONLY")
}

func TestBridgeForwardsCallerAudioToModel(t *testing.T) {
	h := newBridgeHarness(t, nil)
	h.initiate()

	h.tel.push(event.NewBridgeEvent(event.TelephonyStreamStart, "call-1"))
	frame := pcm16(160, 7)
	h.tel.push(event.NewBridgeEvent(event.TelephonyStreamChunk, "call-1").
		WithData(&event.AudioChunkData{Audio: frame}))
	h.tel.push(event.NewBridgeEvent(event.TelephonyStreamStop, "call-1"))

	require.Eventually(t, func() bool {
		_, commits, creates, _ := h.conn.counters()
		return commits == 1 && creates == 1
	}, 2*time.Second, 10*time.Millisecond)

	appended := h.conn.appendedAudio()
	require.Len(t, appended, 1)
	assert.Equal(t, frame, appended[0])

	started, stopped, _ := h.tel.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, stopped)
}

func TestBridgeSuppressesResponseWhileOneIsActive(t *testing.T) {
	h := newBridgeHarness(t, nil)
	h.initiate()

	h.conn.emit(map[string]interface{}{
		"type":     "response.created",
		"response": map[string]interface{}{"id": "resp-1", "status": "in_progress"},
	})
	require.Eventually(t, func() bool {
		rec, _ := h.br.Snapshot()
		return rec.ResponseActive
	}, time.Second, 10*time.Millisecond)

	h.tel.push(event.NewBridgeEvent(event.TelephonyStreamStart, "call-1"))
	h.tel.push(event.NewBridgeEvent(event.TelephonyStreamChunk, "call-1").
		WithData(&event.AudioChunkData{Audio: pcm16(160, 7)}))
	h.tel.push(event.NewBridgeEvent(event.TelephonyStreamStop, "call-1"))

	require.Eventually(t, func() bool {
		_, commits, _, _ := h.conn.counters()
		return commits == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, _, creates, _ := h.conn.counters()
	assert.Zero(t, creates, "response.create must be suppressed while a response is active")

	h.conn.emit(map[string]interface{}{
		"type":     "response.done",
		"response": map[string]interface{}{"id": "resp-1", "status": "completed"},
	})
	require.Eventually(t, func() bool {
		rec, _ := h.br.Snapshot()
		return !rec.ResponseActive
	}, time.Second, 10*time.Millisecond)
}

func TestBridgeCommitResponseLeftToModelTurnDetection(t *testing.T) {
	h := newBridgeHarness(t, func(_ *Options, cfg *config.BridgeConfig) {
		cfg.TurnDetection = config.TurnDetectionConfig{Type: "server_vad", CreateResponse: true}
	})
	h.initiate()

	h.tel.push(event.NewBridgeEvent(event.TelephonyStreamStart, "call-1"))
	h.tel.push(event.NewBridgeEvent(event.TelephonyStreamChunk, "call-1").
		WithData(&event.AudioChunkData{Audio: pcm16(160, 7)}))
	h.tel.push(event.NewBridgeEvent(event.TelephonyStreamStop, "call-1"))

	require.Eventually(t, func() bool {
		_, commits, _, _ := h.conn.counters()
		return commits == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, _, creates, _ := h.conn.counters()
	assert.Zero(t, creates, "commit-driven response.create belongs to the model when create_response is on")
}

func TestBridgePlaysModelAudio(t *testing.T) {
	h := newBridgeHarness(t, nil)
	h.initiate()

	h.conn.emit(map[string]interface{}{
		"type":     "response.created",
		"response": map[string]interface{}{"id": "resp-1", "status": "in_progress"},
	})
	pcm := pcm16(audio.Rate16k*40/1000, 1200)
	h.conn.emit(map[string]interface{}{
		"type":        "response.audio.delta",
		"response_id": "resp-1",
		"item_id":     "item-1",
		"delta":       audio.EncodeBase64(pcm),
	})

	require.Eventually(t, func() bool {
		starts, _, chunks := h.tel.playback()
		return len(starts) == 1 && chunks >= 1
	}, 2*time.Second, 10*time.Millisecond)

	h.conn.emit(map[string]interface{}{
		"type":        "response.audio.done",
		"response_id": "resp-1",
	})
	h.conn.emit(map[string]interface{}{
		"type":     "response.done",
		"response": map[string]interface{}{"id": "resp-1", "status": "completed"},
	})

	require.Eventually(t, func() bool {
		starts, stops, _ := h.tel.playback()
		return len(stops) == 1 && stops[0] == starts[0]
	}, 2*time.Second, 10*time.Millisecond)

	rec, _ := h.br.Snapshot()
	assert.False(t, rec.ResponseActive)
}

func TestBridgeBargeInCancelsResponse(t *testing.T) {
	h := newBridgeHarness(t, nil)
	h.initiate()

	h.conn.emit(map[string]interface{}{
		"type":     "response.created",
		"response": map[string]interface{}{"id": "resp-1", "status": "in_progress"},
	})
	h.conn.emit(map[string]interface{}{
		"type":        "response.audio.delta",
		"response_id": "resp-1",
		"delta":       audio.EncodeBase64(pcm16(audio.Rate16k*40/1000, 1200)),
	})
	require.Eventually(t, func() bool {
		starts, _, _ := h.tel.playback()
		return len(starts) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// First chunk calibrates the energy floor; the loud one trips Started.
	h.tel.push(event.NewBridgeEvent(event.TelephonyStreamStart, "call-1"))
	h.tel.push(event.NewBridgeEvent(event.TelephonyStreamChunk, "call-1").
		WithData(&event.AudioChunkData{Audio: pcm16(512, 7)}))
	h.tel.push(event.NewBridgeEvent(event.TelephonyStreamChunk, "call-1").
		WithData(&event.AudioChunkData{Audio: pcm16(512, 12000)}))

	require.Eventually(t, func() bool {
		_, _, _, cancels := h.conn.counters()
		return cancels == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, _, clears := h.tel.counts()
	assert.Equal(t, 1, clears, "platform playback buffer must be cleared on barge-in")

	h.conn.emit(map[string]interface{}{
		"type":     "response.done",
		"response": map[string]interface{}{"id": "resp-1", "status": "cancelled"},
	})
	require.Eventually(t, func() bool {
		rec, _ := h.br.Snapshot()
		return !rec.ResponseActive
	}, time.Second, 10*time.Millisecond)
}

func TestBridgeFunctionCallRoundTrip(t *testing.T) {
	h := newBridgeHarness(t, nil)
	require.NoError(t, h.tools.Register(&tool.Definition{
		Name:        "replace_card",
		Description: "Order a replacement card",
		Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
			if args["card_type"] != "gold" {
				t.Errorf("unexpected args: %v", args)
			}
			return map[string]interface{}{"status": "success"}, nil
		},
	}))
	h.initiate()

	h.conn.emit(map[string]interface{}{
		"type":    "response.function_call_arguments.delta",
		"call_id": "f1",
		"name":    "replace_card",
		"delta":   `{"card_`,
	})
	h.conn.emit(map[string]interface{}{
		"type":    "response.function_call_arguments.delta",
		"call_id": "f1",
		"delta":   `type":"gold"}`,
	})
	h.conn.emit(map[string]interface{}{
		"type":      "response.function_call_arguments.done",
		"call_id":   "f1",
		"arguments": "",
		"item_id":   "i1",
	})

	require.Eventually(t, func() bool {
		return len(h.conn.functionOutputs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	outputs := h.conn.functionOutputs()
	assert.Equal(t, "f1", outputs[0].functionCallID)
	assert.JSONEq(t, `{"status":"success"}`, outputs[0].output)

	require.Eventually(t, func() bool {
		_, _, creates, _ := h.conn.counters()
		return creates == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, call.StatusActive, h.status())
}

func TestBridgeMissingFunctionKeepsCallAlive(t *testing.T) {
	h := newBridgeHarness(t, nil)
	h.initiate()

	h.conn.emit(map[string]interface{}{
		"type":      "response.function_call_arguments.done",
		"call_id":   "f1",
		"name":      "unknown_fn",
		"arguments": "{}",
	})

	require.Eventually(t, func() bool {
		return len(h.conn.functionOutputs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"error":"Function 'unknown_fn' not implemented."}`, h.conn.functionOutputs()[0].output)
	assert.Equal(t, call.StatusActive, h.status())
}

func TestBridgeWrapUpHangsUpWithFarewellReason(t *testing.T) {
	h := newBridgeHarness(t, nil)
	require.NoError(t, tool.RegisterBuiltins(h.tools))
	h.initiate()

	h.conn.emit(map[string]interface{}{
		"type":      "response.function_call_arguments.done",
		"call_id":   "f1",
		"name":      tool.ToolNameWrapUp,
		"arguments": "{}",
	})

	require.Eventually(t, func() bool {
		return h.status() == call.StatusClosed
	}, 2*time.Second, 10*time.Millisecond)

	ends := h.tel.sessionEnds()
	require.Len(t, ends, 1)
	assert.Equal(t, ReasonNormalCompletion, ends[0].code)
	assert.Equal(t, "Call completed successfully - all tasks finished", ends[0].reason)
	require.NoError(t, h.waitRun())
}

func TestBridgeHangupSupersededByEarlierClose(t *testing.T) {
	h := newBridgeHarness(t, func(_ *Options, cfg *config.BridgeConfig) {
		cfg.Timeouts.HangupDelay = 250 * time.Millisecond
	})
	require.NoError(t, tool.RegisterBuiltins(h.tools))
	h.initiate()

	h.conn.emit(map[string]interface{}{
		"type":      "response.function_call_arguments.done",
		"call_id":   "f1",
		"name":      tool.ToolNameHangUp,
		"arguments": "{}",
	})
	require.Eventually(t, func() bool {
		return len(h.conn.functionOutputs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.tel.push(event.NewBridgeEvent(event.TelephonySessionEnd, "call-1").
		WithData(&event.SessionEndData{Reason: "caller hung up"}))

	require.Eventually(t, func() bool {
		return h.status() == call.StatusClosed
	}, 2*time.Second, 10*time.Millisecond)

	// Let the armed hang-up timer expire; it must find nothing to do.
	time.Sleep(2 * h.cfg.Timeouts.HangupDelay)
	ends := h.tel.sessionEnds()
	require.Len(t, ends, 1)
	assert.Equal(t, ReasonClientHangup, ends[0].code)
	assert.Equal(t, "caller hung up", ends[0].reason)
}

func TestBridgeTelephonyHangupClosesEverything(t *testing.T) {
	h := newBridgeHarness(t, nil)
	h.initiate()

	h.tel.push(event.NewBridgeEvent(event.TelephonySessionEnd, "call-1").
		WithData(&event.SessionEndData{ReasonCode: "client-disconnected", Reason: "caller hung up"}))

	require.NoError(t, h.waitRun())
	assert.Equal(t, call.StatusClosed, h.status())
	assert.True(t, h.conn.isClosed())
	assert.True(t, h.tel.isClosed())

	ends := h.tel.sessionEnds()
	require.Len(t, ends, 1)
	assert.Equal(t, "client-disconnected", ends[0].code)
}

func TestBridgeModelDisconnectShutsDown(t *testing.T) {
	h := newBridgeHarness(t, nil)
	h.initiate()

	h.conn.fireError(bridgeerr.New(bridgeerr.KindTransport, "test.model", "websocket torn down"))

	err := h.waitRun()
	require.Error(t, err)
	assert.Equal(t, bridgeerr.KindTransport, bridgeerr.KindOf(err))

	ends := h.tel.sessionEnds()
	require.Len(t, ends, 1)
	assert.Equal(t, ReasonTransportError, ends[0].code)
	assert.Equal(t, call.StatusClosed, h.status())
}

func TestBridgeFatalModelErrorShutsDown(t *testing.T) {
	h := newBridgeHarness(t, nil)
	h.initiate()

	h.conn.emit(map[string]interface{}{
		"type":  "error",
		"error": map[string]interface{}{"code": "session_expired", "message": "session is gone"},
	})

	err := h.waitRun()
	require.Error(t, err)
	assert.Equal(t, bridgeerr.KindProtocol, bridgeerr.KindOf(err))
	assert.Equal(t, call.StatusClosed, h.status())
}

func TestBridgeDTMFSynthesizesUserMessage(t *testing.T) {
	h := newBridgeHarness(t, nil)
	h.initiate()

	h.tel.push(event.NewBridgeEvent(event.TelephonyActivities, "call-1").
		WithData(&event.ActivitiesData{Activities: []event.Activity{{Type: "dtmf", Value: "5"}}}))

	require.Eventually(t, func() bool {
		return len(h.conn.sentUserMessages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"Caller pressed 5."}, h.conn.sentUserMessages())

	require.Eventually(t, func() bool {
		_, _, creates, _ := h.conn.counters()
		return creates == 1
	}, time.Second, 10*time.Millisecond)
}

func TestBridgeForwardsAssistantTranscriptAsActivity(t *testing.T) {
	h := newBridgeHarness(t, nil)
	h.initiate()

	h.conn.emit(map[string]interface{}{
		"type":        "response.audio_transcript.done",
		"response_id": "resp-1",
		"transcript":  "Which card would you like to replace?",
	})

	require.Eventually(t, func() bool {
		return len(h.tel.sentActivities()) == 1
	}, time.Second, 10*time.Millisecond)
	batch := h.tel.sentActivities()[0]
	require.Len(t, batch, 1)
	assert.Equal(t, "transcript", batch[0].Type)
	assert.Equal(t, "Which card would you like to replace?", batch[0].Value)
}

func TestBridgeRecordsArtifacts(t *testing.T) {
	base := t.TempDir()
	h := newBridgeHarness(t, func(_ *Options, cfg *config.BridgeConfig) {
		cfg.Recording = config.RecordingConfig{Enable: true, OutputDir: base}
	})
	h.initiate()

	h.conn.emit(map[string]interface{}{
		"type":       "conversation.item.input_audio_transcription.completed",
		"item_id":    "item-1",
		"transcript": "I lost my card.",
	})
	h.conn.emit(map[string]interface{}{
		"type":        "response.audio_transcript.done",
		"response_id": "resp-1",
		"transcript":  "Let me order a replacement.",
	})

	h.tel.push(event.NewBridgeEvent(event.TelephonySessionEnd, "call-1").
		WithData(&event.SessionEndData{Reason: "caller hung up"}))
	require.NoError(t, h.waitRun())

	dirs, err := filepath.Glob(filepath.Join(base, "call-1_*"))
	require.NoError(t, err)
	require.Len(t, dirs, 1)

	data, err := os.ReadFile(filepath.Join(dirs[0], "transcript.json"))
	require.NoError(t, err)
	var transcript []recording.TranscriptEntry
	require.NoError(t, json.Unmarshal(data, &transcript))
	require.Len(t, transcript, 2)
	assert.Equal(t, "user", transcript[0].Role)
	assert.Equal(t, "assistant", transcript[1].Role)

	data, err = os.ReadFile(filepath.Join(dirs[0], "session_events.json"))
	require.NoError(t, err)
	var events []recording.Entry
	require.NoError(t, json.Unmarshal(data, &events))
	kinds := make(map[string]bool, len(events))
	for _, e := range events {
		kinds[e.Kind] = true
	}
	assert.True(t, kinds["call.initiated"])
	assert.True(t, kinds["telephony.session.end"])
	assert.True(t, kinds["call.closing"])

	data, err = os.ReadFile(filepath.Join(dirs[0], "call_metadata.json"))
	require.NoError(t, err)
	var meta recording.Metadata
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, "call-1", meta.Call.CallID)
	assert.Equal(t, ReasonClientHangup, meta.ReasonCode)
}

func TestBridgeHooksReceiveLifecycle(t *testing.T) {
	activeCh := make(chan call.Record, 1)
	closedCh := make(chan Summary, 1)
	h := newBridgeHarness(t, func(o *Options, _ *config.BridgeConfig) {
		o.Hooks = Hooks{
			OnActive: func(rec call.Record) { activeCh <- rec },
			OnClosed: func(s Summary) { closedCh <- s },
		}
	})
	h.initiate()

	var activeRec call.Record
	select {
	case activeRec = <-activeCh:
	case <-time.After(time.Second):
		t.Fatal("OnActive hook never fired")
	}
	assert.Equal(t, "call-1", activeRec.CallID)
	assert.Equal(t, "test", activeRec.Channel)

	h.conn.emit(map[string]interface{}{
		"type":       "conversation.item.input_audio_transcription.completed",
		"item_id":    "item-1",
		"transcript": "I lost my card.",
	})
	h.conn.emit(map[string]interface{}{
		"type":        "response.audio_transcript.done",
		"response_id": "resp-1",
		"transcript":  "Let me order a replacement.",
	})

	h.tel.push(event.NewBridgeEvent(event.TelephonySessionEnd, "call-1").
		WithData(&event.SessionEndData{Reason: "caller hung up"}))
	require.NoError(t, h.waitRun())

	var sum Summary
	select {
	case sum = <-closedCh:
	case <-time.After(time.Second):
		t.Fatal("OnClosed hook never fired")
	}
	assert.Equal(t, ReasonClientHangup, sum.ReasonCode)
	assert.Equal(t, "call-1", sum.Record.CallID)
	assert.Equal(t, 2, sum.TurnCount)
	require.Len(t, sum.Transcript, 2)
	assert.Equal(t, "user", sum.Transcript[0].Role)
	assert.Equal(t, "I lost my card.", sum.Transcript[0].Text)
	assert.Equal(t, "assistant", sum.Transcript[1].Role)
	assert.False(t, sum.Transcript[0].SpokenAt.IsZero())
}

func TestBridgeCleanupsRunInReverseOrder(t *testing.T) {
	h := newBridgeHarness(t, nil)
	h.initiate()

	var mu sync.Mutex
	var order []string
	add := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	h.br.RegisterCleanup(add("first"))
	h.br.RegisterCleanup(add("second"))
	h.br.RegisterCleanup(add("third"))

	h.br.Close(ReasonClientHangup, "done")
	require.NoError(t, h.waitRun())

	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()
	assert.Equal(t, []string{"third", "second", "first"}, got)

	// Late registration on a closed bridge runs immediately.
	ran := make(chan struct{})
	h.br.RegisterCleanup(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("late cleanup did not run")
	}
}

func TestBridgeCloseIdempotent(t *testing.T) {
	h := newBridgeHarness(t, nil)
	h.initiate()

	h.br.Close(ReasonClientHangup, "first")
	h.br.Close(ReasonServerShutdown, "second")
	require.NoError(t, h.waitRun())

	ends := h.tel.sessionEnds()
	require.Len(t, ends, 1)
	assert.Equal(t, ReasonClientHangup, ends[0].code)
}
