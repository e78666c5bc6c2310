// Package bridge owns one voice call end to end: the telephony peer on one
// side, the realtime model peer on the other, and the pipelines between them.
// It negotiates the session, enforces the single-active-response policy,
// relays audio through the ingress/egress paths, feeds the function
// dispatcher, and tears everything down in a fixed order when the call ends.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/gopkg/util/gopool"
	"go.uber.org/zap"

	"github.com/ClareAI/astra-voice-bridge/internal/adapters/telephony"
	"github.com/ClareAI/astra-voice-bridge/internal/audio"
	"github.com/ClareAI/astra-voice-bridge/internal/bridgeerr"
	"github.com/ClareAI/astra-voice-bridge/internal/config"
	"github.com/ClareAI/astra-voice-bridge/internal/core/call"
	"github.com/ClareAI/astra-voice-bridge/internal/core/event"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/provider"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/realtime"
	"github.com/ClareAI/astra-voice-bridge/internal/core/stream"
	"github.com/ClareAI/astra-voice-bridge/internal/core/tool"
	"github.com/ClareAI/astra-voice-bridge/internal/prompts"
	"github.com/ClareAI/astra-voice-bridge/internal/recording"
	"github.com/ClareAI/astra-voice-bridge/internal/vad"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
)

// Session-end reason codes sent to telephony.
const (
	ReasonNormalCompletion   = "normal_completion"
	ReasonClientHangup       = "client_hangup"
	ReasonClientDisconnected = "client_disconnected"
	ReasonServerShutdown     = "server_shutdown"
	ReasonTransportError     = "transport_error"
	ReasonProtocolError      = "protocol_error"
	ReasonAudioError         = "audio_error"
	ReasonInternalError      = "internal_error"
)

// hangupFarewellReason is the wire reason for hang-ups the bot initiated
// after finishing its tasks.
const hangupFarewellReason = "Call completed successfully - all tasks finished"

// TranscriptTurn is one finalized utterance of the call, in spoken order.
type TranscriptTurn struct {
	Role     string
	Text     string
	SpokenAt time.Time
}

// Summary describes a finished call for the shell hooks: persistence,
// metrics, and any post-call bookkeeping.
type Summary struct {
	Record        call.Record
	ReasonCode    string
	Reason        string
	StartedAt     time.Time
	EndedAt       time.Time
	TurnCount     int
	FunctionCalls int
	RecordingDir  string
	Usage         event.ResponseUsage
	Transcript    []TranscriptTurn
}

// Hooks observe bridge milestones. All callbacks are optional and run on
// worker-pool goroutines, so they may block without stalling the call.
type Hooks struct {
	// OnActive fires once when negotiation completes.
	OnActive func(record call.Record)

	// OnClosed fires once after the bridge reaches Closed.
	OnClosed func(summary Summary)
}

// Options wires a bridge. Config, Telephony and Provider are required.
type Options struct {
	Config    *config.BridgeConfig
	Telephony telephony.Peer
	Provider  provider.ModelProvider

	// Tools is the function registry, read-only once the bridge exists.
	// Nil means no tools.
	Tools *tool.Manager

	// Uploader, when set, receives recording artifacts after finalize.
	Uploader recording.Uploader

	Hooks Hooks
}

// Bridge runs one call. Construct with New, drive with Run.
type Bridge struct {
	cfg       *config.BridgeConfig
	telephony telephony.Peer
	provider  provider.ModelProvider
	tools     *tool.Manager
	uploader  recording.Uploader
	hooks     Hooks
	router    *event.Router

	sessionReady chan struct{}
	negotErr     chan error

	closedOnce sync.Once
	closedCh   chan struct{}

	mu            sync.Mutex
	call          *call.State
	model         provider.ModelConnection
	ingress       *stream.Ingress
	egress        *stream.Egress
	dispatcher    *tool.Dispatcher
	recorder      *recording.Recorder
	cleanups      []func()
	hangupTimer   *time.Timer
	closing       bool
	runErr        error
	turnCount     int
	functionCalls int
	transcript    []TranscriptTurn
	usage         event.ResponseUsage
}

// New validates the wiring and registers the event handlers. The bridge does
// nothing until Run.
func New(opts Options) (*Bridge, error) {
	if opts.Config == nil || opts.Telephony == nil || opts.Provider == nil {
		return nil, bridgeerr.New(bridgeerr.KindConfig, "bridge.new", "config, telephony peer and model provider are required")
	}
	if opts.Tools == nil {
		opts.Tools = tool.NewManager()
	}

	b := &Bridge{
		cfg:          opts.Config,
		telephony:    opts.Telephony,
		provider:     opts.Provider,
		tools:        opts.Tools,
		uploader:     opts.Uploader,
		hooks:        opts.Hooks,
		router:       event.NewRouter(event.RouterOptions{}),
		sessionReady: make(chan struct{}, 1),
		negotErr:     make(chan error, 1),
		closedCh:     make(chan struct{}),
	}
	for _, mw := range event.DefaultMiddlewareChain() {
		b.router.Use(mw)
	}
	b.router.Use(event.DeduplicationMiddleware(time.Second, event.TelephonySessionEnd, event.TelephonyDisconnected))
	b.registerHandlers()
	return b, nil
}

func (b *Bridge) registerHandlers() {
	r := b.router
	_ = r.Register(event.TelephonySessionInitiate, b.onSessionInitiate, 10)
	_ = r.Register(event.TelephonyStreamStart, b.onStreamStart, 10)
	_ = r.Register(event.TelephonyStreamChunk, b.onStreamChunk, 10)
	_ = r.Register(event.TelephonyStreamStop, b.onStreamStop, 10)
	_ = r.Register(event.TelephonyActivities, b.onActivities, 10)
	_ = r.Register(event.TelephonySessionEnd, b.onTelephonySessionEnd, 10)
	_ = r.Register(event.TelephonyDisconnected, b.onTelephonyDisconnected, 10)

	_ = r.Register(event.ModelSessionCreated, b.onModelSessionCreated, 10)
	_ = r.Register(event.ModelSessionUpdated, b.onModelSessionUpdated, 10)
	_ = r.Register(event.ModelResponseCreated, b.onModelResponseCreated, 10)
	_ = r.Register(event.ModelAudioDelta, b.onModelAudioDelta, 10)
	_ = r.Register(event.ModelAudioDone, b.onModelAudioDone, 10)
	_ = r.Register(event.ModelTranscriptDelta, b.onModelTranscriptDelta, 10)
	_ = r.Register(event.ModelTranscriptDone, b.onModelTranscriptDone, 10)
	_ = r.Register(event.ModelInputTranscript, b.onModelInputTranscript, 10)
	_ = r.Register(event.ModelFunctionArgsDelta, b.onModelFunctionArgsDelta, 10)
	_ = r.Register(event.ModelFunctionArgsDone, b.onModelFunctionArgsDone, 10)
	_ = r.Register(event.ModelResponseDone, b.onModelResponseDone, 10)
	_ = r.Register(event.ModelResponseCancelled, b.onModelResponseCancelled, 10)
	_ = r.Register(event.ModelError, b.onModelError, 10)
	_ = r.Register(event.ModelDisconnected, b.onModelDisconnected, 10)

	_ = r.Register(event.SpeechStarted, b.onSpeech, 10)
	_ = r.Register(event.SpeechStopped, b.onSpeech, 10)
	_ = r.Register(event.CallStatusChanged, b.onStatusChanged, 10)
}

// Run reads telephony events until the peer goes away or the call is closed,
// then blocks until teardown finishes. It returns the first fatal error, or
// nil for a normally completed call.
func (b *Bridge) Run() error {
	defer func() {
		if r := recover(); r != nil {
			err := bridgeerr.New(bridgeerr.KindState, "bridge.run", "telephony loop panic: %v", r)
			logger.Base().Error("Telephony loop panic", zap.String("call_id", b.ID()), zap.Any("panic", r))
			b.setErr(err)
			b.close(ReasonInternalError, err.Error())
		}
	}()

	for ev := range b.telephony.Events() {
		if ev == nil {
			continue
		}
		b.publish(ev)
	}

	b.close(ReasonClientDisconnected, "telephony connection closed")
	<-b.closedCh
	return b.err()
}

// Close ends the call with the given reason. Idempotent.
func (b *Bridge) Close(reasonCode, reason string) {
	b.close(reasonCode, reason)
}

// Done is closed once the bridge reaches Closed.
func (b *Bridge) Done() <-chan struct{} {
	return b.closedCh
}

// ID returns the call id, or "" before negotiation.
func (b *Bridge) ID() string {
	if cs := b.callState(); cs != nil {
		return cs.ID()
	}
	return ""
}

// Snapshot returns the current call record. The bool is false before
// negotiation has established a call.
func (b *Bridge) Snapshot() (call.Record, bool) {
	cs := b.callState()
	if cs == nil {
		return call.Record{}, false
	}
	return cs.Snapshot(), true
}

// RegisterCleanup adds a callback run in LIFO order during teardown. A
// registration after closing has begun runs immediately.
func (b *Bridge) RegisterCleanup(fn func()) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		runCleanup(fn)
		return
	}
	b.cleanups = append(b.cleanups, fn)
	b.mu.Unlock()
}

// -- negotiation ------------------------------------------------------------

func (b *Bridge) onSessionInitiate(ev *event.BridgeEvent) error {
	data, ok := ev.Data.(*event.SessionInitiateData)
	if !ok {
		return b.failNegotiation(bridgeerr.New(bridgeerr.KindProtocol, "bridge.negotiate", "malformed session.initiate"))
	}

	b.mu.Lock()
	if b.call != nil {
		b.mu.Unlock()
		logger.Base().Warn("Duplicate session.initiate ignored", zap.String("call_id", data.CallID))
		return nil
	}
	cs := call.New(data.CallID)
	b.call = cs
	b.mu.Unlock()

	cs.SetCallerInfo(data.Caller, data.BotName)
	cs.SetChannel(b.telephony.Channel())
	if err := cs.SetMediaFormat(data.MediaFormat); err != nil {
		return b.failNegotiation(err)
	}
	if err := b.telephony.SendAccepted(data.MediaFormat); err != nil {
		return b.failNegotiation(bridgeerr.Wrap(bridgeerr.KindTransport, "bridge.negotiate", err))
	}

	instructions := prompts.SessionInstructions(b.cfg.Instructions, data.BotName, data.Caller)

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeouts.Connect)
	defer cancel()
	conn, err := b.provider.InitializeConnection(ctx, cs.ID(), &provider.ConnectionConfig{
		CallID:       cs.ID(),
		Instructions: instructions,
		Tools:        b.tools.Definitions(),
	})
	if err != nil {
		return b.failNegotiation(err)
	}
	b.mu.Lock()
	b.model = conn
	b.mu.Unlock()

	conn.SetEventHandler(b.onModelWireEvent)
	conn.SetErrorHandler(b.onModelConnError)

	if err := conn.UpdateSession(realtime.SessionPayload(b.cfg, instructions, b.tools.Definitions())); err != nil {
		return b.failNegotiation(bridgeerr.Wrap(bridgeerr.KindTransport, "bridge.negotiate", err))
	}

	select {
	case <-b.sessionReady:
	case err := <-b.negotErr:
		return b.failNegotiation(err)
	case <-time.After(b.cfg.Timeouts.SessionCreate):
		return b.failNegotiation(bridgeerr.New(bridgeerr.KindProtocol, "bridge.negotiate",
			"session.created not received within %s", b.cfg.Timeouts.SessionCreate))
	}
	if b.isClosing() {
		return nil
	}

	if err := b.buildPipelines(cs, conn, data.MediaFormat); err != nil {
		return b.failNegotiation(err)
	}

	cs.OnStatusChange(func(from, to call.Status) {
		b.publish(event.NewBridgeEvent(event.CallStatusChanged, cs.ID()).
			WithData(&event.StatusChangeData{From: from.String(), To: to.String()}))
	})

	if err := cs.Transition(call.StatusActive); err != nil {
		return b.failNegotiation(err)
	}

	snapshot := cs.Snapshot()
	b.record("call.initiated", map[string]interface{}{
		"call_id":      snapshot.CallID,
		"caller":       snapshot.Caller,
		"bot_name":     snapshot.BotName,
		"media_format": data.MediaFormat.String(),
	})
	b.record("model.session.created", map[string]interface{}{
		"peer_session_id": snapshot.PeerSessionID,
	})

	logger.Base().Info("Bridge active",
		zap.String("call_id", snapshot.CallID),
		zap.String("peer_session_id", snapshot.PeerSessionID),
		zap.String("media_format", data.MediaFormat.String()))

	if b.hooks.OnActive != nil {
		h := b.hooks.OnActive
		gopool.Go(func() { h(snapshot) })
	}
	if b.cfg.Greeting != "" {
		b.sendGreeting(conn)
	}
	return nil
}

func (b *Bridge) buildPipelines(cs *call.State, conn provider.ModelConnection, format audio.Format) error {
	var rec *recording.Recorder
	if b.cfg.Recording.Enable {
		r, err := recording.New(recording.Options{
			Call:      cs,
			OutputDir: b.cfg.Recording.OutputDir,
			Uploader:  b.uploader,
		})
		if err != nil {
			logger.Base().Warn("Recording disabled for this call",
				zap.String("call_id", cs.ID()), zap.Error(err))
		} else {
			rec = r
		}
	}

	egOpts := stream.EgressOptions{
		Call:          cs,
		Format:        format,
		Telephony:     b.telephony,
		Ops:           b,
		ModelRate:     b.cfg.OutputRate,
		OrphanTimeout: b.cfg.Timeouts.OrphanStream,
	}
	if rec != nil {
		egOpts.Recorder = rec
	}
	eg, err := stream.NewEgress(egOpts)
	if err != nil {
		return err
	}

	det, err := vad.NewDetector(b.cfg.VAD, nil)
	if err != nil {
		eg.Close()
		return err
	}

	inOpts := stream.IngressOptions{
		Call:              cs,
		Format:            format,
		Detector:          det,
		Model:             conn,
		Ops:               b,
		Egress:            eg,
		Publish:           b.publish,
		InactivityTimeout: b.cfg.Timeouts.IngressCommit,
	}
	if rec != nil {
		inOpts.Recorder = rec
	}
	ing, err := stream.NewIngress(inOpts)
	if err != nil {
		eg.Close()
		return err
	}

	disp, err := tool.NewDispatcher(tool.DispatcherOptions{
		Call:            cs,
		Manager:         b.tools,
		Bridge:          b,
		FunctionTimeout: b.cfg.Timeouts.Function,
		HangupDelay:     b.cfg.Timeouts.HangupDelay,
	})
	if err != nil {
		ing.Close()
		eg.Close()
		return err
	}

	b.mu.Lock()
	b.egress = eg
	b.ingress = ing
	b.dispatcher = disp
	b.recorder = rec
	b.mu.Unlock()
	return nil
}

// failNegotiation surfaces a pre-Active failure to the caller and moves the
// call straight to Closed.
func (b *Bridge) failNegotiation(err error) error {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return err
	}
	b.closing = true
	conn := b.model
	ing, eg := b.ingress, b.egress
	rec := b.recorder
	b.mu.Unlock()

	b.setErr(err)
	code := reasonCodeFor(err)
	logger.Base().Error("Negotiation failed",
		zap.String("call_id", b.ID()),
		zap.String("reason_code", code),
		zap.Error(err))

	if ing != nil {
		ing.Close()
	}
	if eg != nil {
		eg.Close()
	}
	if sendErr := b.telephony.SendSessionEnd(code, err.Error()); sendErr != nil {
		logger.Base().Debug("session.end send failed", zap.Error(sendErr))
	}
	if conn != nil {
		_ = conn.Close()
	}
	if rec != nil {
		_ = rec.Finalize(code, err.Error())
	}
	if cs := b.callState(); cs != nil {
		_ = cs.Transition(call.StatusClosed)
	}
	_ = b.telephony.Close()
	b.markClosed()
	return err
}

func (b *Bridge) sendGreeting(conn provider.ModelConnection) {
	msg := map[string]interface{}{
		"type": "response.create",
		"response": map[string]interface{}{
			"instructions": prompts.GreetingInstruction(b.cfg.Greeting),
		},
	}
	if err := conn.SendEvent(msg); err != nil {
		logger.Base().Warn("Greeting request failed", zap.String("call_id", b.ID()), zap.Error(err))
		return
	}
	logger.Base().Info("Greeting requested", zap.String("call_id", b.ID()))
}

// -- telephony events -------------------------------------------------------

func (b *Bridge) onStreamStart(*event.BridgeEvent) error {
	ing := b.ingressPipe()
	if ing == nil {
		return nil
	}
	ing.HandleStreamStart()
	if err := b.telephony.SendStreamStarted(); err != nil {
		logger.Base().Warn("userStream.started send failed", zap.String("call_id", b.ID()), zap.Error(err))
	}
	b.record("user_stream.start", nil)
	return nil
}

func (b *Bridge) onStreamChunk(ev *event.BridgeEvent) error {
	data, ok := ev.GetAudioChunk()
	if !ok {
		return nil
	}
	ing := b.ingressPipe()
	if ing == nil {
		logger.Base().Debug("Dropping audio chunk before negotiation", zap.String("call_id", ev.CallID))
		return nil
	}
	ing.HandleChunk(data.Audio)
	return nil
}

func (b *Bridge) onStreamStop(*event.BridgeEvent) error {
	ing := b.ingressPipe()
	if ing == nil {
		return nil
	}
	ing.HandleStreamStop()
	if err := b.telephony.SendStreamStopped(); err != nil {
		logger.Base().Warn("userStream.stopped send failed", zap.String("call_id", b.ID()), zap.Error(err))
	}
	b.record("user_stream.stop", nil)
	return nil
}

func (b *Bridge) onActivities(ev *event.BridgeEvent) error {
	data, ok := ev.Data.(*event.ActivitiesData)
	if !ok {
		return nil
	}
	cs := b.callState()
	if cs == nil || cs.Status() != call.StatusActive {
		return nil
	}
	conn := b.modelConn()
	for _, a := range data.Activities {
		if a.Type != "dtmf" || a.Value == "" {
			logger.Base().Debug("Ignoring telephony activity",
				zap.String("call_id", cs.ID()), zap.String("type", a.Type))
			continue
		}
		b.record("telephony.dtmf", map[string]interface{}{"digit": a.Value})
		if conn == nil {
			continue
		}
		text := fmt.Sprintf("Caller pressed %s.", a.Value)
		if err := conn.CreateUserMessage(text); err != nil {
			logger.Base().Warn("DTMF conversation item failed",
				zap.String("call_id", cs.ID()), zap.Error(err))
			continue
		}
		b.RequestResponse("dtmf")
	}
	return nil
}

func (b *Bridge) onTelephonySessionEnd(ev *event.BridgeEvent) error {
	code, reason := ReasonClientHangup, "telephony requested end"
	if data, ok := ev.Data.(*event.SessionEndData); ok {
		if data.ReasonCode != "" {
			code = data.ReasonCode
		}
		if data.Reason != "" {
			reason = data.Reason
		}
	}
	b.record("telephony.session.end", map[string]interface{}{"reason_code": code, "reason": reason})
	b.close(code, reason)
	return nil
}

func (b *Bridge) onTelephonyDisconnected(ev *event.BridgeEvent) error {
	reason := "telephony connection lost"
	if ev.Error != nil {
		reason = ev.Error.Error()
	}
	b.close(ReasonClientDisconnected, reason)
	return nil
}

// -- model events -----------------------------------------------------------

func (b *Bridge) onModelWireEvent(raw map[string]interface{}) {
	ev := model.TranslateServerEvent(b.ID(), raw)
	if ev == nil {
		if t, ok := raw["type"].(string); ok {
			logger.Base().Debug("Unmapped model event", zap.String("call_id", b.ID()), zap.String("type", t))
		}
		return
	}
	b.publish(ev)
}

func (b *Bridge) onModelConnError(err error) {
	b.publish(event.NewBridgeEvent(event.ModelDisconnected, b.ID()).WithError(err))
}

func (b *Bridge) onModelSessionCreated(ev *event.BridgeEvent) error {
	cs := b.callState()
	if cs == nil {
		return nil
	}
	if data, ok := ev.Data.(*event.SessionCreatedData); ok {
		cs.SetPeerSessionID(data.PeerSessionID)
	}
	select {
	case b.sessionReady <- struct{}{}:
	default:
	}
	return nil
}

func (b *Bridge) onModelSessionUpdated(*event.BridgeEvent) error {
	logger.Base().Debug("Model session updated", zap.String("call_id", b.ID()))
	return nil
}

func (b *Bridge) onModelResponseCreated(ev *event.BridgeEvent) error {
	data, ok := ev.Data.(*event.ResponseData)
	if !ok {
		return nil
	}
	cs := b.callState()
	if cs == nil {
		return nil
	}
	if err := cs.MarkResponseActive(data.ResponseID); err != nil {
		logger.Base().Warn("Overlapping response.created",
			zap.String("call_id", cs.ID()),
			zap.String("response_id", data.ResponseID),
			zap.Error(err))
	}
	b.record("response.created", map[string]interface{}{"response_id": data.ResponseID})
	return nil
}

func (b *Bridge) onModelAudioDelta(ev *event.BridgeEvent) error {
	data, ok := ev.GetAudioDelta()
	if !ok {
		return nil
	}
	if eg := b.egressPipe(); eg != nil {
		eg.HandleDelta(data.ResponseID, data.Audio)
	}
	return nil
}

func (b *Bridge) onModelAudioDone(ev *event.BridgeEvent) error {
	data, ok := ev.GetAudioDelta()
	if !ok {
		return nil
	}
	if eg := b.egressPipe(); eg != nil {
		eg.HandleAudioDone(data.ResponseID)
	}
	return nil
}

func (b *Bridge) onModelTranscriptDelta(ev *event.BridgeEvent) error {
	if data, ok := ev.Data.(*event.TranscriptData); ok {
		logger.Base().Debug("Transcript delta",
			zap.String("call_id", ev.CallID),
			zap.Int("len", len(data.Text)))
	}
	return nil
}

func (b *Bridge) onModelTranscriptDone(ev *event.BridgeEvent) error {
	data, ok := ev.Data.(*event.TranscriptData)
	if !ok || data.Text == "" {
		return nil
	}
	b.addTranscript("assistant", data.Text)
	// Adapters without a display channel drop this silently.
	if err := b.telephony.SendActivities([]event.Activity{{Type: "transcript", Value: data.Text}}); err != nil {
		logger.Base().Debug("Transcript activity send failed", zap.String("call_id", ev.CallID), zap.Error(err))
	}
	return nil
}

func (b *Bridge) onModelInputTranscript(ev *event.BridgeEvent) error {
	data, ok := ev.Data.(*event.TranscriptData)
	if !ok || data.Text == "" {
		return nil
	}
	b.addTranscript("user", data.Text)
	return nil
}

func (b *Bridge) onModelFunctionArgsDelta(ev *event.BridgeEvent) error {
	data, ok := ev.GetFunctionCall()
	if !ok {
		return nil
	}
	if d := b.dispatcherRef(); d != nil {
		d.HandleArgsDelta(data)
	}
	return nil
}

func (b *Bridge) onModelFunctionArgsDone(ev *event.BridgeEvent) error {
	data, ok := ev.GetFunctionCall()
	if !ok {
		return nil
	}
	if d := b.dispatcherRef(); d != nil {
		d.HandleArgsDone(data)
	}
	return nil
}

func (b *Bridge) onModelResponseDone(ev *event.BridgeEvent) error {
	b.finishResponse(ev, "response.done")
	return nil
}

func (b *Bridge) onModelResponseCancelled(ev *event.BridgeEvent) error {
	b.finishResponse(ev, "response.cancelled")
	return nil
}

func (b *Bridge) finishResponse(ev *event.BridgeEvent, kind string) {
	data, ok := ev.Data.(*event.ResponseData)
	if !ok {
		return
	}
	if cs := b.callState(); cs != nil {
		cs.ClearResponseActive()
	}
	if eg := b.egressPipe(); eg != nil {
		eg.HandleResponseDone(data.ResponseID)
	}
	payload := map[string]interface{}{"response_id": data.ResponseID, "status": data.Status}
	if data.Usage != nil {
		payload["total_tokens"] = data.Usage.TotalTokens
		b.mu.Lock()
		b.usage.TotalTokens += data.Usage.TotalTokens
		b.usage.InputTokens += data.Usage.InputTokens
		b.usage.OutputTokens += data.Usage.OutputTokens
		b.mu.Unlock()
	}
	b.record(kind, payload)
}

func (b *Bridge) onModelError(ev *event.BridgeEvent) error {
	data, ok := ev.Data.(*event.ModelErrorData)
	if !ok {
		return nil
	}
	logger.Base().Warn("Model error event",
		zap.String("call_id", ev.CallID),
		zap.String("code", data.Code),
		zap.String("message", data.Message),
		zap.Bool("fatal", data.Fatal))
	b.record("model.error", map[string]interface{}{"code": data.Code, "message": data.Message})
	if !data.Fatal {
		return nil
	}

	err := bridgeerr.New(bridgeerr.KindProtocol, "bridge.model", "fatal model error %s: %s", data.Code, data.Message)
	if b.inNegotiation() {
		select {
		case b.negotErr <- err:
		default:
		}
		return nil
	}
	b.Shutdown(err)
	return nil
}

func (b *Bridge) onModelDisconnected(ev *event.BridgeEvent) error {
	err := ev.Error
	if err == nil {
		err = bridgeerr.New(bridgeerr.KindTransport, "bridge.model", "model connection closed")
	} else {
		err = bridgeerr.Wrap(bridgeerr.KindTransport, "bridge.model", err)
	}
	if b.inNegotiation() {
		select {
		case b.negotErr <- err:
		default:
		}
		return nil
	}
	b.Shutdown(err)
	return nil
}

// -- speech and status events ----------------------------------------------

func (b *Bridge) onSpeech(ev *event.BridgeEvent) error {
	data, ok := ev.GetSpeech()
	if !ok {
		return nil
	}
	b.record(string(ev.Type), map[string]interface{}{
		"probability": data.Result.Prob,
		"duration_ms": data.Result.SpeechDurationMs,
	})
	return nil
}

func (b *Bridge) onStatusChanged(ev *event.BridgeEvent) error {
	data, ok := ev.Data.(*event.StatusChangeData)
	if !ok {
		return nil
	}
	logger.Base().Info("Call status changed",
		zap.String("call_id", ev.CallID),
		zap.String("from", data.From),
		zap.String("to", data.To))
	b.record("call.status", map[string]interface{}{"from": data.From, "to": data.To})
	return nil
}

// -- ops surface (stream.Ops + tool.Bridge) ---------------------------------

// commitTriggers are response requests that follow an audio commit; they are
// suppressed when the model owns turn-based response creation.
var commitTriggers = map[string]bool{
	"vad_stopped": true,
	"stream_stop": true,
	"inactivity":  true,
}

// RequestResponse asks the model for a response generation. At most one
// response is active at a time: requests made while one is in flight are
// logged and dropped, never queued.
func (b *Bridge) RequestResponse(trigger string) {
	cs := b.callState()
	if cs == nil || cs.Status() != call.StatusActive {
		return
	}
	if cs.ResponseActive() {
		logger.Base().Info("Response request suppressed, response already active",
			zap.String("call_id", cs.ID()),
			zap.String("trigger", trigger),
			zap.String("response_id", cs.CurrentResponseID()))
		return
	}
	if commitTriggers[trigger] && b.cfg.TurnDetection.CreateResponse {
		logger.Base().Debug("Response creation owned by model turn detection",
			zap.String("call_id", cs.ID()), zap.String("trigger", trigger))
		return
	}
	conn := b.modelConn()
	if conn == nil {
		return
	}
	if err := conn.CreateResponse(); err != nil {
		logger.Base().Warn("response.create failed",
			zap.String("call_id", cs.ID()),
			zap.String("trigger", trigger),
			zap.Error(err))
		return
	}
	logger.Base().Debug("Response requested",
		zap.String("call_id", cs.ID()), zap.String("trigger", trigger))
}

// CancelActiveResponse interrupts the in-flight response, typically on
// barge-in. The active flag clears when the model confirms the cancellation.
func (b *Bridge) CancelActiveResponse(reason string) {
	cs := b.callState()
	if cs == nil || !cs.ResponseActive() {
		return
	}
	conn := b.modelConn()
	if conn == nil {
		return
	}
	logger.Base().Info("Cancelling active response",
		zap.String("call_id", cs.ID()),
		zap.String("response_id", cs.CurrentResponseID()),
		zap.String("reason", reason))
	if err := conn.CancelResponse(); err != nil {
		logger.Base().Warn("response.cancel failed", zap.String("call_id", cs.ID()), zap.Error(err))
		return
	}
	b.record("response.cancel_requested", map[string]interface{}{
		"response_id": cs.CurrentResponseID(),
		"reason":      reason,
	})
}

// Shutdown closes the bridge after an unrecoverable error.
func (b *Bridge) Shutdown(err error) {
	b.setErr(err)
	b.close(reasonCodeFor(err), err.Error())
}

// SendFunctionOutput returns a tool result to the model.
func (b *Bridge) SendFunctionOutput(functionCallID, output string) error {
	conn := b.modelConn()
	if conn == nil {
		return bridgeerr.New(bridgeerr.KindState, "bridge.function", "model connection is not open")
	}
	if err := conn.CreateFunctionOutput(functionCallID, output); err != nil {
		return err
	}
	b.mu.Lock()
	b.functionCalls++
	b.mu.Unlock()
	b.record("function.output", map[string]interface{}{"function_call_id": functionCallID})
	return nil
}

// ScheduleHangup arms the delayed close that lets farewell audio play out.
// Once armed or already closing, later calls are no-ops; if the bridge
// closes for another reason first, the timer finds nothing to do.
func (b *Bridge) ScheduleHangup(delay time.Duration, reason string) {
	b.mu.Lock()
	if b.closing || b.hangupTimer != nil {
		b.mu.Unlock()
		return
	}
	b.hangupTimer = time.AfterFunc(delay, func() {
		b.close(ReasonNormalCompletion, hangupFarewellReason)
	})
	b.mu.Unlock()

	logger.Base().Info("Hang-up armed",
		zap.String("call_id", b.ID()),
		zap.Duration("delay", delay),
		zap.String("reason", reason))
	b.record("hangup.scheduled", map[string]interface{}{
		"delay_ms": delay.Milliseconds(),
		"reason":   reason,
	})
}

// -- teardown ---------------------------------------------------------------

// close runs the termination sequence exactly once: session.end to
// telephony, model peer closed, recording finalized, cleanups in LIFO
// order, then Closed.
func (b *Bridge) close(reasonCode, reason string) {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return
	}
	b.closing = true
	if b.hangupTimer != nil {
		b.hangupTimer.Stop()
		b.hangupTimer = nil
	}
	conn := b.model
	ing, eg := b.ingress, b.egress
	rec := b.recorder
	cleanups := b.cleanups
	b.cleanups = nil
	b.mu.Unlock()

	cs := b.callState()
	logger.Base().Info("Bridge closing",
		zap.String("call_id", b.ID()),
		zap.String("reason_code", reasonCode),
		zap.String("reason", reason))

	if cs != nil && cs.Status() < call.StatusClosing {
		_ = cs.Transition(call.StatusClosing)
	}
	if rec != nil {
		rec.AddEvent("call.closing", map[string]interface{}{
			"reason_code": reasonCode,
			"reason":      reason,
		})
	}

	if ing != nil {
		ing.Close()
	}
	if eg != nil {
		eg.Close()
	}

	if err := b.telephony.SendSessionEnd(reasonCode, reason); err != nil {
		logger.Base().Debug("session.end send failed", zap.String("call_id", b.ID()), zap.Error(err))
	}
	if conn != nil {
		_ = conn.Close()
	}

	var recordingDir string
	if rec != nil {
		recordingDir = rec.Dir()
		if err := rec.Finalize(reasonCode, reason); err != nil {
			logger.Base().Warn("Recording finalize failed", zap.String("call_id", b.ID()), zap.Error(err))
		}
	}

	for i := len(cleanups) - 1; i >= 0; i-- {
		runCleanup(cleanups[i])
	}

	if cs != nil {
		_ = cs.Transition(call.StatusClosed)
	}
	_ = b.telephony.Close()

	summary := b.buildSummary(cs, reasonCode, reason, recordingDir)
	b.markClosed()

	logger.Base().Info("Bridge closed",
		zap.String("call_id", summary.Record.CallID),
		zap.String("reason_code", reasonCode),
		zap.Int("turns", summary.TurnCount),
		zap.Int("function_calls", summary.FunctionCalls))

	if b.hooks.OnClosed != nil {
		h := b.hooks.OnClosed
		gopool.Go(func() { h(summary) })
	}
}

func (b *Bridge) buildSummary(cs *call.State, reasonCode, reason, recordingDir string) Summary {
	b.mu.Lock()
	turns, functions, usage := b.turnCount, b.functionCalls, b.usage
	transcript := make([]TranscriptTurn, len(b.transcript))
	copy(transcript, b.transcript)
	b.mu.Unlock()

	s := Summary{
		ReasonCode:    reasonCode,
		Reason:        reason,
		EndedAt:       time.Now().UTC(),
		TurnCount:     turns,
		FunctionCalls: functions,
		RecordingDir:  recordingDir,
		Usage:         usage,
		Transcript:    transcript,
	}
	if cs != nil {
		s.Record = cs.Snapshot()
		s.StartedAt = s.Record.CreatedAt
	}
	return s
}

func (b *Bridge) markClosed() {
	b.closedOnce.Do(func() { close(b.closedCh) })
}

func runCleanup(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Base().Error("Cleanup callback panic", zap.Any("panic", r))
		}
	}()
	fn()
}

// -- helpers ----------------------------------------------------------------

func (b *Bridge) publish(ev *event.BridgeEvent) {
	if err := b.router.Dispatch(ev); err != nil {
		logger.Base().Debug("Event dispatch failed",
			zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func (b *Bridge) addTranscript(role, text string) {
	b.mu.Lock()
	b.turnCount++
	b.transcript = append(b.transcript, TranscriptTurn{Role: role, Text: text, SpokenAt: time.Now().UTC()})
	rec := b.recorder
	b.mu.Unlock()
	if rec != nil {
		rec.AddTranscript(role, text)
	}
}

func (b *Bridge) record(kind string, payload interface{}) {
	b.mu.Lock()
	rec := b.recorder
	b.mu.Unlock()
	if rec != nil {
		rec.AddEvent(kind, payload)
	}
}

func (b *Bridge) callState() *call.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.call
}

func (b *Bridge) modelConn() provider.ModelConnection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.model
}

func (b *Bridge) ingressPipe() *stream.Ingress {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ingress
}

func (b *Bridge) egressPipe() *stream.Egress {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.egress
}

func (b *Bridge) dispatcherRef() *tool.Dispatcher {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dispatcher
}

func (b *Bridge) isClosing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closing
}

func (b *Bridge) inNegotiation() bool {
	cs := b.callState()
	return cs == nil || cs.Status() == call.StatusInitializing
}

func (b *Bridge) setErr(err error) {
	b.mu.Lock()
	if b.runErr == nil {
		b.runErr = err
	}
	b.mu.Unlock()
}

func (b *Bridge) err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runErr
}

// reasonCodeFor maps the error taxonomy onto session-end reason codes.
func reasonCodeFor(err error) string {
	switch bridgeerr.KindOf(err) {
	case bridgeerr.KindTransport:
		return ReasonTransportError
	case bridgeerr.KindProtocol:
		return ReasonProtocolError
	case bridgeerr.KindAudio:
		return ReasonAudioError
	default:
		return ReasonInternalError
	}
}
