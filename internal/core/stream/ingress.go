// Package stream implements the audio paths of a live call: ingress moves
// caller audio into the model's input buffer with VAD and recording fan-out,
// egress plays model deltas back toward telephony with pacing and
// interruption.
package stream

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ClareAI/astra-voice-bridge/internal/audio"
	"github.com/ClareAI/astra-voice-bridge/internal/bridgeerr"
	"github.com/ClareAI/astra-voice-bridge/internal/core/call"
	"github.com/ClareAI/astra-voice-bridge/internal/core/event"
	"github.com/ClareAI/astra-voice-bridge/internal/vad"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
)

const (
	defaultInactivityTimeout = 2 * time.Second

	// maxConsecutiveAudioFailures frames failing inside one second escalate
	// from drop-and-continue to closing the bridge.
	maxConsecutiveAudioFailures = 10

	modelIngestRate = audio.Rate16k
)

// Ops is the narrow bridge surface the stream paths drive. The bridge
// implements it against the live peers.
type Ops interface {
	// RequestResponse asks for a response generation after a commit. The
	// bridge applies the response-active guard and the turn-detection
	// exclusivity rule before sending anything.
	RequestResponse(trigger string)

	// CancelActiveResponse interrupts the in-flight model response.
	CancelActiveResponse(reason string)

	// Shutdown reports an unrecoverable error and starts closing the call.
	Shutdown(err error)
}

// ModelAudio is the slice of the model connection ingress writes to.
type ModelAudio interface {
	AppendAudio(pcm []byte) error
	CommitAudio() error
}

// CallerRecorder captures the caller track for the recording artifacts.
// Implementations must not block; recording failures never stall ingress.
type CallerRecorder interface {
	CaptureCaller(pcm []byte)
}

// IngressOptions wires the caller-to-model pipeline.
type IngressOptions struct {
	Call     *call.State
	Format   audio.Format // negotiated telephony format
	Detector *vad.Detector
	Model    ModelAudio
	Ops      Ops

	// Recorder is optional; nil disables capture.
	Recorder CallerRecorder

	// Egress, when set, is interrupted on barge-in: a VAD start while a
	// play stream is open cancels the response and ceases forwarding.
	Egress *Egress

	// Publish forwards VAD transitions to the router. Optional.
	Publish func(ev *event.BridgeEvent)

	// InactivityTimeout commits a pending segment after this much idle
	// following at least one append. Zero means 2 s.
	InactivityTimeout time.Duration
}

// Ingress decodes telephony chunks, fans out to VAD and recording, and
// appends to the model input buffer, committing exactly once per speech
// segment.
type Ingress struct {
	opts       IngressOptions
	inactivity time.Duration

	mu             sync.Mutex
	pendingAppends int
	pendingBytes   int
	lastVoiceAt    time.Time
	failures       failureWindow
	idleTimer      *time.Timer
	closed         bool
}

// NewIngress validates the wiring and returns a ready pipeline.
func NewIngress(opts IngressOptions) (*Ingress, error) {
	if opts.Call == nil || opts.Detector == nil || opts.Model == nil || opts.Ops == nil {
		return nil, bridgeerr.New(bridgeerr.KindConfig, "stream.ingress", "call, detector, model and ops are required")
	}
	if err := opts.Format.Validate(); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindConfig, "stream.ingress", err)
	}

	inactivity := opts.InactivityTimeout
	if inactivity <= 0 {
		inactivity = defaultInactivityTimeout
	}
	return &Ingress{opts: opts, inactivity: inactivity}, nil
}

// HandleChunk runs one decoded telephony frame through the pipeline. The
// frame arrives as raw bytes in the negotiated media format.
func (i *Ingress) HandleChunk(frame []byte) {
	if i.opts.Call.Status() != call.StatusActive {
		return
	}
	i.opts.Call.TouchActivity()

	pcm, err := i.normalize(frame)
	if err != nil {
		i.frameFailed(err)
		return
	}
	i.frameOK()

	if i.opts.Recorder != nil {
		i.opts.Recorder.CaptureCaller(pcm)
	}

	if err := i.opts.Model.AppendAudio(pcm); err != nil {
		i.opts.Ops.Shutdown(bridgeerr.Wrap(bridgeerr.KindTransport, "stream.ingress.append", err))
		return
	}

	i.mu.Lock()
	i.pendingAppends++
	i.pendingBytes += len(pcm)
	if i.pendingAppends == 1 {
		i.lastVoiceAt = time.Now()
	}
	i.mu.Unlock()

	results, err := i.opts.Detector.Push(audio.SamplesToFloat32(pcm))
	if err != nil {
		logger.Base().Warn("VAD push failed, frame appended without detection",
			zap.String("call_id", i.opts.Call.ID()),
			zap.Error(err))
	}
	for _, res := range results {
		i.handleTransition(res)
	}

	i.armIdleTimer()
	i.checkInactivity()
}

// normalize converts a wire frame to PCM16 at the model ingest rate.
func (i *Ingress) normalize(frame []byte) ([]byte, error) {
	pcm := frame
	if i.opts.Format.Encoding == audio.EncodingMulaw {
		pcm = audio.MulawToPCM16(pcm)
	}
	if i.opts.Format.SampleRate == modelIngestRate {
		return pcm, nil
	}
	return audio.Resample(pcm, i.opts.Format.SampleRate, modelIngestRate)
}

func (i *Ingress) handleTransition(res vad.Result) {
	if res.State != vad.StateIdle {
		i.mu.Lock()
		i.lastVoiceAt = time.Now()
		i.mu.Unlock()
	}

	switch res.State {
	case vad.StateStarted:
		i.publish(event.NewBridgeEvent(event.SpeechStarted, i.opts.Call.ID()).
			WithData(&event.SpeechData{Result: res}))
		i.bargeIn()
	case vad.StateStopped:
		i.publish(event.NewBridgeEvent(event.SpeechStopped, i.opts.Call.ID()).
			WithData(&event.SpeechData{Result: res}))
		i.commitSegment("vad_stopped")
	}
}

// bargeIn cancels the active response when speech starts over playback.
func (i *Ingress) bargeIn() {
	e := i.opts.Egress
	if e == nil {
		return
	}
	responseID, open := e.OpenResponse()
	if !open {
		return
	}

	logger.Base().Info("Caller barge-in, interrupting playback",
		zap.String("call_id", i.opts.Call.ID()),
		zap.String("response_id", responseID))
	i.opts.Ops.CancelActiveResponse("speech started during playback")
	e.Interrupt()
}

// HandleStreamStart resets detection for a fresh user stream.
func (i *Ingress) HandleStreamStart() {
	i.opts.Detector.Reset()
	i.mu.Lock()
	i.pendingAppends = 0
	i.pendingBytes = 0
	i.mu.Unlock()
}

// HandleStreamStop commits whatever the segment holds; the explicit stop is
// the caller's end-of-turn signal.
func (i *Ingress) HandleStreamStop() {
	i.commitSegment("stream_stop")
}

// commitSegment emits input_audio_buffer.commit at most once per segment
// and requests a response generation.
func (i *Ingress) commitSegment(trigger string) {
	i.mu.Lock()
	if i.pendingAppends == 0 || i.closed {
		i.mu.Unlock()
		return
	}
	appends := i.pendingAppends
	bytes := i.pendingBytes
	i.pendingAppends = 0
	i.pendingBytes = 0
	if i.idleTimer != nil {
		i.idleTimer.Stop()
	}
	i.mu.Unlock()

	if err := i.opts.Model.CommitAudio(); err != nil {
		i.opts.Ops.Shutdown(bridgeerr.Wrap(bridgeerr.KindTransport, "stream.ingress.commit", err))
		return
	}

	logger.Base().Info("Speech segment committed",
		zap.String("call_id", i.opts.Call.ID()),
		zap.String("trigger", trigger),
		zap.Int("appends", appends),
		zap.Int("pcm_bytes", bytes))

	i.opts.Ops.RequestResponse(trigger)
}

// armIdleTimer covers the stalled-stream case: when frames stop arriving
// entirely, the timer fires the inactivity check the inline path would
// otherwise perform on the next chunk.
func (i *Ingress) armIdleTimer() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	if i.idleTimer == nil {
		i.idleTimer = time.AfterFunc(i.inactivity, i.checkInactivity)
		return
	}
	i.idleTimer.Reset(i.inactivity)
}

// checkInactivity commits a pending segment once the detector has sat idle
// past the timeout with appended audio waiting.
func (i *Ingress) checkInactivity() {
	i.mu.Lock()
	pending := i.pendingAppends
	idleFor := time.Since(i.lastVoiceAt)
	closed := i.closed
	i.mu.Unlock()

	if closed || pending == 0 {
		return
	}
	if i.opts.Detector.State() != vad.StateIdle {
		return
	}
	if idleFor < i.inactivity {
		return
	}
	i.commitSegment("inactivity")
}

func (i *Ingress) frameFailed(err error) {
	logger.Base().Warn("Dropping ingress frame",
		zap.String("call_id", i.opts.Call.ID()),
		zap.Error(err))

	i.mu.Lock()
	escalate := i.failures.fail(time.Now())
	i.mu.Unlock()

	if escalate {
		i.opts.Ops.Shutdown(bridgeerr.New(bridgeerr.KindAudio, "stream.ingress",
			"%d consecutive audio failures within 1s", maxConsecutiveAudioFailures))
	}
}

func (i *Ingress) frameOK() {
	i.mu.Lock()
	i.failures.ok()
	i.mu.Unlock()
}

func (i *Ingress) publish(ev *event.BridgeEvent) {
	if i.opts.Publish != nil {
		i.opts.Publish(ev)
	}
}

// Close stops the inactivity timer. Pending audio is left uncommitted; the
// bridge owns the shutdown sequencing.
func (i *Ingress) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	if i.idleTimer != nil {
		i.idleTimer.Stop()
	}
}

// failureWindow implements the audio error policy: individual failures drop
// the frame, a burst of consecutive failures inside one second escalates.
type failureWindow struct {
	consecutive int
	firstAt     time.Time
}

// fail records one failure and reports whether the burst threshold is hit.
func (f *failureWindow) fail(now time.Time) bool {
	if f.consecutive == 0 || now.Sub(f.firstAt) > time.Second {
		f.consecutive = 1
		f.firstAt = now
		return false
	}
	f.consecutive++
	return f.consecutive >= maxConsecutiveAudioFailures
}

func (f *failureWindow) ok() {
	f.consecutive = 0
}
