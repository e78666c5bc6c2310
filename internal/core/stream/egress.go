package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ClareAI/astra-voice-bridge/internal/audio"
	"github.com/ClareAI/astra-voice-bridge/internal/bridgeerr"
	"github.com/ClareAI/astra-voice-bridge/internal/core/call"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
)

const (
	defaultFrameMs       = 20
	defaultQueueMs       = 200
	defaultOrphanTimeout = 500 * time.Millisecond
	defaultModelRate     = audio.Rate24k
)

// TelephonyPlayback is the slice of the telephony peer egress writes to.
// The sends are non-blocking enqueues on the peer's transport.
type TelephonyPlayback interface {
	StartPlayStream(streamID string, format audio.Format) error
	SendPlayChunk(streamID string, frame []byte) error
	StopPlayStream(streamID string) error
	ClearPlayback() error
}

// BotRecorder captures the bot track for the recording artifacts.
type BotRecorder interface {
	CaptureBot(pcm []byte)
}

// EgressOptions wires the model-to-telephony playback path.
type EgressOptions struct {
	Call      *call.State
	Format    audio.Format // negotiated telephony format
	Telephony TelephonyPlayback
	Ops       Ops

	// Recorder is optional; nil disables capture. Only audio actually
	// queued for playback is captured, so cancelled responses stay out of
	// the recording.
	Recorder BotRecorder

	// ModelRate is the delta sample rate. Zero means 24 kHz.
	ModelRate int

	// FrameMs is the outbound frame duration. Zero means 20 ms.
	FrameMs int

	// QueueMs bounds buffered playback; overflow drops from the head.
	// Zero means 200 ms.
	QueueMs int

	// OrphanTimeout closes a stream this long after its last delta when no
	// terminal event arrives. Zero means 500 ms.
	OrphanTimeout time.Duration
}

// outputStream is one playback stream toward telephony.
type outputStream struct {
	id         string
	responseID string
	frames     [][]byte
	remainder  []byte
	draining   bool
	dropped    int
}

// Egress turns response.audio.delta events into paced playStream chunks.
// Frames are cut to FrameMs in the negotiated wire format; a bounded queue
// absorbs model bursts, dropping oldest audio when playback cannot keep up.
type Egress struct {
	opts          EgressOptions
	frameBytes    int
	maxFrames     int
	orphanTimeout time.Duration

	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	stream      *outputStream
	cancelledID string
	failures    failureWindow
	watchdog    *time.Timer
	closed      bool

	wake chan struct{}
}

// NewEgress validates the wiring and starts the sender loop.
func NewEgress(opts EgressOptions) (*Egress, error) {
	if opts.Call == nil || opts.Telephony == nil || opts.Ops == nil {
		return nil, bridgeerr.New(bridgeerr.KindConfig, "stream.egress", "call, telephony and ops are required")
	}
	if err := opts.Format.Validate(); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindConfig, "stream.egress", err)
	}
	if opts.ModelRate <= 0 {
		opts.ModelRate = defaultModelRate
	}
	if opts.FrameMs <= 0 {
		opts.FrameMs = defaultFrameMs
	}
	if opts.QueueMs <= 0 {
		opts.QueueMs = defaultQueueMs
	}
	orphan := opts.OrphanTimeout
	if orphan <= 0 {
		orphan = defaultOrphanTimeout
	}

	bytesPerSample := 2
	if opts.Format.Encoding == audio.EncodingMulaw {
		bytesPerSample = 1
	}
	frameBytes := opts.Format.SampleRate * opts.FrameMs / 1000 * bytesPerSample
	maxFrames := opts.QueueMs / opts.FrameMs
	if maxFrames < 1 {
		maxFrames = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Egress{
		opts:          opts,
		frameBytes:    frameBytes,
		maxFrames:     maxFrames,
		orphanTimeout: orphan,
		limiter:       rate.NewLimiter(rate.Every(time.Duration(opts.FrameMs)*time.Millisecond), 2),
		ctx:           ctx,
		cancel:        cancel,
		wake:          make(chan struct{}, 1),
	}
	go e.run()
	return e, nil
}

// OpenResponse returns the response id feeding the open stream, if any.
func (e *Egress) OpenResponse() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stream == nil {
		return "", false
	}
	return e.stream.responseID, true
}

// HandleDelta converts one audio delta and queues it for playback, opening
// the output stream on the first delta of a response. A delta carrying a
// different response id than the open stream closes the stale stream and
// opens a new one.
func (e *Egress) HandleDelta(responseID string, b64Audio string) {
	if e.opts.Call.Status() != call.StatusActive {
		return
	}

	pcmModel, err := audio.DecodeBase64(b64Audio)
	if err != nil {
		e.frameFailed(err)
		return
	}
	wire, err := e.toWire(pcmModel)
	if err != nil {
		e.frameFailed(err)
		return
	}
	e.frameOK()

	e.mu.Lock()
	if e.closed || (responseID != "" && responseID == e.cancelledID) {
		e.mu.Unlock()
		return
	}

	if e.stream != nil && e.stream.responseID != responseID {
		stale := e.stream
		e.stream = nil
		logger.Base().Warn("Egress stream already open for another response, replacing",
			zap.String("call_id", e.opts.Call.ID()),
			zap.String("stale_response_id", stale.responseID),
			zap.String("response_id", responseID))
		e.opts.Telephony.StopPlayStream(stale.id)
		e.opts.Call.CloseOutputStream()
	}

	if e.stream == nil {
		s := &outputStream{
			id:         uuid.NewString(),
			responseID: responseID,
		}
		e.stream = s
		if err := e.opts.Telephony.StartPlayStream(s.id, e.opts.Format); err != nil {
			logger.Base().Warn("Failed to open play stream",
				zap.String("call_id", e.opts.Call.ID()),
				zap.Error(err))
		}
		e.opts.Call.OpenOutputStream(s.id)
		logger.Base().Info("Output stream opened",
			zap.String("call_id", e.opts.Call.ID()),
			zap.String("stream_id", s.id),
			zap.String("response_id", responseID))
	}

	e.enqueueLocked(wire)
	e.armWatchdogLocked()
	e.mu.Unlock()

	if e.opts.Recorder != nil {
		if pcm16k, err := audio.Resample(pcmModel, e.opts.ModelRate, audio.Rate16k); err == nil {
			e.opts.Recorder.CaptureBot(pcm16k)
		}
	}

	e.signal()
}

// enqueueLocked cuts the wire bytes into frames and applies the bounded
// queue policy. Caller holds e.mu with a non-nil stream.
func (e *Egress) enqueueLocked(wire []byte) {
	s := e.stream
	s.remainder = append(s.remainder, wire...)
	for len(s.remainder) >= e.frameBytes {
		frame := make([]byte, e.frameBytes)
		copy(frame, s.remainder[:e.frameBytes])
		s.remainder = s.remainder[e.frameBytes:]
		s.frames = append(s.frames, frame)
	}

	dropped := 0
	for len(s.frames) > e.maxFrames {
		s.frames = s.frames[1:]
		dropped++
	}
	if dropped > 0 {
		s.dropped += dropped
		logger.Base().Warn("Egress queue overflow, dropped oldest audio",
			zap.String("call_id", e.opts.Call.ID()),
			zap.String("stream_id", s.id),
			zap.Int("dropped_frames", dropped))
	}
}

// toWire converts model-rate PCM16 to the negotiated wire format.
func (e *Egress) toWire(pcmModel []byte) ([]byte, error) {
	pcm, err := audio.Resample(pcmModel, e.opts.ModelRate, e.opts.Format.SampleRate)
	if err != nil {
		return nil, err
	}
	if e.opts.Format.Encoding == audio.EncodingMulaw {
		return audio.PCM16ToMulaw(pcm)
	}
	return pcm, nil
}

// HandleAudioDone drains and closes the stream for the finished response.
func (e *Egress) HandleAudioDone(responseID string) {
	e.closeForResponse(responseID, "audio_done")
}

// HandleResponseDone closes the stream when response.done arrives for the
// response feeding it; it covers a missed audio.done and cancellations.
func (e *Egress) HandleResponseDone(responseID string) {
	e.closeForResponse(responseID, "response_done")
}

func (e *Egress) closeForResponse(responseID, reason string) {
	e.mu.Lock()
	s := e.stream
	if s == nil || s.draining || (responseID != "" && s.responseID != responseID) {
		e.mu.Unlock()
		return
	}
	s.draining = true
	if e.watchdog != nil {
		e.watchdog.Stop()
	}
	e.mu.Unlock()

	logger.Base().Debug("Output stream draining",
		zap.String("call_id", e.opts.Call.ID()),
		zap.String("stream_id", s.id),
		zap.String("reason", reason))
	e.signal()
}

// Interrupt discards queued playback immediately: barge-in. Frames already
// handed to the transport are not recalled, but the platform buffer is
// flushed where the adapter supports it. Further deltas for the cancelled
// response are dropped.
func (e *Egress) Interrupt() {
	e.mu.Lock()
	s := e.stream
	if s == nil {
		e.mu.Unlock()
		return
	}
	e.stream = nil
	e.cancelledID = s.responseID
	if e.watchdog != nil {
		e.watchdog.Stop()
	}
	e.mu.Unlock()

	e.opts.Telephony.ClearPlayback()
	e.opts.Telephony.StopPlayStream(s.id)
	e.opts.Call.CloseOutputStream()

	logger.Base().Info("Playback interrupted",
		zap.String("call_id", e.opts.Call.ID()),
		zap.String("stream_id", s.id),
		zap.String("response_id", s.responseID),
		zap.Int("dropped_frames", len(s.frames)))
}

// armWatchdogLocked schedules the orphaned-delta close. Caller holds e.mu.
func (e *Egress) armWatchdogLocked() {
	if e.watchdog == nil {
		e.watchdog = time.AfterFunc(e.orphanTimeout, e.onOrphan)
		return
	}
	e.watchdog.Reset(e.orphanTimeout)
}

// onOrphan fires when deltas stop without a terminal event.
func (e *Egress) onOrphan() {
	e.mu.Lock()
	s := e.stream
	if s == nil || s.draining || e.closed {
		e.mu.Unlock()
		return
	}
	s.draining = true
	e.mu.Unlock()

	logger.Base().Warn("Output stream orphaned, closing after delta silence",
		zap.String("call_id", e.opts.Call.ID()),
		zap.String("stream_id", s.id),
		zap.String("response_id", s.responseID))
	e.signal()
}

func (e *Egress) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// run is the sender loop: it paces frames out in real time while the queue
// is under half full and drains flat out above that, recovering latency
// once behind.
func (e *Egress) run() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.wake:
		}
		e.drainQueue()
	}
}

func (e *Egress) drainQueue() {
	for {
		e.mu.Lock()
		s := e.stream
		if s == nil || e.closed {
			e.mu.Unlock()
			return
		}
		if len(s.frames) == 0 {
			if !s.draining {
				e.mu.Unlock()
				return
			}
			remainder := s.remainder
			e.stream = nil
			e.mu.Unlock()

			if len(remainder) > 0 {
				e.opts.Telephony.SendPlayChunk(s.id, remainder)
			}
			e.opts.Telephony.StopPlayStream(s.id)
			e.opts.Call.CloseOutputStream()
			logger.Base().Info("Output stream closed",
				zap.String("call_id", e.opts.Call.ID()),
				zap.String("stream_id", s.id),
				zap.String("response_id", s.responseID),
				zap.Int("dropped_frames", s.dropped))
			return
		}

		frame := s.frames[0]
		s.frames = s.frames[1:]
		id := s.id
		pace := !s.draining && len(s.frames) < e.maxFrames/2
		e.mu.Unlock()

		if pace {
			if err := e.limiter.Wait(e.ctx); err != nil {
				return
			}
		}
		if err := e.opts.Telephony.SendPlayChunk(id, frame); err != nil {
			logger.Base().Warn("Failed to send play chunk",
				zap.String("call_id", e.opts.Call.ID()),
				zap.Error(err))
		}
	}
}

func (e *Egress) frameFailed(err error) {
	logger.Base().Warn("Dropping egress delta",
		zap.String("call_id", e.opts.Call.ID()),
		zap.Error(err))

	e.mu.Lock()
	escalate := e.failures.fail(time.Now())
	e.mu.Unlock()

	if escalate {
		e.opts.Ops.Shutdown(bridgeerr.New(bridgeerr.KindAudio, "stream.egress",
			"%d consecutive audio failures within 1s", maxConsecutiveAudioFailures))
	}
}

func (e *Egress) frameOK() {
	e.mu.Lock()
	e.failures.ok()
	e.mu.Unlock()
}

// Close stops the sender. An open stream is stopped without draining.
func (e *Egress) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	s := e.stream
	e.stream = nil
	if e.watchdog != nil {
		e.watchdog.Stop()
	}
	e.mu.Unlock()

	e.cancel()
	if s != nil {
		e.opts.Telephony.StopPlayStream(s.id)
		e.opts.Call.CloseOutputStream()
	}
}
