// Package recording captures both audio tracks and the event history of a
// call and finalizes them into per-call artifacts on disk: mono WAVs for the
// caller and bot, a stereo mix, the transcript as JSON and PDF, the ordered
// session event log, and call metadata.
//
// Capture paths never block the audio pumps: frames and events are handed to
// a single writer goroutine through a buffered channel and dropped (with a
// counter) when the queue is full.
package recording

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/gopkg/util/gopool"
	"go.uber.org/zap"

	"github.com/ClareAI/astra-voice-bridge/internal/audio"
	"github.com/ClareAI/astra-voice-bridge/internal/bridgeerr"
	"github.com/ClareAI/astra-voice-bridge/internal/core/call"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
)

const (
	// Both tracks are stored at 16 kHz: the caller track is already
	// normalized by ingress and egress downsamples the model audio before
	// capture.
	trackRate = audio.Rate16k

	defaultQueueSize = 1024

	fileCallerAudio   = "caller_audio.wav"
	fileBotAudio      = "bot_audio.wav"
	fileStereo        = "stereo_recording.wav"
	fileFinalStereo   = "final_stereo_recording.wav"
	fileTranscript    = "transcript.json"
	fileEvents        = "session_events.json"
	fileMetadata      = "call_metadata.json"
	fileTranscriptPDF = "transcript.pdf"

	uploadTimeout = 60 * time.Second
)

// Entry is one record of the ordered session event log.
type Entry struct {
	Timestamp time.Time   `json:"timestamp"`
	Kind      string      `json:"kind"`
	Payload   interface{} `json:"payload,omitempty"`
}

// TranscriptEntry is one finalized utterance of the conversation.
type TranscriptEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
}

// Metadata is persisted as call_metadata.json when the recording finalizes.
type Metadata struct {
	Call          call.Record `json:"call"`
	StartedAt     time.Time   `json:"started_at"`
	EndedAt       time.Time   `json:"ended_at"`
	DurationMs    int64       `json:"duration_ms"`
	ReasonCode    string      `json:"reason_code,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	CallerAudioMs float64     `json:"caller_audio_ms"`
	BotAudioMs    float64     `json:"bot_audio_ms"`
	DroppedJobs   int         `json:"dropped_jobs,omitempty"`
}

// Uploader pushes finalized artifacts to remote storage. Finalize uploads on
// a worker goroutine; failures are logged and never fail the recording.
type Uploader interface {
	UploadFile(ctx context.Context, localPath, objectName string) error
}

// Options configures a Recorder.
type Options struct {
	Call *call.State

	// OutputDir is the base directory; the per-call directory
	// {call_id}_{YYYYMMDD_HHMMSS} is created inside it.
	OutputDir string

	// QueueSize bounds the writer queue. Zero means defaultQueueSize.
	QueueSize int

	// Uploader, when set, receives every finalized artifact.
	Uploader Uploader
}

type jobKind int

const (
	jobCaller jobKind = iota
	jobBot
	jobEvent
	jobTranscript
)

type job struct {
	kind  jobKind
	pcm   []byte
	entry Entry
	tr    TranscriptEntry
}

// Recorder accumulates the caller and bot tracks plus the session history for
// one call and writes the artifact set exactly once on Finalize. It satisfies
// stream.CallerRecorder and stream.BotRecorder.
type Recorder struct {
	opts Options
	dir  string

	jobs chan job
	done chan struct{}
	wg   sync.WaitGroup

	// Owned by the writer goroutine until done is closed and wg waited.
	caller     []byte
	bot        []byte
	events     []Entry
	transcript []TranscriptEntry

	mu        sync.Mutex
	startedAt time.Time
	finalized bool
	dropped   int
}

// New creates the per-call directory under opts.OutputDir and starts the
// writer goroutine.
func New(opts Options) (*Recorder, error) {
	if opts.Call == nil {
		return nil, bridgeerr.New(bridgeerr.KindConfig, "recording.new", "call state is required")
	}
	if opts.OutputDir == "" {
		return nil, bridgeerr.New(bridgeerr.KindConfig, "recording.new", "output directory is required")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	now := time.Now().UTC()
	dir := filepath.Join(opts.OutputDir, fmt.Sprintf("%s_%s", opts.Call.ID(), now.Format("20060102_150405")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindConfig, "recording.new", err)
	}

	r := &Recorder{
		opts:       opts,
		dir:        dir,
		jobs:       make(chan job, opts.QueueSize),
		done:       make(chan struct{}),
		events:     make([]Entry, 0, 64),
		transcript: make([]TranscriptEntry, 0, 16),
		startedAt:  now,
	}
	r.wg.Add(1)
	go r.writerLoop()

	logger.Base().Info("Recording started",
		zap.String("call_id", opts.Call.ID()),
		zap.String("dir", dir))
	return r, nil
}

// Dir returns the per-call artifact directory.
func (r *Recorder) Dir() string {
	return r.dir
}

// CaptureCaller appends a normalized PCM16 16 kHz caller frame. Never blocks.
func (r *Recorder) CaptureCaller(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	r.enqueue(job{kind: jobCaller, pcm: buf})
}

// CaptureBot appends a PCM16 16 kHz bot frame. Never blocks.
func (r *Recorder) CaptureBot(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	r.enqueue(job{kind: jobBot, pcm: buf})
}

// AddEvent appends one record to the ordered session event log.
func (r *Recorder) AddEvent(kind string, payload interface{}) {
	r.enqueue(job{kind: jobEvent, entry: Entry{
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Payload:   payload,
	}})
}

// AddTranscript appends one finalized utterance. Role is "user" or
// "assistant".
func (r *Recorder) AddTranscript(role, text string) {
	if text == "" {
		return
	}
	r.enqueue(job{kind: jobTranscript, tr: TranscriptEntry{
		Timestamp: time.Now().UTC(),
		Role:      role,
		Text:      text,
	}})
}

func (r *Recorder) enqueue(j job) {
	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.jobs <- j:
	case <-r.done:
	default:
		r.mu.Lock()
		r.dropped++
		n := r.dropped
		r.mu.Unlock()
		if n == 1 || n%100 == 0 {
			logger.Base().Warn("Recording queue full, dropping",
				zap.String("call_id", r.opts.Call.ID()),
				zap.Int("dropped", n))
		}
	}
}

func (r *Recorder) writerLoop() {
	defer r.wg.Done()
	for {
		select {
		case j := <-r.jobs:
			r.apply(j)
		case <-r.done:
			// Drain whatever was queued before shutdown so Finalize
			// sees every accepted frame and event.
			for {
				select {
				case j := <-r.jobs:
					r.apply(j)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) apply(j job) {
	switch j.kind {
	case jobCaller:
		r.caller = append(r.caller, j.pcm...)
	case jobBot:
		r.bot = append(r.bot, j.pcm...)
	case jobEvent:
		r.events = append(r.events, j.entry)
	case jobTranscript:
		r.transcript = append(r.transcript, j.tr)
	}
}

// Finalize flushes the queue, writes every artifact and, when an uploader is
// configured, pushes them to remote storage. Safe to call more than once;
// only the first call does work.
func (r *Recorder) Finalize(reasonCode, reason string) error {
	r.mu.Lock()
	if r.finalized {
		r.mu.Unlock()
		return nil
	}
	r.finalized = true
	dropped := r.dropped
	started := r.startedAt
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()

	ended := time.Now().UTC()
	snapshot := r.opts.Call.Snapshot()

	var firstErr error
	keep := func(err error) {
		if err != nil {
			logger.Base().Error("Recording artifact failed",
				zap.String("call_id", snapshot.CallID),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	keep(audio.WriteWAV(r.path(fileCallerAudio), r.caller, trackRate, 1))
	keep(audio.WriteWAV(r.path(fileBotAudio), r.bot, trackRate, 1))

	if stereo, err := audio.InterleaveStereo(r.caller, r.bot); err != nil {
		keep(err)
	} else {
		keep(audio.WriteWAV(r.path(fileStereo), stereo, trackRate, 2))
	}

	keep(r.writeJSON(fileTranscript, r.transcript))
	keep(r.writeJSON(fileEvents, r.events))

	callerMs, _ := audio.DurationMs(r.caller, trackRate)
	botMs, _ := audio.DurationMs(r.bot, trackRate)
	keep(r.writeJSON(fileMetadata, Metadata{
		Call:          snapshot,
		StartedAt:     started,
		EndedAt:       ended,
		DurationMs:    ended.Sub(started).Milliseconds(),
		ReasonCode:    reasonCode,
		Reason:        reason,
		CallerAudioMs: callerMs,
		BotAudioMs:    botMs,
		DroppedJobs:   dropped,
	}))

	// Final mix is rebuilt from the mono WAV files on disk, not from the
	// in-memory buffers.
	keep(r.rebuildFinalStereo())

	if len(r.transcript) > 0 {
		keep(writeTranscriptPDF(r.path(fileTranscriptPDF), snapshot.CallID, r.transcript))
	}

	logger.Base().Info("Recording finalized",
		zap.String("call_id", snapshot.CallID),
		zap.String("dir", r.dir),
		zap.Float64("caller_audio_ms", callerMs),
		zap.Float64("bot_audio_ms", botMs),
		zap.Int("events", len(r.events)),
		zap.Int("transcript_entries", len(r.transcript)),
		zap.Int("dropped_jobs", dropped))

	if r.opts.Uploader != nil {
		r.uploadArtifacts(snapshot.CallID)
	}
	return firstErr
}

func (r *Recorder) rebuildFinalStereo() error {
	callerPCM, rate, _, err := audio.ReadWAV(r.path(fileCallerAudio))
	if err != nil {
		return err
	}
	botPCM, _, _, err := audio.ReadWAV(r.path(fileBotAudio))
	if err != nil {
		return err
	}
	stereo, err := audio.InterleaveStereo(callerPCM, botPCM)
	if err != nil {
		return err
	}
	return audio.WriteWAV(r.path(fileFinalStereo), stereo, rate, 2)
}

func (r *Recorder) writeJSON(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(r.path(name), data, 0o644)
}

func (r *Recorder) path(name string) string {
	return filepath.Join(r.dir, name)
}

func (r *Recorder) uploadArtifacts(callID string) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		logger.Base().Error("Recording upload listing failed",
			zap.String("call_id", callID), zap.Error(err))
		return
	}
	base := filepath.Base(r.dir)
	uploader := r.opts.Uploader
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		local := r.path(e.Name())
		object := base + "/" + e.Name()
		gopool.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
			defer cancel()
			if err := uploader.UploadFile(ctx, local, object); err != nil {
				logger.Base().Error("Recording upload failed",
					zap.String("call_id", callID),
					zap.String("object", object),
					zap.Error(err))
				return
			}
			logger.Base().Info("Recording artifact uploaded",
				zap.String("call_id", callID),
				zap.String("object", object))
		})
	}
}
