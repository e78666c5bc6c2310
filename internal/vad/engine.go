package vad

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
)

// State is the detector's position in the speech hysteresis cycle.
type State int

const (
	// StateIdle means no speech is in progress.
	StateIdle State = iota
	// StateStarted means a first speech frame arrived; one more confirms it.
	StateStarted
	// StateActive means speech is confirmed and ongoing.
	StateActive
	// StateStopped means a speech segment just ended; the next frame
	// returns the detector to Idle.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarted:
		return "started"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Hysteresis frame counts. Two consecutive speech frames confirm an
// utterance (Started then Active); three consecutive silence frames end it.
const (
	framesToConfirmStart = 2
	framesToConfirmStop  = 3
)

// Config holds the tunable detection parameters.
type Config struct {
	// SpeechThreshold is the minimum probability counted as speech when
	// entering an utterance. Default 0.5.
	SpeechThreshold float64
	// SilenceThreshold is the maximum probability counted as silence when
	// leaving an utterance. It may sit above SpeechThreshold for
	// asymmetric tuning. Default 0.6.
	SilenceThreshold float64
	// MinSpeechDurationMs gates the Stopped transition: an utterance must
	// run at least this long before silence can end it. Default 500.
	MinSpeechDurationMs int
	// ForceStopTimeoutMs caps utterance length; reaching it ends the
	// segment with ForceStop set. Default 2000.
	ForceStopTimeoutMs int
	// Device selects the classifier backend, "cpu" or "gpu".
	Device string
	// SampleRate is 8000 or 16000; it fixes the chunk size at 256 or 512
	// samples respectively.
	SampleRate int
}

// DefaultConfig returns the stock tuning for 16 kHz input.
func DefaultConfig() Config {
	return Config{
		SpeechThreshold:     0.5,
		SilenceThreshold:    0.6,
		MinSpeechDurationMs: 500,
		ForceStopTimeoutMs:  2000,
		Device:              "cpu",
		SampleRate:          16000,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.SampleRate != 8000 && c.SampleRate != 16000 {
		return fmt.Errorf("vad: sample rate must be 8000 or 16000, got %d", c.SampleRate)
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		return fmt.Errorf("vad: speech threshold %.3f outside [0,1]", c.SpeechThreshold)
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > 1 {
		return fmt.Errorf("vad: silence threshold %.3f outside [0,1]", c.SilenceThreshold)
	}
	if c.MinSpeechDurationMs < 0 {
		return fmt.Errorf("vad: min speech duration must be >= 0, got %d", c.MinSpeechDurationMs)
	}
	if c.ForceStopTimeoutMs <= 0 {
		return fmt.Errorf("vad: force stop timeout must be > 0, got %d", c.ForceStopTimeoutMs)
	}
	if c.Device != "" && c.Device != "cpu" && c.Device != "gpu" {
		return fmt.Errorf("vad: device must be cpu or gpu, got %q", c.Device)
	}
	return nil
}

// ChunkSize returns the fixed classifier frame size for the configured rate.
func (c Config) ChunkSize() int {
	if c.SampleRate == 8000 {
		return 256
	}
	return 512
}

// FrameDurationMs returns the duration one chunk covers (32 ms at both rates).
func (c Config) FrameDurationMs() int {
	return c.ChunkSize() * 1000 / c.SampleRate
}

// Result is the per-frame detection output.
type Result struct {
	Prob             float64
	IsSpeech         bool
	State            State
	ForceStop        bool
	SpeechDurationMs int
}

// Detector runs the speech hysteresis state machine over classifier scores.
// An utterance begins tentatively on the first speech frame (Started),
// confirms on the second consecutive one (Active), and ends after three
// consecutive silence frames once the minimum duration has passed, or
// unconditionally at the force-stop timeout.
type Detector struct {
	cfg        Config
	classifier Classifier

	mu            sync.Mutex
	state         State
	silenceFrames int
	speechDurMs   int
	pending       []float32
}

// NewDetector validates cfg and builds a detector. A nil classifier selects
// the built-in EnergyClassifier.
func NewDetector(cfg Config, classifier Classifier) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if classifier == nil {
		classifier = NewEnergyClassifier()
	}
	return &Detector{
		cfg:        cfg,
		classifier: classifier,
		state:      StateIdle,
	}, nil
}

// Config returns the detector's configuration.
func (d *Detector) Config() Config {
	return d.cfg
}

// State returns the current machine state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Reset returns the machine to Idle, clears counters and any buffered
// samples, and resets the classifier.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = StateIdle
	d.silenceFrames = 0
	d.speechDurMs = 0
	d.pending = d.pending[:0]
	d.classifier.Reset()
}

// Push buffers arbitrary-length sample slices and evaluates every complete
// chunk, returning one Result per chunk in order. Leftover samples stay
// buffered for the next call.
func (d *Detector) Push(samples []float32) ([]Result, error) {
	d.mu.Lock()
	d.pending = append(d.pending, samples...)
	size := d.cfg.ChunkSize()

	var frames [][]float32
	for len(d.pending) >= size {
		frame := make([]float32, size)
		copy(frame, d.pending[:size])
		d.pending = d.pending[size:]
		frames = append(frames, frame)
	}
	d.mu.Unlock()

	var results []Result
	for _, frame := range frames {
		r, err := d.Process(frame)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

// Process evaluates exactly one chunk-sized frame and advances the state
// machine.
func (d *Detector) Process(frame []float32) (Result, error) {
	if len(frame) != d.cfg.ChunkSize() {
		return Result{}, fmt.Errorf("vad: frame has %d samples, expected %d for %d Hz",
			len(frame), d.cfg.ChunkSize(), d.cfg.SampleRate)
	}

	prob, err := d.classifier.Score(frame, d.cfg.SampleRate)
	if err != nil {
		return Result{}, fmt.Errorf("vad: classify frame: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Stopped is transitional: the frame after it starts over from Idle.
	if d.state == StateStopped {
		d.state = StateIdle
		d.silenceFrames = 0
		d.speechDurMs = 0
	}

	prev := d.state
	forceStop := false
	frameMs := d.cfg.FrameDurationMs()

	switch d.state {
	case StateIdle:
		if prob >= d.cfg.SpeechThreshold {
			d.state = StateStarted
			d.speechDurMs = frameMs
			d.silenceFrames = 0
		}

	case StateStarted:
		if prob >= d.cfg.SpeechThreshold {
			d.state = StateActive
			d.speechDurMs += frameMs
		} else {
			// False start: the second confirming frame never came.
			d.state = StateIdle
			d.speechDurMs = 0
		}

	case StateActive:
		d.speechDurMs += frameMs
		if prob <= d.cfg.SilenceThreshold {
			d.silenceFrames++
		} else {
			d.silenceFrames = 0
		}

		switch {
		case d.silenceFrames >= framesToConfirmStop && d.speechDurMs >= d.cfg.MinSpeechDurationMs:
			d.state = StateStopped
		case d.speechDurMs >= d.cfg.ForceStopTimeoutMs:
			d.state = StateStopped
			forceStop = true
		}
	}

	if prev != d.state {
		logger.Base().Debug("VAD state transition",
			zap.String("from", prev.String()),
			zap.String("to", d.state.String()),
			zap.Float64("prob", prob),
			zap.Int("speech_duration_ms", d.speechDurMs),
			zap.Bool("force_stop", forceStop))
	}

	return Result{
		Prob:             prob,
		IsSpeech:         d.state == StateStarted || d.state == StateActive,
		State:            d.state,
		ForceStop:        forceStop,
		SpeechDurationMs: d.speechDurMs,
	}, nil
}
