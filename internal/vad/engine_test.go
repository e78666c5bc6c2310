package vad

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedClassifier returns a fixed probability sequence regardless of
// frame content, repeating the last entry once exhausted.
type scriptedClassifier struct {
	probs  []float64
	next   int
	resets int
}

func (s *scriptedClassifier) Score(frame []float32, sampleRate int) (float64, error) {
	i := s.next
	if i >= len(s.probs) {
		i = len(s.probs) - 1
	}
	s.next++
	return s.probs[i], nil
}

func (s *scriptedClassifier) Reset() {
	s.next = 0
	s.resets++
}

// newTestDetector builds a 16 kHz detector with the stop-duration gate
// disabled so short scripted sequences can reach Stopped.
func newTestDetector(t *testing.T, probs ...float64) (*Detector, *scriptedClassifier) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MinSpeechDurationMs = 0
	cls := &scriptedClassifier{probs: probs}
	d, err := NewDetector(cfg, cls)
	require.NoError(t, err)
	return d, cls
}

func frameOf(d *Detector) []float32 {
	return make([]float32, d.Config().ChunkSize())
}

func runSequence(t *testing.T, d *Detector, n int) []Result {
	t.Helper()
	out := make([]Result, 0, n)
	for i := 0; i < n; i++ {
		r, err := d.Process(frameOf(d))
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func TestDetectorSpeechCycle(t *testing.T) {
	// Canonical hysteresis walk: first speech frame is a tentative start,
	// the second confirms, three silence frames end the segment.
	d, _ := newTestDetector(t, 0.9, 0.9, 0.1, 0.1, 0.1)
	require.Equal(t, StateIdle, d.State())

	results := runSequence(t, d, 5)
	got := make([]State, len(results))
	for i, r := range results {
		got[i] = r.State
	}
	assert.Equal(t, []State{StateStarted, StateActive, StateActive, StateActive, StateStopped}, got)

	assert.True(t, results[0].IsSpeech)
	assert.True(t, results[1].IsSpeech)
	assert.False(t, results[4].IsSpeech)
	assert.False(t, results[4].ForceStop, "silence stop is not a forced stop")
}

func TestDetectorStoppedIsTransitional(t *testing.T) {
	d, _ := newTestDetector(t, 0.9, 0.9, 0.1, 0.1, 0.1, 0.9)
	results := runSequence(t, d, 6)

	require.Equal(t, StateStopped, results[4].State)
	// The frame after Stopped starts a fresh cycle from Idle.
	assert.Equal(t, StateStarted, results[5].State)
	assert.Equal(t, d.Config().FrameDurationMs(), results[5].SpeechDurationMs)
}

func TestDetectorHoldsActiveUntilMinDuration(t *testing.T) {
	// With the default 500 ms gate, 5 frames (160 ms) of audio cannot
	// reach Stopped even after three consecutive silence frames.
	cls := &scriptedClassifier{probs: []float64{0.9, 0.9, 0.1, 0.1, 0.1}}
	d, err := NewDetector(DefaultConfig(), cls)
	require.NoError(t, err)

	results := runSequence(t, d, 5)
	last := results[4]
	assert.Equal(t, StateActive, last.State)
	assert.False(t, last.ForceStop)
}

func TestDetectorForceStopTimeout(t *testing.T) {
	// Uninterrupted speech must be cut at ForceStopTimeoutMs. At 32 ms
	// per frame the 2000 ms default trips on frame 63.
	d, _ := newTestDetector(t, 0.9)

	results := runSequence(t, d, 63)
	for i := 1; i < 62; i++ {
		require.Equal(t, StateActive, results[i].State, "frame %d", i)
	}
	last := results[62]
	assert.Equal(t, StateStopped, last.State)
	assert.True(t, last.ForceStop)
	assert.GreaterOrEqual(t, last.SpeechDurationMs, 2000)
}

func TestDetectorFalseStartReturnsToIdle(t *testing.T) {
	d, _ := newTestDetector(t, 0.9, 0.1)
	results := runSequence(t, d, 2)

	assert.Equal(t, StateStarted, results[0].State)
	assert.Equal(t, StateIdle, results[1].State)
	assert.False(t, results[1].IsSpeech)
	assert.Zero(t, results[1].SpeechDurationMs)
}

func TestDetectorSilenceCounterResetsOnSpeech(t *testing.T) {
	// Two silence frames followed by speech must restart the stop count.
	d, _ := newTestDetector(t, 0.9, 0.9, 0.1, 0.1, 0.9, 0.1, 0.1)
	results := runSequence(t, d, 7)

	// Only two consecutive silence frames at the tail: still Active.
	assert.Equal(t, StateActive, results[6].State)
}

func TestDetectorReset(t *testing.T) {
	d, cls := newTestDetector(t, 0.9, 0.9)
	runSequence(t, d, 2)
	require.Equal(t, StateActive, d.State())

	d.Reset()
	assert.Equal(t, StateIdle, d.State())
	assert.Equal(t, 1, cls.resets)
}

func TestDetectorPushBuffersPartialChunks(t *testing.T) {
	d, _ := newTestDetector(t, 0.9)

	// 300 samples is less than the 512-sample chunk: nothing to score yet.
	results, err := d.Push(make([]float32, 300))
	require.NoError(t, err)
	assert.Empty(t, results)

	// 300 more completes one chunk with 88 samples left over.
	results, err = d.Push(make([]float32, 300))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StateStarted, results[0].State)

	// 424 more completes exactly the second chunk.
	results, err = d.Push(make([]float32, 424))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StateActive, results[0].State)
}

func TestDetectorRejectsWrongFrameSize(t *testing.T) {
	d, _ := newTestDetector(t, 0.9)
	_, err := d.Process(make([]float32, 100))
	assert.Error(t, err)
}

func TestConfigChunkSizes(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 512, cfg.ChunkSize())
	assert.Equal(t, 32, cfg.FrameDurationMs())

	cfg.SampleRate = 8000
	assert.Equal(t, 256, cfg.ChunkSize())
	assert.Equal(t, 32, cfg.FrameDurationMs())
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad sample rate", func(c *Config) { c.SampleRate = 44100 }},
		{"speech threshold too high", func(c *Config) { c.SpeechThreshold = 1.5 }},
		{"negative silence threshold", func(c *Config) { c.SilenceThreshold = -0.1 }},
		{"negative min duration", func(c *Config) { c.MinSpeechDurationMs = -1 }},
		{"zero force stop", func(c *Config) { c.ForceStopTimeoutMs = 0 }},
		{"unknown device", func(c *Config) { c.Device = "tpu" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
			_, err := NewDetector(cfg, nil)
			assert.Error(t, err)
		})
	}

	assert.NoError(t, DefaultConfig().Validate())
}

func TestNewDetectorDefaultsToEnergyClassifier(t *testing.T) {
	d, err := NewDetector(DefaultConfig(), nil)
	require.NoError(t, err)
	_, err = d.Process(make([]float32, 512))
	assert.NoError(t, err)
}

func TestEnergyClassifierTracksNoiseFloor(t *testing.T) {
	cls := NewEnergyClassifier()
	quiet := make([]float32, 512)
	loud := make([]float32, 512)
	for i := range loud {
		loud[i] = 0.5
	}

	// First frame only calibrates.
	p, err := cls.Score(quiet, 16000)
	require.NoError(t, err)
	assert.Zero(t, p)

	p, err = cls.Score(loud, 16000)
	require.NoError(t, err)
	assert.Greater(t, p, 0.9, "loud frame over a silent floor must score as speech")

	p, err = cls.Score(quiet, 16000)
	require.NoError(t, err)
	assert.Zero(t, p)
}

func TestEnergyClassifierRejectsBadInput(t *testing.T) {
	cls := NewEnergyClassifier()
	_, err := cls.Score(nil, 16000)
	assert.Error(t, err)
	_, err = cls.Score(make([]float32, 512), 44100)
	assert.Error(t, err)
}
