package vad

import (
	"fmt"
	"math"
)

// Classifier scores a fixed-size float32 mono frame with a speech
// probability in [0, 1]. Implementations may keep internal state across
// frames; Reset clears it at segment boundaries.
type Classifier interface {
	Score(frame []float32, sampleRate int) (float64, error)
	Reset()
}

// EnergyClassifier is the built-in classifier: an adaptive RMS-energy
// heuristic that tracks the noise floor and scores frames by how far they
// rise above it. It needs no model assets, which keeps the detector usable
// in tests and on hosts without an inference runtime.
type EnergyClassifier struct {
	noiseFloor  float64
	initialized bool
}

// NewEnergyClassifier returns a classifier with an uncalibrated noise floor.
// The first frame calibrates it and always scores 0.
func NewEnergyClassifier() *EnergyClassifier {
	return &EnergyClassifier{}
}

func (c *EnergyClassifier) Score(frame []float32, sampleRate int) (float64, error) {
	if len(frame) == 0 {
		return 0, fmt.Errorf("vad: empty frame")
	}
	if sampleRate != 8000 && sampleRate != 16000 {
		return 0, fmt.Errorf("vad: unsupported sample rate %d (must be 8000 or 16000)", sampleRate)
	}

	rms := frameRMS(frame)
	if !c.initialized {
		c.noiseFloor = rms
		c.initialized = true
		return 0, nil
	}

	// Track the floor quickly downward and slowly upward so a long
	// utterance does not get absorbed into the baseline.
	if rms < c.noiseFloor {
		c.noiseFloor = 0.85*c.noiseFloor + 0.15*rms
	} else {
		c.noiseFloor = 0.999*c.noiseFloor + 0.001*rms
	}

	floor := c.noiseFloor
	if floor < 1e-4 {
		floor = 1e-4
	}

	// Map the energy ratio onto [0, 1]: at the floor the score is 0, at
	// four times the floor it saturates at 1.
	prob := (rms/floor - 1.0) / 3.0
	if prob < 0 {
		prob = 0
	}
	if prob > 1 {
		prob = 1
	}
	return prob, nil
}

func (c *EnergyClassifier) Reset() {
	c.noiseFloor = 0
	c.initialized = false
}

func frameRMS(frame []float32) float64 {
	var sumSquares float64
	for _, s := range frame {
		sumSquares += float64(s) * float64(s)
	}
	return math.Sqrt(sumSquares / float64(len(frame)))
}
