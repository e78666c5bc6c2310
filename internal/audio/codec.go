package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Supported PCM16 sample rates for the bridge media path.
const (
	Rate8k  = 8000
	Rate16k = 16000
	Rate24k = 24000
)

var (
	// ErrInvalidFormat means a buffer is not valid PCM16 (odd byte length).
	ErrInvalidFormat = errors.New("audio: invalid PCM16 buffer")
	// ErrUnsupportedRate means a sample rate outside {8000, 16000, 24000}.
	ErrUnsupportedRate = errors.New("audio: unsupported sample rate")
)

func supportedRate(rate int) bool {
	return rate == Rate8k || rate == Rate16k || rate == Rate24k
}

// Resample converts PCM16 LE mono audio between the supported rates using
// linear interpolation. The output sample count is rounded to nearest with
// ties to even, so a 16k→24k→16k round trip stays within one sample of the
// original duration.
func Resample(pcm []byte, srcRate, dstRate int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrInvalidFormat
	}
	if !supportedRate(srcRate) || !supportedRate(dstRate) {
		return nil, fmt.Errorf("%w: %d -> %d", ErrUnsupportedRate, srcRate, dstRate)
	}
	if srcRate == dstRate {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out, nil
	}

	src := BytesToSamples(pcm)
	n := len(src)
	outN := int(math.RoundToEven(float64(n) * float64(dstRate) / float64(srcRate)))
	out := make([]int16, outN)
	if outN == 0 || n == 0 {
		return SamplesToBytes(out), nil
	}

	step := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= n-1 {
			out[i] = src[n-1]
			continue
		}
		frac := pos - float64(idx)
		v := float64(src[idx])*(1-frac) + float64(src[idx+1])*frac
		out[i] = int16(math.Round(v))
	}
	return SamplesToBytes(out), nil
}

// Chunk splits PCM16 audio into fixed-duration frames. The trailing partial
// frame, if any, is zero-padded to the full frame size.
func Chunk(pcm []byte, frameMs, rate int) ([][]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrInvalidFormat
	}
	if !supportedRate(rate) {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedRate, rate)
	}
	if frameMs <= 0 {
		return nil, fmt.Errorf("audio: frame duration must be positive, got %dms", frameMs)
	}

	frameBytes := rate * frameMs / 1000 * 2
	if frameBytes == 0 {
		return nil, fmt.Errorf("audio: frame of %dms at %dHz is empty", frameMs, rate)
	}

	var frames [][]byte
	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		frame := make([]byte, frameBytes)
		if end > len(pcm) {
			copy(frame, pcm[off:])
		} else {
			copy(frame, pcm[off:end])
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// Concat joins buffers into one.
func Concat(bufs ...[]byte) []byte {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}

// DurationMs returns the duration of a PCM16 mono buffer in milliseconds.
func DurationMs(pcm []byte, rate int) (float64, error) {
	if len(pcm)%2 != 0 {
		return 0, ErrInvalidFormat
	}
	if !supportedRate(rate) {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedRate, rate)
	}
	samples := len(pcm) / 2
	return float64(samples) * 1000.0 / float64(rate), nil
}

// BytesToSamples decodes PCM16 LE bytes into int16 samples.
// The byte length must be even; odd trailing bytes are dropped.
func BytesToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

// SamplesToBytes encodes int16 samples as PCM16 LE bytes.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// SamplesToFloat32 converts PCM16 LE bytes to normalized float32 samples in
// [-1, 1], the input format of the VAD classifier.
func SamplesToFloat32(pcm []byte) []float32 {
	samples := BytesToSamples(pcm)
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// EncodeBase64 returns the standard base64 encoding of raw audio bytes.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 decodes standard base64 audio payloads.
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	return b, nil
}
