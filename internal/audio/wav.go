package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

// WriteWAV writes PCM16 LE audio to path as a standard RIFF/WAVE file.
// For channels > 1 the data must already be interleaved.
func WriteWAV(path string, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return ErrInvalidFormat
	}
	if channels < 1 || channels > 2 {
		return fmt.Errorf("audio: unsupported channel count %d", channels)
	}

	var buf bytes.Buffer
	writeWAVHeader(&buf, len(pcm), sampleRate, channels)
	buf.Write(pcm)
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func writeWAVHeader(buf *bytes.Buffer, dataLen, sampleRate, channels int) {
	blockAlign := channels * 2
	byteRate := sampleRate * blockAlign

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(16)) // bits per sample

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataLen))
}

// InterleaveStereo merges two mono PCM16 tracks into interleaved stereo with
// left on channel 0 and right on channel 1. The shorter track is padded with
// silence so no audio is truncated.
func InterleaveStereo(left, right []byte) ([]byte, error) {
	if len(left)%2 != 0 || len(right)%2 != 0 {
		return nil, ErrInvalidFormat
	}
	n := len(left)
	if len(right) > n {
		n = len(right)
	}
	out := make([]byte, n*2)
	for off := 0; off < n; off += 2 {
		if off+1 < len(left) {
			out[2*off] = left[off]
			out[2*off+1] = left[off+1]
		}
		if off+1 < len(right) {
			out[2*off+2] = right[off]
			out[2*off+3] = right[off+1]
		}
	}
	return out, nil
}

// ReadWAV parses a RIFF/WAVE file written by WriteWAV and returns the raw
// PCM16 payload with its sample rate and channel count. Used to rebuild the
// final stereo mix after a call ends.
func ReadWAV(path string) (pcm []byte, sampleRate, channels int, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, 0, err
	}
	if len(raw) < 12 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return nil, 0, 0, fmt.Errorf("audio: %s is not a WAVE file", path)
	}

	off := 12
	for off+8 <= len(raw) {
		id := string(raw[off : off+4])
		size := int(binary.LittleEndian.Uint32(raw[off+4 : off+8]))
		body := off + 8
		if body+size > len(raw) {
			size = len(raw) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, 0, fmt.Errorf("audio: short fmt chunk in %s", path)
			}
			format := binary.LittleEndian.Uint16(raw[body:])
			if format != 1 {
				return nil, 0, 0, fmt.Errorf("audio: %s is not PCM (format %d)", path, format)
			}
			channels = int(binary.LittleEndian.Uint16(raw[body+2:]))
			sampleRate = int(binary.LittleEndian.Uint32(raw[body+4:]))
		case "data":
			pcm = raw[body : body+size]
		}
		off = body + size
		if size%2 != 0 {
			off++ // RIFF chunks are word aligned
		}
	}

	if sampleRate == 0 || pcm == nil {
		return nil, 0, 0, fmt.Errorf("audio: %s is missing fmt or data chunk", path)
	}
	return pcm, sampleRate, channels, nil
}
