package audio

import "fmt"

// Encoding names a wire audio encoding in the normalized vocabulary.
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm16"
	EncodingMulaw Encoding = "mulaw"
)

// Format describes the media format negotiated for a call. It is captured
// once at session initiate and stays invariant for the call's lifetime.
type Format struct {
	Encoding   Encoding `json:"encoding"`
	SampleRate int      `json:"sample_rate"`
	Channels   int      `json:"channels"`
}

// Validate checks the format against what the bridge can carry: mono
// pcm16 at 8/16/24 kHz, or mono mulaw at 8 kHz.
func (f Format) Validate() error {
	switch f.Encoding {
	case EncodingPCM16, EncodingMulaw:
	default:
		return fmt.Errorf("%w: encoding %q", ErrInvalidFormat, f.Encoding)
	}
	if !supportedRate(f.SampleRate) {
		return fmt.Errorf("%w: %d", ErrUnsupportedRate, f.SampleRate)
	}
	if f.Encoding == EncodingMulaw && f.SampleRate != Rate8k {
		return fmt.Errorf("%w: mulaw requires 8000 Hz, got %d", ErrUnsupportedRate, f.SampleRate)
	}
	if f.Channels != 1 {
		return fmt.Errorf("%w: %d channels (mono only)", ErrInvalidFormat, f.Channels)
	}
	return nil
}

func (f Format) String() string {
	return fmt.Sprintf("%s/%d/%d", f.Encoding, f.SampleRate, f.Channels)
}
