package audio

// G.711 mu-law transcoding for the telephony leg. Carriers deliver
// mulaw/8000 frames; the model side only speaks PCM16.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// MulawToPCM16 expands 8-bit mu-law samples to PCM16 LE. Every input byte
// is a valid mu-law code, so this cannot fail.
func MulawToPCM16(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*2)
	for i, m := range mulaw {
		s := mulawDecode(m)
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

// PCM16ToMulaw compresses PCM16 LE samples to 8-bit mu-law.
// Returns ErrInvalidFormat on an odd-length buffer.
func PCM16ToMulaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrInvalidFormat
	}
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		out[i] = mulawEncode(s)
	}
	return out, nil
}

func mulawEncode(sample int16) byte {
	var sign byte
	v := int32(sample)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); (v&mask) == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((v >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

func mulawDecode(code byte) int16 {
	code = ^code
	sign := code & 0x80
	exponent := (code >> 4) & 0x07
	mantissa := code & 0x0F

	v := ((int32(mantissa) << 3) + mulawBias) << exponent
	v -= mulawBias
	if sign != 0 {
		return int16(-v)
	}
	return int16(v)
}
