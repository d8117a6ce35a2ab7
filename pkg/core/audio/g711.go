package audio

const (
	muLawBias = 0x84
	muLawClip = 32635
)

var muLawToLinear [256]int16

func init() {
	for i := range 256 {
		muLawToLinear[i] = expandMuLaw(byte(i))
	}
}

func expandMuLaw(b byte) int16 {
	b = ^b
	sign := int16(1)
	if b&0x80 != 0 {
		sign = -1
		b &= 0x7F
	}
	exponent := int16((b >> 4) & 0x07)
	mantissa := int16(b & 0x0F)
	sample := (mantissa<<3 + muLawBias) << exponent
	return sign * (sample - muLawBias)
}

func compressMuLaw(s int16) byte {
	var sign byte
	v := int32(s)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias

	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && v&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(v>>(exponent+3)) & 0x0F

	return ^(sign | exponent<<4 | mantissa)
}

// DecodeMuLaw expands G.711 mu-law bytes into 16-bit LE PCM.
func DecodeMuLaw(data []byte) []byte {
	out := make([]byte, len(data)*2)
	for i, b := range data {
		s := uint16(muLawToLinear[b])
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

// EncodeMuLaw compresses 16-bit LE PCM into G.711 mu-law bytes.
// A trailing odd byte is ignored.
func EncodeMuLaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		s := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		out[i] = compressMuLaw(s)
	}
	return out
}
