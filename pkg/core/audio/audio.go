// Package audio provides the PCM primitives shared by both call legs:
// format math, G.711 transcoding, sample-rate conversion, and the
// energy-based speech detector that drives turn taking and barge-in.
//
// All PCM in this package is 16-bit signed little-endian mono unless a
// Format says otherwise.
package audio

import (
	"math"
	"time"
)

// Common sample rates across the call path.
const (
	TelephonyRate = 8000
	AIInputRate   = 16000
	AIOutputRate  = 24000
	BrowserRate   = 48000
)

// Format describes the raw PCM framing of one leg.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// TelephonyFormat returns the carrier-side format (8 kHz mono PCM16).
func TelephonyFormat() Format {
	return Format{SampleRate: TelephonyRate, Channels: 1, BitsPerSample: 16}
}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * (f.BitsPerSample / 8)
}

// Duration returns the play time of a payload of the given size.
func (f Format) Duration(bytes int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(bytes) * time.Second / time.Duration(bps)
}

// BytesFor returns the payload size for the given play time.
func (f Format) BytesFor(d time.Duration) int {
	return int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
}

// RMSEnergy computes the root-mean-square energy of 16-bit LE PCM,
// normalized to 0.0..1.0.
func RMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum / float64(samples))
}

// EnergyDB converts frame energy to decibels relative to full scale.
// Silence and empty frames report -100 dB.
func EnergyDB(pcm []byte) float64 {
	rms := RMSEnergy(pcm)
	if rms < 1e-10 {
		return -100
	}
	return 20 * math.Log10(rms)
}

func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		out[i] = float32(s) / 32768.0
	}
	return out
}

func float32ToPCM(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := s * 32767.0
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		u := uint16(int16(v))
		out[2*i] = byte(u)
		out[2*i+1] = byte(u >> 8)
	}
	return out
}
