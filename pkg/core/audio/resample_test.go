package audio

import (
	"math"
	"testing"
)

func sineFrame(freq float64, rate, n int, amplitude float64) []byte {
	samples := make([]int16, n)
	for i := range samples {
		v := amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
		samples[i] = int16(v * 32767)
	}
	return pcmFromSamples(samples)
}

func TestResampleLengths(t *testing.T) {
	tests := []struct {
		name     string
		srcRate  int
		dstRate  int
		inBytes  int
		outBytes int
	}{
		{name: "telephony to ai input", srcRate: 8000, dstRate: 16000, inBytes: 320, outBytes: 640},
		{name: "ai output to telephony", srcRate: 24000, dstRate: 8000, inBytes: 960, outBytes: 320},
		{name: "browser to ai input", srcRate: 48000, dstRate: 16000, inBytes: 1920, outBytes: 640},
		{name: "identity", srcRate: 8000, dstRate: 8000, inBytes: 320, outBytes: 320},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := sineFrame(400, tt.srcRate, tt.inBytes/2, 0.5)
			out := Resample(in, tt.srcRate, tt.dstRate)
			if len(out) != tt.outBytes {
				t.Errorf("expected %d bytes out, got %d", tt.outBytes, len(out))
			}
		})
	}
}

func TestResampleIdentityIsPassthrough(t *testing.T) {
	in := sineFrame(400, 8000, 160, 0.5)
	out := Resample(in, 8000, 8000)
	if &in[0] != &out[0] {
		t.Error("matching rates should return the input unchanged")
	}
}

func TestResampleSilence(t *testing.T) {
	in := make([]byte, 640)
	out := Resample(in, 16000, 8000)
	if rms := RMSEnergy(out); rms > 0.001 {
		t.Errorf("silence should stay silent, got RMS %.4f", rms)
	}
}

func TestResamplePreservesTone(t *testing.T) {
	// A 400 Hz tone sits well under every Nyquist bound involved, so its
	// energy should survive both directions within filter tolerance.
	tests := []struct {
		name    string
		srcRate int
		dstRate int
	}{
		{name: "upsample 8k to 16k", srcRate: 8000, dstRate: 16000},
		{name: "downsample 24k to 8k", srcRate: 24000, dstRate: 8000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := tt.srcRate / 10 // 100ms
			in := sineFrame(400, tt.srcRate, n, 0.5)
			out := Resample(in, tt.srcRate, tt.dstRate)

			inRMS := RMSEnergy(in)
			outRMS := RMSEnergy(out)
			if math.Abs(inRMS-outRMS) > 0.05 {
				t.Errorf("tone energy drifted: in %.3f, out %.3f", inRMS, outRMS)
			}
		})
	}
}
