package audio

import "math"

const resampleTaps = 31

// Resample converts 16-bit LE PCM from srcRate to dstRate using linear
// interpolation guarded by a windowed-sinc anti-aliasing filter. The input
// is returned unchanged when the rates already match.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}

	samples := pcmToFloat32(pcm)
	cutoff := float64(min(srcRate, dstRate)) / 2.0

	// Downsampling removes content above the new Nyquist before
	// interpolation; upsampling removes imaging artifacts after.
	if srcRate > dstRate {
		samples = firLowPass(samples, cutoff, float64(srcRate))
	}

	ratio := float64(srcRate) / float64(dstRate)
	outLen := int(float64(len(samples)) / ratio)
	out := make([]float32, outLen)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		out[i] = lerp(samples, idx, float32(pos-float64(idx)))
	}

	if dstRate > srcRate {
		out = firLowPass(out, cutoff, float64(dstRate))
	}

	return float32ToPCM(out)
}

func lerp(samples []float32, idx int, frac float32) float32 {
	if idx+1 >= len(samples) {
		return samples[len(samples)-1]
	}
	return samples[idx]*(1-frac) + samples[idx+1]*frac
}

// firLowPass convolves with a Blackman-windowed sinc kernel. Taps falling
// outside the input range contribute nothing.
func firLowPass(samples []float32, cutoff, sampleRate float64) []float32 {
	kernel := blackmanSinc(cutoff, sampleRate, resampleTaps)
	half := resampleTaps / 2
	out := make([]float32, len(samples))

	for i := range samples {
		lo := max(0, half-i)
		hi := min(resampleTaps, len(samples)-i+half)
		var acc float32
		for j := lo; j < hi; j++ {
			acc += samples[i+j-half] * kernel[j]
		}
		out[i] = acc
	}

	return out
}

func blackmanSinc(cutoff, sampleRate float64, taps int) []float32 {
	fc := cutoff / sampleRate
	half := taps / 2
	kernel := make([]float32, taps)

	var sum float64
	for i := range taps {
		n := float64(i - half)
		sinc := 1.0
		if n != 0 {
			x := 2.0 * math.Pi * fc * n
			sinc = math.Sin(x) / x
		}
		w := 0.42 - 0.5*math.Cos(2.0*math.Pi*float64(i)/float64(taps-1)) +
			0.08*math.Cos(4.0*math.Pi*float64(i)/float64(taps-1))
		v := sinc * w
		kernel[i] = float32(v)
		sum += v
	}

	// Unity gain at DC.
	scale := float32(1.0 / sum)
	for i := range kernel {
		kernel[i] *= scale
	}

	return kernel
}
