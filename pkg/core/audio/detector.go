package audio

import "time"

// DetectorConfig tunes the energy-based speech detector.
type DetectorConfig struct {
	// ThresholdDB is the frame energy at or above which a frame counts as
	// speech. Typical telephony values sit around -40..-30 dBFS.
	ThresholdDB float64

	// Hangover is how much trailing silence closes a speech burst. Frames
	// inside the hangover window still count as speech so word gaps do not
	// split a turn.
	Hangover time.Duration

	// MinBurst discards bursts shorter than this as noise: no end-of-speech
	// edge is reported for them.
	MinBurst time.Duration
}

// DefaultDetectorConfig returns thresholds tuned for 8 kHz carrier audio.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		ThresholdDB: -35,
		Hangover:    600 * time.Millisecond,
		MinBurst:    120 * time.Millisecond,
	}
}

// Classification is the detector's verdict for a single frame.
type Classification struct {
	// Speech marks the frame as voice (or hangover) rather than silence.
	Speech bool

	// Started is set on the first frame of a new burst.
	Started bool

	// Ended is set once per burst, on the frame whose silence closed it.
	Ended bool

	// Burst is the active-speech span of the closed burst. Only set
	// together with Ended.
	Burst time.Duration
}

// SpeechDetector tracks speech/silence edges over a stream of PCM frames.
// The caller supplies frame timestamps, so detection is deterministic and
// durations stay tied to observed media. Not safe for concurrent use; each
// leg owns its own detector.
type SpeechDetector struct {
	cfg        DetectorConfig
	inBurst    bool
	burstStart time.Time
	lastSpeech time.Time
}

// NewSpeechDetector creates a detector with the given thresholds.
func NewSpeechDetector(cfg DetectorConfig) *SpeechDetector {
	return &SpeechDetector{cfg: cfg}
}

// Process classifies one frame observed at the given time.
func (d *SpeechDetector) Process(pcm []byte, now time.Time) Classification {
	if EnergyDB(pcm) >= d.cfg.ThresholdDB {
		c := Classification{Speech: true}
		if !d.inBurst {
			d.inBurst = true
			d.burstStart = now
			c.Started = true
		}
		d.lastSpeech = now
		return c
	}

	if !d.inBurst {
		return Classification{}
	}

	if now.Sub(d.lastSpeech) < d.cfg.Hangover {
		return Classification{Speech: true}
	}

	d.inBurst = false
	burst := d.lastSpeech.Sub(d.burstStart)
	if burst < d.cfg.MinBurst {
		return Classification{}
	}
	return Classification{Ended: true, Burst: burst}
}

// Reset abandons any open burst, for example when a turn is cut short by an
// interrupt being cleared.
func (d *SpeechDetector) Reset() {
	d.inBurst = false
}
