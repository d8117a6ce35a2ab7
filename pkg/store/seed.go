package store

import (
	"context"
	"math"
	"time"

	"github.com/voxlane/callcore/pkg/core/audio"
	"github.com/voxlane/callcore/pkg/core/hedge"
)

// Seed is the in-memory catalog used when no database is configured. The
// filler audio is synthesized placeholder tone; real deployments load
// recorded clips from Postgres.
type Seed struct {
	profile AgentProfile
}

// NewSeed builds the default development catalog.
func NewSeed() *Seed {
	return &Seed{
		profile: AgentProfile{
			ID:                "default",
			DisplayName:       "Development Agent",
			SystemInstruction: "You are a friendly phone agent. Keep answers short and conversational.",
			GreetingPolicy:    "speak_first",
			GreetingPrompt:    "Greet the caller and ask how you can help.",
			Language:          "en",
		},
	}
}

func (s *Seed) FillerClips(context.Context) ([]hedge.Clip, error) {
	return []hedge.Clip{
		seedClip("seed-chime-short", "chime short", 300*time.Millisecond, 440, nil),
		seedClip("seed-chime-long", "chime long", 500*time.Millisecond, 392, nil),
		seedClip("seed-chime-apology", "chime apology", 700*time.Millisecond, 330,
			[]string{hedge.PrincipleApology}),
	}, nil
}

// AgentProfile returns the default profile stamped with the requested id,
// so any agent id works against the seed.
func (s *Seed) AgentProfile(_ context.Context, agentID string) (AgentProfile, error) {
	p := s.profile
	if agentID != "" {
		p.ID = agentID
	}
	return p, nil
}

func seedClip(id, name string, d time.Duration, freq float64, principles []string) hedge.Clip {
	return hedge.Clip{
		ID:         id,
		Name:       name,
		Audio:      softTone(d, freq),
		SampleRate: audio.TelephonyRate,
		Languages:  []string{"en"},
		Principles: principles,
	}
}

// softTone renders a quiet sine with fade-in/out so the placeholder never
// clicks or startles on a phone line.
func softTone(d time.Duration, freq float64) []byte {
	samples := int(float64(audio.TelephonyRate) * d.Seconds())
	fade := samples / 8
	pcm := make([]byte, samples*2)
	for i := range samples {
		v := 0.08 * math.Sin(2*math.Pi*freq*float64(i)/float64(audio.TelephonyRate))
		switch {
		case i < fade:
			v *= float64(i) / float64(fade)
		case i > samples-fade:
			v *= float64(samples-i) / float64(fade)
		}
		s := int16(v * 32767)
		pcm[2*i] = byte(s)
		pcm[2*i+1] = byte(s >> 8)
	}
	return pcm
}
