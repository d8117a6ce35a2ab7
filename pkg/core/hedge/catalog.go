// Package hedge selects short filler utterances that mask AI response
// latency. Selection is deterministic: a fixed filter funnel narrows the
// catalog and a round-robin cursor picks from what remains, so identical
// call histories always play identical fillers.
package hedge

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/voxlane/callcore/pkg/core/audio"
)

// PrincipleApology tags clips reserved for the AI-silence fallback
// utterance. They never surface through normal hedge selection.
const PrincipleApology = "apology"

// Clip is one immutable filler utterance.
type Clip struct {
	ID         string
	Name       string
	Audio      []byte // 16-bit LE PCM
	SampleRate int
	Duration   time.Duration
	Languages  []string
	Principles []string
	Profiles   []string
}

func (c *Clip) hasLanguage(lang string) bool {
	return slices.Contains(c.Languages, lang)
}

func (c *Clip) hasPrinciple(p string) bool {
	return slices.Contains(c.Principles, p)
}

func (c *Clip) hasProfile(p string) bool {
	return slices.Contains(c.Profiles, p)
}

func (c *Clip) isApology() bool {
	return c.hasPrinciple(PrincipleApology)
}

// Catalog is the read-only filler library, built once at startup and shared
// by every call without further synchronization.
type Catalog struct {
	fillers   []*Clip // insertion order, apology clips excluded
	apologies []*Clip
}

// NewCatalog validates clips and builds the library. Clip order is
// preserved: the round-robin pick in Engine depends on a stable order.
func NewCatalog(clips []Clip) (*Catalog, error) {
	cat := &Catalog{}
	for i := range clips {
		c := clips[i]
		if c.ID == "" {
			return nil, fmt.Errorf("clip %d: missing id", i)
		}
		if len(c.Audio) < 2 {
			return nil, fmt.Errorf("clip %s: empty audio", c.ID)
		}
		if c.SampleRate <= 0 {
			return nil, fmt.Errorf("clip %s: invalid sample rate %d", c.ID, c.SampleRate)
		}
		if len(c.Languages) == 0 {
			return nil, fmt.Errorf("clip %s: no languages", c.ID)
		}
		if c.Duration == 0 {
			f := audio.Format{SampleRate: c.SampleRate, Channels: 1, BitsPerSample: 16}
			c.Duration = f.Duration(len(c.Audio))
		}
		if c.isApology() {
			cat.apologies = append(cat.apologies, &c)
		} else {
			cat.fillers = append(cat.fillers, &c)
		}
	}
	return cat, nil
}

// Size returns the number of clips, fillers plus apologies.
func (c *Catalog) Size() int {
	return len(c.fillers) + len(c.apologies)
}

func (c *Catalog) fillersFor(lang string) []*Clip {
	return byLanguage(c.fillers, lang)
}

func (c *Catalog) apologiesFor(lang string) []*Clip {
	return byLanguage(c.apologies, lang)
}

func byLanguage(clips []*Clip, lang string) []*Clip {
	var out []*Clip
	for _, c := range clips {
		if c.hasLanguage(lang) {
			out = append(out, c)
		}
	}
	return out
}

// ErrNoCandidate means no clip passed the language filter. Playing a clip
// in the wrong language is worse than playing nothing, so callers skip the
// hedge entirely.
var ErrNoCandidate = errors.New("hedge: no candidate clip")
