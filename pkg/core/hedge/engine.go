package hedge

// Criteria is the call context the funnel filters on.
type Criteria struct {
	// Language is the detected conversation language. The language filter
	// is a hard gate and is never skipped.
	Language string

	// Principle is the persuasion principle currently in play, if any.
	Principle string

	// Profile is the client profile tag, if any.
	Profile string
}

// Engine performs filler selection for one call. It remembers the
// round-robin cursor and the last clip played, so repeated hedges on the
// same call rotate through the candidate set instead of repeating. Not safe
// for concurrent use; each call owns one engine driven by its bridge loop.
type Engine struct {
	catalog    *Catalog
	cursor     int
	lastPlayed string
}

// NewEngine creates an engine over the shared catalog.
func NewEngine(catalog *Catalog) *Engine {
	return &Engine{catalog: catalog}
}

// Select runs the funnel: language (hard), principle (soft), profile
// (soft), anti-repetition, then a round-robin pick. Soft stages fall back
// to the previous candidate set when they would empty it.
func (e *Engine) Select(c Criteria) (*Clip, error) {
	candidates := e.catalog.fillersFor(c.Language)
	if len(candidates) == 0 {
		return nil, ErrNoCandidate
	}

	if c.Principle != "" {
		if narrowed := filterClips(candidates, func(cl *Clip) bool { return cl.hasPrinciple(c.Principle) }); len(narrowed) > 0 {
			candidates = narrowed
		}
	}
	if c.Profile != "" {
		if narrowed := filterClips(candidates, func(cl *Clip) bool { return cl.hasProfile(c.Profile) }); len(narrowed) > 0 {
			candidates = narrowed
		}
	}

	return e.pick(candidates), nil
}

// SelectFallback picks the apology utterance played when the AI stays
// silent past the turn ceiling. Unlike Select, the apology tag is a hard
// filter: a generic filler is not an apology.
func (e *Engine) SelectFallback(language string) (*Clip, error) {
	candidates := e.catalog.apologiesFor(language)
	if len(candidates) == 0 {
		return nil, ErrNoCandidate
	}
	return e.pick(candidates), nil
}

func (e *Engine) pick(candidates []*Clip) *Clip {
	if len(candidates) > 1 && e.lastPlayed != "" {
		fresh := filterClips(candidates, func(cl *Clip) bool { return cl.ID != e.lastPlayed })
		if len(fresh) > 0 {
			candidates = fresh
		}
	}

	clip := candidates[e.cursor%len(candidates)]
	e.cursor++
	e.lastPlayed = clip.ID
	return clip
}

func filterClips(clips []*Clip, keep func(*Clip) bool) []*Clip {
	var out []*Clip
	for _, c := range clips {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}
