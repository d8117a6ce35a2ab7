// Package prime manages the per-agent AI priming cache: large static agent
// context (system instruction plus knowledge documents) uploaded once per
// process and attached to every live session by handle.
package prime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxlane/callcore/pkg/metrics"
)

// ErrNotApplicable means the agent context is too small to be worth
// caching. Callers proceed without a handle; this is not a failure.
var ErrNotApplicable = errors.New("prime: content below caching minimum")

// Remote is the upstream cached-content API. Implementations must be safe
// for concurrent use.
type Remote interface {
	// Create uploads content and returns an opaque handle.
	Create(ctx context.Context, c Content) (string, error)
	// Refresh extends the remote TTL of a handle.
	Refresh(ctx context.Context, handle string) error
	// Delete removes a handle upstream.
	Delete(ctx context.Context, handle string) error
}

// Content is the combined agent context sent upstream. The instruction
// travels separately from Body so the remote can treat it as the system
// role; size accounting covers both.
type Content struct {
	AgentID           string
	SystemInstruction string
	KnowledgeDocs     []string
	// Padding is how many deterministic filler bytes Body carries to reach
	// the remote minimum.
	Padding int
	// Body is the document text plus padding.
	Body string
}

// Config tunes the cache.
type Config struct {
	// MinContentBytes is the floor of real content below which caching is
	// skipped entirely.
	MinContentBytes int

	// RemoteMinBytes is the upstream minimum cacheable size. Content
	// between the floor and this bound is padded deterministically.
	RemoteMinBytes int

	// CreateTimeout bounds one remote creation.
	CreateTimeout time.Duration

	// RefreshTimeout bounds one TTL refresh.
	RefreshTimeout time.Duration
}

// Entry is one live handle. Fingerprint is diagnostic only.
type Entry struct {
	Handle      string
	CreatedAt   time.Time
	LastRefresh time.Time
	Fingerprint string
}

type inflight struct {
	done   chan struct{}
	handle string
	err    error
}

// Cache maps agent ids to remote cache handles. It guarantees at most one
// remote creation per agent per process lifetime, however many calls arrive
// at once: concurrent first calls share a single in-flight creation.
type Cache struct {
	remote Remote
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	entries  map[string]*Entry
	building map[string]*inflight
}

// NewCache creates an empty cache over the given remote.
func NewCache(remote Remote, cfg Config, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		remote:   remote,
		cfg:      cfg,
		logger:   logger,
		entries:  make(map[string]*Entry),
		building: make(map[string]*inflight),
	}
}

// GetOrCreate returns the agent's handle, creating it remotely if this is
// the first call for the agent. Losers of the creation race wait for the
// winner's result instead of issuing their own upload. A hit also kicks off
// a background TTL refresh; refresh failures are logged and ignored.
func (c *Cache) GetOrCreate(ctx context.Context, agentID, systemInstruction string, knowledgeDocs []string) (string, error) {
	c.mu.Lock()
	if e, ok := c.entries[agentID]; ok {
		handle := e.Handle
		c.mu.Unlock()
		metrics.CacheHits.Inc()
		go c.refresh(agentID, handle)
		return handle, nil
	}
	if fl, ok := c.building[agentID]; ok {
		c.mu.Unlock()
		select {
		case <-fl.done:
			return fl.handle, fl.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	fl := &inflight{done: make(chan struct{})}
	c.building[agentID] = fl
	c.mu.Unlock()

	handle, err := c.create(ctx, agentID, systemInstruction, knowledgeDocs)

	c.mu.Lock()
	delete(c.building, agentID)
	if err == nil {
		now := time.Now()
		c.entries[agentID] = &Entry{
			Handle:      handle,
			CreatedAt:   now,
			LastRefresh: now,
			Fingerprint: fmt.Sprintf("docs=%d instr=%d", len(knowledgeDocs), len(systemInstruction)),
		}
	}
	c.mu.Unlock()

	fl.handle, fl.err = handle, err
	close(fl.done)
	return handle, err
}

func (c *Cache) create(ctx context.Context, agentID, systemInstruction string, knowledgeDocs []string) (string, error) {
	content, err := assemble(agentID, systemInstruction, knowledgeDocs, c.cfg)
	if err != nil {
		return "", err
	}

	cctx := ctx
	if c.cfg.CreateTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, c.cfg.CreateTimeout)
		defer cancel()
	}

	handle, err := c.remote.Create(cctx, content)
	if err != nil {
		return "", fmt.Errorf("prime: create for agent %s: %w", agentID, err)
	}
	metrics.CacheCreations.Inc()
	c.logger.Info("priming cache created",
		"agent_id", agentID,
		"handle", handle,
		"bytes", len(content.Body),
		"padding", content.Padding)
	return handle, nil
}

// Refresh schedules a detached TTL refresh for the agent's handle. Call
// teardown uses it to keep the handle warm between closely spaced calls.
// No-op when the agent has no entry.
func (c *Cache) Refresh(agentID string) {
	c.mu.Lock()
	e, ok := c.entries[agentID]
	var handle string
	if ok {
		handle = e.Handle
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	go c.refresh(agentID, handle)
}

// refresh extends the TTL after a hit. Runs detached from the call that
// triggered it so a hangup does not abort the refresh.
func (c *Cache) refresh(agentID, handle string) {
	timeout := c.cfg.RefreshTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := c.remote.Refresh(ctx, handle); err != nil {
		metrics.CacheRefreshFailures.Inc()
		c.logger.Warn("priming cache refresh failed",
			"agent_id", agentID, "error", err)
		return
	}

	c.mu.Lock()
	if e, ok := c.entries[agentID]; ok && e.Handle == handle {
		e.LastRefresh = time.Now()
	}
	c.mu.Unlock()
}

// Invalidate drops the agent's mapping and best-effort deletes the remote
// handle. Calls already holding the old handle keep using it until their
// session ends.
func (c *Cache) Invalidate(ctx context.Context, agentID string) {
	c.mu.Lock()
	e, ok := c.entries[agentID]
	if ok {
		delete(c.entries, agentID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if err := c.remote.Delete(ctx, e.Handle); err != nil {
		c.logger.Warn("priming cache delete failed",
			"agent_id", agentID, "handle", e.Handle, "error", err)
	}
}

// Entry returns a copy of the agent's entry, if present.
func (c *Cache) Entry(agentID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[agentID]; ok {
		return *e, true
	}
	return Entry{}, false
}

// padBlock is the neutral text repeated to reach the remote minimum size.
// Repeating a fixed block keeps padded content identical across processes.
const padBlock = "This section is intentionally repeated to satisfy the minimum cacheable content size and carries no instructions. "

// assemble builds the upload: documents joined into Body, then
// deterministic padding until instruction plus Body clears the remote
// minimum.
func assemble(agentID, systemInstruction string, docs []string, cfg Config) (Content, error) {
	var b strings.Builder
	for i, d := range docs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(d)
	}

	total := len(systemInstruction) + b.Len()
	if total < cfg.MinContentBytes {
		return Content{}, fmt.Errorf("%w: %d bytes, need %d", ErrNotApplicable, total, cfg.MinContentBytes)
	}

	padding := 0
	for len(systemInstruction)+b.Len() < cfg.RemoteMinBytes {
		b.WriteString(padBlock)
		padding += len(padBlock)
	}

	return Content{
		AgentID:           agentID,
		SystemInstruction: systemInstruction,
		KnowledgeDocs:     docs,
		Padding:           padding,
		Body:              b.String(),
	}, nil
}
