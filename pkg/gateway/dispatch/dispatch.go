// Package dispatch is the single entry point for websocket upgrades. Every
// upgrade-capable route goes through one Dispatcher so upgrade handling is
// registered against the transport exactly once.
package dispatch

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/voxlane/callcore/pkg/gateway/sessions"
)

// ErrAttached means Attach was called twice. Duplicate upgrade-handler
// registration is the failure this package exists to prevent.
var ErrAttached = errors.New("dispatch: already attached")

const (
	mediaStreamPrefix = "/media-stream/"
	testAgentPrefix   = "/test-agent/"
)

// Dispatcher routes upgrade requests by path prefix and refuses them
// before the upgrade when the process is draining or at capacity.
type Dispatcher struct {
	telephony http.Handler
	testAgent http.Handler
	tracker   *sessions.Tracker
	logger    *slog.Logger
	attached  atomic.Bool
}

// New builds a dispatcher over the two leg handlers.
func New(telephony, testAgent http.Handler, tracker *sessions.Tracker, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		telephony: telephony,
		testAgent: testAgent,
		tracker:   tracker,
		logger:    logger,
	}
}

// Attach registers the dispatcher's routes on mux, exactly once per
// dispatcher. A second call returns ErrAttached.
func (d *Dispatcher) Attach(mux *http.ServeMux) error {
	if !d.attached.CompareAndSwap(false, true) {
		return ErrAttached
	}
	mux.Handle(mediaStreamPrefix, d)
	mux.Handle(testAgentPrefix, d)
	return nil
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var target http.Handler
	switch {
	case strings.HasPrefix(r.URL.Path, mediaStreamPrefix):
		target = d.telephony
	case strings.HasPrefix(r.URL.Path, testAgentPrefix):
		target = d.testAgent
	default:
		http.NotFound(w, r)
		return
	}
	if target == nil {
		http.NotFound(w, r)
		return
	}

	// Refuse before the upgrade so the client gets a plain HTTP status
	// instead of a half-open websocket. Register remains authoritative.
	if d.tracker != nil {
		if d.tracker.Draining() {
			d.logger.Warn("upgrade refused, draining", "path", r.URL.Path)
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		if d.tracker.AtCapacity() {
			d.logger.Warn("upgrade refused, at capacity", "path", r.URL.Path)
			http.Error(w, "at capacity", http.StatusServiceUnavailable)
			return
		}
	}

	target.ServeHTTP(w, r)
}
