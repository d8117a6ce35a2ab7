package sessions

import (
	"context"
	"errors"
	"sync"

	"github.com/voxlane/callcore/pkg/metrics"
)

var (
	// ErrDraining means the process is shutting down and refuses new calls.
	ErrDraining = errors.New("sessions: draining")

	// ErrAtCapacity means the concurrent-call admission bound is reached.
	ErrAtCapacity = errors.New("sessions: at capacity")
)

// Handle lets the tracker reach into a live call during shutdown.
type Handle struct {
	// Cancel tears the call down immediately.
	Cancel func()

	// Hangup asks the bridge to end the call through its normal path.
	Hangup func(reason string)
}

// Tracker counts active calls, enforces the admission bound, and
// coordinates drain on shutdown.
type Tracker struct {
	mu       sync.Mutex
	calls    map[string]*trackedCall
	wg       sync.WaitGroup
	limit    int
	draining bool
}

type trackedCall struct {
	handle Handle
	once   sync.Once
}

// NewTracker creates a tracker admitting at most limit concurrent calls.
// A limit of zero or less means unbounded.
func NewTracker(limit int) *Tracker {
	return &Tracker{
		calls: make(map[string]*trackedCall),
		limit: limit,
	}
}

// Register admits a call. The returned unregister is idempotent and must be
// called when the call ends. Re-registering an id evicts the old entry.
func (t *Tracker) Register(callID string, h Handle) (unregister func(), err error) {
	entry := &trackedCall{handle: h}

	t.mu.Lock()
	if t.draining {
		t.mu.Unlock()
		return nil, ErrDraining
	}
	if t.limit > 0 && len(t.calls) >= t.limit {
		if _, replacing := t.calls[callID]; !replacing {
			t.mu.Unlock()
			return nil, ErrAtCapacity
		}
	}
	old := t.calls[callID]
	t.calls[callID] = entry
	t.wg.Add(1)
	metrics.CallsActive.Set(float64(len(t.calls)))
	t.mu.Unlock()

	if old != nil {
		t.unregister(callID, old)
	}

	return func() { t.unregister(callID, entry) }, nil
}

func (t *Tracker) unregister(callID string, entry *trackedCall) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.calls[callID] == entry {
			delete(t.calls, callID)
		}
		metrics.CallsActive.Set(float64(len(t.calls)))
		t.mu.Unlock()
		t.wg.Done()
	})
}

// Count reports the number of active calls.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// Draining reports whether new calls are being refused.
func (t *Tracker) Draining() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.draining
}

// AtCapacity reports whether the admission bound is currently reached.
// Register still decides; this is a cheap pre-screen for refusing an
// upgrade before it happens.
func (t *Tracker) AtCapacity() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limit > 0 && len(t.calls) >= t.limit
}

// Hangup asks one live call to end through its normal path and reports
// whether the call was known. Signaling that outlives its call is routine,
// so unknown ids are not an error.
func (t *Tracker) Hangup(callID, reason string) bool {
	t.mu.Lock()
	entry, ok := t.calls[callID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	if entry.handle.Hangup != nil {
		entry.handle.Hangup(reason)
	}
	return true
}

// Drain stops admission and asks every active call to hang up gracefully.
func (t *Tracker) Drain(reason string) (asked int) {
	var hangups []func(string)
	t.mu.Lock()
	t.draining = true
	for _, entry := range t.calls {
		if entry.handle.Hangup != nil {
			hangups = append(hangups, entry.handle.Hangup)
		}
	}
	t.mu.Unlock()

	for _, hangup := range hangups {
		hangup(reason)
		asked++
	}
	return asked
}

// CancelAll force-cancels whatever is still running, for the hard phase of
// shutdown after the drain grace period.
func (t *Tracker) CancelAll() (canceled int) {
	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.calls {
		if entry.handle.Cancel != nil {
			cancels = append(cancels, entry.handle.Cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered call has unregistered, or ctx expires.
func (t *Tracker) Wait(ctx context.Context) bool {
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
