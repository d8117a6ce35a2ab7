package prime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeRemote struct {
	mu       sync.Mutex
	creates  int
	refreshs int
	deletes  int
	delay    time.Duration
	failWith error
	lastBody string
}

func (f *fakeRemote) Create(ctx context.Context, c Content) (string, error) {
	f.mu.Lock()
	f.creates++
	n := f.creates
	f.lastBody = c.Body
	fail := f.failWith
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if fail != nil {
		return "", fail
	}
	return fmt.Sprintf("cachedContents/%s-%d", c.AgentID, n), nil
}

func (f *fakeRemote) Refresh(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshs++
	return f.failWith
}

func (f *fakeRemote) Delete(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return nil
}

func (f *fakeRemote) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.refreshs, f.deletes
}

func testCache(remote Remote) *Cache {
	return NewCache(remote, Config{
		MinContentBytes: 10,
		RemoteMinBytes:  100,
		CreateTimeout:   time.Second,
		RefreshTimeout:  time.Second,
	}, slog.New(slog.DiscardHandler))
}

const testInstruction = "You are a scheduling assistant for Acme Dental."

func TestConcurrentFirstCallsShareOneCreation(t *testing.T) {
	remote := &fakeRemote{delay: 50 * time.Millisecond}
	cache := testCache(remote)

	const callers = 10
	handles := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handles[i], errs[i] = cache.GetOrCreate(context.Background(), "agent-1", testInstruction, nil)
		}()
	}
	wg.Wait()

	creates, _, _ := remote.counts()
	if creates != 1 {
		t.Fatalf("expected exactly 1 remote creation, got %d", creates)
	}
	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if handles[i] != handles[0] {
			t.Fatalf("caller %d got handle %q, caller 0 got %q", i, handles[i], handles[0])
		}
	}
}

func TestHitRefreshesInBackground(t *testing.T) {
	remote := &fakeRemote{}
	cache := testCache(remote)

	first, err := cache.GetOrCreate(context.Background(), "agent-1", testInstruction, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	second, err := cache.GetOrCreate(context.Background(), "agent-1", testInstruction, nil)
	if err != nil {
		t.Fatalf("hit failed: %v", err)
	}
	if second != first {
		t.Fatalf("hit returned %q, want %q", second, first)
	}

	// The refresh runs detached; give it a moment.
	time.Sleep(50 * time.Millisecond)
	creates, refreshes, _ := remote.counts()
	if creates != 1 {
		t.Errorf("hit should not create, got %d creations", creates)
	}
	if refreshes != 1 {
		t.Errorf("expected 1 refresh after hit, got %d", refreshes)
	}
}

func TestRefreshSchedulesForKnownAgent(t *testing.T) {
	remote := &fakeRemote{}
	cache := testCache(remote)

	// Unknown agent is a no-op, not a remote call.
	cache.Refresh("agent-1")
	time.Sleep(20 * time.Millisecond)
	if _, refreshes, _ := remote.counts(); refreshes != 0 {
		t.Fatalf("refresh before create should be a no-op, got %d", refreshes)
	}

	if _, err := cache.GetOrCreate(context.Background(), "agent-1", testInstruction, nil); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	cache.Refresh("agent-1")
	time.Sleep(50 * time.Millisecond)
	if _, refreshes, _ := remote.counts(); refreshes != 1 {
		t.Fatalf("expected 1 refresh after scheduling, got %d", refreshes)
	}

	e, ok := cache.Entry("agent-1")
	if !ok {
		t.Fatal("entry missing after refresh")
	}
	if !e.LastRefresh.After(e.CreatedAt) {
		t.Error("LastRefresh not advanced by refresh")
	}
}

func TestRefreshFailureIsNonFatal(t *testing.T) {
	remote := &fakeRemote{}
	cache := testCache(remote)

	if _, err := cache.GetOrCreate(context.Background(), "agent-1", testInstruction, nil); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	remote.mu.Lock()
	remote.failWith = errors.New("upstream unavailable")
	remote.mu.Unlock()

	handle, err := cache.GetOrCreate(context.Background(), "agent-1", testInstruction, nil)
	if err != nil || handle == "" {
		t.Fatalf("hit should survive refresh failure, got %q, %v", handle, err)
	}
}

func TestTinyContentNotApplicable(t *testing.T) {
	remote := &fakeRemote{}
	cache := testCache(remote)

	_, err := cache.GetOrCreate(context.Background(), "agent-1", "hi", nil)
	if !errors.Is(err, ErrNotApplicable) {
		t.Fatalf("expected ErrNotApplicable, got %v", err)
	}
	if creates, _, _ := remote.counts(); creates != 0 {
		t.Errorf("tiny content must not reach the remote, got %d creations", creates)
	}

	// The verdict is not sticky: adequate content afterwards creates.
	if _, err := cache.GetOrCreate(context.Background(), "agent-1", testInstruction, nil); err != nil {
		t.Fatalf("follow-up create failed: %v", err)
	}
}

func TestPaddingIsDeterministic(t *testing.T) {
	remote := &fakeRemote{}
	cache := testCache(remote)

	if _, err := cache.GetOrCreate(context.Background(), "agent-1", testInstruction, []string{"doc one"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	remote.mu.Lock()
	firstBody := remote.lastBody
	remote.mu.Unlock()

	if len(testInstruction)+len(firstBody) < 100 {
		t.Fatalf("body not padded to remote minimum: %d bytes total", len(testInstruction)+len(firstBody))
	}
	if !strings.Contains(firstBody, padBlock) {
		t.Error("expected padding block in body")
	}

	remote2 := &fakeRemote{}
	cache2 := testCache(remote2)
	if _, err := cache2.GetOrCreate(context.Background(), "agent-1", testInstruction, []string{"doc one"}); err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	remote2.mu.Lock()
	secondBody := remote2.lastBody
	remote2.mu.Unlock()

	if firstBody != secondBody {
		t.Error("identical inputs must pad identically")
	}
}

func TestCreateFailureRetriesNextCall(t *testing.T) {
	remote := &fakeRemote{failWith: errors.New("quota exceeded")}
	cache := testCache(remote)

	if _, err := cache.GetOrCreate(context.Background(), "agent-1", testInstruction, nil); err == nil {
		t.Fatal("expected creation failure")
	}

	remote.mu.Lock()
	remote.failWith = nil
	remote.mu.Unlock()

	handle, err := cache.GetOrCreate(context.Background(), "agent-1", testInstruction, nil)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if handle == "" {
		t.Error("expected a handle after retry")
	}
	if creates, _, _ := remote.counts(); creates != 2 {
		t.Errorf("expected 2 creation attempts, got %d", creates)
	}
}

func TestInvalidate(t *testing.T) {
	remote := &fakeRemote{}
	cache := testCache(remote)

	first, err := cache.GetOrCreate(context.Background(), "agent-1", testInstruction, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	cache.Invalidate(context.Background(), "agent-1")
	if _, _, deletes := remote.counts(); deletes != 1 {
		t.Errorf("expected 1 remote delete, got %d", deletes)
	}
	if _, ok := cache.Entry("agent-1"); ok {
		t.Error("entry should be gone after invalidation")
	}

	second, err := cache.GetOrCreate(context.Background(), "agent-1", testInstruction, nil)
	if err != nil {
		t.Fatalf("re-create failed: %v", err)
	}
	if second == first {
		t.Error("expected a fresh handle after invalidation")
	}

	// Invalidating an unknown agent is a no-op.
	cache.Invalidate(context.Background(), "agent-unknown")
}
