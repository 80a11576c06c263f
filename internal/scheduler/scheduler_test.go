package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// fakeEngine is a controllable Engine for tests. When release is non-nil,
// Generate blocks until release is closed or the context expires; it then
// emits the configured tokens or returns the configured error.
type fakeEngine struct {
	tokens  []string
	err     error
	release chan struct{}

	mu      sync.Mutex
	started []string

	running int32
	maxSeen int32
}

func (e *fakeEngine) Generate(ctx context.Context, prompt string, _ GenerateOptions, emit func(string) error) error {
	e.mu.Lock()
	e.started = append(e.started, prompt)
	e.mu.Unlock()

	cur := atomic.AddInt32(&e.running, 1)
	defer atomic.AddInt32(&e.running, -1)
	for {
		old := atomic.LoadInt32(&e.maxSeen)
		if cur <= old || atomic.CompareAndSwapInt32(&e.maxSeen, old, cur) {
			break
		}
	}

	if e.release != nil {
		select {
		case <-e.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.err != nil {
		return e.err
	}
	for _, tok := range e.tokens {
		if err := emit(tok); err != nil {
			return err
		}
	}
	return nil
}

func (e *fakeEngine) startedOrder() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.started...)
}

// newTestScheduler builds a Scheduler over the given engine with test-sized
// defaults, overridable per test.
func newTestScheduler(t *testing.T, engine Engine, opts Options) *Scheduler {
	t.Helper()
	if opts.MaxConcurrency == 0 {
		opts.MaxConcurrency = 2
	}
	if opts.QueueCapacity == 0 {
		opts.QueueCapacity = 10
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.HistorySize == 0 {
		opts.HistorySize = 16
	}
	s, err := New(engine, opts, nil, NewMetrics(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

// drain collects every token from the handle until the stream closes.
func drain(t *testing.T, h *Handle) string {
	t.Helper()
	var b strings.Builder
	timeout := time.After(5 * time.Second)
	for {
		select {
		case tok, ok := <-h.Tokens():
			if !ok {
				return b.String()
			}
			b.WriteString(tok)
		case <-timeout:
			t.Fatal("timed out draining tokens")
		}
	}
}

// waitDone blocks until the handle terminates.
func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("request %s did not terminate", h.ID())
	}
}

func Test_Scheduler_StreamsTokensInOrder(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{tokens: []string{"Общий ", "срок ", "три года."}}
	s := newTestScheduler(t, engine, Options{})

	h, err := s.Submit(context.Background(), Params{Prompt: "вопрос", Priority: PriorityNormal})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	got := drain(t, h)
	waitDone(t, h)

	if got != "Общий срок три года." {
		t.Errorf("stream: got %q", got)
	}
	if st := h.State(); st != StateCompleted {
		t.Errorf("state: want completed, got %s", st)
	}
	if err := h.Err(); err != nil {
		t.Errorf("err: want nil, got %v", err)
	}
}

func Test_Scheduler_ConcurrencyBound(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{release: make(chan struct{}), tokens: []string{"ok"}}
	s := newTestScheduler(t, engine, Options{MaxConcurrency: 2})

	var handles []*Handle
	for range 5 {
		h, err := s.Submit(context.Background(), Params{Prompt: "p", Priority: PriorityNormal})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		handles = append(handles, h)
	}

	// Give the dispatcher time to fill both slots, then release everything.
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&engine.running) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(engine.release)

	for _, h := range handles {
		drain(t, h)
		waitDone(t, h)
		if st := h.State(); st != StateCompleted {
			t.Errorf("request %s: want completed, got %s", h.ID(), st)
		}
	}
	if peak := atomic.LoadInt32(&engine.maxSeen); peak > 2 {
		t.Errorf("concurrency bound violated: %d simultaneous generations", peak)
	}
}

func Test_Scheduler_PriorityOrder(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{release: make(chan struct{}), tokens: []string{"ok"}}
	s := newTestScheduler(t, engine, Options{MaxConcurrency: 1})

	// Occupy the only slot so subsequent submissions queue up.
	blocker, err := s.Submit(context.Background(), Params{Prompt: "blocker", Priority: PriorityUrgent})
	if err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&engine.running) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	var handles []*Handle
	for _, sub := range []struct {
		prompt string
		prio   Priority
	}{
		{"low-1", PriorityLow},
		{"normal-1", PriorityNormal},
		{"urgent-1", PriorityUrgent},
		{"normal-2", PriorityNormal},
		{"high-1", PriorityHigh},
	} {
		h, err := s.Submit(context.Background(), Params{Prompt: sub.prompt, Priority: sub.prio})
		if err != nil {
			t.Fatalf("submit %s: %v", sub.prompt, err)
		}
		handles = append(handles, h)
	}

	close(engine.release)
	drain(t, blocker)
	waitDone(t, blocker)
	for _, h := range handles {
		drain(t, h)
		waitDone(t, h)
	}

	// Dispatch order: descending priority, FIFO within a band.
	want := []string{"blocker", "urgent-1", "high-1", "normal-1", "normal-2", "low-1"}
	got := engine.startedOrder()
	if len(got) != len(want) {
		t.Fatalf("started: want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order: want %v, got %v", want, got)
		}
	}
}

func Test_Scheduler_QueueFullRejects(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{release: make(chan struct{}), tokens: []string{"ok"}}
	s := newTestScheduler(t, engine, Options{MaxConcurrency: 1, QueueCapacity: 1})

	blocker, err := s.Submit(context.Background(), Params{Prompt: "blocker"})
	if err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&engine.running) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	queued, err := s.Submit(context.Background(), Params{Prompt: "queued"})
	if err != nil {
		t.Fatalf("submit queued: %v", err)
	}

	if _, err := s.Submit(context.Background(), Params{Prompt: "rejected"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("want ErrQueueFull, got %v", err)
	}

	close(engine.release)
	for _, h := range []*Handle{blocker, queued} {
		drain(t, h)
		waitDone(t, h)
	}
}

func Test_Scheduler_TimeoutReleasesSlot(t *testing.T) {
	t.Parallel()
	// release is never closed: the first request can only end via timeout.
	engine := &fakeEngine{release: make(chan struct{}), tokens: []string{"ok"}}
	s := newTestScheduler(t, engine, Options{MaxConcurrency: 1, RequestTimeout: 50 * time.Millisecond})

	h, err := s.Submit(context.Background(), Params{Prompt: "stuck"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitDone(t, h)
	if st := h.State(); st != StateTimedOut {
		t.Errorf("state: want timed_out, got %s", st)
	}
	if err := h.Err(); !errors.Is(err, ErrTimeout) {
		t.Errorf("err: want ErrTimeout, got %v", err)
	}

	// The slot must be reclaimed: a fresh fast request completes.
	engine.release = nil
	h2, err := s.Submit(context.Background(), Params{Prompt: "after"})
	if err != nil {
		t.Fatalf("submit after timeout: %v", err)
	}
	drain(t, h2)
	waitDone(t, h2)
	if st := h2.State(); st != StateCompleted {
		t.Errorf("post-timeout request: want completed, got %s", st)
	}
}

func Test_Scheduler_CancelQueuedRequest(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{release: make(chan struct{}), tokens: []string{"ok"}}
	s := newTestScheduler(t, engine, Options{MaxConcurrency: 1})

	blocker, err := s.Submit(context.Background(), Params{Prompt: "blocker"})
	if err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&engine.running) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	queued, err := s.Submit(context.Background(), Params{Prompt: "queued"})
	if err != nil {
		t.Fatalf("submit queued: %v", err)
	}
	queued.Cancel()
	waitDone(t, queued)
	if st := queued.State(); st != StateCancelled {
		t.Errorf("state: want cancelled, got %s", st)
	}
	if err := queued.Err(); !errors.Is(err, ErrCancelled) {
		t.Errorf("err: want ErrCancelled, got %v", err)
	}
	if snap := s.Snapshot(); snap.QueueLength != 0 {
		t.Errorf("queue length after cancel: want 0, got %d", snap.QueueLength)
	}

	// The cancelled request must never reach the engine.
	close(engine.release)
	drain(t, blocker)
	waitDone(t, blocker)
	for _, p := range engine.startedOrder() {
		if p == "queued" {
			t.Error("cancelled request was dispatched")
		}
	}
}

func Test_Scheduler_CancelRunningRequest(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{release: make(chan struct{})}
	s := newTestScheduler(t, engine, Options{MaxConcurrency: 1})

	h, err := s.Submit(context.Background(), Params{Prompt: "running"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&engine.running) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	h.Cancel()
	waitDone(t, h)
	if st := h.State(); st != StateCancelled {
		t.Errorf("state: want cancelled, got %s", st)
	}
	if err := h.Err(); !errors.Is(err, ErrCancelled) {
		t.Errorf("err: want ErrCancelled, got %v", err)
	}
}

func Test_Scheduler_SubmitContextCancelsQueued(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{release: make(chan struct{}), tokens: []string{"ok"}}
	s := newTestScheduler(t, engine, Options{MaxConcurrency: 1})

	blocker, err := s.Submit(context.Background(), Params{Prompt: "blocker"})
	if err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&engine.running) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	queued, err := s.Submit(ctx, Params{Prompt: "abandoned"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	cancel()
	waitDone(t, queued)
	if st := queued.State(); st != StateCancelled {
		t.Errorf("state: want cancelled, got %s", st)
	}

	close(engine.release)
	drain(t, blocker)
	waitDone(t, blocker)
}

func Test_Scheduler_EngineFailure(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{err: errors.New("model crashed")}
	s := newTestScheduler(t, engine, Options{})

	h, err := s.Submit(context.Background(), Params{Prompt: "p"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	drain(t, h)
	waitDone(t, h)
	if st := h.State(); st != StateFailed {
		t.Errorf("state: want failed, got %s", st)
	}
	if err := h.Err(); err == nil || !strings.Contains(err.Error(), "model crashed") {
		t.Errorf("err: want wrapped engine error, got %v", err)
	}
}

func Test_Scheduler_HistoryMostRecentFirst(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{tokens: []string{"ok"}}
	s := newTestScheduler(t, engine, Options{MaxConcurrency: 1, HistorySize: 2})

	var ids []string
	for range 3 {
		h, err := s.Submit(context.Background(), Params{Prompt: "p", Requester: "tester"})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		drain(t, h)
		waitDone(t, h)
		ids = append(ids, h.ID())
	}

	hist := s.History()
	if len(hist) != 2 {
		t.Fatalf("history size: want 2, got %d", len(hist))
	}
	if hist[0].ID != ids[2] || hist[1].ID != ids[1] {
		t.Errorf("history order: want [%s %s], got [%s %s]", ids[2], ids[1], hist[0].ID, hist[1].ID)
	}
	if hist[0].State != StateCompleted || hist[0].Tokens != 1 || hist[0].Requester != "tester" {
		t.Errorf("history record: %+v", hist[0])
	}
}

func Test_Scheduler_SubmitAfterStop(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{tokens: []string{"ok"}}
	s := newTestScheduler(t, engine, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := s.Submit(context.Background(), Params{Prompt: "late"}); !errors.Is(err, ErrStopped) {
		t.Errorf("want ErrStopped, got %v", err)
	}
}

func Test_ParsePriority(t *testing.T) {
	t.Parallel()
	for name, want := range map[string]Priority{
		"low": PriorityLow, "normal": PriorityNormal, "": PriorityNormal,
		"high": PriorityHigh, "urgent": PriorityUrgent,
	} {
		got, err := ParsePriority(name)
		if err != nil || got != want {
			t.Errorf("ParsePriority(%q) = %v, %v; want %v", name, got, err, want)
		}
	}
	if _, err := ParsePriority("critical"); err == nil {
		t.Error("want error for unknown priority")
	}
}
