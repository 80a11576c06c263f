package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sentinel errors callers branch on with errors.Is.
var (
	// ErrQueueFull is returned by Submit when the admission queue is at
	// capacity. The request was not accepted; retry later or shed load.
	ErrQueueFull = errors.New("scheduler: queue full")

	// ErrStopped is returned by Submit after Stop has been called.
	ErrStopped = errors.New("scheduler: stopped")

	// ErrTimeout is reported by Handle.Err when the request exceeded the
	// per-request generation timeout.
	ErrTimeout = errors.New("scheduler: request timed out")

	// ErrCancelled is reported by Handle.Err when the request was cancelled
	// by the caller before completing.
	ErrCancelled = errors.New("scheduler: request cancelled")
)

// Options configures a Scheduler.
type Options struct {
	// MaxConcurrency is the number of requests allowed to run against the
	// engine at once. Must be >= 1.
	MaxConcurrency int
	// QueueCapacity bounds the admission queue. Must be >= 1.
	QueueCapacity int
	// RequestTimeout is the wall-clock limit for one generation, measured
	// from dispatch. Must be > 0.
	RequestTimeout time.Duration
	// HistorySize is the number of terminal requests retained for
	// inspection. 0 disables history.
	HistorySize int
}

// Scheduler owns the admission queue, the dispatch loop, and the
// concurrency slots in front of a shared Engine. Safe for concurrent use.
type Scheduler struct {
	engine  Engine
	log     *slog.Logger
	metrics *Metrics
	opts    Options

	mu      sync.Mutex
	queue   requestHeap
	seq     uint64
	stopped bool
	history *historyRing

	// slots is a counting semaphore: a send acquires a run slot.
	slots chan struct{}
	// wake nudges the dispatch loop after Submit or slot release.
	wake chan struct{}
	// done stops the dispatch loop.
	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs and starts a Scheduler over the given engine. The metrics
// may be nil when the caller does not collect them. Call Stop to shut down.
func New(engine Engine, opts Options, log *slog.Logger, metrics *Metrics) (*Scheduler, error) {
	if engine == nil {
		return nil, fmt.Errorf("scheduler: engine is required")
	}
	if opts.MaxConcurrency < 1 {
		return nil, fmt.Errorf("scheduler: max concurrency must be >= 1, got %d", opts.MaxConcurrency)
	}
	if opts.QueueCapacity < 1 {
		return nil, fmt.Errorf("scheduler: queue capacity must be >= 1, got %d", opts.QueueCapacity)
	}
	if opts.RequestTimeout <= 0 {
		return nil, fmt.Errorf("scheduler: request timeout must be positive, got %s", opts.RequestTimeout)
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Scheduler{
		engine:  engine,
		log:     log,
		metrics: metrics,
		opts:    opts,
		history: newHistoryRing(opts.HistorySize),
		slots:   make(chan struct{}, opts.MaxConcurrency),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s, nil
}

// request is the scheduler-internal state of one submission.
type request struct {
	id        string
	params    Params
	seq       uint64
	heapIndex int

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	err         error
	submittedAt time.Time
	startedAt   time.Time
	finishedAt  time.Time
	tokens      int

	tokensCh chan string
	doneCh   chan struct{}

	sched *Scheduler
}

// Handle is the caller's view of a submitted request.
type Handle struct {
	r *request
}

// ID returns the request identifier.
func (h *Handle) ID() string { return h.r.id }

// Tokens returns the stream of generated tokens. The channel is closed when
// the request reaches a terminal state; check Err afterwards.
func (h *Handle) Tokens() <-chan string { return h.r.tokensCh }

// Done is closed when the request reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.r.doneCh }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.r.state
}

// Err returns the terminal error: nil on completion, ErrTimeout,
// ErrCancelled, or the engine failure. Undefined before Done.
func (h *Handle) Err() error {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.r.err
}

// Cancel withdraws the request. A queued request terminates immediately
// without ever occupying a slot; a running request has its context
// cancelled and terminates as soon as the engine yields. Cancelling a
// terminal request is a no-op.
func (h *Handle) Cancel() { h.r.sched.cancelRequest(h.r) }

// Submit enqueues a generation request. It returns ErrQueueFull without
// queueing when the admission queue is at capacity, and ErrStopped after
// shutdown. The given ctx bounds the whole request lifetime: cancelling it
// cancels the request whether queued or running.
func (s *Scheduler) Submit(ctx context.Context, params Params) (*Handle, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if len(s.queue) >= s.opts.QueueCapacity {
		s.mu.Unlock()
		s.metrics.incRejected()
		return nil, fmt.Errorf("%w (capacity %d)", ErrQueueFull, s.opts.QueueCapacity)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	s.seq++
	r := &request{
		id:          newRequestID(),
		params:      params,
		seq:         s.seq,
		ctx:         reqCtx,
		cancel:      cancel,
		state:       StateQueued,
		submittedAt: time.Now(),
		tokensCh:    make(chan string, 32),
		doneCh:      make(chan struct{}),
		sched:       s,
	}
	heap.Push(&s.queue, r)
	s.metrics.setQueueLength(len(s.queue))
	s.mu.Unlock()

	s.log.Debug("scheduler: request queued",
		slog.String("request_id", r.id),
		slog.String("priority", params.Priority.String()),
		slog.String("requester", params.Requester),
	)

	// Cancelling the submission context must withdraw a still-queued
	// request; a running request observes reqCtx through its own context.
	go func() {
		select {
		case <-reqCtx.Done():
			s.cancelRequest(r)
		case <-r.doneCh:
		}
	}()

	s.nudge()
	return &Handle{r: r}, nil
}

// Snapshot is a point-in-time view of scheduler load.
type Snapshot struct {
	QueueLength    int
	Running        int
	MaxConcurrency int
	QueueCapacity  int
}

// Snapshot returns current queue length and slot utilization.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		QueueLength:    len(s.queue),
		Running:        len(s.slots),
		MaxConcurrency: s.opts.MaxConcurrency,
		QueueCapacity:  s.opts.QueueCapacity,
	}
}

// History returns the retained terminal requests, most recent first.
func (s *Scheduler) History() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.list()
}

// Stop shuts the scheduler down: no new submissions are accepted, queued
// requests are cancelled, and Stop waits for running requests to finish or
// for ctx to expire, whichever comes first. Running requests are not
// interrupted; pass an already-cancelled ctx to abandon them.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	pending := make([]*request, len(s.queue))
	copy(pending, s.queue)
	s.mu.Unlock()

	close(s.done)
	for _, r := range pending {
		s.cancelRequest(r)
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: stop: %w", ctx.Err())
	}
}

// nudge wakes the dispatch loop without blocking.
func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loop is the dispatch loop: whenever woken, it starts queued requests
// until either the queue or the slots run out.
func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		s.dispatch()
	}
}

// dispatch pairs free slots with queued requests.
func (s *Scheduler) dispatch() {
	for {
		select {
		case s.slots <- struct{}{}:
		default:
			return
		}

		s.mu.Lock()
		var r *request
		if len(s.queue) > 0 {
			r = heap.Pop(&s.queue).(*request)
			s.metrics.setQueueLength(len(s.queue))
		}
		s.mu.Unlock()

		if r == nil {
			<-s.slots
			return
		}

		s.wg.Add(1)
		go s.run(r)
	}
}

// run executes one request inside an acquired slot.
func (s *Scheduler) run(r *request) {
	defer s.wg.Done()
	defer func() {
		<-s.slots
		s.nudge()
	}()

	r.mu.Lock()
	if r.state.Terminal() {
		// Cancelled between pop and run.
		r.mu.Unlock()
		return
	}
	r.state = StateRunning
	r.startedAt = time.Now()
	queueWait := r.startedAt.Sub(r.submittedAt)
	r.mu.Unlock()

	s.metrics.observeQueueWait(queueWait)
	s.metrics.incRunning()
	defer s.metrics.decRunning()

	genCtx, cancel := context.WithTimeout(r.ctx, s.opts.RequestTimeout)
	defer cancel()

	opts := GenerateOptions{
		MaxTokens:   r.params.MaxTokens,
		Temperature: r.params.Temperature,
		TopP:        r.params.TopP,
	}
	// The transitions below fire only when Generate returns after genCtx
	// expires. An engine that ignores its context holds the slot past the
	// deadline; Engine documents the must-honor-ctx requirement.
	err := s.engine.Generate(genCtx, r.params.Prompt, opts, func(token string) error {
		select {
		case r.tokensCh <- token:
		case <-genCtx.Done():
			return genCtx.Err()
		}
		r.mu.Lock()
		if r.state == StateRunning {
			r.state = StateStreaming
		}
		r.tokens++
		r.mu.Unlock()
		return nil
	})

	var final State
	switch {
	case err == nil:
		final = StateCompleted
	case errors.Is(genCtx.Err(), context.DeadlineExceeded) && r.ctx.Err() == nil:
		final = StateTimedOut
		err = fmt.Errorf("%w after %s", ErrTimeout, s.opts.RequestTimeout)
	case r.ctx.Err() != nil:
		final = StateCancelled
		err = ErrCancelled
	default:
		final = StateFailed
		err = fmt.Errorf("scheduler: generation failed: %w", err)
	}
	s.finalize(r, final, err)
}

// cancelRequest moves a request to StateCancelled. Queued requests are
// removed from the heap immediately; running requests terminate through
// their context.
func (s *Scheduler) cancelRequest(r *request) {
	s.mu.Lock()
	r.mu.Lock()
	if r.state == StateQueued {
		if r.heapIndex >= 0 {
			s.queue.remove(r.heapIndex)
			s.metrics.setQueueLength(len(s.queue))
		}
		r.mu.Unlock()
		s.mu.Unlock()
		s.finalize(r, StateCancelled, ErrCancelled)
		r.cancel()
		return
	}
	r.mu.Unlock()
	s.mu.Unlock()
	r.cancel()
}

// finalize records the terminal state exactly once, closes the caller-facing
// channels, and appends the history record.
func (s *Scheduler) finalize(r *request, final State, err error) {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return
	}
	r.state = final
	r.err = err
	r.finishedAt = time.Now()
	rec := Record{
		ID:          r.id,
		Priority:    r.params.Priority,
		Requester:   r.params.Requester,
		State:       final,
		SubmittedAt: r.submittedAt,
		StartedAt:   r.startedAt,
		FinishedAt:  r.finishedAt,
		Tokens:      r.tokens,
	}
	if err != nil {
		rec.Err = err.Error()
	}
	r.mu.Unlock()

	close(r.tokensCh)
	close(r.doneCh)
	r.cancel()

	s.mu.Lock()
	s.history.add(rec)
	s.mu.Unlock()

	s.metrics.observeOutcome(rec)

	attrs := []any{
		slog.String("request_id", rec.ID),
		slog.String("state", string(final)),
		slog.String("priority", rec.Priority.String()),
		slog.Int("tokens", rec.Tokens),
		slog.Duration("elapsed", rec.FinishedAt.Sub(rec.SubmittedAt)),
	}
	switch final {
	case StateCompleted:
		s.log.Info("scheduler: request completed", attrs...)
	case StateTimedOut, StateFailed:
		s.log.Error("scheduler: request failed", append(attrs, slog.String("error", rec.Err))...)
	default:
		s.log.Info("scheduler: request cancelled", attrs...)
	}
}

// historyRing retains the last n terminal records.
type historyRing struct {
	records []Record
	next    int
	full    bool
}

func newHistoryRing(n int) *historyRing {
	return &historyRing{records: make([]Record, max(n, 0))}
}

func (h *historyRing) add(r Record) {
	if len(h.records) == 0 {
		return
	}
	h.records[h.next] = r
	h.next = (h.next + 1) % len(h.records)
	if h.next == 0 {
		h.full = true
	}
}

// list returns the retained records, most recent first.
func (h *historyRing) list() []Record {
	n := h.next
	if h.full {
		n = len(h.records)
	}
	out := make([]Record, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, h.records[(h.next-i+len(h.records))%len(h.records)])
	}
	return out
}
