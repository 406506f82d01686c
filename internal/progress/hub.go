package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/corpus-jobs/internal/store"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the sink channel (default 4096).
//   - MaxBatchEvents: flush once this many events queue (default 1000).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - StreamBuffer: per-listener channel size (default 256).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Now: event timestamp source (defaults to time.Now in UTC).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	StreamBuffer   int
	BaseContext    context.Context
	Now            func() time.Time
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	defaultStreamBuffer   = 256
	dropLogInterval       = 5 * time.Second
)

// Hub sequences job events, delivers them in order to per-job listeners and
// fans them out in batches to registered sinks. Emitting never blocks: a
// listener whose buffer is full is disconnected and sink events are dropped
// under backpressure.
type Hub struct {
	cfg         Config
	sinks       []Sink
	events      chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context

	mu   sync.Mutex
	jobs map[string]*jobStream
}

type jobStream struct {
	run  *Emitter
	seq  uint64
	subs map[*Subscription]struct{}
}

// NewHub initializes a Hub and starts the background batching goroutine using
// the supplied sinks. The returned Hub is immediately ready to accept events.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaultStreamBuffer
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		events:      make(chan Event, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
		jobs:        make(map[string]*jobStream),
	}
	go h.run()
	return h
}

// Emitter assigns sequence numbers for one run of one job.
type Emitter struct {
	hub     *Hub
	jobID   string
	jobType store.JobType
}

// Begin opens a new run for the job. Sequence numbers restart at 1. Listeners
// still attached to a previous run of the same job are disconnected.
func (h *Hub) Begin(jobID string, jobType store.JobType) *Emitter {
	e := &Emitter{hub: h, jobID: jobID, jobType: jobType}
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev := h.jobs[jobID]; prev != nil {
		prev.closeSubs()
	}
	h.jobs[jobID] = &jobStream{run: e, subs: make(map[*Subscription]struct{})}
	return e
}

// JobID returns the job the emitter belongs to.
func (e *Emitter) JobID() string { return e.jobID }

// Emit stamps and publishes an event. Events emitted after the run ended
// are discarded and returned with Seq 0.
func (e *Emitter) Emit(t Type, p Payload) Event {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	js := h.jobs[e.jobID]
	if js == nil || js.run != e {
		return Event{}
	}
	js.seq++
	evt := Event{
		JobID:   e.jobID,
		JobType: e.jobType,
		Seq:     js.seq,
		Type:    t,
		TS:      h.cfg.Now(),
		Payload: p,
	}
	for sub := range js.subs {
		select {
		case sub.ch <- evt:
		default:
			h.logger.Warn("disconnecting slow event listener",
				zap.String("job_id", e.jobID),
				zap.Uint64("seq", evt.Seq),
			)
			delete(js.subs, sub)
			sub.closeCh()
		}
	}
	if t.EndsRun() {
		js.closeSubs()
		delete(h.jobs, e.jobID)
	}
	h.enqueue(evt)
	return evt
}

// End closes the run without an event. It is a no-op once a run-ending event
// was emitted.
func (e *Emitter) End() {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if js := h.jobs[e.jobID]; js != nil && js.run == e {
		js.closeSubs()
		delete(h.jobs, e.jobID)
	}
}

// Subscription is one listener attached to a job's live events.
type Subscription struct {
	hub   *Hub
	jobID string
	seq   uint64
	live  bool
	ch    chan Event
	once  sync.Once
}

// Subscribe attaches a listener to the job's current run. Seq reports the
// last event emitted before the listener attached. When the job has no live
// run the channel is already closed.
func (h *Hub) Subscribe(jobID string) *Subscription {
	sub := &Subscription{hub: h, jobID: jobID, ch: make(chan Event, h.cfg.StreamBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	js := h.jobs[jobID]
	if js == nil {
		sub.closeCh()
		return sub
	}
	sub.seq = js.seq
	sub.live = true
	js.subs[sub] = struct{}{}
	return sub
}

// Events returns the ordered event channel. It is closed when the run ends,
// the listener falls behind, or Close is called.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Seq returns the last sequence number emitted before the listener attached.
func (s *Subscription) Seq() uint64 { return s.seq }

// Live reports whether the job had a live run when the listener attached.
func (s *Subscription) Live() bool { return s.live }

// Close detaches the listener. It is safe to call more than once.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if js := h.jobs[s.jobID]; js != nil {
		delete(js.subs, s)
	}
	s.closeCh()
}

func (s *Subscription) closeCh() {
	s.once.Do(func() { close(s.ch) })
}

func (js *jobStream) closeSubs() {
	for sub := range js.subs {
		sub.closeCh()
	}
	js.subs = make(map[*Subscription]struct{})
}

// Listeners returns the number of listeners attached to the job.
func (h *Hub) Listeners(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if js := h.jobs[jobID]; js != nil {
		return len(js.subs)
	}
	return 0
}

// enqueue hands an event to the sink goroutine. It never blocks; if the
// buffer is full the event is dropped and a rate-limited warning is logged.
func (h *Hub) enqueue(evt Event) {
	if h.closed.Load() || len(h.sinks) == 0 {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		if h.dropLimiter.Allow(time.Now()) {
			count := h.dropped.Swap(0)
			h.logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", count))
		}
	}
}

// Close drains remaining events, flushes sinks, and blocks until the background
// goroutine exits. Listeners are disconnected. It is safe to call multiple
// times; subsequent calls are ignored once shutdown begins.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		h.mu.Lock()
		for _, js := range h.jobs {
			js.closeSubs()
		}
		h.mu.Unlock()
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case evt := <-h.events:
			batch = h.enqueueEvent(batch, evt, timer, &timerActive)
		case <-timer.C:
			timerActive = false
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-h.stopCh:
			h.handleStop(batch, timer, &timerActive)
			return
		}
	}
}

func (h *Hub) enqueueEvent(batch []Event, evt Event, timer *time.Timer, timerActive *bool) []Event {
	batch = append(batch, evt)
	if len(batch) >= h.cfg.MaxBatchEvents {
		h.flush(batch)
		batch = batch[:0]
		h.stopTimer(timer, timerActive)
	} else {
		h.resetTimer(timer, timerActive)
	}
	return batch
}

func (h *Hub) handleStop(batch []Event, timer *time.Timer, timerActive *bool) {
	h.stopTimer(timer, timerActive)
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				h.flush(batch)
			}
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) resetTimer(timer *time.Timer, timerActive *bool) {
	if *timerActive {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	timer.Reset(h.cfg.MaxBatchWait)
	*timerActive = true
}

func (h *Hub) stopTimer(timer *time.Timer, timerActive *bool) {
	if !*timerActive {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*timerActive = false
}

func (h *Hub) flush(batch []Event) {
	copyBatch := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, copyBatch); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
