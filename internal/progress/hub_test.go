package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/corpus-jobs/internal/store"
)

func drain(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(time.Second)
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, evt)
		case <-timeout:
			t.Fatal("subscription was not closed")
		}
	}
}

func seqs(events []Event) []uint64 {
	out := make([]uint64, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.Seq)
	}
	return out
}

// TestEmitterSequencesEvents verifies per-run sequence numbers and stream closure.
func TestEmitterSequencesEvents(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	run := hub.Begin("job-1", store.JobImport)
	sub := hub.Subscribe("job-1")
	require.True(t, sub.Live())
	require.Zero(t, sub.Seq())

	run.Emit(TypeStarted, Payload{})
	run.Emit(TypeItemSuccess, Payload{ItemsDone: 1, Label: "first"})
	done := run.Emit(TypeCompleted, Payload{ItemsDone: 1})
	require.Equal(t, uint64(3), done.Seq)

	events := drain(t, sub)
	require.Equal(t, []uint64{1, 2, 3}, seqs(events))
	require.Equal(t, TypeCompleted, events[2].Type)
	require.Equal(t, store.JobImport, events[0].JobType)
	require.Equal(t, "first", events[1].Payload.Label)

	late := run.Emit(TypeProgress, Payload{})
	require.Zero(t, late.Seq, "events after the run ended are discarded")
}

// TestSubscribeMidRun ensures a late listener only sees events after its snapshot sequence.
func TestSubscribeMidRun(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	run := hub.Begin("job-2", store.JobFetch)
	run.Emit(TypeStarted, Payload{})
	run.Emit(TypeProgress, Payload{})

	sub := hub.Subscribe("job-2")
	require.Equal(t, uint64(2), sub.Seq())
	run.Emit(TypeItemSuccess, Payload{})
	run.Emit(TypePaused, Payload{})

	require.Equal(t, []uint64{3, 4}, seqs(drain(t, sub)))
}

// TestSubscribeWithoutLiveRun returns a closed stream.
func TestSubscribeWithoutLiveRun(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	sub := hub.Subscribe("missing")
	require.False(t, sub.Live())
	require.Empty(t, drain(t, sub))
	sub.Close()
}

// TestSlowListenerIsDisconnected keeps the emitter non-blocking.
func TestSlowListenerIsDisconnected(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{StreamBuffer: 1})
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	run := hub.Begin("job-3", store.JobEmbed)
	slow := hub.Subscribe("job-3")
	run.Emit(TypeStarted, Payload{})
	run.Emit(TypeProgress, Payload{})
	require.Equal(t, 0, hub.Listeners("job-3"))
	require.Equal(t, []uint64{1}, seqs(drain(t, slow)))

	again := hub.Subscribe("job-3")
	require.Equal(t, uint64(2), again.Seq())
	again.Close()
	again.Close()
	require.Equal(t, 0, hub.Listeners("job-3"))
}

// TestBeginRestartsSequence checks that every run numbers its events from 1.
func TestBeginRestartsSequence(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	first := hub.Begin("job-4", store.JobDigest)
	first.Emit(TypeStarted, Payload{})
	first.Emit(TypePaused, Payload{})

	second := hub.Begin("job-4", store.JobDigest)
	require.Equal(t, uint64(1), second.Emit(TypeResumed, Payload{}).Seq)
	require.Zero(t, first.Emit(TypeProgress, Payload{}).Seq, "a stale emitter cannot interleave")
	second.End()
	require.Zero(t, second.Emit(TypeProgress, Payload{}).Seq)
}

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	run := hub.Begin("job-5", store.JobImport)
	run.Emit(TypeStarted, Payload{})
	run.Emit(TypeProgress, Payload{})
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Begin("job-6", store.JobImport).Emit(TypeStarted, Payload{})
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers when the sink channel is full.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{Now: time.Now, StreamBuffer: 1},
		sinks:  []Sink{newStubSink()},
		events: make(chan Event),
		logger: zap.NewNop(),
		jobs:   make(map[string]*jobStream),
	}
	start := time.Now()
	hub.Begin("job-7", store.JobImport).Emit(TypeStarted, Payload{})
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(1), hub.dropped.Load())
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	run := hub.Begin("job-8", store.JobImport)
	sub := hub.Subscribe("job-8")
	run.Emit(TypeStarted, Payload{})

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.Len(t, drain(t, sub), 1)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	valid := Event{JobID: "j", Seq: 1, Type: TypeStarted, TS: time.Now()}
	require.NoError(t, valid.Validate())

	tests := map[string]func(*Event){
		"missing job":  func(e *Event) { e.JobID = "" },
		"zero seq":     func(e *Event) { e.Seq = 0 },
		"missing ts":   func(e *Event) { e.TS = time.Time{} },
		"unknown type": func(e *Event) { e.Type = "EXPLODED" },
	}
	for name, mutate := range tests {
		evt := valid
		mutate(&evt)
		require.Error(t, evt.Validate(), name)
	}
	require.True(t, TypePaused.EndsRun())
	require.False(t, TypePaused.Terminal())
	require.True(t, TypeCancelled.Terminal())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}
