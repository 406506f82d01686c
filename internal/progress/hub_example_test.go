package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/corpus-jobs/internal/store"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Event) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleEmitter_Emit demonstrates emitting a run's events and flushing via Close.
func ExampleEmitter_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
		Now:            func() time.Time { return time.Unix(0, 0).UTC() },
	}, sink)

	run := hub.Begin("00000000-0000-0000-0000-000000000001", store.JobImport)
	run.Emit(TypeStarted, Payload{})
	last := run.Emit(TypeCompleted, Payload{ItemsDone: 12})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("last seq: %d, events forwarded: %d\n", last.Seq, sink.total)
	// Output:
	// last seq: 2, events forwarded: 2
}

// ExampleSink implements a custom Sink that totals items reported as done.
func ExampleSink() {
	var done int64
	capture := sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Type == TypeItemSuccess {
				done++
			}
		}
		return nil
	})
	hub := NewHub(Config{
		BufferSize:     2,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, capture)

	run := hub.Begin("00000000-0000-0000-0000-000000000002", store.JobFetch)
	run.Emit(TypeItemSuccess, Payload{ItemsDone: 1})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("items done: %d\n", done)
	// Output:
	// items done: 1
}

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}
