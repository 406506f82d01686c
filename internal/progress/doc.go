// Package progress defines the job event vocabulary and the Hub that orders,
// streams and batches those events. Runners emit through a per-run Emitter;
// stream listeners subscribe per job; sinks receive batches on a background
// goroutine and never slow the runner down.
package progress
