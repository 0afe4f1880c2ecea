package ipblock

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
)

type flushWaiter struct {
	gen uint64
	ch  chan struct{}
}

// snapshotWriter serialises writes to one durable record. Scheduling a write
// replaces any write that has not started yet, so a burst of mutations turns
// into at most one write in flight plus one pending, and the last write to
// land is always the last one scheduled.
type snapshotWriter struct {
	name string

	mu        sync.Mutex
	pending   func() error
	scheduled uint64
	written   uint64
	waiters   []flushWaiter
	closed    bool

	kick chan struct{}
	done chan struct{}
}

func newSnapshotWriter(name string) *snapshotWriter {
	w := &snapshotWriter{
		name: name,
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

// Schedule queues write. write must only touch data captured at call time.
func (w *snapshotWriter) Schedule(write func() error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		log.Warn("Dropping write on closed writer", "writer", w.name)
		return
	}

	w.pending = write
	w.scheduled++

	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *snapshotWriter) run() {
	defer close(w.done)

	for range w.kick {
		for {
			w.mu.Lock()
			write, gen := w.pending, w.scheduled
			w.pending = nil
			w.mu.Unlock()

			if write == nil {
				break
			}

			if err := write(); err != nil {
				log.Error("Error persisting state", "writer", w.name, "error", err)
			}

			w.mu.Lock()
			w.written = gen
			w.releaseWaitersLocked()
			w.mu.Unlock()
		}
	}
}

func (w *snapshotWriter) releaseWaitersLocked() {
	remaining := w.waiters[:0]
	for _, waiter := range w.waiters {
		if waiter.gen <= w.written {
			close(waiter.ch)
			continue
		}
		remaining = append(remaining, waiter)
	}
	w.waiters = remaining
}

// Flush waits until every write scheduled before the call has completed.
func (w *snapshotWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	if w.written >= w.scheduled {
		w.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	w.waiters = append(w.waiters, flushWaiter{gen: w.scheduled, ch: ch})
	w.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close finishes outstanding writes and stops the writer goroutine. Calling
// it again waits for the same shutdown.
func (w *snapshotWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.kick)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
