package storagecore

import (
	"context"

	"corekv/pkg/listener"
)

// controlRunner is the per-core single-producer, single-consumer FIFO
// that serializes control-plane work items: checkpoint creation, meta
// flushes, and transfer orchestration must never interleave with each
// other. Submit never blocks on task completion; it only enqueues.
type controlRunner struct {
	in chan func() error
	l  *listener.Listener[func() error]
}

func newControlRunner(onError func(error)) *controlRunner {
	in := make(chan func() error, 256)
	l := listener.New[func() error](in, func(task func() error) error {
		return task()
	})
	if onError != nil {
		l.OnError(onError)
	}
	return &controlRunner{in: in, l: l}
}

func (r *controlRunner) Start(ctx context.Context) { r.l.Start(ctx) }

func (r *controlRunner) Stop() { r.l.Stop() }

// Submit enqueues task for execution strictly after every previously
// submitted task has returned.
func (r *controlRunner) Submit(task func() error) {
	r.in <- task
}
