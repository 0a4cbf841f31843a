package engine

import (
	"context"
	"errors"
)

// ErrStopped is returned by Do once the coordinator has exited.
var ErrStopped = errors.New("coordinator stopped")

// Coordinator is the single writer of positions and risk state. Closures
// submitted through Do run one at a time on its goroutine, so a read and
// the write that depends on it cannot interleave with another writer.
// A closure must not call Do itself.
type Coordinator struct {
	ops  chan func()
	done chan struct{}
}

// NewCoordinator returns a coordinator that accepts work once Run starts.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		ops:  make(chan func()),
		done: make(chan struct{}),
	}
}

// Run executes submitted closures until ctx ends.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-c.ops:
			op()
		}
	}
}

// Do runs fn on the coordinator and waits for it. Once accepted, fn always
// runs to completion even if ctx ends meanwhile.
func (c *Coordinator) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}
	select {
	case c.ops <- op:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}
