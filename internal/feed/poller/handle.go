package poller

import (
	"context"
)

// Handle controls a poller running in the background.
// It is owned by the caller of Start.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Start runs the poller on its own goroutine until Stop is called or ctx is canceled.
func (p *Poller) Start(ctx context.Context) *Handle {
	return Go(ctx, p.Run)
}

// Go runs run on its own goroutine with a context canceled by Stop, and returns its handle.
func Go(ctx context.Context, run func(context.Context) error) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		h.err = run(ctx)
	}()

	return h
}

// Stop cancels the poller and waits for it to return.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

// Done is closed once the poller returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the error the poller returned with, or nil while it is still running.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}
