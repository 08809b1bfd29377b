// Package graceful runs shutdown callbacks once the process receives a
// termination signal.
package graceful

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

type Callback func(ctx context.Context) error

var (
	mu        sync.Mutex
	callbacks []Callback
)

// AddCallback registers fn to run on shutdown. Callbacks run in reverse
// registration order.
func AddCallback(fn Callback) {
	mu.Lock()
	defer mu.Unlock()

	callbacks = append(callbacks, fn)
}

// WaitShutdown blocks until SIGINT or SIGTERM and then runs the callbacks.
func WaitShutdown() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	return Shutdown(context.Background())
}

// Shutdown runs every registered callback and resets the list. Errors are
// joined; a failing callback does not prevent the others from running.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	pending := callbacks
	callbacks = nil
	mu.Unlock()

	var errs []error
	for i := len(pending) - 1; i >= 0; i-- {
		if err := pending[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
