// internal/driver/context_utils.go
package driver

import (
	"context"
	"time"
)

// CombineContext returns a context that carries the values of primary (the
// browser tab context holding the CDP target) and is cancelled as soon as
// either primary or operational is done. context.Cause on the result reports
// which side ended it.
func CombineContext(primary, operational context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancelCause(primary)
	stop := context.AfterFunc(operational, func() {
		cancel(context.Cause(operational))
	})
	return combined, func() {
		stop()
		cancel(context.Canceled)
	}
}

// valueOnlyContext keeps the parent's values but drops its deadline and cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                   { return nil }
func (valueOnlyContext) Err() error                              { return nil }

// Detach returns a context that inherits values from ctx but is not cancelled
// when ctx is. Cleanup that must outlive a cancelled run (persisting a fresh
// login, releasing the browser) runs on a detached context with its own timeout.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
