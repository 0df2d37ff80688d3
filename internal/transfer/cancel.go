package transfer

import (
	"context"
	"sync"
	"sync/atomic"
)

// CancelToken is the shared cancellation handle of a session. Every snapshot of a
// session points at the same token, so cancelling through any of them is visible to
// the running engine.
type CancelToken struct {
	cancelled atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc

	mu     sync.Mutex
	reason string
}

// NewCancelToken derives a token from parent. Cancelling parent cancels the token.
func NewCancelToken(parent context.Context) *CancelToken {
	ctx, cancel := context.WithCancel(parent)
	return &CancelToken{ctx: ctx, cancel: cancel}
}

// Cancel sets the flag and releases any goroutine blocked on Done. Only the first
// reason is kept.
func (t *CancelToken) Cancel(reason string) {
	if t.cancelled.CompareAndSwap(false, true) {
		t.mu.Lock()
		t.reason = reason
		t.mu.Unlock()
	}
	t.cancel()
}

// Cancelled is polled by the engines between chunks.
func (t *CancelToken) Cancelled() bool {
	return t.cancelled.Load()
}

func (t *CancelToken) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Context is done once the token is cancelled or its parent ends.
func (t *CancelToken) Context() context.Context {
	return t.ctx
}

// Release frees the context resources without marking the token cancelled.
func (t *CancelToken) Release() {
	t.cancel()
}

// Bind derives a context from ctx that also ends when t is cancelled. A nil token
// only wraps ctx.
func (t *CancelToken) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	if t == nil {
		return ctx, cancel
	}
	stop := context.AfterFunc(t.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// CheckCancelled returns a Cancelled error when t has been cancelled or ctx is
// done, and nil otherwise. t may be nil.
func CheckCancelled(ctx context.Context, t *CancelToken) error {
	if t != nil && t.Cancelled() {
		return NewCancelled(t.Reason())
	}
	if err := ctx.Err(); err != nil {
		return NewCancelled(err.Error())
	}
	return nil
}
