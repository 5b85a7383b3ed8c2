// Package cancel provides the cooperative cancellation signal shared by a
// session and every operation it starts.
//
// A Token is level-triggered: once cancelled it stays cancelled, and every
// waiter, present or future, observes it. Cancel is idempotent and safe to
// call from any goroutine.
package cancel

import (
	"context"
	"errors"
)

// ErrCancelled is the cause recorded on the token's context.
var ErrCancelled = errors.New("token cancelled")

// Token is a one-way cancellation signal backed by a context.
type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// New returns an armed token.
func New() *Token {
	return newToken(context.Background())
}

func newToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancel moves the token to the cancelled state. Calling it more than once is a no-op.
func (t *Token) Cancel() {
	t.cancel(ErrCancelled)
}

// IsCancelled reports whether Cancel has been called on the token or one of its parents.
func (t *Token) IsCancelled() bool {
	return t.ctx.Err() != nil
}

// Done returns a channel that is closed once the token is cancelled.
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Wait blocks until the token is cancelled, returning nil, or until ctx ends,
// returning ctx's error. An already cancelled token returns immediately.
func (t *Token) Wait(ctx context.Context) error {
	if t.IsCancelled() {
		return nil
	}
	select {
	case <-t.ctx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Context exposes the token as a context that is cancelled together with it.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Child returns a new token that is cancelled when t is cancelled.
// Cancelling the child does not affect t.
func (t *Token) Child() *Token {
	return newToken(t.ctx)
}
