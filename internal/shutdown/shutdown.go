// Package shutdown provides the cooperative cancellation token shared by
// the coordinator and file processors. The host process decides what
// triggers it.
package shutdown

import "sync"

// Token is set once and never cleared.
type Token struct {
	once sync.Once
	done chan struct{}
}

// New returns an unset token.
func New() *Token {
	return &Token{done: make(chan struct{})}
}

// RequestCancel sets the token. Later calls are no-ops.
func (t *Token) RequestCancel() {
	t.once.Do(func() { close(t.done) })
}

// IsCancelled reports whether RequestCancel has been called.
func (t *Token) IsCancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed when the token is set.
func (t *Token) Done() <-chan struct{} {
	return t.done
}
