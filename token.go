package mqlink

import (
	"context"
	"sync"
)

// Token is the handle returned by asynchronous operations. It resolves
// exactly once: with nil on success, or with the error that terminated the
// operation (expiry, cancellation, client disposal).
type Token interface {
	// Done is closed when the operation completes.
	Done() <-chan struct{}

	// Err returns the outcome. It is only meaningful after Done is closed;
	// before that it returns nil.
	Err() error

	// Wait blocks until the operation completes or the context is
	// cancelled, and returns the outcome.
	Wait(ctx context.Context) error
}

// token is the single Token implementation.
type token struct {
	mu   sync.Mutex
	done chan struct{}
	err  error
}

func newToken() *token {
	return &token{done: make(chan struct{})}
}

// complete resolves the token. Later calls are no-ops so an entry can be
// acknowledged, cancelled and expired in any racy order without panicking.
func (t *token) complete(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.done:
		return
	default:
	}
	t.err = err
	close(t.done)
}

func (t *token) completed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed when the operation completes.
func (t *token) Done() <-chan struct{} { return t.done }

// Err returns the outcome after Done is closed.
func (t *token) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until completion or context cancellation.
func (t *token) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// completedToken returns an already-resolved token, used for operations
// that finish synchronously.
func completedToken(err error) *token {
	t := newToken()
	t.complete(err)
	return t
}

// PublishToken tracks one publish through its delivery handshake. For
// QoS 0 it resolves as soon as the packet is written.
type PublishToken struct {
	*token
	cancel func() error

	// Topic is the topic the message was published to.
	Topic string
}

// Cancel removes the pending entry from the outbox. It is a no-op if the
// handshake already completed.
func (t *PublishToken) Cancel() error {
	if t.cancel == nil {
		return nil
	}
	return t.cancel()
}

// SubscribeToken tracks a subscribe or unsubscribe request until the broker
// acknowledges it.
type SubscribeToken struct {
	*token

	// Filters are the topic filters in the request.
	Filters []string

	mu      sync.Mutex
	granted []byte
}

// Granted returns the per-filter granted QoS levels (SubackFailure for a
// rejected filter), in request order. Only meaningful after Done.
func (t *SubscribeToken) Granted() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.granted
}

func (t *SubscribeToken) setGranted(codes []byte) {
	t.mu.Lock()
	t.granted = codes
	t.mu.Unlock()
}
