package queue

import (
	"context"
	"errors"
	"sync"
)

// MemoryTransport is an in-process Transport for single-binary deployments
// and tests.
type MemoryTransport struct {
	mu       sync.Mutex
	requests chan Request
	replies  map[string]chan Response
	closed   bool
}

// NewMemoryTransport creates an in-process transport with the given request
// buffer size.
func NewMemoryTransport(buffer int) *MemoryTransport {
	if buffer <= 0 {
		buffer = 100
	}
	return &MemoryTransport{
		requests: make(chan Request, buffer),
		replies:  make(map[string]chan Response),
	}
}

func (t *MemoryTransport) PublishRequest(ctx context.Context, req Request) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	t.mu.Unlock()

	select {
	case t.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *MemoryTransport) Requests(ctx context.Context) (<-chan Request, error) {
	out := make(chan Request)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case req, ok := <-t.requests:
				if !ok {
					return
				}
				select {
				case out <- req:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (t *MemoryTransport) PublishResponse(ctx context.Context, replyTo string, res Response) error {
	ch := t.replyChannel(replyTo)
	select {
	case ch <- res:
	default:
		// Requester gone or saturated; the response would expire on a real
		// broker, so dropping matches the contract.
	}
	return nil
}

func (t *MemoryTransport) Responses(ctx context.Context, replyTo string) (<-chan Response, error) {
	ch := t.replyChannel(replyTo)
	out := make(chan Response)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case res, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- res:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (t *MemoryTransport) replyChannel(replyTo string) chan Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.replies[replyTo]
	if !ok {
		ch = make(chan Response, 100)
		t.replies[replyTo] = ch
	}
	return ch
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.requests)
	return nil
}
