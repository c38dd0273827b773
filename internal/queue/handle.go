package queue

import (
	"context"
	"sync"
)

// Handle is the completion of one queued request. It resolves exactly once.
type Handle struct {
	once     sync.Once
	done     chan struct{}
	text     string
	fallback bool
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) resolve(text string, fallback bool) {
	h.once.Do(func() {
		h.text = text
		h.fallback = fallback
		close(h.done)
	})
}

// Done is closed when the handle resolves.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the handle resolves or ctx ends. The error is only ever
// the context's.
func (h *Handle) Wait(ctx context.Context) (string, error) {
	select {
	case <-h.done:
		return h.text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Fallback reports whether the resolved text is a fallback. Only meaningful
// after Done is closed.
func (h *Handle) Fallback() bool {
	<-h.done
	return h.fallback
}
