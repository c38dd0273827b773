// Package queue serializes and paces calls to the generation service.
package queue

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/wabridge/internal/ai/aierr"
	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/prompt"
	"golang.org/x/time/rate"
)

// Defaults applied when Options leave a field zero.
const (
	DefaultMinInterval    = 2 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

var errEmptyReply = errors.New("empty reply")

// Generator is the text-generation collaborator.
type Generator interface {
	Generate(ctx context.Context, promptText, system string) (string, error)
}

// Options configures a Queue.
type Options struct {
	MinInterval    time.Duration
	RequestTimeout time.Duration
	Profile        *prompt.Profile
	Logger         *slog.Logger
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Pending    int   `json:"pending"`
	Dispatched int64 `json:"dispatched"`
	Failures   int64 `json:"failures"`
}

type request struct {
	prompt     string
	snapshot   domain.ContextSnapshot
	enqueuedAt time.Time
	handle     *Handle
}

// Queue is a FIFO of generation requests drained by a single consumer.
// Dispatch starts are spaced at least MinInterval apart and at most one
// generation call is in flight.
type Queue struct {
	gen     Generator
	profile *prompt.Profile
	limiter *rate.Limiter
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	items   *list.List
	stopped bool
	wake    chan struct{}

	dispatched atomic.Int64
	failures   atomic.Int64
}

// New creates a queue that dispatches to gen.
func New(gen Generator, opts Options) *Queue {
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Profile == nil {
		opts.Profile = prompt.DefaultProfile()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Queue{
		gen:     gen,
		profile: opts.Profile,
		limiter: rate.NewLimiter(rate.Every(opts.MinInterval), 1),
		timeout: opts.RequestTimeout,
		logger:  opts.Logger,
		items:   list.New(),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue appends a request and returns its handle. The handle always
// resolves to displayable text.
func (q *Queue) Enqueue(promptText string, snap domain.ContextSnapshot) *Handle {
	h := newHandle()
	req := &request{
		prompt:     promptText,
		snapshot:   snap,
		enqueuedAt: time.Now(),
		handle:     h,
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		h.resolve(q.genericFallback(), true)
		return h
	}
	q.items.PushBack(req)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return h
}

// Run drains the queue until ctx is cancelled. Requests still queued at
// shutdown resolve to a generic fallback.
func (q *Queue) Run(ctx context.Context) error {
	defer q.shutdown()

	for {
		req := q.pop()
		if req == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-q.wake:
				continue
			}
		}

		if err := q.limiter.Wait(ctx); err != nil {
			req.handle.resolve(q.genericFallback(), true)
			return nil
		}
		q.dispatch(ctx, req)
	}
}

// Stats returns current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending := q.items.Len()
	q.mu.Unlock()
	return Stats{
		Pending:    pending,
		Dispatched: q.dispatched.Load(),
		Failures:   q.failures.Load(),
	}
}

func (q *Queue) pop() *request {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.items.Front()
	if front == nil {
		return nil
	}
	return q.items.Remove(front).(*request)
}

func (q *Queue) dispatch(ctx context.Context, req *request) {
	q.dispatched.Add(1)
	q.logger.Debug("Dispatching generation request",
		"queued_for", time.Since(req.enqueuedAt),
		"sender", req.snapshot.SenderName)

	callCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	system := q.profile.SystemPrompt(req.snapshot)
	text, err := q.gen.Generate(callCtx, req.prompt, system)
	if err == nil {
		text = strings.TrimSpace(text)
		if text == "" {
			err = errEmptyReply
		}
	}
	if err != nil {
		q.failures.Add(1)
		fallback := q.fallbackFor(err)
		q.logger.Warn("Generation failed, using fallback", "error", err, "class", aierr.Classify(err))
		req.handle.resolve(fallback, true)
		return
	}

	req.handle.resolve(text, false)
}

func (q *Queue) shutdown() {
	q.mu.Lock()
	q.stopped = true
	var pending []*request
	for e := q.items.Front(); e != nil; e = e.Next() {
		pending = append(pending, e.Value.(*request))
	}
	q.items.Init()
	q.mu.Unlock()

	for _, req := range pending {
		req.handle.resolve(q.genericFallback(), true)
	}
	if len(pending) > 0 {
		q.logger.Info("Queue stopped, resolved pending requests with fallback", "count", len(pending))
	}
}

func (q *Queue) fallbackFor(err error) string {
	fb := q.profile.Fallbacks
	switch aierr.Classify(err) {
	case aierr.ErrAuth:
		return fb.Auth
	case aierr.ErrRateLimit:
		return fb.RateLimit
	case aierr.ErrNetwork:
		return fb.Network
	default:
		return q.genericFallback()
	}
}

func (q *Queue) genericFallback() string {
	generic := q.profile.Fallbacks.Generic
	return generic[rand.IntN(len(generic))]
}
