package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrUnknownEvent = errors.New("no handler for event")

// Event is one unit of work. ID is stable across retries of the same event.
type Event struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Data    json.RawMessage `json:"data"`
	Attempt int             `json:"attempt"`
	// Final is set on the last attempt the runner will make.
	Final bool `json:"final"`
}

func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return Permanent(fmt.Errorf("error decoding %s payload: %w", e.Name, err))
	}
	return nil
}

type Handler func(ctx context.Context, ev Event) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Runner is an in-process, at-least-once event dispatcher. Failed handlers
// are retried with exponential backoff until they succeed, return a
// Permanent error or run out of attempts.
type Runner struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	queue   chan Event
	pending sync.WaitGroup

	// overflow holds events sent by handlers while the queue is full; a
	// handler blocking on the queue could hold the last free worker.
	overflowMu sync.Mutex
	overflow   []Event
	wake       chan struct{}

	workers     int
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	logger      *zap.Logger
}

type Option func(*Runner)

func WithWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithBackoff(initial, max time.Duration) Option {
	return func(r *Runner) {
		r.backoff = initial
		r.maxBackoff = max
	}
}

func WithQueueSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.queue = make(chan Event, n)
		}
	}
}

func NewRunner(logger *zap.Logger, opts ...Option) *Runner {
	r := &Runner{
		handlers:    make(map[string]Handler),
		queue:       make(chan Event, 1024),
		wake:        make(chan struct{}, 1),
		workers:     4,
		maxAttempts: 3,
		backoff:     200 * time.Millisecond,
		maxBackoff:  10 * time.Second,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) Handle(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Runner) handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Send enqueues an event and returns its id. It blocks while the queue is
// full, except when called from a handler.
func (r *Runner) Send(ctx context.Context, name string, payload any) (string, error) {
	if _, ok := r.handler(name); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("error encoding %s payload: %w", name, err)
	}

	ev := Event{ID: uuid.NewString(), Name: name, Data: data}
	r.pending.Add(1)
	if inHandler(ctx) {
		select {
		case r.queue <- ev:
		default:
			r.pushOverflow(ev)
		}
		r.logger.Debug("Event queued", zap.String("event", name), zap.String("event_id", ev.ID))
		return ev.ID, nil
	}

	select {
	case r.queue <- ev:
		r.logger.Debug("Event queued", zap.String("event", name), zap.String("event_id", ev.ID))
		return ev.ID, nil
	case <-ctx.Done():
		r.pending.Done()
		return "", ctx.Err()
	}
}

func (r *Runner) pushOverflow(ev Event) {
	r.overflowMu.Lock()
	r.overflow = append(r.overflow, ev)
	r.overflowMu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) popOverflow() (Event, bool) {
	r.overflowMu.Lock()
	defer r.overflowMu.Unlock()

	if len(r.overflow) == 0 {
		return Event{}, false
	}
	ev := r.overflow[0]
	r.overflow = r.overflow[1:]
	return ev, true
}

// Run processes events until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		g.Go(func() error {
			for {
				if ev, ok := r.popOverflow(); ok {
					r.process(gctx, ev)
					continue
				}
				select {
				case <-gctx.Done():
					return nil
				case ev := <-r.queue:
					r.process(gctx, ev)
				case <-r.wake:
				}
			}
		})
	}
	return g.Wait()
}

// Drain waits until every sent event, including events sent by handlers
// while draining, has finished.
func (r *Runner) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) process(ctx context.Context, ev Event) {
	defer r.pending.Done()

	h, ok := r.handler(ev.Name)
	if !ok {
		r.logger.Error("Dropping event without handler", zap.String("event", ev.Name))
		return
	}

	delay := r.backoff
	for attempt := 1; ; attempt++ {
		ev.Attempt = attempt
		ev.Final = attempt >= r.maxAttempts

		err := invoke(ctx, h, ev)
		if err == nil {
			return
		}
		if IsPermanent(err) || ev.Final {
			r.logger.Error("Event failed",
				zap.String("event", ev.Name),
				zap.String("event_id", ev.ID),
				zap.Int("attempt", attempt),
				zap.Bool("permanent", IsPermanent(err)),
				zap.Error(err))
			return
		}

		r.logger.Warn("Event failed, retrying",
			zap.String("event", ev.Name),
			zap.String("event_id", ev.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if r.maxBackoff > 0 && delay > r.maxBackoff {
			delay = r.maxBackoff
		}
	}
}

type handlerKey struct{}

func inHandler(ctx context.Context) bool {
	return ctx.Value(handlerKey{}) != nil
}

func invoke(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(context.WithValue(ctx, handlerKey{}, ev.ID), ev)
}
