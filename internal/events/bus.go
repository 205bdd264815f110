package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"folio/api/internal/logging"
	"folio/api/internal/metrics"
)

// Handler reacts to an event inside the process. Handlers run synchronously
// in registration order and must not block for long.
type Handler func(ctx context.Context, event Event)

// Sink forwards events outside the process.
type Sink interface {
	Name() string
	Send(ctx context.Context, event Event) error
	Close() error
}

// DefaultSendTimeout bounds one sink delivery when none is configured.
// Deliveries run on the publisher's goroutine, so a dead broker costs at
// most MaxFailures of these before its breaker opens.
const DefaultSendTimeout = time.Second

type BreakerOptions struct {
	// MaxFailures is the number of consecutive failures that opens a sink's
	// breaker.
	MaxFailures uint32
	// OpenTimeout is how long a tripped breaker stays open.
	OpenTimeout time.Duration
	// SendTimeout bounds a single delivery to a sink.
	SendTimeout time.Duration
}

func (o BreakerOptions) withDefaults() BreakerOptions {
	if o.MaxFailures == 0 {
		o.MaxFailures = 5
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 30 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	return o
}

type guardedSink struct {
	sink    Sink
	breaker *gobreaker.CircuitBreaker
}

// Bus fans events out to in-process subscribers and to external sinks.
type Bus struct {
	logger *zap.Logger
	opts   BreakerOptions

	mu          sync.RWMutex
	subscribers map[Kind][]Handler
	sinks       []guardedSink
}

func NewBus(logger *zap.Logger, opts BreakerOptions) *Bus {
	return &Bus{
		logger:      logging.OrNop(logger).Named("events"),
		opts:        opts.withDefaults(),
		subscribers: make(map[Kind][]Handler),
	}
}

func (b *Bus) Subscribe(kind Kind, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[kind] = append(b.subscribers[kind], handler)
}

func (b *Bus) AddSink(sink Sink) {
	maxFailures := b.opts.MaxFailures
	logger := b.logger
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        sink.Name(),
		MaxRequests: 1,
		Timeout:     b.opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("event sink breaker state change",
				zap.String("sink", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, guardedSink{sink: sink, breaker: breaker})
}

// Publish delivers event to subscribers, then to every sink in turn. The
// caller's cancellation does not cut deliveries short; each sink gets its
// own timeout instead.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[event.Kind]...)
	sinks := append([]guardedSink(nil), b.sinks...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.runHandler(ctx, handler, event)
	}

	base := context.WithoutCancel(ctx)
	for _, guarded := range sinks {
		b.send(base, guarded, event)
	}
}

func (b *Bus) runHandler(ctx context.Context, handler Handler, event Event) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("event handler panicked",
				zap.String("kind", string(event.Kind)),
				zap.Any("panic", p),
			)
		}
	}()
	handler(ctx, event)
}

func (b *Bus) send(ctx context.Context, guarded guardedSink, event Event) {
	sendCtx, cancel := context.WithTimeout(ctx, b.opts.SendTimeout)
	defer cancel()

	_, err := guarded.breaker.Execute(func() (interface{}, error) {
		return nil, guarded.sink.Send(sendCtx, event)
	})
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = "rejected"
	default:
		outcome = "failed"
	}
	metrics.EventsPublishedTotal.WithLabelValues(guarded.sink.Name(), string(event.Kind), outcome).Inc()
	if err != nil {
		b.logger.Warn("event sink delivery failed",
			zap.String("sink", guarded.sink.Name()),
			zap.String("kind", string(event.Kind)),
			zap.String("aggregate_id", event.AggregateID.String()),
			zap.Error(err),
		)
	}
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, guarded := range b.sinks {
		if err := guarded.sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.sinks = nil
	return errors.Join(errs...)
}
