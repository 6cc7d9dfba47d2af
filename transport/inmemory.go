package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/get-consistently/go-consistently/logger"
)

// Default values used by InMemory.
const (
	DefaultAckTimeout      = 5 * time.Second
	DefaultRedeliveryDelay = 100 * time.Millisecond
	DefaultMaxDeliveries   = 10
	DefaultQueueSize       = 1024
)

// InMemoryOption configures an InMemory Transport.
type InMemoryOption func(*InMemory)

// WithAckTimeout sets the time after which an unsettled Delivery is redelivered.
func WithAckTimeout(d time.Duration) InMemoryOption {
	return func(t *InMemory) { t.ackTimeout = d }
}

// WithRedeliveryDelay sets the delay before redelivering a negatively acknowledged Delivery.
func WithRedeliveryDelay(d time.Duration) InMemoryOption {
	return func(t *InMemory) { t.redeliveryDelay = d }
}

// WithMaxDeliveries sets the maximum number of delivery attempts of a Message,
// after which the Message is dropped.
func WithMaxDeliveries(n int) InMemoryOption {
	return func(t *InMemory) { t.maxDeliveries = n }
}

// WithQueueSize sets the size of the queue of each topic.
func WithQueueSize(n int) InMemoryOption {
	return func(t *InMemory) { t.queueSize = n }
}

// WithLogger sets the Logger used by the InMemory Transport.
func WithLogger(l logger.Logger) InMemoryOption {
	return func(t *InMemory) { t.logger = l }
}

type envelope struct {
	id       uint64
	msg      Message
	attempts int
}

type inflight struct {
	envelope *envelope
	deadline time.Time
}

type topic struct {
	queue   chan *envelope
	handler Handler
}

var _ Transport = new(InMemory)

// InMemory is an in-process Transport with at-least-once delivery,
// acknowledgements and redelivery of unsettled Messages.
//
// Use NewInMemory to create a new instance, and Run to start delivering Messages.
type InMemory struct {
	ackTimeout      time.Duration
	redeliveryDelay time.Duration
	maxDeliveries   int
	queueSize       int
	logger          logger.Logger

	mx       sync.Mutex
	topics   map[string]*topic
	inflight map[uint64]inflight
	nextID   uint64
	closed   bool
	done     chan struct{}

	dropped int
}

// NewInMemory returns a new InMemory Transport.
func NewInMemory(options ...InMemoryOption) *InMemory {
	t := &InMemory{
		ackTimeout:      DefaultAckTimeout,
		redeliveryDelay: DefaultRedeliveryDelay,
		maxDeliveries:   DefaultMaxDeliveries,
		queueSize:       DefaultQueueSize,
		topics:          make(map[string]*topic),
		inflight:        make(map[uint64]inflight),
		done:            make(chan struct{}),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

func (t *InMemory) topicFor(name string) *topic {
	tp, ok := t.topics[name]
	if !ok {
		tp = &topic{queue: make(chan *envelope, t.queueSize)}
		t.topics[name] = tp
	}

	return tp
}

// Subscribe implements the Subscriber interface.
//
// Subscriptions must happen before calling Run.
func (t *InMemory) Subscribe(name string, handler Handler) error {
	t.mx.Lock()
	defer t.mx.Unlock()

	tp := t.topicFor(name)
	if tp.handler != nil {
		return fmt.Errorf("transport.InMemory: %w, '%s'", ErrAlreadySubscribed, name)
	}

	tp.handler = handler

	return nil
}

// Send implements the Sender interface.
func (t *InMemory) Send(ctx context.Context, msg Message) error {
	t.mx.Lock()
	if t.closed {
		t.mx.Unlock()
		return fmt.Errorf("transport.InMemory: failed to send to '%s', %w", msg.Topic, ErrClosed)
	}

	t.nextID++
	env := &envelope{id: t.nextID, msg: msg}
	queue := t.topicFor(msg.Topic).queue
	t.mx.Unlock()

	select {
	case queue <- env:
		return nil
	case <-t.done:
		return fmt.Errorf("transport.InMemory: failed to send to '%s', %w", msg.Topic, ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("transport.InMemory: failed to send to '%s', %w", msg.Topic, ctx.Err())
	}
}

// Unsettled returns the number of delivered Messages not settled yet.
func (t *InMemory) Unsettled() int {
	t.mx.Lock()
	defer t.mx.Unlock()

	return len(t.inflight)
}

// Dropped returns the number of Messages dropped after exhausting their deliveries.
func (t *InMemory) Dropped() int {
	t.mx.Lock()
	defer t.mx.Unlock()

	return t.dropped
}

// Run delivers the Messages sent to the subscribed topics,
// until the context is done or Close is called.
func (t *InMemory) Run(ctx context.Context) error {
	t.mx.Lock()
	subscribed := make(map[string]*topic, len(t.topics))

	for name, tp := range t.topics {
		if tp.handler != nil {
			subscribed[name] = tp
		}
	}
	t.mx.Unlock()

	group, ctx := errgroup.WithContext(ctx)

	for name, tp := range subscribed {
		group.Go(func() error {
			t.dispatch(ctx, name, tp)
			return nil
		})
	}

	group.Go(func() error {
		t.sweep(ctx)
		return nil
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("transport.InMemory: failed to run, %w", err)
	}

	return nil
}

// Close stops the Transport: Messages not delivered yet are discarded.
func (t *InMemory) Close() {
	t.mx.Lock()
	defer t.mx.Unlock()

	if t.closed {
		return
	}

	t.closed = true
	close(t.done)
}

func (t *InMemory) dispatch(ctx context.Context, name string, tp *topic) {
	for {
		select {
		case env := <-tp.queue:
			t.deliver(ctx, name, tp, env)
		case <-t.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (t *InMemory) deliver(ctx context.Context, name string, tp *topic, env *envelope) {
	t.mx.Lock()
	env.attempts++
	t.inflight[env.id] = inflight{envelope: env, deadline: time.Now().Add(t.ackTimeout)}
	t.mx.Unlock()

	if env.attempts > 1 {
		logger.Debug(t.logger, "transport: redelivering message",
			logger.With("topic", name),
			logger.With("key", env.msg.Key),
			logger.With("attempt", env.attempts),
		)
	}

	tp.handler(ctx, NewDelivery(env.msg, env.attempts, func(ok bool) {
		t.settle(env, ok)
	}))
}

func (t *InMemory) settle(env *envelope, ok bool) {
	t.mx.Lock()
	_, pending := t.inflight[env.id]
	delete(t.inflight, env.id)
	t.mx.Unlock()

	if !pending || ok {
		return
	}

	time.AfterFunc(t.redeliveryDelay, func() { t.requeue(env) })
}

func (t *InMemory) requeue(env *envelope) {
	t.mx.Lock()
	if t.closed {
		t.mx.Unlock()
		return
	}

	if t.maxDeliveries > 0 && env.attempts >= t.maxDeliveries {
		t.dropped++
		t.mx.Unlock()

		logger.Error(t.logger, "transport: message dropped after exhausting its deliveries",
			logger.With("topic", env.msg.Topic),
			logger.With("key", env.msg.Key),
			logger.With("attempts", env.attempts),
		)

		return
	}

	queue := t.topicFor(env.msg.Topic).queue
	t.mx.Unlock()

	select {
	case queue <- env:
	case <-t.done:
	}
}

func (t *InMemory) sweep(ctx context.Context) {
	interval := t.ackTimeout / 2
	if interval <= 0 {
		interval = time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-t.done:
			return
		case <-ctx.Done():
			return
		}

		now := time.Now()

		var expired []*envelope

		t.mx.Lock()
		for id, f := range t.inflight {
			if now.After(f.deadline) {
				delete(t.inflight, id)
				expired = append(expired, f.envelope)
			}
		}
		t.mx.Unlock()

		for _, env := range expired {
			logger.Warn(t.logger, "transport: message not settled in time",
				logger.With("topic", env.msg.Topic),
				logger.With("key", env.msg.Key),
				logger.With("attempt", env.attempts),
			)

			go t.requeue(env)
		}
	}
}
