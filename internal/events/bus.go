// Package events fans pipeline progress events out to subscribers without
// ever blocking the publisher.
package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"rag-tutor/internal/models"
)

const DefaultQueueSize = 256

// ErrUnsubscribed is returned by Next after the subscription is closed.
var ErrUnsubscribed = errors.New("events: subscription closed")

// Bus delivers every published event to every subscriber in publish order.
// Each subscriber has its own bounded queue; when it is full the oldest
// queued event is dropped.
type Bus struct {
	mu        sync.Mutex
	subs      map[uint64]*Subscription
	nextID    uint64
	queueSize int

	backlog     []models.Event
	backlogSize int
	closed      bool

	now func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the per-subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithBacklog keeps the last n events for subscribers that ask for replay.
func WithBacklog(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.backlogSize = n
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:      make(map[uint64]*Subscription),
		queueSize: DefaultQueueSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish stamps e with a timestamp and default animation if missing and
// enqueues it for every subscriber. It never blocks on a subscriber.
func (b *Bus) Publish(e models.Event) models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}
	if e.Animation == "" {
		e.Animation = DefaultAnimation(e.Phase)
	}

	if b.backlogSize > 0 {
		if len(b.backlog) == b.backlogSize {
			copy(b.backlog, b.backlog[1:])
			b.backlog = b.backlog[:len(b.backlog)-1]
		}
		b.backlog = append(b.backlog, e)
	}

	if b.closed {
		return e
	}
	for _, s := range b.subs {
		s.push(e)
	}
	return e
}

// Emit builds an event, attaches the phase explanation and publishes it.
func (b *Bus) Emit(phase models.Phase, typ models.EventType, message string, opts ...EmitOption) models.Event {
	o := emitOptions{level: LevelBrief}
	for _, opt := range opts {
		opt(&o)
	}

	e := models.Event{
		Phase:     phase,
		Type:      typ,
		Message:   message,
		SessionID: o.sessionID,
		Progress:  o.progress,
		Animation: o.animation,
		Origin:    o.origin,
	}
	if o.explanation != nil {
		e.Explanation = *o.explanation
	} else {
		e.Explanation = Explain(phase, o.level, o.vars)
	}
	return b.Publish(e)
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	replay    bool
	queueSize int
}

// WithReplay delivers the retained backlog before live events.
func WithReplay() SubscribeOption {
	return func(o *subscribeOptions) { o.replay = true }
}

// WithSubscriberQueue overrides the bus queue size for one subscriber.
func WithSubscriberQueue(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// Subscribe registers a new subscriber. Events published after Subscribe
// returns are delivered to it.
func (b *Bus) Subscribe(opts ...SubscribeOption) *Subscription {
	o := subscribeOptions{queueSize: b.queueSize}
	for _, opt := range opts {
		opt(&o)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{
		id:     b.nextID,
		bus:    b,
		queue:  make([]models.Event, o.queueSize),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if b.closed {
		s.once.Do(func() { close(s.done) })
		return s
	}
	if o.replay {
		for _, e := range b.backlog {
			s.push(e)
		}
	}
	b.subs[s.id] = s
	return s
}

// Close detaches every subscriber. Later publishes are dropped and later
// subscriptions are returned already closed.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Subscription is one subscriber's bounded queue.
type Subscription struct {
	id  uint64
	bus *Bus

	mu    sync.Mutex
	queue []models.Event // ring buffer
	head  int
	count int

	notify  chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func (s *Subscription) push(e models.Event) {
	s.mu.Lock()
	if s.count == len(s.queue) {
		s.head = (s.head + 1) % len(s.queue)
		s.count--
		s.dropped.Add(1)
	}
	s.queue[(s.head+s.count)%len(s.queue)] = e
	s.count++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pop() (models.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return models.Event{}, false
	}
	e := s.queue[s.head]
	s.queue[s.head] = models.Event{}
	s.head = (s.head + 1) % len(s.queue)
	s.count--
	return e, true
}

// Next blocks until an event is available or ctx is done. After Unsubscribe
// it returns ErrUnsubscribed even if events remain queued.
func (s *Subscription) Next(ctx context.Context) (models.Event, error) {
	for {
		select {
		case <-s.done:
			return models.Event{}, ErrUnsubscribed
		default:
		}
		if e, ok := s.pop(); ok {
			return e, nil
		}
		select {
		case <-s.notify:
		case <-s.done:
			return models.Event{}, ErrUnsubscribed
		case <-ctx.Done():
			return models.Event{}, ctx.Err()
		}
	}
}

// Unsubscribe detaches the subscriber. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s.id)
		close(s.done)
	})
}

// Close is Unsubscribe.
func (s *Subscription) Close() { s.Unsubscribe() }

// Done is closed once the subscription is unsubscribed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dropped is the number of events discarded because the queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Len is the number of queued events.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
