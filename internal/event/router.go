package event

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/cardiff-babylab/tinyexplorer-detectionapp/internal/logging"
)

// ErrRouterClosed is returned when subscribing to a closed router.
var ErrRouterClosed = errors.New("event router closed")

// Handler receives events. It runs on the subscriber's own goroutine.
type Handler func(Event)

// Filter selects which events a subscriber receives.
type Filter func(Event) bool

// Kinds returns a filter accepting only the given kinds.
func Kinds(kinds ...Kind) Filter {
	return func(ev Event) bool {
		for _, k := range kinds {
			if ev.Kind == k {
				return true
			}
		}
		return false
	}
}

// PanicHandler is called when a subscriber handler panics.
type PanicHandler func(subscriber uint64, ev Event, recovered any, stack []byte)

// Stats are delivery counters for a router.
type Stats struct {
	Published   uint64
	Delivered   uint64
	Dropped     uint64
	Panicked    uint64
	Subscribers int
}

// Router delivers every published event to every matching subscriber.
// Each subscriber has its own bounded queue drained by its own goroutine,
// so a slow subscriber only loses its own events.
type Router struct {
	queueSize    int
	panicHandler PanicHandler
	logger       *log.Logger

	wg sync.WaitGroup

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	panicked  atomic.Uint64
}

type subscriber struct {
	id      uint64
	handler Handler
	filter  Filter
	queue   chan Event
	done    chan struct{}
	once    sync.Once
}

// Option configures a Router.
type Option func(*Router)

// WithQueueSize sets the per-subscriber queue size.
func WithQueueSize(size int) Option {
	return func(r *Router) {
		if size > 0 {
			r.queueSize = size
		}
	}
}

// WithPanicHandler sets the panic handler.
func WithPanicHandler(h PanicHandler) Option {
	return func(r *Router) {
		r.panicHandler = h
	}
}

// WithLogger sets the router logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Router) {
		r.logger = logging.Component(l, "events")
	}
}

// NewRouter creates a router.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		queueSize: 256,
		logger:    logging.Discard(),
		subs:      make(map[uint64]*subscriber),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.panicHandler == nil {
		r.panicHandler = func(id uint64, ev Event, recovered any, stack []byte) {
			r.logger.Error("subscriber panicked",
				"subscriber", id, "kind", ev.Kind, "panic", fmt.Sprint(recovered), "stack", string(stack))
		}
	}
	return r
}

// Subscription is a handle to an active subscription.
type Subscription struct {
	r  *Router
	id uint64
}

// Unsubscribe stops delivery. Events already queued are discarded.
func (s *Subscription) Unsubscribe() {
	s.r.remove(s.id)
}

// Subscribe registers h for events accepted by filter. A nil filter accepts
// everything.
func (r *Router) Subscribe(h Handler, filter Filter) (*Subscription, error) {
	if h == nil {
		return nil, errors.New("nil handler")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRouterClosed
	}

	r.nextID++
	sub := &subscriber{
		id:      r.nextID,
		handler: h,
		filter:  filter,
		queue:   make(chan Event, r.queueSize),
		done:    make(chan struct{}),
	}
	r.subs[sub.id] = sub
	r.wg.Add(1)
	go r.run(sub)

	return &Subscription{r: r, id: sub.id}, nil
}

// HasSubscribers reports whether any subscriber is registered.
func (r *Router) HasSubscribers() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs) > 0
}

// Publish enqueues ev for every matching subscriber. It never blocks.
func (r *Router) Publish(ev Event) {
	r.published.Add(1)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	for _, sub := range r.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.queue <- ev:
		default:
			r.dropped.Add(1)
			r.logger.Warn("subscriber queue full, dropping event", "subscriber", sub.id, "kind", ev.Kind)
		}
	}
}

func (r *Router) run(sub *subscriber) {
	defer r.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case ev, ok := <-sub.queue:
			if !ok {
				return
			}
			r.deliver(sub, ev)
		}
	}
}

func (r *Router) deliver(sub *subscriber, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.panicked.Add(1)
			r.panicHandler(sub.id, ev, rec, debug.Stack())
		}
	}()
	sub.handler(ev)
	r.delivered.Add(1)
}

func (r *Router) remove(id uint64) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()
	if ok {
		sub.once.Do(func() { close(sub.done) })
	}
}

// Close stops delivery to every subscriber and returns once queued events
// have been delivered. It must not be called from a handler.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[uint64]*subscriber)
	r.mu.Unlock()

	for _, sub := range subs {
		close(sub.queue)
	}
	r.wg.Wait()
}

// Stats returns a snapshot of the delivery counters.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	n := len(r.subs)
	r.mu.RUnlock()
	return Stats{
		Published:   r.published.Load(),
		Delivered:   r.delivered.Load(),
		Dropped:     r.dropped.Load(),
		Panicked:    r.panicked.Load(),
		Subscribers: n,
	}
}
