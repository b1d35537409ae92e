package bus

import (
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
//
// Two kinds of subscribers exist. Channel subscribers (Subscribe) are
// best-effort and drop events when their buffer is full. Listeners (Listen)
// are invoked synchronously on the publishing goroutine, in publish order,
// and each one runs under its own recover so a panicking listener cannot
// stop delivery to the others.
type Bus struct {
	mu        sync.RWMutex
	subs      map[int]*subscription
	listeners []*listener
	next      int
	logger    *zap.Logger
}

type subscription struct {
	namespace string
	ch        chan Event
}

type listener struct {
	id        int
	namespace string
	fn        func(Event)
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs:   make(map[int]*subscription),
		logger: zap.NewNop(),
	}
}

// WithLogger sets the logger used to report listener panics.
func (b *Bus) WithLogger(logger *zap.Logger) *Bus {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// Publish delivers an event to every channel subscriber and listener whose
// namespace is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
			}
		}
	}
	var fns []*listener
	for _, l := range b.listeners {
		if strings.HasPrefix(evt.Kind, l.namespace) {
			fns = append(fns, l)
		}
	}
	b.mu.RUnlock()

	for _, l := range fns {
		b.invoke(l, evt)
	}
}

func (b *Bus) invoke(l *listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus listener panicked",
				zap.String("kind", evt.Kind),
				zap.String("namespace", l.namespace),
				zap.Any("panic", r))
		}
	}()
	l.fn(evt)
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Listen registers fn for events matching the namespace prefix. Listeners run
// in registration order. Returns an unsubscribe function.
func (b *Bus) Listen(namespace string, fn func(Event)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.listeners = append(b.listeners, &listener{id: id, namespace: namespace, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.listeners = slices.DeleteFunc(b.listeners, func(l *listener) bool { return l.id == id })
	}
}

// Emit publishes an event of the given kind stamped with the current time.
func (b *Bus) Emit(kind string, payload any) {
	b.Publish(NewEvent(kind, payload))
}
