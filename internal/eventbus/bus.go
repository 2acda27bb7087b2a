package eventbus

import (
	"context"
	"regexp"
	"sync"

	"github.com/imld/daemon/internal/logging"
)

// Handler is invoked once per delivered event. Delivery within one
// subscriber is FIFO; delivery across subscribers is unordered.
type Handler func(ctx context.Context, evt *UniversalEvent)

// Bus is the pluggable pub/sub contract. An in-process fan-out
// implementation (MemoryBus) is the default backend; additional backends
// (e.g. Redis-backed, for multi-process deployments) share this interface.
type Bus interface {
	Publish(ctx context.Context, evt *UniversalEvent) error
	Subscribe(pattern string, h Handler) (unsubscribe func(), err error)
}

type subscription struct {
	id      int
	re      *regexp.Regexp
	handler Handler
	queue   chan *UniversalEvent
	done    chan struct{}
}

// MemoryBus is a best-effort, in-process fan-out bus with asynchronous
// delivery: Publish hands each matching event to the subscriber's
// 256-event queue without blocking and returns without waiting for any
// handler. Each subscriber has its own FIFO delivery goroutine so a slow
// handler never blocks publication to other subscribers; when a
// subscriber's queue is full the event is dropped for that subscriber and
// a warning is logged.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	logger logging.Logger
}

// NewMemoryBus constructs the default in-process bus backend.
func NewMemoryBus(logger logging.Logger) *MemoryBus {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &MemoryBus{subs: make(map[int]*subscription), logger: logger}
}

func (b *MemoryBus) Publish(ctx context.Context, evt *UniversalEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topic := normaliseTopic(evt.Topic)
	for _, s := range b.subs {
		if !s.re.MatchString(topic) {
			continue
		}
		select {
		case s.queue <- evt:
		default:
			b.logger.Warn("event bus subscriber queue full, dropping event", map[string]interface{}{
				"topic": evt.Topic, "event_id": evt.ID,
			})
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(pattern string, h Handler) (func(), error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscription{
		id:      id,
		re:      re,
		handler: h,
		queue:   make(chan *UniversalEvent, 256),
		done:    make(chan struct{}),
	}
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case evt := <-sub.queue:
				sub.handler(context.Background(), evt)
			case <-sub.done:
				return
			}
		}
	}()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(sub.done)
	}, nil
}
