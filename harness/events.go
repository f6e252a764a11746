package harness

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// EventBus fans events out to listeners from a single goroutine.
type EventBus struct {
	ch        chan Event
	mu        sync.RWMutex
	listeners []Listener
	dropped   uint64
	logger    *logrus.Entry
}

func NewEventBus(size int, logger *logrus.Entry, listeners ...Listener) *EventBus {
	return &EventBus{
		ch:        make(chan Event, size),
		listeners: listeners,
		logger:    logger,
	}
}

// AddListener registers l. Listeners added while the bus is running only see later events.
func (b *EventBus) AddListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Fire queues the event. If the queue is full the event is dropped and counted.
func (b *EventBus) Fire(e Event) {
	select {
	case b.ch <- e:
	default:
		if atomic.AddUint64(&b.dropped, 1)%1000 == 1 {
			b.logger.Warnf("Event queue full, %d events dropped so far", atomic.LoadUint64(&b.dropped))
		}
	}
}

func (b *EventBus) Dropped() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

// Run dispatches until the context is cancelled, then drains whatever is queued.
func (b *EventBus) Run(ctx context.Context) {
	for {
		select {
		case e := <-b.ch:
			b.dispatch(e)
		case <-ctx.Done():
			b.drain()
			b.logger.Debug("Event bus stopped")
			return
		}
	}
}

func (b *EventBus) drain() {
	for {
		select {
		case e := <-b.ch:
			b.dispatch(e)
		default:
			return
		}
	}
}

func (b *EventBus) dispatch(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, l := range b.listeners {
		l.OnEvent(e)
	}
}
