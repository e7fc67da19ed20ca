package stream

import (
	"sync"

	"github.com/google/uuid"

	"github.com/marko911/chainhub/internal/metrics"
	protov1 "github.com/marko911/chainhub/pkg/proto/v1"
)

// Handler receives events for one listener. Handlers run on a goroutine
// owned by the listener and may block without affecting other listeners,
// but a listener that blocks long enough to fill its buffer misses events.
// See Stream.OnEvent.
type Handler func(protov1.Event)

const defaultListenerBuffer = 256

type listener struct {
	id      string
	events  chan protov1.Event
	handler Handler
}

func (l *listener) run() {
	for ev := range l.events {
		l.handler(ev)
	}
}

// fanout delivers each event to every listener without blocking the
// publisher. A listener whose buffer is full misses the event.
type fanout struct {
	chain  string
	buffer int

	mu        sync.RWMutex
	listeners map[string]*listener
	closed    bool
}

func newFanout(chain string, buffer int) *fanout {
	if buffer <= 0 {
		buffer = defaultListenerBuffer
	}
	return &fanout{
		chain:     chain,
		buffer:    buffer,
		listeners: make(map[string]*listener),
	}
}

// add registers h and returns a function that removes it. After close, add
// returns a no-op cancel and h never runs.
func (f *fanout) add(h Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return func() {}
	}

	l := &listener{
		id:      uuid.NewString(),
		events:  make(chan protov1.Event, f.buffer),
		handler: h,
	}
	f.listeners[l.id] = l
	go l.run()

	var once sync.Once
	return func() {
		once.Do(func() { f.remove(l.id) })
	}
}

func (f *fanout) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.listeners[id]; ok {
		delete(f.listeners, id)
		close(l.events)
	}
}

func (f *fanout) publish(ev protov1.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, l := range f.listeners {
		select {
		case l.events <- ev:
		default:
			metrics.StreamListenerDropped.WithLabelValues(f.chain).Inc()
		}
	}
}

// close stops every listener once it has drained its buffer.
func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, l := range f.listeners {
		delete(f.listeners, id)
		close(l.events)
	}
}

func (f *fanout) len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.listeners)
}
