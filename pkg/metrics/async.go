package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver hands events to inner on a background goroutine.
// Events are dropped, never queued unbounded, when the buffer is full, except
// for the lifecycle events named at construction: those wait for a slot.
type AsyncObserver struct {
	inner    Observer
	ch       chan MetricsEvent
	critical map[string]struct{}
	dropped  atomic.Int64
	closed   atomic.Bool
	once     sync.Once
	done     chan struct{}
}

// NewAsyncObserver buffers up to buffer events. Events named in critical are
// never dropped for lack of space; RecordEvent blocks until they are queued.
func NewAsyncObserver(inner Observer, buffer int, critical ...string) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		inner:    OrNoop(inner),
		ch:       make(chan MetricsEvent, buffer),
		critical: make(map[string]struct{}, len(critical)),
		done:     make(chan struct{}),
	}
	for _, name := range critical {
		a.critical[name] = struct{}{}
	}
	go a.loop()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil || a.closed.Load() {
		return
	}
	defer func() {
		// send on a channel closed concurrently by Close
		if recover() != nil {
			a.dropped.Add(1)
		}
	}()
	if _, ok := a.critical[ev.Name]; ok {
		a.ch <- ev
		return
	}
	select {
	case a.ch <- ev:
	default:
		a.dropped.Add(1)
	}
}

func (a *AsyncObserver) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits for the buffered ones to be delivered.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.closed.Store(true)
		close(a.ch)
	})
	<-a.done
}

func (a *AsyncObserver) loop() {
	defer close(a.done)
	for ev := range a.ch {
		a.inner.RecordEvent(ev)
	}
}
