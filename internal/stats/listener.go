package stats

import (
	"sync"

	"go.uber.org/zap"
)

// Listener receives a snapshot of the window once per rotation interval.
type Listener interface {
	OnSnapshot(Stats)
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func(Stats)

// OnSnapshot calls f(s).
func (f ListenerFunc) OnSnapshot(s Stats) { f(s) }

type subscription struct {
	id       uint64
	listener Listener
}

// listeners is an ordered, concurrency-safe set of subscriptions.
type listeners struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscription
	closed bool
}

func (l *listeners) add(ln Listener) (remove func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return func() {}
	}
	l.nextID++
	id := l.nextID
	l.subs = append(l.subs, subscription{id: id, listener: ln})

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *listeners) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, s := range l.subs {
		if s.id == id {
			l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
			return
		}
	}
}

func (l *listeners) snapshot() []Listener {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Listener, len(l.subs))
	for i, s := range l.subs {
		out[i] = s.listener
	}
	return out
}

func (l *listeners) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// close drops every subscription and refuses new ones.
func (l *listeners) close() {
	l.mu.Lock()
	l.subs = nil
	l.closed = true
	l.mu.Unlock()
}

// notify delivers s to every listener in registration order. Each listener
// gets its own copy. A panicking listener is logged and skipped.
func (l *listeners) notify(s Stats, logger *zap.Logger) {
	subs := l.snapshot()
	for i, ln := range subs {
		if i < len(subs)-1 {
			deliver(ln, s.clone(), logger)
			continue
		}
		deliver(ln, s, logger)
	}
}

func deliver(ln Listener, s Stats, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("snapshot listener panicked", zap.Any("panic", r))
		}
	}()
	ln.OnSnapshot(s)
}
