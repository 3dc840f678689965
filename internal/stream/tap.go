// Package stream lets operators listen to exactly what the voice transport
// receives. The voice sender publishes every delivered frame to a Tap, and
// MonitorHandler re-encodes subscribed frames to MP3 over HTTP.
package stream

import (
	"sync"
	"sync/atomic"
)

const listenerBuffer = 150 // ~3 seconds at 20ms/frame

// Tap fans out delivered PCM frames to N listeners. Publish never blocks;
// slow listeners lose frames.
type Tap struct {
	mu        sync.RWMutex
	listeners map[*Listener]struct{}

	published atomic.Int64
	dropped   atomic.Int64
}

// Listener receives frames from the tap.
type Listener struct {
	C    chan []int16
	done chan struct{}
	once sync.Once
}

// Done is closed when the listener is unsubscribed.
func (l *Listener) Done() <-chan struct{} { return l.done }

// NewTap creates a tap with no listeners.
func NewTap() *Tap {
	return &Tap{listeners: make(map[*Listener]struct{})}
}

// Subscribe registers a new listener.
func (t *Tap) Subscribe() *Listener {
	l := &Listener{
		C:    make(chan []int16, listenerBuffer),
		done: make(chan struct{}),
	}
	t.mu.Lock()
	t.listeners[l] = struct{}{}
	t.mu.Unlock()
	return l
}

// Unsubscribe removes a listener and signals it to stop. Safe to repeat.
func (t *Tap) Unsubscribe(l *Listener) {
	t.mu.Lock()
	delete(t.listeners, l)
	t.mu.Unlock()
	l.once.Do(func() { close(l.done) })
}

// ListenerCount returns the number of active listeners.
func (t *Tap) ListenerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.listeners)
}

// Publish hands frame to every listener. The frame must not be modified
// afterwards.
func (t *Tap) Publish(frame []int16) {
	t.published.Add(1)
	t.mu.RLock()
	defer t.mu.RUnlock()
	for l := range t.listeners {
		select {
		case l.C <- frame:
		default:
			t.dropped.Add(1)
		}
	}
}

// Stats reports frames published and frames dropped for slow listeners.
func (t *Tap) Stats() (published, dropped int64) {
	return t.published.Load(), t.dropped.Load()
}
