// Package demux fans inbound messages out to the current subscriber set:
// the discovery auto-responder, intent engine waiters, and the intent
// router all listen here. Each dispatch iterates a snapshot of the set so
// subscribers added or removed mid-dispatch cannot corrupt the pass.
package demux

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/peer-agent/pkg/substrate"
)

const logPrefix = "demux:demux"

// Demux is the inbound-event subscription manager.
type Demux struct {
	mu   sync.Mutex
	next int
	subs map[int]func(*substrate.Message)
}

// New creates an empty Demux.
func New() *Demux {
	return &Demux{subs: make(map[int]func(*substrate.Message))}
}

// Subscribe registers a handler and returns its unsubscribe function.
// Unsubscribing twice is harmless.
func (d *Demux) Subscribe(fn func(*substrate.Message)) func() {
	if fn == nil {
		return func() {}
	}
	d.mu.Lock()
	id := d.next
	d.next++
	d.subs[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

// Len reports the current subscriber count.
func (d *Demux) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Dispatch delivers msg to a snapshot of the current subscribers. A panic
// in one subscriber is logged and does not reach the others or the caller.
func (d *Demux) Dispatch(msg *substrate.Message) {
	if msg == nil {
		return
	}
	d.mu.Lock()
	snapshot := make([]func(*substrate.Message), 0, len(d.subs))
	for _, fn := range d.subs {
		snapshot = append(snapshot, fn)
	}
	d.mu.Unlock()

	for _, fn := range snapshot {
		d.invoke(fn, msg)
	}
}

func (d *Demux) invoke(fn func(*substrate.Message), msg *substrate.Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - subscriber panic on %s: %v", logPrefix, msg.Type, r))
		}
	}()
	fn(msg)
}
