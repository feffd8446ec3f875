// Package outbox queues packed messages until the substrate can deliver
// them, surviving restarts through the state store.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/peer-agent/pkg/store"
	"github.com/morezero/peer-agent/pkg/substrate"
)

const logPrefix = "outbox:outbox"

// Entry is one queued delivery. The payload is already packed; the queue
// never needs to understand it.
type Entry struct {
	Destination string `json:"destination"`
	Packed      string `json:"packed"`
}

// Transport is the delivery half of the substrate.
type Transport interface {
	Send(ctx context.Context, dest, packed string) substrate.Outcome
}

// NewOutboxParams holds Outbox construction parameters.
type NewOutboxParams struct {
	Transport Transport
	Store     store.Store
}

// Outbox is the durable send queue. Messages enqueued before the agent's
// identity is registered are held; marking the outbox ready flushes them
// in order.
type Outbox struct {
	transport Transport
	st        store.Store

	mu    sync.Mutex
	queue []Entry
	ready bool
}

// NewOutbox creates an Outbox.
func NewOutbox(params NewOutboxParams) *Outbox {
	return &Outbox{transport: params.Transport, st: params.Store}
}

// Len reports the number of queued entries.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Restore loads the persisted queue. An absent key means an empty queue.
func (o *Outbox) Restore(ctx context.Context) error {
	value, err := o.st.Get(ctx, store.KeyOutbox)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s - restore: %w", logPrefix, err)
	}

	var queue []Entry
	if err := json.Unmarshal([]byte(value), &queue); err != nil {
		return fmt.Errorf("%s - restore decode: %w", logPrefix, err)
	}

	o.mu.Lock()
	o.queue = queue
	o.mu.Unlock()
	slog.Info(fmt.Sprintf("%s - restored %d queued entries", logPrefix, len(queue)))
	return nil
}

// EnqueueAndSend appends the entry, persists the queue, and flushes if
// the outbox is ready. The persistence failure is the only hard error;
// delivery failures stay queued for the next flush.
func (o *Outbox) EnqueueAndSend(ctx context.Context, dest, packed string) error {
	o.mu.Lock()
	o.queue = append(o.queue, Entry{Destination: dest, Packed: packed})
	snapshot := o.snapshotLocked()
	ready := o.ready
	o.mu.Unlock()

	if err := o.persist(ctx, snapshot); err != nil {
		return err
	}
	if ready {
		o.Flush(ctx)
	}
	return nil
}

// SetReady marks the substrate as able to deliver and flushes the
// backlog.
func (o *Outbox) SetReady(ctx context.Context) {
	o.mu.Lock()
	o.ready = true
	o.mu.Unlock()
	o.Flush(ctx)
}

// Flush drains the queue in order. The cleared queue is persisted before
// any delivery is attempted, so the durable state never claims an entry
// the substrate may already have taken. Entries the substrate cannot
// deliver are re-queued at the tail, once each, and persisted again.
func (o *Outbox) Flush(ctx context.Context) (sent, retained int) {
	o.mu.Lock()
	pending := o.queue
	o.queue = nil
	cleared := o.snapshotLocked()
	o.mu.Unlock()

	if len(pending) == 0 {
		return 0, 0
	}
	if err := o.persist(ctx, cleared); err != nil {
		slog.Error(fmt.Sprintf("%s - persist before flush: %v", logPrefix, err))
	}

	var failed []Entry
	for _, entry := range pending {
		if out := o.transport.Send(ctx, entry.Destination, entry.Packed); out != substrate.OutcomeSuccess {
			slog.Warn(fmt.Sprintf("%s - delivery to %s failed (%s), re-queueing", logPrefix, entry.Destination, out))
			failed = append(failed, entry)
			continue
		}
		sent++
	}

	o.mu.Lock()
	// Entries enqueued mid-flush stay ahead of the retries.
	o.queue = append(o.queue, failed...)
	snapshot := o.snapshotLocked()
	o.mu.Unlock()

	if err := o.persist(ctx, snapshot); err != nil {
		slog.Error(fmt.Sprintf("%s - persist after flush: %v", logPrefix, err))
	}
	return sent, len(failed)
}

func (o *Outbox) snapshotLocked() []Entry {
	out := make([]Entry, len(o.queue))
	copy(out, o.queue)
	return out
}

func (o *Outbox) persist(ctx context.Context, queue []Entry) error {
	data, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("%s - persist encode: %w", logPrefix, err)
	}
	if err := o.st.Put(ctx, store.KeyOutbox, string(data)); err != nil {
		return fmt.Errorf("%s - persist: %w", logPrefix, err)
	}
	return nil
}
