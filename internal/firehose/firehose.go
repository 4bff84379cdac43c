// Package firehose implements the sequenced commit event stream: a
// process-wide monotonic sequence counter and a set of best-effort
// subscribers fed DAG-CBOR-framed commit events.
package firehose

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/subcults/pds/internal/cid"
	"github.com/subcults/pds/internal/dagcbor"
)

// CommitEvent is one sequenced commit notification.
type CommitEvent struct {
	Seq    int64
	DID    string
	Rev    string
	Commit cid.CID
	Blocks []byte // CARv1 archive bytes
	Time   time.Time
}

// Encode serializes e as the DAG-CBOR map
// {$type, seq, did, rev, commit, blocks, time}, emitted in length-then-bytes
// key order per the map encoder.
func (e CommitEvent) Encode() ([]byte, error) {
	return dagcbor.Marshal(map[string]interface{}{
		"$type":  "com.atproto.sync.subscribeRepos#commit",
		"seq":    e.Seq,
		"did":    e.DID,
		"rev":    e.Rev,
		"commit": e.Commit,
		"blocks": e.Blocks,
		"time":   e.Time.UTC().Format("2006-01-02T15:04:05.000Z"),
	})
}

// Hub owns the sequence counter and the live subscriber set for one
// server process. It is a value a server's main wires into the RPC
// surface as a dependency, not a package-level global.
type Hub struct {
	logger *slog.Logger

	seq atomic.Int64

	mu   sync.RWMutex
	subs map[string]chan []byte
}

// NewHub creates an empty Hub. The sequence counter starts at 0; the
// first published event has seq 1.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		subs:   make(map[string]chan []byte),
	}
}

// nextSeq atomically increments and returns the new sequence value.
func (h *Hub) nextSeq() int64 {
	return h.seq.Add(1)
}

// CurrentSeq reads the sequence counter without incrementing it.
func (h *Hub) CurrentSeq() int64 {
	return h.seq.Load()
}

// ResetSeq resets the sequence counter to 0. Test-only.
func (h *Hub) ResetSeq() {
	h.seq.Store(0)
}

// Subscribe registers a new subscriber identified by id and returns a
// channel of encoded events plus an unsubscribe function. The channel is
// buffered; a subscriber that falls behind is evicted rather than
// allowed to block publication.
func (h *Hub) Subscribe(id string, bufferSize int) (events <-chan []byte, unsubscribe func()) {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	ch := make(chan []byte, bufferSize)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	return ch, func() { h.evict(id) }
}

func (h *Hub) evict(id string) {
	h.mu.Lock()
	ch, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish allocates the next sequence number, builds and encodes a
// CommitEvent, and delivers it to every current subscriber. Delivery is
// best-effort: a subscriber whose buffer is full is evicted immediately
// rather than blocking this call or dropping the event silently for
// everyone else.
func (h *Hub) Publish(ctx context.Context, did, rev string, commit cid.CID, blocks []byte, now time.Time) (int64, error) {
	seq := h.nextSeq()
	ev := CommitEvent{
		Seq:    seq,
		DID:    did,
		Rev:    rev,
		Commit: commit,
		Blocks: blocks,
		Time:   now,
	}
	encoded, err := ev.Encode()
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	targets := make(map[string]chan []byte, len(h.subs))
	for id, ch := range h.subs {
		targets[id] = ch
	}
	h.mu.RUnlock()

	for id, ch := range targets {
		select {
		case ch <- encoded:
		default:
			h.logger.Warn("firehose: evicting slow subscriber", slog.String("subscriber", id), slog.Int64("seq", seq))
			h.evict(id)
		}
	}

	return seq, nil
}

// SubscriberCount reports the number of currently registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
