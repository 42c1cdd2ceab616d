package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jsleemaster/ranch-agent/internal/snapshot"
)

const (
	DefaultFlushInterval    = 40 * time.Millisecond
	DefaultSnapshotInterval = 5 * time.Second
	DefaultQueueLimit       = 1000

	// maxBatch bounds how many queued messages go out per flush.
	maxBatch   = 64
	sendBuffer = 64
)

var ErrTooManyConnections = errors.New("too many websocket connections")

// Source supplies the state replayed to a client when it connects.
type Source interface {
	WorldInit() WorldInitMessage
	Feed() []snapshot.FeedEntry
	FilterState() snapshot.FilterState
}

type Options struct {
	FlushInterval    time.Duration
	SnapshotInterval time.Duration
	QueueLimit       int
	// MaxConnections of zero means unlimited.
	MaxConnections int
}

type client struct {
	id   string
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

// Broadcaster fans queued protocol messages out to websocket clients.
// Messages are coalesced and flushed as batches on a short timer.
type Broadcaster struct {
	mu             sync.RWMutex
	clients        map[*client]bool
	src            Source
	opts           Options
	snapshotTicker *time.Ticker
	done           chan struct{}
	stopOnce       sync.Once

	flushMu    sync.Mutex
	queue      []json.RawMessage
	dropped    int
	flushTimer *time.Timer
}

func NewBroadcaster(src Source, opts Options) *Broadcaster {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = DefaultSnapshotInterval
	}
	if opts.QueueLimit <= 0 {
		opts.QueueLimit = DefaultQueueLimit
	}
	b := &Broadcaster{
		clients: make(map[*client]bool),
		src:     src,
		opts:    opts,
		done:    make(chan struct{}),
	}

	b.snapshotTicker = time.NewTicker(opts.SnapshotInterval)
	go b.snapshotLoop()

	return b
}

// AddClient registers conn and queues its initial replay: world_init, the
// retained feed, then the current filter.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	if b.opts.MaxConnections > 0 && len(b.clients) >= b.opts.MaxConnections {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		b:    b,
		send: make(chan []byte, sendBuffer),
	}
	b.clients[c] = true
	b.mu.Unlock()

	go c.writePump()
	b.Replay(c)
	return c, nil
}

// Replay sends the full state to one client. Clients ask for it again
// with webview_ready after a reload.
func (b *Broadcaster) Replay(c *client) {
	if b.src == nil {
		return
	}
	if !b.sendTo(c, b.src.WorldInit()) {
		return
	}

	feed := b.src.Feed()
	for start := 0; start < len(feed); start += maxBatch {
		end := min(start+maxBatch, len(feed))
		msgs := make([]json.RawMessage, 0, end-start)
		for _, entry := range feed[start:end] {
			data, err := json.Marshal(FeedAppendMessage{Type: MsgFeedAppend, Event: entry})
			if err != nil {
				log.Printf("[ws] marshal feed entry %s: %v", entry.ID, err)
				continue
			}
			msgs = append(msgs, data)
		}
		if !b.sendTo(c, BatchMessage{Type: MsgBatch, Messages: msgs}) {
			return
		}
	}

	b.sendTo(c, NewFilterState(b.src.FilterState()))
}

func (b *Broadcaster) sendTo(c *client, msg any) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[ws] marshal error: %v", err)
		return false
	}
	b.mu.RLock()
	_, ok := b.clients[c]
	if ok {
		select {
		case c.send <- data:
		default:
			ok = false
		}
	}
	b.mu.RUnlock()
	if !ok {
		log.Printf("[ws] client %s too slow for replay, disconnecting", c.id)
		b.RemoveClient(c)
	}
	return ok
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

// Enqueue adds messages to the outgoing queue. When the queue exceeds its
// limit the oldest messages are discarded.
func (b *Broadcaster) Enqueue(msgs ...any) {
	encoded := make([]json.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			log.Printf("[ws] marshal error: %v", err)
			continue
		}
		encoded = append(encoded, data)
	}
	if len(encoded) == 0 {
		return
	}

	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.queue = append(b.queue, encoded...)
	if over := len(b.queue) - b.opts.QueueLimit; over > 0 {
		b.queue = append(b.queue[:0:0], b.queue[over:]...)
		b.dropped += over
	}

	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.opts.FlushInterval, b.flush)
	}
}

// QueueUpdate enqueues the messages describing one store update.
func (b *Broadcaster) QueueUpdate(u snapshot.Update) {
	b.Enqueue(UpdateMessages(u)...)
}

func (b *Broadcaster) QueueFilterState(f snapshot.FilterState) {
	b.Enqueue(NewFilterState(f))
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	n := min(len(b.queue), maxBatch)
	msgs := b.queue[:n:n]
	b.queue = b.queue[n:]
	dropped := b.dropped
	b.dropped = 0
	if len(b.queue) > 0 {
		b.flushTimer = time.AfterFunc(b.opts.FlushInterval, b.flush)
	} else {
		b.queue = nil
		b.flushTimer = nil
	}
	b.flushMu.Unlock()

	if dropped > 0 {
		log.Printf("[ws] queue over limit, dropped %d oldest message(s)", dropped)
	}
	switch len(msgs) {
	case 0:
		return
	case 1:
		b.broadcastRaw(msgs[0])
	default:
		b.broadcast(BatchMessage{Type: MsgBatch, Messages: msgs})
	}
}

// QueueLen reports how many messages are waiting for the next flush.
func (b *Broadcaster) QueueLen() int {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	return len(b.queue)
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.snapshotTicker.C:
			if b.src != nil && b.ClientCount() > 0 {
				b.broadcast(b.src.WorldInit())
			}
		}
	}
}

func (b *Broadcaster) broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[ws] broadcast marshal error: %v", err)
		return
	}
	b.broadcastRaw(data)
}

func (b *Broadcaster) broadcastRaw(data []byte) {
	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		b.mu.RLock()
		_, ok := b.clients[c]
		slow := false
		if ok {
			select {
			case c.send <- data:
			default:
				slow = true
			}
		}
		b.mu.RUnlock()
		if slow {
			// Client can't keep up, disconnect it
			log.Printf("[ws] client %s too slow, disconnecting", c.id)
			b.RemoveClient(c)
		}
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop halts the snapshot loop and any pending flush, and disconnects
// every client.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.snapshotTicker.Stop()

		b.flushMu.Lock()
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		b.queue = nil
		b.flushMu.Unlock()

		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			close(c.send)
		}
		b.mu.Unlock()
	})
}
