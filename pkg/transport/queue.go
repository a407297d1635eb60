package transport

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultQueueMaxItems and DefaultQueueMaxBytes bound a peer's outbound
// queue. Once either cap is hit, the oldest queued frame is dropped to
// make room for the new one; the drop is logged, never silent.
const (
	DefaultQueueMaxItems = 100
	DefaultQueueMaxBytes = 8 * 1024 * 1024
)

// outboundQueue is a bounded FIFO of already-framed wire messages.
type outboundQueue struct {
	mu       sync.Mutex
	items    [][]byte
	bytes    int
	maxItems int
	maxBytes int
	log      *logrus.Entry
}

func newOutboundQueue(maxItems, maxBytes int, log *logrus.Entry) *outboundQueue {
	if maxItems <= 0 {
		maxItems = DefaultQueueMaxItems
	}
	if maxBytes <= 0 {
		maxBytes = DefaultQueueMaxBytes
	}
	return &outboundQueue{maxItems: maxItems, maxBytes: maxBytes, log: log}
}

// push appends item, evicting from the front until both caps are
// satisfied. Eviction of a not-yet-sent frame is a real loss (the peer
// will never see it); it is logged at warn level.
func (q *outboundQueue) push(item []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, item)
	q.bytes += len(item)

	for len(q.items) > q.maxItems || q.bytes > q.maxBytes {
		dropped := q.items[0]
		q.items = q.items[1:]
		q.bytes -= len(dropped)
		if q.log != nil {
			q.log.WithFields(logrus.Fields{
				"dropped_bytes": len(dropped),
				"queue_items":   len(q.items),
			}).Warn("transport: outbound queue full, dropping oldest frame")
		}
	}
}

// pop removes and returns the head item, if any.
func (q *outboundQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.bytes -= len(item)
	return item, true
}

// drain removes and returns every queued item, used when a peer closes so
// callers can see what was abandoned.
func (q *outboundQueue) drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	q.bytes = 0
	return items
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
