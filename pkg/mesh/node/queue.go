package node

import (
	"sync"

	"github.com/raghuariga/serval-dna/pkg/mesh/overlay"
	"github.com/rs/zerolog"
)

// defaultQueueLimit caps each class of the outbound queue.
const defaultQueueLimit = 64

// packetQueue is the node's outbound frame queue, one FIFO per queue class, drained in class
// priority order (voice before management before ordinary before opportunistic).
type packetQueue struct {
	log   zerolog.Logger
	limit int

	mu      sync.Mutex
	classes [overlay.OQMax][]*overlay.Frame
	notify  chan struct{}
}

func newPacketQueue(log zerolog.Logger, limit int) *packetQueue {
	if limit <= 0 {
		limit = defaultQueueLimit
	}
	return &packetQueue{
		log:    log,
		limit:  limit,
		notify: make(chan struct{}, 1),
	}
}

// Enqueue accepts a frame for transmission, reporting whether the queue took it.
// A full class refuses the frame rather than displacing queued traffic.
func (q *packetQueue) Enqueue(f *overlay.Frame) bool {
	if f == nil || f.Queue >= overlay.OQMax {
		return false
	}
	q.mu.Lock()
	if len(q.classes[f.Queue]) >= q.limit {
		q.mu.Unlock()
		q.log.Warn().Uint8("class", uint8(f.Queue)).Msg("outbound queue full, refusing frame")
		return false
	}
	q.classes[f.Queue] = append(q.classes[f.Queue], f)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// dequeue pops the next frame in priority order, or nil if all classes are empty.
func (q *packetQueue) dequeue() *overlay.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	for class := range q.classes {
		if len(q.classes[class]) > 0 {
			f := q.classes[class][0]
			q.classes[class] = q.classes[class][1:]
			return f
		}
	}
	return nil
}

// wait returns a channel that fires when a frame may be available.
func (q *packetQueue) wait() <-chan struct{} {
	return q.notify
}
