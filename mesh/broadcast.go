package mesh

import (
	"github.com/hashicorp/memberlist"
)

// broadcast implements memberlist.Broadcast for a single queued gossip
// payload. key, when non-empty, lets a newer broadcast invalidate an older
// one still waiting to go out for the same logical target (e.g. a
// superseding leave intent), so only the latest copy is ever transmitted.
type broadcast struct {
	key    string
	msg    []byte
	notify chan<- struct{}
}

func (b *broadcast) Invalidates(other memberlist.Broadcast) bool {
	ob, ok := other.(*broadcast)
	if !ok || b.key == "" {
		return false
	}
	return b.key == ob.key
}

func (b *broadcast) Message() []byte { return b.msg }

func (b *broadcast) Finished() {
	if b.notify != nil {
		close(b.notify)
	}
}

// broadcastQueue is a transmit-limited FIFO of pending gossip payloads,
// backed by memberlist.TransmitLimitedQueue: each message is retransmitted
// up to RetransmitMult*log(n+1) times (n from numNodes) before being
// retired, instead of going out in a single gossip round and being
// discarded. Three independent instances back the membership, query, and
// user-event broadcast paths; the delegate's GetBroadcasts drains them in
// that priority order.
type broadcastQueue struct {
	limited  *memberlist.TransmitLimitedQueue
	maxDepth int
}

func newBroadcastQueue(numNodes func() int, retransmitMult, maxDepth int) *broadcastQueue {
	return &broadcastQueue{
		limited: &memberlist.TransmitLimitedQueue{
			NumNodes:       numNodes,
			RetransmitMult: retransmitMult,
		},
		maxDepth: maxDepth,
	}
}

// QueueBroadcast enqueues msg under key (empty if nothing should invalidate
// it). If the queue is already at maxDepth the message is shed
// (backpressure) and ok is false.
func (q *broadcastQueue) QueueBroadcast(key string, msg []byte, notify chan<- struct{}) bool {
	if q.maxDepth > 0 && q.limited.NumQueued() >= q.maxDepth {
		return false
	}
	q.limited.QueueBroadcast(&broadcast{key: key, msg: msg, notify: notify})
	return true
}

// Drain returns up to byteLimit bytes worth of broadcasts (each costing
// overhead bytes of framing the caller already accounts for). Each
// returned message's remaining transmit count is decremented; it is
// retired (and its notify channel, if any, closed via Finished) once it
// has gone out RetransmitMult*log(n+1) times.
func (q *broadcastQueue) Drain(overhead, byteLimit int) [][]byte {
	return q.limited.GetBroadcasts(overhead, byteLimit)
}

// NumQueued reports the current depth, for the queue-depth monitor.
func (q *broadcastQueue) NumQueued() int {
	return q.limited.NumQueued()
}
