package mesh

import "testing"

// oneNode is the NumNodes func most of these tests use: with
// RetransmitMult 0 and a single node, memberlist's own retransmit-limit
// formula floors at 1, so every queued broadcast survives exactly one
// Drain before being retired.
func oneNode() int { return 1 }

func TestBroadcastQueue_QueueAndDrain(t *testing.T) {
	q := newBroadcastQueue(oneNode, 0, 0)

	if !q.QueueBroadcast("", []byte("a"), nil) {
		t.Fatalf("queueing onto an unbounded queue should never be rejected")
	}
	if !q.QueueBroadcast("", []byte("b"), nil) {
		t.Fatalf("queueing onto an unbounded queue should never be rejected")
	}
	if q.NumQueued() != 2 {
		t.Fatalf("expected 2 queued, got %d", q.NumQueued())
	}

	out := q.Drain(0, 1024)
	if len(out) != 2 {
		t.Fatalf("expected both messages drained, got %d", len(out))
	}
	if q.NumQueued() != 0 {
		t.Fatalf("expected queue empty after drain, got %d", q.NumQueued())
	}
}

func TestBroadcastQueue_MaxDepth(t *testing.T) {
	q := newBroadcastQueue(oneNode, 0, 1)

	if !q.QueueBroadcast("", []byte("a"), nil) {
		t.Fatalf("first message should be accepted")
	}
	if q.QueueBroadcast("", []byte("b"), nil) {
		t.Fatalf("second message should be shed once maxDepth is reached")
	}
	if q.NumQueued() != 1 {
		t.Fatalf("expected 1 queued, got %d", q.NumQueued())
	}
}

func TestBroadcastQueue_ByteLimit(t *testing.T) {
	q := newBroadcastQueue(oneNode, 0, 0)
	q.QueueBroadcast("", []byte("aaaa"), nil)
	q.QueueBroadcast("", []byte("bbbb"), nil)

	// Each message costs overhead(0)+4 bytes; a limit of 4 admits only the
	// first message and leaves the second queued.
	out := q.Drain(0, 4)
	if len(out) != 1 {
		t.Fatalf("expected exactly 1 message under a tight byte limit, got %d", len(out))
	}
	if q.NumQueued() != 1 {
		t.Fatalf("expected 1 message left queued, got %d", q.NumQueued())
	}
}

func TestBroadcastQueue_NotifiesOnDrain(t *testing.T) {
	q := newBroadcastQueue(oneNode, 0, 0)

	notify := make(chan struct{})
	q.QueueBroadcast("", []byte("a"), notify)

	q.Drain(0, 1024)

	select {
	case <-notify:
	default:
		t.Fatalf("expected the notify channel to be closed once the message was drained")
	}
}

func TestBroadcastQueue_RetransmitsBeforeRetiring(t *testing.T) {
	// With enough nodes and a non-zero RetransmitMult, a broadcast should
	// survive more than one Drain before being retired.
	manyNodes := func() int { return 1000 }
	q := newBroadcastQueue(manyNodes, 4, 0)

	q.QueueBroadcast("", []byte("a"), nil)
	q.Drain(0, 1024)
	if q.NumQueued() != 1 {
		t.Fatalf("expected the broadcast to still be queued for further retransmission, got %d queued", q.NumQueued())
	}
}
