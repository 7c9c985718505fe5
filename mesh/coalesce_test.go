package mesh

import (
	"testing"
	"time"
)

func testCoalescer(cPeriod, qPeriod time.Duration) (chan<- Event, <-chan Event, chan<- struct{}) {
	if cPeriod == 0 {
		cPeriod = 10 * time.Millisecond
	}
	if qPeriod == 0 {
		qPeriod = 5 * time.Millisecond
	}

	out := make(chan Event)
	shutdown := make(chan struct{})
	in := coalescedEventCh(out, shutdown, cPeriod, qPeriod, newMemberEventCoalescer())
	return in, out, shutdown
}

func TestCoalesceLoop_QuantumFlush(t *testing.T) {
	// A short quantum with a long quiescent period: the flush should be
	// driven by the quantum deadline, not quiescence.
	in, out, shutdown := testCoalescer(5*time.Millisecond, 10*time.Second)
	defer close(shutdown)

	in <- MemberEvent{Type: EventMemberJoin, Members: []Member{{Name: "foo"}}}
	in <- MemberEvent{Type: EventMemberLeave, Members: []Member{{Name: "foo"}}}

	select {
	case e := <-out:
		me := e.(MemberEvent)
		if me.Type != EventMemberLeave {
			t.Fatalf("expected the latest transition to win, got %v", me.Type)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatalf("timed out waiting for the quantum flush")
	}
}

func TestCoalesceLoop_QuiescentFlush(t *testing.T) {
	// A long quantum with a short quiescent period: the flush should be
	// driven by quiescence, not the quantum deadline.
	in, out, shutdown := testCoalescer(10*time.Second, 10*time.Millisecond)
	defer close(shutdown)

	in <- MemberEvent{Type: EventMemberJoin, Members: []Member{{Name: "foo"}}}

	select {
	case e := <-out:
		if e.EventType() != EventMemberJoin {
			t.Fatalf("unexpected event: %#v", e)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatalf("timed out waiting for the quiescent flush")
	}
}

func TestCoalesceLoop_PassThrough(t *testing.T) {
	in, out, shutdown := testCoalescer(50*time.Millisecond, 50*time.Millisecond)
	defer close(shutdown)

	in <- UserEvent{Name: "deploy"}

	select {
	case e := <-out:
		if e.EventType() != EventUser {
			t.Fatalf("expected the unhandled user event to pass straight through, got %#v", e)
		}
	case <-time.After(20 * time.Millisecond):
		t.Fatalf("events the coalescer doesn't own should not wait for a flush deadline")
	}
}

func TestCoalesceLoop_FlushesOnShutdown(t *testing.T) {
	in, out, shutdown := testCoalescer(10*time.Second, 10*time.Second)

	in <- MemberEvent{Type: EventMemberJoin, Members: []Member{{Name: "foo"}}}
	close(shutdown)

	select {
	case e := <-out:
		if e.EventType() != EventMemberJoin {
			t.Fatalf("unexpected event: %#v", e)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatalf("expected shutdown to force an immediate flush")
	}
}
