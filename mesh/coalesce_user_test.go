package mesh

import (
	"testing"
	"time"
)

func TestUserEventCoalesce_PassThrough(t *testing.T) {
	c := newUserEventCoalescer()
	if c.Handle(MemberEvent{Type: EventMemberJoin}) {
		t.Fatalf("member events should not be handled by the user event coalescer")
	}
	if !c.Handle(UserEvent{Name: "deploy"}) {
		t.Fatalf("user events should be handled by the user event coalescer")
	}
}

func TestUserEventCoalesce_KeepsHighestLTimePerName(t *testing.T) {
	outCh := make(chan Event, 64)
	shutdownCh := make(chan struct{})
	defer close(shutdownCh)

	inCh := coalescedUserEventCh(outCh, shutdownCh, 5*time.Millisecond, 5*time.Millisecond)

	inCh <- UserEvent{Name: "deploy", LTime: 1, Payload: []byte("v1")}
	inCh <- UserEvent{Name: "deploy", LTime: 2, Payload: []byte("v2")}
	inCh <- UserEvent{Name: "other", LTime: 1, Payload: []byte("x")}

	var got []UserEvent
	timeout := time.After(50 * time.Millisecond)
loop:
	for {
		select {
		case e := <-outCh:
			got = append(got, e.(UserEvent))
		case <-timeout:
			break loop
		}
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 events (latest deploy + other), got %d: %#v", len(got), got)
	}
	for _, e := range got {
		if e.Name == "deploy" && e.LTime != 2 {
			t.Fatalf("expected only the LTime=2 deploy event to survive, got %+v", e)
		}
	}
}

func TestUserEventCoalesce_KeepsTiesAtSameLTime(t *testing.T) {
	c := newUserEventCoalescer()
	c.Coalesce(UserEvent{Name: "deploy", LTime: 1, Payload: []byte("a")})
	c.Coalesce(UserEvent{Name: "deploy", LTime: 1, Payload: []byte("b")})

	out := make(chan Event, 8)
	c.Flush(out)
	close(out)

	var count int
	for range out {
		count++
	}
	if count != 2 {
		t.Fatalf("expected both same-LTime events preserved, got %d", count)
	}
}
