package mesh

import (
	"reflect"
	"sort"
	"testing"
	"time"
)

func TestMemberEventCoalesce_Basic(t *testing.T) {
	outCh := make(chan Event, 64)
	shutdownCh := make(chan struct{})
	defer close(shutdownCh)

	inCh := coalescedEventCh(outCh, shutdownCh,
		5*time.Millisecond, 5*time.Millisecond, newMemberEventCoalescer())

	send := []Event{
		MemberEvent{Type: EventMemberJoin, Members: []Member{{Name: "foo"}}},
		MemberEvent{Type: EventMemberLeave, Members: []Member{{Name: "foo"}}},
		MemberEvent{Type: EventMemberLeave, Members: []Member{{Name: "bar"}}},
	}
	for _, e := range send {
		inCh <- e
	}

	events := make(map[EventType]Event)
	timeout := time.After(50 * time.Millisecond)

loop:
	for {
		select {
		case e := <-outCh:
			events[e.EventType()] = e
		case <-timeout:
			break loop
		}
	}

	if len(events) != 1 {
		t.Fatalf("expected only the final leave transition per member, got %#v", events)
	}

	e, ok := events[EventMemberLeave]
	if !ok {
		t.Fatalf("expected a member-leave event, got %#v", events)
	}
	me := e.(MemberEvent)
	if len(me.Members) != 2 {
		t.Fatalf("expected both members batched into one event, got %#v", me)
	}

	names := []string{me.Members[0].Name, me.Members[1].Name}
	sort.Strings(names)
	if !reflect.DeepEqual([]string{"bar", "foo"}, names) {
		t.Fatalf("unexpected members: %#v", names)
	}
}

func TestMemberEventCoalesce_PassThrough(t *testing.T) {
	cases := []struct {
		e      Event
		handle bool
	}{
		{UserEvent{}, false},
		{MemberEvent{Type: EventMemberJoin}, true},
		{MemberEvent{Type: EventMemberLeave}, true},
		{MemberEvent{Type: EventMemberFailed}, true},
		{MemberEvent{Type: EventMemberUpdate}, true},
		{MemberEvent{Type: EventMemberReap}, true},
	}

	c := newMemberEventCoalescer()
	for _, tc := range cases {
		if tc.handle != c.Handle(tc.e) {
			t.Fatalf("Handle(%#v): expected %v", tc.e, tc.handle)
		}
	}
}

func TestMemberEventCoalesce_SuppressesRepeatedFlush(t *testing.T) {
	c := newMemberEventCoalescer()
	c.Coalesce(MemberEvent{Type: EventMemberJoin, Members: []Member{{Name: "foo"}}})

	out := make(chan Event, 8)
	c.Flush(out)
	if len(out) != 1 {
		t.Fatalf("expected the first flush to emit the join, got %d events", len(out))
	}
	<-out

	// Coalescing and flushing the identical transition again should emit
	// nothing, since it was already delivered.
	c.Coalesce(MemberEvent{Type: EventMemberJoin, Members: []Member{{Name: "foo"}}})
	c.Flush(out)
	if len(out) != 0 {
		t.Fatalf("expected the repeated join to be suppressed, got %d events", len(out))
	}
}
