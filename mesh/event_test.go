package mesh

import "testing"

func TestEventType_String(t *testing.T) {
	cases := []struct {
		et   EventType
		want string
	}{
		{EventMemberJoin, "member-join"},
		{EventMemberLeave, "member-leave"},
		{EventMemberFailed, "member-failed"},
		{EventMemberUpdate, "member-update"},
		{EventMemberReap, "member-reap"},
		{EventUser, "user"},
		{EventQuery, "query"},
		{EventType(99), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.et.String(); got != tc.want {
			t.Fatalf("EventType(%d).String() = %q, want %q", tc.et, got, tc.want)
		}
	}
}

func TestQuery_Respond_NoResponder(t *testing.T) {
	q := &Query{Name: "foo"}
	if err := q.Respond([]byte("x")); err != errNoQueryResponder {
		t.Fatalf("expected errNoQueryResponder, got %v", err)
	}
}

func TestQuery_Respond_CallsResponder(t *testing.T) {
	var got []byte
	q := &Query{respondFn: func(payload []byte) error {
		got = payload
		return nil
	}}
	if err := q.Respond([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected respondFn to receive the payload, got %q", got)
	}
}

func TestMemberEvent_EventType(t *testing.T) {
	e := MemberEvent{Type: EventMemberFailed}
	if e.EventType() != EventMemberFailed {
		t.Fatalf("expected EventType() to return the Type field")
	}
}

func TestUserEvent_EventType(t *testing.T) {
	e := UserEvent{}
	if e.EventType() != EventUser {
		t.Fatalf("expected UserEvent.EventType() to always be EventUser")
	}
}
