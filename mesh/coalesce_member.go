package mesh

import "reflect"

type memberNodeEvent struct {
	Type   EventType
	Member *Member
}

func (n *memberNodeEvent) Equal(o *memberNodeEvent) bool {
	if o == nil {
		return false
	}
	if n.Type != o.Type {
		return false
	}
	if n.Type != EventMemberUpdate {
		return true
	}
	return reflect.DeepEqual(n.Member, o.Member)
}

// memberEventCoalescer keeps only the most recent transition per member
// name within a batch, and suppresses re-announcing a transition already
// flushed (flap suppression at the delivery layer).
type memberEventCoalescer struct {
	lastEvents map[string]*memberNodeEvent
	newEvents  map[string]*memberNodeEvent
}

func newMemberEventCoalescer() *memberEventCoalescer {
	return &memberEventCoalescer{
		lastEvents: make(map[string]*memberNodeEvent),
		newEvents:  make(map[string]*memberNodeEvent),
	}
}

func (c *memberEventCoalescer) Handle(e Event) bool {
	switch e.EventType() {
	case EventMemberJoin, EventMemberLeave, EventMemberFailed, EventMemberUpdate, EventMemberReap:
		return true
	default:
		return false
	}
}

func (c *memberEventCoalescer) Coalesce(raw Event) {
	e := raw.(MemberEvent)
	for i := range e.Members {
		m := e.Members[i]
		c.newEvents[m.Name] = &memberNodeEvent{Type: e.Type, Member: &m}
	}
}

func (c *memberEventCoalescer) Flush(outCh chan<- Event) {
	events := make(map[EventType]*MemberEvent)
	for name, e := range c.newEvents {
		if e.Equal(c.lastEvents[name]) {
			continue
		}
		c.lastEvents[name] = e

		ev, ok := events[e.Type]
		if !ok {
			ev = &MemberEvent{Type: e.Type}
			events[e.Type] = ev
		}
		ev.Members = append(ev.Members, *e.Member)
	}
	c.newEvents = make(map[string]*memberNodeEvent)

	for _, ev := range events {
		outCh <- *ev
	}
}
