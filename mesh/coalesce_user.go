package mesh

import "time"

type latestUserEvents struct {
	LTime  LamportTime
	Events []Event
}

// userEventCoalescer keeps, per event name, only the event(s) at the
// highest Lamport time seen in the batch.
type userEventCoalescer struct {
	events map[string]*latestUserEvents
}

func newUserEventCoalescer() *userEventCoalescer {
	return &userEventCoalescer{events: make(map[string]*latestUserEvents)}
}

func coalescedUserEventCh(outCh chan<- Event, shutdownCh <-chan struct{}, cPeriod, qPeriod time.Duration) chan<- Event {
	inCh := make(chan Event, 1024)
	go coalesceLoop(inCh, outCh, shutdownCh, cPeriod, qPeriod, newUserEventCoalescer())
	return inCh
}

func (c *userEventCoalescer) Handle(e Event) bool {
	return e.EventType() == EventUser
}

func (c *userEventCoalescer) Coalesce(raw Event) {
	e := raw.(UserEvent)
	latest, ok := c.events[e.Name]
	if !ok || latest.LTime < e.LTime {
		c.events[e.Name] = &latestUserEvents{LTime: e.LTime, Events: []Event{raw}}
		return
	}
	if latest.LTime == e.LTime {
		latest.Events = append(latest.Events, raw)
	}
}

func (c *userEventCoalescer) Flush(outCh chan<- Event) {
	for _, latest := range c.events {
		for _, e := range latest.Events {
			outCh <- e
		}
	}
	c.events = make(map[string]*latestUserEvents)
}
