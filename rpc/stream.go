package rpc

import (
	"fmt"
	"log"
	"strings"

	"github.com/hashicorp/logutils"

	"github.com/meshkit/mesh"
)

// logStream streams filtered log lines to a single RPC client, keyed by
// the seq of the `monitor` request that created it.
type logStream struct {
	client *clientHandle
	filter *logutils.LevelFilter
	logCh  chan string
	logger *log.Logger
	seq    uint64
}

func newLogStream(client *clientHandle, filter *logutils.LevelFilter, seq uint64, logger *log.Logger) *logStream {
	ls := &logStream{
		client: client,
		filter: filter,
		logCh:  make(chan string, 512),
		logger: logger,
		seq:    seq,
	}
	go ls.run()
	return ls
}

func (ls *logStream) HandleLog(line string) {
	if !ls.filter.Check([]byte(line)) {
		return
	}
	select {
	case ls.logCh <- line:
	default:
		ls.logger.Printf("[WARN] rpc: dropping log line to %s (monitor seq %d)", ls.client.name, ls.seq)
	}
}

func (ls *logStream) stop() {
	close(ls.logCh)
}

func (ls *logStream) run() {
	hdr := ResponseHeader{Seq: ls.seq}
	for line := range ls.logCh {
		if err := ls.client.send(&hdr, &logRecord{Log: line}); err != nil {
			ls.logger.Printf("[ERR] rpc: failed to stream log to %s: %v", ls.client.name, err)
			return
		}
	}
}

// EventFilter matches a subset of the event types a `stream` subscription
// can request.
type EventFilter struct {
	eventType string // "" means any
}

func (f EventFilter) match(e mesh.Event) bool {
	if f.eventType == "*" || f.eventType == "" {
		return true
	}
	return f.eventType == e.EventType().String()
}

var validStreamTypes = map[string]bool{
	"*": true, "user": true, "query": true,
	"member-join": true, "member-leave": true, "member-failed": true,
	"member-update": true, "member-reap": true,
}

// parseEventFilters splits a comma-separated stream type list (e.g.
// "member-join,member-leave") into individual filters, validating each
// against the fixed vocabulary of known event types.
func parseEventFilters(typ string) ([]EventFilter, error) {
	if typ == "" {
		typ = "*"
	}
	var out []EventFilter
	for _, part := range strings.Split(typ, ",") {
		part = strings.TrimSpace(part)
		if !validStreamTypes[part] {
			return nil, fmt.Errorf("rpc: invalid event filter %q", part)
		}
		out = append(out, EventFilter{eventType: part})
	}
	return out, nil
}

// eventStream streams filtered mesh events (member transitions, user
// events, and inbound queries) to a single RPC client, keyed by the seq
// of the `stream` request that created it.
type eventStream struct {
	client  *clientHandle
	eventCh chan mesh.Event
	filters []EventFilter
	logger  *log.Logger
	seq     uint64
}

func newEventStream(client *clientHandle, filters []EventFilter, seq uint64, logger *log.Logger) *eventStream {
	es := &eventStream{
		client:  client,
		eventCh: make(chan mesh.Event, 512),
		filters: filters,
		logger:  logger,
		seq:     seq,
	}
	go es.run()
	return es
}

func (es *eventStream) matches(e mesh.Event) bool {
	for _, f := range es.filters {
		if f.match(e) {
			return true
		}
	}
	return false
}

func (es *eventStream) stop() {
	close(es.eventCh)
}

func (es *eventStream) run() {
	for e := range es.eventCh {
		var err error
		switch ev := e.(type) {
		case mesh.MemberEvent:
			err = es.sendMemberEvent(ev)
		case mesh.UserEvent:
			err = es.sendUserEvent(ev)
		case *mesh.Query:
			err = es.sendQueryEvent(ev)
		default:
			err = fmt.Errorf("rpc: unknown event type %T", e)
		}
		if err != nil {
			es.logger.Printf("[ERR] rpc: failed to stream event to %s: %v", es.client.name, err)
			return
		}
	}
}

func (es *eventStream) sendMemberEvent(e mesh.MemberEvent) error {
	members := make([]Member, 0, len(e.Members))
	for _, m := range e.Members {
		members = append(members, toWireMember(m))
	}
	hdr := ResponseHeader{Seq: es.seq}
	return es.client.send(&hdr, &memberEventRecord{Event: e.Type.String(), Members: members})
}

func (es *eventStream) sendUserEvent(e mesh.UserEvent) error {
	hdr := ResponseHeader{Seq: es.seq}
	return es.client.send(&hdr, &userEventRecord{
		Event:    "user",
		LTime:    uint64(e.LTime),
		Name:     e.Name,
		Payload:  e.Payload,
		Coalesce: e.Coalesce,
	})
}

func (es *eventStream) sendQueryEvent(q *mesh.Query) error {
	hdr := ResponseHeader{Seq: es.seq}
	return es.client.send(&hdr, &queryEventRecord{
		Event:   "query",
		ID:      q.ID,
		LTime:   uint64(q.LTime),
		Name:    q.Name,
		Payload: q.Payload,
	})
}

// deliverEvent feeds e to every active event stream on this client whose
// filter matches; non-blocking so one slow client can never stall another
// or the dispatcher that calls this.
func (c *clientHandle) deliverEvent(e mesh.Event) {
	c.streamMu.Lock()
	streams := make([]*eventStream, 0, len(c.eventStreams))
	for _, es := range c.eventStreams {
		streams = append(streams, es)
	}
	c.streamMu.Unlock()

	for _, es := range streams {
		if !es.matches(e) {
			continue
		}
		select {
		case es.eventCh <- e:
		default:
			es.logger.Printf("[WARN] rpc: dropping event to %s (stream seq %d)", c.name, es.seq)
		}
	}
}
