package client

import (
	"fmt"
	"sync"
)

// MonitorHandle streams log lines filtered at or above the level
// requested when it was created.
type MonitorHandle struct {
	client *Client
	seq    uint64
	LogCh  chan string

	stopOnce sync.Once
}

func (m *MonitorHandle) Handle(hdr *responseHeader) {
	if hdr.Error != "" {
		return
	}
	var rec logRecord
	if err := m.client.fr.decode(&rec); err != nil {
		return
	}
	select {
	case m.LogCh <- rec.Log:
	default:
	}
}

// Stop ends the subscription and tells the server to stop streaming it.
func (m *MonitorHandle) Stop() error {
	var err error
	m.stopOnce.Do(func() {
		m.client.deregister(m.seq)
		close(m.LogCh)
		err = m.client.request(stopCommand, &stopRequest{Stop: m.seq}, nil)
	})
	return err
}

// Monitor subscribes to local log output at or above minLevel (e.g.
// "DEBUG", "INFO", "WARN", "ERR").
func (c *Client) Monitor(minLevel string) (*MonitorHandle, error) {
	seq := c.nextSeq()
	mh := &MonitorHandle{client: c, seq: seq, LogCh: make(chan string, 256)}

	hdr := requestHeader{Command: monitorCommand, Seq: seq}
	if err := c.send(&hdr, &monitorRequest{LogLevel: minLevel}); err != nil {
		c.deregister(seq)
		return nil, err
	}
	// The first frame on this seq is the ack header with no body; wait
	// for it synchronously via a short-lived handler swap.
	return mh, c.awaitAck(seq, mh)
}

// awaitAck blocks until the very first response on seq arrives (the
// command's synchronous ack), then leaves h registered for the
// subscription's subsequent frames.
func (c *Client) awaitAck(seq uint64, h seqHandler) error {
	ackCh := make(chan error, 1)
	c.register(seq, ackOnceHandler{seq: seq, client: c, next: h, ackCh: ackCh})
	return <-ackCh
}

type ackOnceHandler struct {
	seq   uint64
	client *Client
	next  seqHandler
	ackCh chan error
}

func (a ackOnceHandler) Handle(hdr *responseHeader) {
	a.client.register(a.seq, a.next)
	if hdr.Error != "" {
		a.ackCh <- fmt.Errorf("client: %s", hdr.Error)
		return
	}
	a.ackCh <- nil
}

// EventHandle streams member and user events matching the filters given
// when it was created.
type EventHandle struct {
	client   *Client
	seq      uint64
	EventCh  chan interface{}
	stopOnce sync.Once
}

func (e *EventHandle) Handle(hdr *responseHeader) {
	if hdr.Error != "" {
		return
	}
	// Records differ by shape (member/user/query), so decode into a
	// struct wide enough to cover every shape and dispatch on Event.
	var rec struct {
		Event    string
		Members  []Member
		LTime    uint64
		Name     string
		Payload  []byte
		ID       uint32
		Coalesce bool
	}
	if err := e.client.fr.decode(&rec); err != nil {
		return
	}

	var out interface{}
	switch rec.Event {
	case "user":
		out = userEventRecord{Event: rec.Event, LTime: rec.LTime, Name: rec.Name, Payload: rec.Payload, Coalesce: rec.Coalesce}
	case "query":
		out = queryEventRecord{Event: rec.Event, ID: rec.ID, LTime: rec.LTime, Name: rec.Name, Payload: rec.Payload}
	default:
		out = memberEventRecord{Event: rec.Event, Members: rec.Members}
	}

	select {
	case e.EventCh <- out:
	default:
	}
}

// Stop ends the subscription and tells the server to stop streaming it.
func (e *EventHandle) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		e.client.deregister(e.seq)
		close(e.EventCh)
		err = e.client.request(stopCommand, &stopRequest{Stop: e.seq}, nil)
	})
	return err
}

// Stream subscribes to cluster events matching typeFilter (a comma
// separated list drawn from "*", "user", "query", "member-join",
// "member-leave", "member-failed", "member-update", "member-reap").
func (c *Client) Stream(typeFilter string) (*EventHandle, error) {
	seq := c.nextSeq()
	eh := &EventHandle{client: c, seq: seq, EventCh: make(chan interface{}, 256)}

	hdr := requestHeader{Command: streamCommand, Seq: seq}
	if err := c.send(&hdr, &streamRequest{Type: typeFilter}); err != nil {
		c.deregister(seq)
		return nil, err
	}
	return eh, c.awaitAck(seq, eh)
}

// QueryHandle streams acks and responses for an in-flight outbound
// query.
type QueryHandle struct {
	client  *Client
	seq     uint64
	AckCh   chan string
	RespCh  chan NodeResponse

	gotAck bool
}

// NodeResponse is one reply to an outbound query.
type NodeResponse struct {
	From    string
	Payload []byte
}

func (q *QueryHandle) Handle(hdr *responseHeader) {
	if hdr.Error != "" {
		q.client.deregister(q.seq)
		close(q.AckCh)
		close(q.RespCh)
		return
	}
	if !q.gotAck {
		// The handleQuery ack carries no body; only the records that
		// follow it (streamed by streamQueryResults) do.
		q.gotAck = true
		return
	}
	var rec queryRecord
	if err := q.client.fr.decode(&rec); err != nil {
		return
	}
	switch rec.Type {
	case queryRecordAck:
		select {
		case q.AckCh <- rec.From:
		default:
		}
	case queryRecordResponse:
		select {
		case q.RespCh <- NodeResponse{From: rec.From, Payload: rec.Payload}:
		default:
		}
	case queryRecordDone:
		q.client.deregister(q.seq)
		close(q.AckCh)
		close(q.RespCh)
	}
}

// QueryParam configures an outbound Query.
type QueryParam struct {
	FilterNodes []string
	FilterTags  map[string]string
	RequestAck  bool
	RelayFactor uint8
	Timeout     int64 // nanoseconds; zero lets the server pick a default
}

// Query issues a cluster-wide query and streams back acks/responses
// until the server signals completion.
func (c *Client) Query(name string, payload []byte, p *QueryParam) (*QueryHandle, error) {
	if p == nil {
		p = &QueryParam{}
	}
	seq := c.nextSeq()
	qh := &QueryHandle{
		client: c,
		seq:    seq,
		AckCh:  make(chan string, 128),
		RespCh: make(chan NodeResponse, 128),
	}
	c.register(seq, qh)

	req := &queryRequest{
		FilterNodes: p.FilterNodes,
		FilterTags:  p.FilterTags,
		RequestAck:  p.RequestAck,
		RelayFactor: p.RelayFactor,
		Timeout:     p.Timeout,
		Name:        name,
		Payload:     payload,
	}
	hdr := requestHeader{Command: queryCommand, Seq: seq}
	if err := c.send(&hdr, req); err != nil {
		c.deregister(seq)
		return nil, err
	}
	return qh, nil
}

// Respond answers an inbound query delivered on a Stream subscription's
// "query" records, addressed by the id carried in its queryEventRecord.
func (c *Client) Respond(id uint32, payload []byte) error {
	return c.request(respondCommand, &respondRequest{ID: uint64(id), Payload: payload}, nil)
}
