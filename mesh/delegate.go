package mesh

import (
	"bytes"
	"net"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/hashicorp/memberlist"
)

// meshDelegate implements memberlist.Delegate, the set of hooks the
// gossip transport calls into on every round: NodeMeta, NotifyMsg,
// GetBroadcasts, LocalState, MergeRemoteState.
type meshDelegate struct {
	mesh *Mesh
}

func (d *meshDelegate) NodeMeta(limit int) []byte {
	tags, err := EncodeTags(d.mesh.config.Tags, d.mesh.config.ProtocolVersion)
	if err != nil {
		d.mesh.logger.Printf("[ERR] mesh: failed to encode tags: %v", err)
		return nil
	}
	if len(tags) > limit {
		d.mesh.logger.Printf("[ERR] mesh: encoded tags (%d bytes) exceed limit of %d", len(tags), limit)
		return nil
	}
	return tags
}

// NotifyMsg decodes the first byte of buf as a messageType and dispatches
// to the matching handler. Never panics or propagates an error back into
// the transport: decode failures are logged and swallowed.
func (d *meshDelegate) NotifyMsg(buf []byte) {
	if len(buf) == 0 {
		return
	}

	rebroadcast := false
	t := messageType(buf[0])
	switch t {
	case messageLeaveType:
		var msg messageLeave
		if err := decodeMessage(buf[1:], &msg); err != nil {
			d.mesh.logger.Printf("[ERR] mesh: failed to decode leave message: %v", err)
			return
		}
		rebroadcast = d.mesh.handleNodeLeaveIntent(&msg)

	case messageJoinType:
		var msg messageJoin
		if err := decodeMessage(buf[1:], &msg); err != nil {
			d.mesh.logger.Printf("[ERR] mesh: failed to decode join message: %v", err)
			return
		}
		rebroadcast = d.mesh.handleNodeJoinIntent(&msg)

	case messageUserEventType:
		var msg messageUserEvent
		if err := decodeMessage(buf[1:], &msg); err != nil {
			d.mesh.logger.Printf("[ERR] mesh: failed to decode user event: %v", err)
			return
		}
		rebroadcast = d.mesh.handleUserEvent(&msg)

	case messageQueryType:
		var msg messageQuery
		if err := decodeMessage(buf[1:], &msg); err != nil {
			d.mesh.logger.Printf("[ERR] mesh: failed to decode query: %v", err)
			return
		}
		rebroadcast = d.mesh.handleQuery(&msg)

	case messageQueryResponseType:
		var msg messageQueryResponse
		if err := decodeMessage(buf[1:], &msg); err != nil {
			d.mesh.logger.Printf("[ERR] mesh: failed to decode query response: %v", err)
			return
		}
		d.mesh.handleQueryResponse(&msg)
		return

	case messageRelayType:
		d.handleRelay(buf[1:])
		return

	default:
		d.mesh.logger.Printf("[WARN] mesh: received message of unknown type: %d", t)
		return
	}

	if rebroadcast {
		d.mesh.queueForRebroadcast(t, buf)
	}
}

// handleRelay unwraps a relayHeader and forwards the inner message either
// to the final destination (if this node isn't it) or back into NotifyMsg
// for local processing.
func (d *meshDelegate) handleRelay(buf []byte) {
	r := bytes.NewReader(buf)
	dec := codec.NewDecoder(r, msgpackHandle)
	var hdr relayHeader
	if err := dec.Decode(&hdr); err != nil {
		d.mesh.logger.Printf("[ERR] mesh: failed to decode relay header: %v", err)
		return
	}

	rest := buf[len(buf)-r.Len():]

	if hdr.DestName == d.mesh.config.NodeName {
		d.NotifyMsg(rest)
		return
	}

	target := &memberlist.Node{Name: hdr.DestName, Addr: net.IP(hdr.DestAddr), Port: hdr.DestPort}
	if err := d.mesh.transport.SendBestEffort(target, rest); err != nil {
		d.mesh.logger.Printf("[ERR] mesh: failed to forward relayed message to %s: %v", hdr.DestName, err)
	}
}

// GetBroadcasts drains the membership, query, and event queues in that
// priority order within byteLimit.
func (d *meshDelegate) GetBroadcasts(overhead, limit int) [][]byte {
	var msgs [][]byte
	remaining := limit

	for _, q := range []*broadcastQueue{d.mesh.memberQueue, d.mesh.queryQueue, d.mesh.eventQueue} {
		if remaining <= 0 {
			break
		}
		drained := q.Drain(overhead, remaining)
		for _, m := range drained {
			remaining -= overhead + len(m)
		}
		msgs = append(msgs, drained...)
	}

	if len(msgs) > 0 {
		total := d.mesh.memberQueue.NumQueued() + d.mesh.queryQueue.NumQueued() + d.mesh.eventQueue.NumQueued()
		if total >= d.mesh.config.QueueDepthWarning {
			d.mesh.logger.Printf("[WARN] mesh: broadcast queue depth: %d", total)
		}
		metrics.SetGaugeWithLabels([]string{"mesh", "queue", "broadcasts"}, float32(total), d.mesh.config.MetricLabels)
	}
	return msgs
}

// LocalState builds the messagePushPull snapshot sent during a transport
// push/pull round.
func (d *meshDelegate) LocalState(join bool) []byte {
	m := d.mesh
	pp := &messagePushPull{
		LTime:        m.clock.Time(),
		StatusLTimes: make(map[string]LamportTime),
		EventLTime:   m.events.time(),
		Events:       m.events.snapshot(),
		QueryLTime:   m.queries.time(),
	}

	m.members.ExecuteUnderRLock(func(a memberAccessor) {
		for _, ms := range a.listAll() {
			pp.StatusLTimes[ms.Name] = ms.statusLTime
			if ms.Status == StatusLeft {
				pp.LeftMembers = append(pp.LeftMembers, ms.Name)
			}
		}
	})

	buf, err := encodeMessage(messagePushPullType, pp)
	if err != nil {
		m.logger.Printf("[ERR] mesh: failed to encode push/pull state: %v", err)
		return nil
	}
	return buf
}

// MergeRemoteState ingests a remote push/pull payload, synthesizing
// join/leave intents and replaying the remote's recent event buffer
// through the local dedup path.
func (d *meshDelegate) MergeRemoteState(buf []byte, join bool) {
	if len(buf) == 0 || messageType(buf[0]) != messagePushPullType {
		d.mesh.logger.Printf("[ERR] mesh: bad push/pull type")
		return
	}

	var pp messagePushPull
	if err := decodeMessage(buf[1:], &pp); err != nil {
		d.mesh.logger.Printf("[ERR] mesh: failed to decode remote state: %v", err)
		return
	}

	m := d.mesh
	if pp.LTime > 0 {
		m.clock.Witness(pp.LTime - 1)
	}
	if pp.EventLTime > 0 {
		m.events.witness(pp.EventLTime - 1)
	}
	if pp.QueryLTime > 0 {
		m.queries.witness(pp.QueryLTime - 1)
	}

	if join {
		m.joinEventIgnoreUntil(pp.EventLTime)
	}

	leftSet := make(map[string]bool, len(pp.LeftMembers))
	for _, name := range pp.LeftMembers {
		leftSet[name] = true
		m.handleNodeLeaveIntent(&messageLeave{LTime: pp.StatusLTimes[name], Node: name})
	}
	for name, lt := range pp.StatusLTimes {
		if leftSet[name] {
			continue
		}
		m.handleNodeJoinIntent(&messageJoin{LTime: lt, Node: name})
	}

	for _, msg := range m.events.ingest(pp.Events) {
		m.deliverUserEvent(msg)
	}
}
