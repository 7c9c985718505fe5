package mesh

import (
	"math/rand"
	"net"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/memberlist"
)

// queryTarget carries the addressing information a messageQuery embeds for
// its source, independent of whether the source is still a known member.
type queryTarget struct {
	name string
	addr []byte
	port uint16
}

func queryOriginNode(msg *messageQuery) *queryTarget {
	return &queryTarget{name: msg.SourceNode, addr: msg.Addr, port: msg.Port}
}

func nodeFromAddr(t *queryTarget) *memberlist.Node {
	return &memberlist.Node{Name: t.name, Addr: net.IP(t.addr), Port: t.port}
}

func nodeFromState(ms *memberState) *memberlist.Node {
	return &memberlist.Node{Name: ms.Name, Addr: ms.Addr, Port: ms.Port}
}

func encodeRelay(hdr relayHeader, inner []byte) ([]byte, error) {
	hdrBuf, err := encodeMessage(messageRelayType, &hdr)
	if err != nil {
		return nil, err
	}
	return append(hdrBuf, inner...), nil
}

// Query broadcasts a cluster-wide request and returns a QueryResponse the
// caller can range over for acks/responses until the deadline.
func (m *Mesh) Query(name string, payload []byte, params *QueryParam) (*QueryResponse, error) {
	if params == nil {
		params = &QueryParam{}
	}

	timeout := params.Timeout
	if timeout == 0 {
		gossipInterval := m.config.MemberlistConfig.GossipInterval
		timeout = queryTimeout(gossipInterval, m.config.QueryTimeoutMult, m.NumNodes())
	}

	ltime := m.queries.increment()

	var filters [][]byte
	if len(params.FilterNodes) > 0 {
		f, err := encodeFilter(filterNodeType, filterNode(params.FilterNodes))
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	for tag, expr := range params.FilterTags {
		f, err := encodeFilter(filterTagType, filterTag{Tag: tag, Expr: expr})
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}

	var flags uint32
	if params.RequestAck {
		flags |= queryFlagAck
	}
	if params.NoBroadcast {
		flags |= queryFlagNoBroadcast
	}

	local := m.transport.LocalNode()
	msg := &messageQuery{
		LTime:       ltime,
		ID:          randomQueryID(),
		Addr:        []byte(local.Addr),
		Port:        local.Port,
		SourceNode:  m.config.NodeName,
		Filters:     filters,
		Flags:       flags,
		RelayFactor: params.RelayFactor,
		Timeout:     timeout,
		Name:        name,
		Payload:     payload,
	}

	raw, err := encodeMessage(messageQueryType, msg)
	if err != nil {
		return nil, err
	}
	if len(raw) > m.config.QuerySizeLimit {
		return nil, errQueryTooLarge
	}

	qr := newQueryResponse(ltime, msg.ID, time.Now().Add(timeout), params.RequestAck)
	m.queries.register(qr)

	m.handleQuery(msg)

	m.queryQueue.QueueBroadcast("", raw, nil)
	return qr, nil
}

// handleQuery processes an incoming (or just-originated) query: witness,
// dedup, filter, and — on match — ack/respond and signal rebroadcast.
func (m *Mesh) handleQuery(msg *messageQuery) bool {
	m.queries.witness(msg.LTime)

	if !m.queries.admit(msg) {
		return false
	}

	ok, err := evalFilters(msg.Filters, m.config.NodeName, m.config.Tags)
	if err != nil {
		m.logger.Printf("[ERR] mesh: failed to evaluate query filters for %q: %v", msg.Name, err)
		return false
	}
	if !ok {
		return !msg.NoBroadcast()
	}

	if msg.Ack() {
		m.sendQueryAck(msg)
	}

	q := &Query{
		LTime:      msg.LTime,
		Name:       msg.Name,
		Payload:    msg.Payload,
		ID:         msg.ID,
		Addr:       msg.Addr,
		Port:       msg.Port,
		SourceNode: msg.SourceNode,
	}
	q.respondFn = func(payload []byte) error {
		return m.sendQueryResponse(msg, payload)
	}

	metrics.IncrCounterWithLabels([]string{"mesh", "query"}, 1, m.config.MetricLabels)
	select {
	case m.internalIn <- q:
	default:
		m.logger.Printf("[WARN] mesh: query channel full, dropping query %q", msg.Name)
	}

	return !msg.NoBroadcast()
}

func (m *Mesh) sendQueryAck(msg *messageQuery) {
	resp := messageQueryResponse{LTime: msg.LTime, ID: msg.ID, From: m.config.NodeName, Flags: queryFlagAck}
	buf, err := encodeMessage(messageQueryResponseType, &resp)
	if err != nil {
		m.logger.Printf("[ERR] mesh: failed to encode query ack: %v", err)
		return
	}
	m.unicastToQuerySource(msg, buf)
}

func (m *Mesh) sendQueryResponse(msg *messageQuery, payload []byte) error {
	if len(payload)+1 > m.config.QueryResponseSizeLimit {
		payload = payload[:m.config.QueryResponseSizeLimit-1]
	}
	resp := messageQueryResponse{LTime: msg.LTime, ID: msg.ID, From: m.config.NodeName, Payload: payload}
	buf, err := encodeMessage(messageQueryResponseType, &resp)
	if err != nil {
		return err
	}
	return m.unicastToQuerySource(msg, buf)
}

func (m *Mesh) unicastToQuerySource(msg *messageQuery, buf []byte) error {
	target := queryOriginNode(msg)
	if msg.RelayFactor == 0 {
		return m.transport.SendBestEffort(nodeFromAddr(target), buf)
	}
	return m.relaySend(target, msg.RelayFactor, buf)
}

// relaySend forwards buf through RelayFactor random other members, wrapped
// in a relayHeader carrying the final destination.
func (m *Mesh) relaySend(dest *queryTarget, factor uint8, buf []byte) error {
	var candidates []*memberState
	m.members.ExecuteUnderRLock(func(a memberAccessor) {
		for _, ms := range a.listByStatus(StatusAlive) {
			if ms.Name != m.config.NodeName && ms.Name != dest.name {
				candidates = append(candidates, ms)
			}
		}
	})

	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	n := int(factor)
	if n > len(candidates) {
		n = len(candidates)
	}

	hdr := relayHeader{DestAddr: dest.addr, DestPort: dest.port, DestName: dest.name}
	relayed, err := encodeRelay(hdr, buf)
	if err != nil {
		return err
	}

	var lastErr error
	for i := 0; i < n; i++ {
		relay := nodeFromState(candidates[i])
		if err := m.transport.SendBestEffort(relay, relayed); err != nil {
			lastErr = err
		}
	}
	// Always also attempt the direct route; relay is for redundancy, not
	// replacement, against asymmetric partitions.
	if err := m.transport.SendBestEffort(nodeFromAddr(dest), buf); err != nil {
		lastErr = err
	}
	return lastErr
}

// handleQueryResponse looks up the outstanding QueryResponse by LTime and
// delivers msg to the matching ack or response channel, deduping under a
// single lock acquisition (admitAck/admitResponse) so a duplicate cannot
// slip through between the check and the write.
func (m *Mesh) handleQueryResponse(msg *messageQueryResponse) {
	qr, ok := m.queries.lookup(msg.LTime)
	if !ok || qr.id != msg.ID {
		return
	}

	if msg.Ack() {
		if qr.ackCh == nil || !qr.admitAck(msg.From) {
			return
		}
		select {
		case qr.ackCh <- msg.From:
		default:
		}
		return
	}

	if !qr.admitResponse(msg.From) {
		return
	}
	select {
	case qr.respCh <- NodeResponse{From: msg.From, Payload: msg.Payload}:
	default:
	}
}
