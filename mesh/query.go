package mesh

import (
	"fmt"
	"sync"
	"time"
)

// QueryParam configures an outgoing Query.
type QueryParam struct {
	FilterNodes []string
	FilterTags  map[string]string // tag -> anchored regex
	RequestAck  bool
	RelayFactor uint8
	Timeout     time.Duration
	NoBroadcast bool
}

// NodeResponse is one reply delivered on a QueryResponse's response
// channel.
type NodeResponse struct {
	From    string
	Payload []byte
}

// QueryResponse is returned to the caller of Mesh.Query and tracks the
// in-flight request until its deadline.
type QueryResponse struct {
	ltime    LamportTime
	id       uint32
	deadline time.Time

	ackCh  chan string
	respCh chan NodeResponse

	mu       sync.Mutex
	ackSeen  map[string]struct{}
	respSeen map[string]struct{}
	closed   bool
	closeCh  chan struct{}
}

func newQueryResponse(ltime LamportTime, id uint32, deadline time.Time, wantAck bool) *QueryResponse {
	qr := &QueryResponse{
		ltime:    ltime,
		id:       id,
		deadline: deadline,
		respCh:   make(chan NodeResponse, 128),
		ackSeen:  make(map[string]struct{}),
		respSeen: make(map[string]struct{}),
		closeCh:  make(chan struct{}),
	}
	if wantAck {
		qr.ackCh = make(chan string, 128)
	}
	return qr
}

func (q *QueryResponse) AckCh() <-chan string           { return q.ackCh }
func (q *QueryResponse) ResponseCh() <-chan NodeResponse { return q.respCh }
func (q *QueryResponse) Deadline() time.Time             { return q.deadline }
func (q *QueryResponse) Finished() bool {
	select {
	case <-q.closeCh:
		return true
	default:
		return false
	}
}

// close is idempotent: timer-driven expiry and explicit close both call it.
func (q *QueryResponse) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.closeCh)
	close(q.respCh)
	if q.ackCh != nil {
		close(q.ackCh)
	}
}

// admitAck performs an atomic check-and-reserve dedup: the sender is only
// let through once, and the check happens
// under the same lock as the reservation so a duplicate can never slip in
// between the check and the channel write.
func (q *QueryResponse) admitAck(from string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if _, dup := q.ackSeen[from]; dup {
		return false
	}
	q.ackSeen[from] = struct{}{}
	return true
}

func (q *QueryResponse) admitResponse(from string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if _, dup := q.respSeen[from]; dup {
		return false
	}
	q.respSeen[from] = struct{}{}
	return true
}

// queryCollection is the per-LTime dedup record for incoming queries
// (QueryCollection in the data model): the set of query IDs already seen
// at that Lamport time.
type queryCollection struct {
	LTime LamportTime
	IDs   map[uint32]struct{}
}

// queryManager owns the query Lamport clock, the incoming-query dedup
// buffer, and the table of QueryResponse objects the local node is
// currently waiting on.
type queryManager struct {
	mu sync.Mutex

	clock      LamportClock
	bufferSize int
	buffer     map[LamportTime]*queryCollection
	minTime    LamportTime

	active map[LamportTime]*QueryResponse
}

func newQueryManager(bufferSize int) *queryManager {
	return &queryManager{
		bufferSize: bufferSize,
		buffer:     make(map[LamportTime]*queryCollection),
		active:     make(map[LamportTime]*QueryResponse),
	}
}

func (m *queryManager) witness(v LamportTime) { m.clock.Witness(v) }
func (m *queryManager) time() LamportTime     { return m.clock.Time() }
func (m *queryManager) increment() LamportTime { return m.clock.Increment() }

// register records qr as the outstanding response for its LTime and arms a
// deadline timer that removes and closes it.
func (m *queryManager) register(qr *QueryResponse) {
	m.mu.Lock()
	m.active[qr.ltime] = qr
	m.mu.Unlock()

	d := time.Until(qr.deadline)
	if d < 0 {
		d = 0
	}
	time.AfterFunc(d, func() {
		m.mu.Lock()
		delete(m.active, qr.ltime)
		m.mu.Unlock()
		qr.close()
	})
}

func (m *queryManager) lookup(ltime LamportTime) (*QueryResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qr, ok := m.active[ltime]
	return qr, ok
}

// admit dedups an incoming messageQuery by (ltime, id), bounded by the
// buffer window and minTime floor, matching the event buffer's discipline.
func (m *queryManager) admit(msg *messageQuery) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.clock.Time()
	if msg.LTime < m.minTime {
		return false
	}
	if cur > LamportTime(m.bufferSize) && msg.LTime < cur-LamportTime(m.bufferSize) {
		return false
	}

	coll, ok := m.buffer[msg.LTime]
	if !ok {
		coll = &queryCollection{LTime: msg.LTime, IDs: make(map[uint32]struct{})}
		m.buffer[msg.LTime] = coll
	}
	if _, dup := coll.IDs[msg.ID]; dup {
		return false
	}
	coll.IDs[msg.ID] = struct{}{}
	m.pruneLocked(cur)
	return true
}

func (m *queryManager) pruneLocked(cur LamportTime) {
	if cur <= LamportTime(m.bufferSize) {
		return
	}
	floor := cur - LamportTime(m.bufferSize)
	for lt := range m.buffer {
		if lt < floor {
			delete(m.buffer, lt)
		}
	}
}

// queryTimeout computes GossipInterval * QueryTimeoutMult * ceil(log10(n+1)).
func queryTimeout(gossipInterval time.Duration, mult int, n int) time.Duration {
	scale := ceilLog10(n + 1)
	return gossipInterval * time.Duration(mult) * time.Duration(scale)
}

func ceilLog10(n int) int {
	if n <= 1 {
		return 1
	}
	digits := 0
	for v := n - 1; v > 0; v /= 10 {
		digits++
	}
	if digits == 0 {
		digits = 1
	}
	return digits
}

// evalFilters returns true if the local member matches every encoded
// filter clause. Each clause carries its own type byte so node-name and
// tag filters can be mixed freely in one query.
func evalFilters(filters [][]byte, localName string, localTags map[string]string) (bool, error) {
	for _, raw := range filters {
		if len(raw) < 1 {
			return false, errUnknownFilterType
		}
		switch filterType(raw[0]) {
		case filterNodeType:
			var names filterNode
			if err := decodeFilter(raw, &names); err != nil {
				return false, err
			}
			if !containsString(names, localName) {
				return false, nil
			}
		case filterTagType:
			var ft filterTag
			if err := decodeFilter(raw, &ft); err != nil {
				return false, err
			}
			val, ok := localTags[ft.Tag]
			if !ok {
				return false, nil
			}
			matched, err := matchAnchoredRegex(ft.Expr, val)
			if err != nil {
				return false, err
			}
			if !matched {
				return false, nil
			}
		default:
			return false, fmt.Errorf("mesh: %w: %d", errUnknownFilterType, raw[0])
		}
	}
	return true, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
