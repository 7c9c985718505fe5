package mesh

import (
	"bytes"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
)

// messageType is the first byte of every gossiped payload, identifying how
// to decode the remainder.
type messageType uint8

const (
	messageLeaveType messageType = iota
	messageJoinType
	messagePushPullType
	messageUserEventType
	messageQueryType
	messageQueryResponseType
	messageConflictResponseType
	messageKeyRequestType
	messageKeyResponseType
	messageRelayType
)

// filterType identifies the kind of query filter encoded in a query's
// Filters slice. Each filter is independently tagged: the type byte lives
// at the front of the individual filter payload, not at the list level.
type filterType uint8

const (
	filterNodeType filterType = iota
	filterTagType
)

// messageJoin is broadcast to intend a node join, stamped with the member
// clock at send time. It is non-authoritative; the transport's NotifyJoin
// callback is what actually flips a member to Alive.
type messageJoin struct {
	LTime LamportTime
	Node  string
}

// messageLeave is broadcast to intend a graceful (or forced) departure.
type messageLeave struct {
	LTime LamportTime
	Node  string
	Prune bool
}

// messagePushPull carries a full membership + recent-event snapshot during
// a transport push/pull round.
type messagePushPull struct {
	LTime        LamportTime
	StatusLTimes map[string]LamportTime
	LeftMembers  []string
	EventLTime   LamportTime
	Events       []*userEventCollection
	QueryLTime   LamportTime
}

// messageUserEvent is a user-defined broadcast event.
type messageUserEvent struct {
	LTime   LamportTime
	Name    string
	Payload []byte
	CC      bool // "can coalesce"
}

// messageQuery is a cluster-wide request.
type messageQuery struct {
	LTime       LamportTime
	ID          uint32
	Addr        []byte
	Port        uint16
	SourceNode  string
	Filters     [][]byte
	Flags       uint32
	RelayFactor uint8
	Timeout     time.Duration
	Name        string
	Payload     []byte
}

const (
	queryFlagAck         uint32 = 1 << 0
	queryFlagNoBroadcast uint32 = 1 << 1
)

func (m *messageQuery) Ack() bool         { return m.Flags&queryFlagAck != 0 }
func (m *messageQuery) NoBroadcast() bool { return m.Flags&queryFlagNoBroadcast != 0 }

// filterNode matches if the local node name appears in the list.
type filterNode []string

// filterTag matches if a tag exists and its value matches an anchored
// regular expression.
type filterTag struct {
	Tag  string
	Expr string
}

// messageQueryResponse is unicast or relayed back to a query's originator.
type messageQueryResponse struct {
	LTime   LamportTime
	ID      uint32
	From    string
	Flags   uint32
	Payload []byte
}

func (m *messageQueryResponse) Ack() bool { return m.Flags&queryFlagAck != 0 }

// relayHeader wraps a message that must be forwarded through an intermediate
// node before reaching destAddr/destName.
type relayHeader struct {
	DestAddr []byte
	DestPort uint16
	DestName string
}

var msgpackHandle = &codec.MsgpackHandle{}

func decodeMessage(buf []byte, out interface{}) error {
	return codec.NewDecoder(bytes.NewReader(buf), msgpackHandle).Decode(out)
}

func encodeMessage(t messageType, msg interface{}) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(uint8(t))
	enc := codec.NewEncoder(buf, msgpackHandle)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeFilter(f filterType, filt interface{}) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(uint8(f))
	enc := codec.NewEncoder(buf, msgpackHandle)
	if err := enc.Encode(filt); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeFilter(buf []byte, out interface{}) error {
	if len(buf) < 1 {
		return errTruncatedFilter
	}
	return decodeMessage(buf[1:], out)
}
