// Package client is the external RPC client library for the length-prefixed
// control protocol a rpc.Server exposes: handshake and authentication,
// membership queries and mutation, event/query dispatch, keyring
// management, and the two streaming subscriptions (log monitor, event
// stream).
package client

import "net"

const (
	MinIPCVersion = 1
	MaxIPCVersion = 1
)

const (
	handshakeCommand       = "handshake"
	authCommand            = "auth"
	membersCommand         = "members"
	membersFilteredCommand = "members-filtered"
	joinCommand            = "join"
	leaveCommand           = "leave"
	forceLeaveCommand      = "force-leave"
	eventCommand           = "event"
	tagsCommand            = "tags"
	statsCommand           = "stats"
	getCoordinateCommand   = "get-coordinate"
	installKeyCommand      = "install-key"
	useKeyCommand          = "use-key"
	removeKeyCommand       = "remove-key"
	listKeysCommand        = "list-keys"
	monitorCommand         = "monitor"
	streamCommand          = "stream"
	stopCommand            = "stop"
	queryCommand           = "query"
	respondCommand         = "respond"
)

type requestHeader struct {
	Command string
	Seq     uint64
}

type responseHeader struct {
	Seq   uint64
	Error string
}

type handshakeRequest struct {
	Version int32
}

type authRequest struct {
	AuthKey string
}

type membersFilteredRequest struct {
	Tags   map[string]string
	Status string
	Name   string
}

type membersResponse struct {
	Members []Member
}

type joinRequest struct {
	Existing []string
	Replay   bool
}

type joinResponse struct {
	Num int32
}

type forceLeaveRequest struct {
	Node  string
	Prune bool
}

type eventRequest struct {
	Name     string
	Payload  []byte
	Coalesce bool
}

type tagsRequest struct {
	Tags       map[string]string
	DeleteTags []string
}

type statsResponse struct {
	Stats map[string]map[string]string
}

type coordinateRequest struct {
	Node string
}

type coordinateResponse struct {
	Coord *Coordinate
	Ok    bool
}

// Coordinate is the client-visible shape of a node's network coordinate.
type Coordinate struct {
	Vec        []float64
	Err        float64
	Adjustment float64
	Height     float64
}

type keyRequest struct {
	Key string
}

type keyResponse struct {
	Messages map[string]string
	Keys     []string
	NumNodes int
	NumResp  int
	NumErr   int
}

// KeyResponse is the result of an install/use/remove/list key operation.
type KeyResponse struct {
	Messages map[string]string
	Keys     []string
	NumNodes int
	NumResp  int
	NumErr   int
}

type monitorRequest struct {
	LogLevel string
}

type logRecord struct {
	Log string
}

type streamRequest struct {
	Type string
}

type memberEventRecord struct {
	Event   string
	Members []Member
}

type userEventRecord struct {
	Event    string
	LTime    uint64
	Name     string
	Payload  []byte
	Coalesce bool
}

type queryEventRecord struct {
	Event   string
	ID      uint32
	LTime   uint64
	Name    string
	Payload []byte
}

type stopRequest struct {
	Stop uint64
}

type queryRequest struct {
	FilterNodes []string
	FilterTags  map[string]string
	RequestAck  bool
	RelayFactor uint8
	Timeout     int64
	Name        string
	Payload     []byte
}

const (
	queryRecordAck      = "ack"
	queryRecordResponse = "response"
	queryRecordDone     = "done"
)

type queryRecord struct {
	Type    string
	From    string
	Payload []byte
}

type respondRequest struct {
	ID      uint64
	Payload []byte
}

// Member mirrors a single node as seen over the wire.
type Member struct {
	Name        string
	Addr        net.IP
	Port        uint16
	Tags        map[string]string
	Status      string
	ProtocolMin uint8
	ProtocolMax uint8
	ProtocolCur uint8
	DelegateMin uint8
	DelegateMax uint8
	DelegateCur uint8
}
