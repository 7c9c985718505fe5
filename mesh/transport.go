package mesh

import (
	"time"

	"github.com/hashicorp/memberlist"
)

// Transport is the gossip/failure-detector collaborator this layer sits
// on top of. *memberlist.Memberlist satisfies it directly; the interface
// exists so tests can substitute a fake without dragging in real UDP/TCP
// sockets. Probe scheduling, suspicion, and wire encryption all live on
// the other side of this boundary.
type Transport interface {
	Join(existing []string) (int, error)
	Leave(timeout time.Duration) error
	Shutdown() error

	Members() []*memberlist.Node
	NumMembers() int
	LocalNode() *memberlist.Node

	SendBestEffort(to *memberlist.Node, msg []byte) error
	SendReliable(to *memberlist.Node, msg []byte) error

	UpdateNode(timeout time.Duration) error

	Keyring() *memberlist.Keyring

	// GetHealthScore reports the transport's self-assessed health, 0
	// being the most healthy; rising values mean probes are falling
	// behind their deadlines.
	GetHealthScore() int
}

// MergeDelegate lets the application veto or inspect peers discovered
// during a push/pull merge before they are accepted.
type MergeDelegate interface {
	NotifyMerge(members []*Member) error
}

// Snapshotter is the external collaborator that persists alive-member
// lists and clock values across restarts, and is fed every emitted event
// for replay bookkeeping. Its on-disk format is not specified here.
type Snapshotter interface {
	LastClock() LamportTime
	LastEventClock() LamportTime
	LastQueryClock() LamportTime
	AliveNodes() []PreviousNode

	Update(e Event)
	LeaveAsync()
	Wait() error
}

// PreviousNode is one entry from a Snapshotter's alive-node list, used to
// seed auto-rejoin on startup.
type PreviousNode struct {
	Name string
	Addr string
}
