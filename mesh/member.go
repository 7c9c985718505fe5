package mesh

import (
	"fmt"
	"net"
	"time"
)

// MemberStatus is the membership state of a single node as observed by the
// local node.
type MemberStatus int

const (
	StatusNone MemberStatus = iota
	StatusAlive
	StatusLeaving
	StatusLeft
	StatusFailed
)

func (s MemberStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusAlive:
		return "alive"
	case StatusLeaving:
		return "leaving"
	case StatusLeft:
		return "left"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Member is the externally visible record for a single cluster node.
type Member struct {
	Name string
	Addr net.IP
	Port uint16
	Tags map[string]string

	Status MemberStatus

	ProtocolMin uint8
	ProtocolMax uint8
	ProtocolCur uint8
	DelegateMin uint8
	DelegateMax uint8
	DelegateCur uint8
}

func (m *Member) Address() string {
	return fmt.Sprintf("%s:%d", m.Addr, m.Port)
}

// memberState is the internal bookkeeping record kept in the registry. It
// wraps the exported Member with the fields only this layer needs: the
// Lamport time of the last status transition, and the wall time the
// transition happened, used by the reaper and reconnect loops.
type memberState struct {
	Member
	statusLTime LamportTime
	leaveTime   time.Time
}

// nodeIntent is a latent join/leave message held for a name the registry
// does not yet know about, because the gossiped intent arrived before the
// transport's authoritative callback.
type nodeIntent struct {
	Type  messageType // messageJoinType or messageLeaveType
	LTime LamportTime
	WallTime time.Time
}
