package mesh

import (
	"fmt"
	"net"
	"regexp"

	"github.com/hashicorp/memberlist"
)

var validNodeNameRe = regexp.MustCompile(`[^A-Za-z0-9\-]+`)

// meshMergeDelegate adapts the configured MergeDelegate to memberlist's
// merge-notification hooks, translating *memberlist.Node into our Member
// and validating the peer's advertised data before accepting it.
type meshMergeDelegate struct {
	mesh *Mesh
}

func (d *meshMergeDelegate) NotifyMerge(nodes []*memberlist.Node) error {
	if d.mesh.config.Merge == nil {
		return nil
	}
	members := make([]*Member, 0, len(nodes))
	for _, n := range nodes {
		mem, err := nodeToMember(n)
		if err != nil {
			return err
		}
		members = append(members, mem)
	}
	return d.mesh.config.Merge.NotifyMerge(members)
}

func (d *meshMergeDelegate) NotifyAlive(peer *memberlist.Node) error {
	if d.mesh.config.Merge == nil {
		return validateMemberInfo(peer)
	}
	mem, err := nodeToMember(peer)
	if err != nil {
		return err
	}
	return d.mesh.config.Merge.NotifyMerge([]*Member{mem})
}

func nodeToMember(n *memberlist.Node) (*Member, error) {
	if err := validateMemberInfo(n); err != nil {
		return nil, err
	}
	status := StatusNone
	if n.State == memberlist.StateLeft {
		status = StatusLeft
	}
	return &Member{
		Name:        n.Name,
		Addr:        net.IP(n.Addr),
		Port:        n.Port,
		Tags:        DecodeTags(n.Meta),
		Status:      status,
		ProtocolMin: n.PMin,
		ProtocolMax: n.PMax,
		ProtocolCur: n.PCur,
		DelegateMin: n.DMin,
		DelegateMax: n.DMax,
		DelegateCur: n.DCur,
	}, nil
}

// validateMemberInfo rejects peers advertising malformed names, addresses,
// or oversized metadata.
func validateMemberInfo(n *memberlist.Node) error {
	if len(n.Name) == 0 || len(n.Name) > 128 {
		return fmt.Errorf("mesh: node name length %d invalid, must be 1-128 characters", len(n.Name))
	}
	if validNodeNameRe.MatchString(n.Name) {
		return fmt.Errorf("mesh: node name %q contains invalid characters", n.Name)
	}
	if net.ParseIP(net.IP(n.Addr).String()) == nil {
		return fmt.Errorf("mesh: node %q advertised an invalid address", n.Name)
	}
	if len(n.Meta) > memberlist.MetaMaxSize {
		return fmt.Errorf("mesh: encoded tags for %q exceed the %d byte limit", n.Name, memberlist.MetaMaxSize)
	}
	return nil
}
