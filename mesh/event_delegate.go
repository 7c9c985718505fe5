package mesh

import "github.com/hashicorp/memberlist"

// meshEventDelegate forwards memberlist's authoritative membership
// callbacks into the node-event handler (mesh.go).
type meshEventDelegate struct {
	mesh *Mesh
}

func (d *meshEventDelegate) NotifyJoin(n *memberlist.Node)   { d.mesh.handleNodeJoin(n) }
func (d *meshEventDelegate) NotifyLeave(n *memberlist.Node)  { d.mesh.handleNodeLeave(n) }
func (d *meshEventDelegate) NotifyUpdate(n *memberlist.Node) { d.mesh.handleNodeUpdate(n) }

// NotifyConflict implements memberlist.ConflictDelegate: two nodes are
// claiming the same name. If either side of the conflict is us, kick off
// resolution.
func (d *meshEventDelegate) NotifyConflict(existing, other *memberlist.Node) {
	if existing.Name != d.mesh.config.NodeName && other.Name != d.mesh.config.NodeName {
		return
	}
	go d.mesh.resolveNameConflict()
}
