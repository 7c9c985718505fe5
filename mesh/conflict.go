package mesh

import (
	"time"
)

// resolveNameConflict runs when the transport reports a second node
// claiming the local name. If the cluster's majority view of the address
// on record for our name matches our own, we survive; otherwise we
// self-shutdown.
func (m *Mesh) resolveNameConflict() {
	if !m.config.EnableNameConflictResolution {
		return
	}

	qr, err := m.Query(internalQueryName(conflictQuery), []byte(m.config.NodeName), &QueryParam{
		Timeout: m.config.BroadcastTimeout,
	})
	if err != nil {
		m.logger.Printf("[ERR] mesh: failed to start conflict resolution query: %v", err)
		return
	}

	local := m.transport.LocalNode()
	var total, matching int

	for r := range qr.ResponseCh() {
		total++
		if len(r.Payload) < 1 || messageType(r.Payload[0]) != messageConflictResponseType {
			continue
		}
		var other *Member
		if err := decodeMessage(r.Payload[1:], &other); err != nil {
			continue
		}
		if other == nil {
			continue
		}
		if other.Addr.Equal(local.Addr) && other.Port == local.Port {
			matching++
		}
	}

	if total == 0 {
		return
	}
	if matching >= total/2+1 {
		m.logger.Printf("[INFO] mesh: name conflict resolved in our favor (%d/%d)", matching, total)
		return
	}

	m.logger.Printf("[WARN] mesh: name conflict resolution lost (%d/%d), shutting down", matching, total)
	go func() {
		time.Sleep(time.Millisecond)
		_ = m.Shutdown()
	}()
}
