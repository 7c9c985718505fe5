package mesh

import (
	"bytes"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/hashicorp/memberlist"

	"github.com/meshkit/mesh/coordinate"
)

// pingVersion is an internal envelope version for the coordinate piggybacked
// on ping acks, independent of the delegate protocol version.
const pingVersion = 1

// meshPingDelegate feeds round-trip-time samples from memberlist's direct
// ping path into the Vivaldi coordinate client.
type meshPingDelegate struct {
	mesh *Mesh
}

func (p *meshPingDelegate) AckPayload() []byte {
	var buf bytes.Buffer
	buf.WriteByte(pingVersion)
	enc := codec.NewEncoder(&buf, msgpackHandle)
	if err := enc.Encode(p.mesh.coordClient.GetCoordinate()); err != nil {
		p.mesh.logger.Printf("[ERR] mesh: failed to encode coordinate: %v", err)
	}
	return buf.Bytes()
}

func (p *meshPingDelegate) NotifyPingComplete(other *memberlist.Node, rtt time.Duration, payload []byte) {
	if len(payload) == 0 {
		return
	}
	if payload[0] != pingVersion {
		p.mesh.logger.Printf("[ERR] mesh: unsupported ping payload version %d", payload[0])
		return
	}

	dec := codec.NewDecoder(bytes.NewReader(payload[1:]), msgpackHandle)
	var coord coordinate.Coordinate
	if err := dec.Decode(&coord); err != nil {
		p.mesh.logger.Printf("[ERR] mesh: failed to decode coordinate from ping: %v", err)
		return
	}

	before := p.mesh.coordClient.GetCoordinate()
	after, err := p.mesh.coordClient.Update(other.Name, &coord, rtt)
	if err != nil {
		metrics.IncrCounterWithLabels([]string{"mesh", "coordinate", "rejected"}, 1, p.mesh.config.MetricLabels)
		p.mesh.logger.Printf("[DEBUG] mesh: rejected coordinate from %s: %v", other.Name, err)
		return
	}

	d := float32(before.DistanceTo(after) * 1.0e3)
	metrics.AddSampleWithLabels([]string{"mesh", "coordinate", "adjustment-ms"}, d, p.mesh.config.MetricLabels)

	p.mesh.coordCacheLock.Lock()
	p.mesh.coordCache[other.Name] = &coord
	p.mesh.coordCache[p.mesh.config.NodeName] = p.mesh.coordClient.GetCoordinate()
	p.mesh.coordCacheLock.Unlock()
}
