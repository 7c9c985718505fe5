package mesh

import (
	"time"

	"github.com/armon/go-metrics"
)

// queueMonitorLoop periodically records each broadcast queue's depth as a
// gauge metric, logging a warning when a queue reaches QueueDepthWarning.
func (m *Mesh) queueMonitorLoop() {
	if m.config.QueueCheckInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.config.QueueCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkQueueDepth("member", m.memberQueue)
			m.checkQueueDepth("query", m.queryQueue)
			m.checkQueueDepth("event", m.eventQueue)
		case <-m.shutdownCh:
			return
		}
	}
}

func (m *Mesh) checkQueueDepth(name string, q *broadcastQueue) {
	depth := q.NumQueued()
	metrics.SetGaugeWithLabels([]string{"mesh", "queue", name}, float32(depth), m.config.MetricLabels)
	if depth >= m.config.QueueDepthWarning {
		m.logger.Printf("[WARN] mesh: %s queue depth: %d", name, depth)
	}
}
