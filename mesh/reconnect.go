package mesh

import (
	"math/rand"
	"time"
)

// reconnectLoop probabilistically retries a random failed member on each
// tick, with probability numFailed/numAlive.
func (m *Mesh) reconnectLoop() {
	ticker := time.NewTicker(m.config.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reconnect()
		case <-m.shutdownCh:
			return
		}
	}
}

func (m *Mesh) reconnect() {
	var failed, alive []*memberState
	m.members.ExecuteUnderRLock(func(a memberAccessor) {
		failed = a.getFailed()
		alive = a.listByStatus(StatusAlive)
	})

	if len(failed) == 0 || len(alive) == 0 {
		return
	}

	p := float64(len(failed)) / float64(len(alive))
	if rand.Float64() > p {
		return
	}

	target := randomMember(failed)
	if target == nil {
		return
	}

	if _, err := m.Join([]string{target.Address()}, false); err != nil {
		m.logger.Printf("[DEBUG] mesh: reconnect to %s failed: %v", target.Name, err)
	}
}
