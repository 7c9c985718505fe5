package mesh

import "time"

// autoRejoinDelay is the short fixed pause before the first auto-rejoin
// attempt.
const autoRejoinDelay = 50 * time.Millisecond

// autoRejoinRetries/autoRejoinInterval bound the retry phase that follows
// the first attempt.
const (
	autoRejoinRetries  = 10
	autoRejoinInterval = 500 * time.Millisecond
)

// autoRejoin reads the snapshotter's previously-alive node list and
// attempts to rejoin the cluster: one attempt after a short fixed delay,
// then retries until one succeeds or the retry budget is exhausted. Create
// runs it on its own goroutine, so no attempt is synchronous with Create.
func (m *Mesh) autoRejoin() {
	prev := m.snapshotter.AliveNodes()
	if len(prev) == 0 {
		return
	}

	addrs := make([]string, 0, len(prev))
	for _, p := range prev {
		addrs = append(addrs, p.Addr)
	}

	time.Sleep(autoRejoinDelay)
	if n, err := m.Join(addrs, true); err == nil && n > 0 {
		return
	}

	for i := 0; i < autoRejoinRetries; i++ {
		if m.isShutdown() {
			return
		}
		time.Sleep(autoRejoinInterval)
		if n, err := m.Join(addrs, true); err == nil && n > 0 {
			return
		}
	}

	m.logger.Printf("[WARN] mesh: auto-rejoin exhausted %d retries against %d previously known nodes", autoRejoinRetries, len(prev))
}
