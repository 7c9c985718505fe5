package mesh

import "time"

// reapLoop periodically expires Failed and Left members past their
// configured timeout.
func (m *Mesh) reapLoop() {
	ticker := time.NewTicker(m.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reap(StatusFailed, m.config.ReconnectTimeout)
			m.reap(StatusLeft, m.config.TombstoneTimeout)
		case <-m.shutdownCh:
			return
		}
	}
}

func (m *Mesh) reap(status MemberStatus, timeout time.Duration) {
	now := time.Now()
	var reaped []string

	m.members.ExecuteUnderLock(func(a memberAccessor) {
		var list []*memberState
		if status == StatusFailed {
			list = a.getFailed()
		} else {
			list = a.getLeft()
		}

		for i := len(list) - 1; i >= 0; i-- {
			ms := list[i]
			to := timeout
			if m.config.ReconnectTimeoutOverride != nil {
				to = m.config.ReconnectTimeoutOverride(ms.Member)
			}
			if now.Sub(ms.leaveTime) <= to {
				continue
			}
			a.removeByName(ms.Name)
			reaped = append(reaped, ms.Name)
		}
	})

	for _, name := range reaped {
		m.coordCacheLock.Lock()
		delete(m.coordCache, name)
		m.coordCacheLock.Unlock()

		select {
		case m.internalIn <- MemberEvent{Type: EventMemberReap, Members: []Member{{Name: name}}}:
		default:
		}
	}
}
