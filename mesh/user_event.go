package mesh

import (
	"bytes"
	"sync"
)

// userEventCollection is the dedup unit kept per Lamport time: every event
// broadcast or observed at that LTime, used both to suppress duplicates and
// to ship recent history during push/pull.
type userEventCollection struct {
	LTime LamportTime
	Events []userEventRecord
}

type userEventRecord struct {
	Name    string
	Payload []byte
}

// eventManager owns the event buffer, the event Lamport clock, and the
// floor (eventMinTime) below which events are always dropped — advanced by
// ignoreOld joins to suppress replay of stale history.
type eventManager struct {
	mu          sync.RWMutex
	clock       LamportClock
	bufferSize  int
	buffer      map[LamportTime]*userEventCollection
	minTime     LamportTime
}

func newEventManager(bufferSize int) *eventManager {
	return &eventManager{
		bufferSize: bufferSize,
		buffer:     make(map[LamportTime]*userEventCollection),
	}
}

func (m *eventManager) witness(v LamportTime) { m.clock.Witness(v) }
func (m *eventManager) time() LamportTime     { return m.clock.Time() }
func (m *eventManager) increment() LamportTime { return m.clock.Increment() }

func (m *eventManager) raiseMinTime(v LamportTime) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v > m.minTime {
		m.minTime = v
	}
}

// handle dedups msg against the buffer and reports whether it is new (and
// therefore should be forwarded to the event channel and rebroadcast).
// Dedup keys on the (ltime, name, payload) triple.
func (m *eventManager) handle(msg *messageUserEvent) (isNew bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	curTime := m.clock.Time()
	if msg.LTime < m.minTime {
		return false
	}
	if curTime > LamportTime(m.bufferSize) && msg.LTime < curTime-LamportTime(m.bufferSize) {
		return false
	}

	coll, ok := m.buffer[msg.LTime]
	if !ok {
		coll = &userEventCollection{LTime: msg.LTime}
		m.buffer[msg.LTime] = coll
	}
	for _, rec := range coll.Events {
		if rec.Name == msg.Name && bytes.Equal(rec.Payload, msg.Payload) {
			return false
		}
	}
	coll.Events = append(coll.Events, userEventRecord{Name: msg.Name, Payload: msg.Payload})
	m.prune(curTime)
	return true
}

// prune drops collections that have fallen out of the retained window.
func (m *eventManager) prune(curTime LamportTime) {
	if curTime <= LamportTime(m.bufferSize) {
		return
	}
	floor := curTime - LamportTime(m.bufferSize)
	for lt := range m.buffer {
		if lt < floor {
			delete(m.buffer, lt)
		}
	}
}

// snapshot returns the buffered collections for a push/pull LocalState.
func (m *eventManager) snapshot() []*userEventCollection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*userEventCollection, 0, len(m.buffer))
	for _, coll := range m.buffer {
		out = append(out, coll)
	}
	return out
}

// ingest feeds remote event collections (from a push/pull merge) through
// the same dedup path as handle, returning the freshly-admitted events so
// the caller can forward them to the event channel.
func (m *eventManager) ingest(colls []*userEventCollection) []*messageUserEvent {
	var fresh []*messageUserEvent
	for _, coll := range colls {
		for _, rec := range coll.Events {
			msg := &messageUserEvent{LTime: coll.LTime, Name: rec.Name, Payload: rec.Payload}
			if m.handle(msg) {
				fresh = append(fresh, msg)
			}
		}
	}
	return fresh
}
