package mesh

import "testing"

func TestEventManager_HandleDedup(t *testing.T) {
	m := newEventManager(256)

	msg := &messageUserEvent{LTime: 1, Name: "deploy", Payload: []byte("v1")}
	if !m.handle(msg) {
		t.Fatalf("expected the first observation of an event to be new")
	}
	if m.handle(msg) {
		t.Fatalf("expected a repeated (ltime, name, payload) triple to be deduped")
	}

	other := &messageUserEvent{LTime: 1, Name: "deploy", Payload: []byte("v2")}
	if !m.handle(other) {
		t.Fatalf("expected a differing payload at the same ltime to be new")
	}
}

func TestEventManager_MinTimeFloor(t *testing.T) {
	m := newEventManager(256)
	m.raiseMinTime(10)

	msg := &messageUserEvent{LTime: 5, Name: "stale", Payload: nil}
	if m.handle(msg) {
		t.Fatalf("expected an event below minTime to be rejected")
	}
}

func TestEventManager_PruneOldWindow(t *testing.T) {
	m := newEventManager(4)

	for lt := LamportTime(1); lt <= 10; lt++ {
		m.clock.Witness(lt - 1)
		m.handle(&messageUserEvent{LTime: lt, Name: "e", Payload: []byte{byte(lt)}})
	}

	for _, coll := range m.snapshot() {
		if coll.LTime+LamportTime(m.bufferSize) < m.clock.Time() {
			t.Fatalf("expected collections older than the retained window to be pruned, found ltime %d at clock %d", coll.LTime, m.clock.Time())
		}
	}
}

func TestEventManager_IngestReturnsOnlyFresh(t *testing.T) {
	m := newEventManager(256)

	colls := []*userEventCollection{
		{LTime: 1, Events: []userEventRecord{{Name: "a", Payload: []byte("x")}}},
	}
	fresh := m.ingest(colls)
	if len(fresh) != 1 {
		t.Fatalf("expected 1 fresh event, got %d", len(fresh))
	}

	fresh = m.ingest(colls)
	if len(fresh) != 0 {
		t.Fatalf("expected a repeat ingest of the same collections to yield no fresh events, got %d", len(fresh))
	}
}

func TestEventManager_TimeWitnessIncrement(t *testing.T) {
	m := newEventManager(256)
	if m.time() != 0 {
		t.Fatalf("expected a fresh clock to start at 0")
	}
	m.witness(5)
	if m.time() != 6 {
		t.Fatalf("expected witnessing 5 to advance the clock past it, got %d", m.time())
	}
	before := m.time()
	if m.increment() != before+1 {
		t.Fatalf("expected increment to return the post-increment time")
	}
	if m.time() != before+1 {
		t.Fatalf("expected increment to advance the clock by 1")
	}
}
