package mesh

import "time"

// Coalescer decides whether it owns an event, accumulates owned events, and
// flushes them to outCh on a quantum or quiescence boundary.
type Coalescer interface {
	Handle(Event) bool
	Coalesce(Event)
	Flush(outCh chan<- Event)
}

// coalescedEventCh starts a background loop that coalesces events handed to
// the returned channel using c, forwarding everything c doesn't Handle
// straight through to outCh. When cPeriod is 0 coalescing
// is disabled entirely and the caller should use outCh directly instead of
// calling this at all — the ingress channel this returns is only ever
// constructed when coalescing is active.
func coalescedEventCh(outCh chan<- Event, shutdownCh <-chan struct{},
	cPeriod, qPeriod time.Duration, c Coalescer) chan<- Event {
	inCh := make(chan Event, 1024)
	go coalesceLoop(inCh, outCh, shutdownCh, cPeriod, qPeriod, c)
	return inCh
}

// coalesceLoop batches events between a quantum deadline (cPeriod after the
// first event of a batch) and a quiescent deadline (qPeriod after the most
// recent event), flushing on whichever fires first.
func coalesceLoop(inCh <-chan Event, outCh chan<- Event, shutdownCh <-chan struct{},
	coalescePeriod, quiescentPeriod time.Duration, c Coalescer) {
	var quantum, quiescent <-chan time.Time
	shutdown := false

ingest:
	quantum = nil
	quiescent = nil

	for {
		select {
		case e := <-inCh:
			if !c.Handle(e) {
				outCh <- e
				continue
			}
			if quantum == nil {
				quantum = time.After(coalescePeriod)
			}
			quiescent = time.After(quiescentPeriod)
			c.Coalesce(e)

		case <-quantum:
			goto flush
		case <-quiescent:
			goto flush
		case <-shutdownCh:
			shutdown = true
			goto flush
		}
	}

flush:
	c.Flush(outCh)
	if !shutdown {
		goto ingest
	}
}
