package mesh

import "sync/atomic"

// LamportTime is a monotonically increasing logical clock value. It gives
// a total order to membership intents, user events, and queries without
// requiring synchronized wall clocks across the cluster.
type LamportTime uint64

// LamportClock is a thread-safe logical clock. The zero value is ready to
// use and starts at time 0.
type LamportClock struct {
	counter uint64
}

// Time returns the current value of the clock.
func (l *LamportClock) Time() LamportTime {
	return LamportTime(atomic.LoadUint64(&l.counter))
}

// Increment advances the clock by one and returns the new value. Call this
// before stamping an outgoing message.
func (l *LamportClock) Increment() LamportTime {
	return LamportTime(atomic.AddUint64(&l.counter, 1))
}

// Witness updates the clock to reflect a value observed from another node.
// After Witness(v) the clock is guaranteed to read strictly greater than v,
// and never moves backwards.
func (l *LamportClock) Witness(v LamportTime) {
	for {
		cur := atomic.LoadUint64(&l.counter)
		other := uint64(v)
		if other < cur {
			return
		}
		if atomic.CompareAndSwapUint64(&l.counter, cur, other+1) {
			return
		}
	}
}
