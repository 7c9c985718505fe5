package mesh

import (
	"sync"
	"time"
)

// memberAccessor is the only way any component may read or mutate the
// membership registry. It is only valid for the lifetime of the callback
// passed to MemberManager.ExecuteUnderLock.
type memberAccessor interface {
	get(name string) (*memberState, bool)
	add(info *memberState)
	removeByName(name string)
	updateInPlace(name string, mutate func(*memberState))
	listAll() []*memberState
	listByStatus(status MemberStatus) []*memberState
	getFailed() []*memberState
	getLeft() []*memberState
	count() int

	latentIntent(name string) (nodeIntent, bool)
	setLatentIntent(name string, in nodeIntent)
	clearLatentIntent(name string)
	pruneLatentIntents(olderThan time.Time)
}

// MemberManager is the single synchronization boundary for membership
// state: the name index plus the auxiliary failed/left lists described in
// the data model's invariants. Every mutation funnels through
// ExecuteUnderLock so no other component ever iterates or mutates the maps
// directly.
type MemberManager struct {
	mu sync.RWMutex

	members map[string]*memberState
	failed  []string // names, most-recently-failed last
	left    []string

	intents map[string]nodeIntent
}

func newMemberManager() *MemberManager {
	return &MemberManager{
		members: make(map[string]*memberState),
		intents: make(map[string]nodeIntent),
	}
}

// ExecuteUnderLock runs fn with exclusive access to the registry. Callers
// must not retain the accessor or any *memberState pointers it returns
// beyond the callback's lifetime without understanding they alias live
// state.
func (m *MemberManager) ExecuteUnderLock(fn func(memberAccessor)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn((*lockedAccessor)(m))
}

// ExecuteUnderRLock runs fn with shared read access. Use for pure queries
// (Members(), stats) that do not mutate the registry.
func (m *MemberManager) ExecuteUnderRLock(fn func(memberAccessor)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn((*lockedAccessor)(m))
}

// lockedAccessor implements memberAccessor against the enclosing
// MemberManager's maps. It exists purely to keep the lock-holding window
// explicit at the call site: you can only get one of these from inside
// ExecuteUnderLock/ExecuteUnderRLock.
type lockedAccessor MemberManager

func (a *lockedAccessor) mgr() *MemberManager { return (*MemberManager)(a) }

func (a *lockedAccessor) get(name string) (*memberState, bool) {
	ms, ok := a.mgr().members[name]
	return ms, ok
}

func (a *lockedAccessor) add(info *memberState) {
	m := a.mgr()
	m.members[info.Name] = info
	a.syncAuxLists(info.Name, info.Status)
}

func (a *lockedAccessor) removeByName(name string) {
	m := a.mgr()
	delete(m.members, name)
	m.failed = removeString(m.failed, name)
	m.left = removeString(m.left, name)
	delete(m.intents, name)
}

func (a *lockedAccessor) updateInPlace(name string, mutate func(*memberState)) {
	m := a.mgr()
	ms, ok := m.members[name]
	if !ok {
		return
	}
	mutate(ms)
	a.syncAuxLists(name, ms.Status)
}

// syncAuxLists keeps the failed/left slices consistent with the given
// member's current status: present on exactly the list matching its
// status, absent from the other.
func (a *lockedAccessor) syncAuxLists(name string, status MemberStatus) {
	m := a.mgr()
	m.failed = removeString(m.failed, name)
	m.left = removeString(m.left, name)
	switch status {
	case StatusFailed:
		m.failed = append(m.failed, name)
	case StatusLeft:
		m.left = append(m.left, name)
	}
}

func (a *lockedAccessor) listAll() []*memberState {
	m := a.mgr()
	out := make([]*memberState, 0, len(m.members))
	for _, ms := range m.members {
		out = append(out, ms)
	}
	return out
}

func (a *lockedAccessor) listByStatus(status MemberStatus) []*memberState {
	m := a.mgr()
	var out []*memberState
	for _, ms := range m.members {
		if ms.Status == status {
			out = append(out, ms)
		}
	}
	return out
}

func (a *lockedAccessor) getFailed() []*memberState {
	return a.namesToStates(a.mgr().failed)
}

func (a *lockedAccessor) getLeft() []*memberState {
	return a.namesToStates(a.mgr().left)
}

func (a *lockedAccessor) namesToStates(names []string) []*memberState {
	m := a.mgr()
	out := make([]*memberState, 0, len(names))
	for _, n := range names {
		if ms, ok := m.members[n]; ok {
			out = append(out, ms)
		}
	}
	return out
}

func (a *lockedAccessor) count() int {
	return len(a.mgr().members)
}

func (a *lockedAccessor) latentIntent(name string) (nodeIntent, bool) {
	in, ok := a.mgr().intents[name]
	return in, ok
}

func (a *lockedAccessor) setLatentIntent(name string, in nodeIntent) {
	a.mgr().intents[name] = in
}

func (a *lockedAccessor) clearLatentIntent(name string) {
	delete(a.mgr().intents, name)
}

func (a *lockedAccessor) pruneLatentIntents(olderThan time.Time) {
	m := a.mgr()
	for name, in := range m.intents {
		if in.WallTime.Before(olderThan) {
			delete(m.intents, name)
		}
	}
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
