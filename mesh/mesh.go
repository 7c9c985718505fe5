package mesh

import (
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/memberlist"

	"github.com/meshkit/mesh/coordinate"
)

// meshState is the local process's own lifecycle, distinct from any single
// Member's status.
type meshState int

const (
	meshAlive meshState = iota
	meshLeaving
	meshLeft
	meshShutdown
)

// Mesh is the core state machine: membership history,
// broadcast queues, query engine, coordinate client, and the glue that
// turns transport callbacks into all of the above.
type Mesh struct {
	config    *Config
	transport Transport
	logger    *log.Logger

	clock LamportClock

	members *MemberManager

	memberQueue *broadcastQueue
	queryQueue  *broadcastQueue
	eventQueue  *broadcastQueue

	events  *eventManager
	queries *queryManager

	eventCh    chan<- Event // the channel events are ultimately delivered to
	userEventIn chan<- Event // entry point user events/internal handler feed into (may equal eventCh)
	internalIn chan<- Event  // entry point the node-event/intent handlers feed into

	coordClient    *coordinate.Client
	coordCache     map[string]*coordinate.Coordinate
	coordCacheLock sync.RWMutex

	stateLock sync.Mutex
	state     meshState

	joinLock       sync.Mutex
	eventJoinIgnoreLTime LamportTime

	snapshotter Snapshotter

	shutdownCh chan struct{}
	shutdownOnce sync.Once
}

// Create builds a Mesh bound to transport (typically *memberlist.Memberlist
// constructed with the Delegate/EventDelegate/MergeDelegate/PingDelegate
// this method returns via Delegates()). Callers are expected to construct
// the transport themselves, passing the delegates Mesh exposes, since
// memberlist.Create wants the delegate set before the transport exists
// (a chicken-and-egg problem resolved by building Mesh first, handing its
// delegate methods to the memberlist.Config, then calling Create and
// attaching the result with AttachTransport).
func Create(conf *Config) (*Mesh, error) {
	if conf.MemberlistConfig == nil {
		conf.MemberlistConfig = memberlist.DefaultLANConfig()
	}
	logger := conf.logger()

	shutdownCh := make(chan struct{})

	coordCfg := coordinate.DefaultConfig()
	coordClient, err := coordinate.NewClient(coordCfg)
	if err != nil {
		return nil, fmt.Errorf("mesh: failed to create coordinate client: %w", err)
	}

	m := &Mesh{
		config:      conf,
		logger:      logger,
		members:     newMemberManager(),
		memberQueue: newBroadcastQueue(nil, conf.MemberlistConfig.RetransmitMult, conf.MaxQueueDepth),
		queryQueue:  newBroadcastQueue(nil, conf.MemberlistConfig.RetransmitMult, conf.MaxQueueDepth),
		eventQueue:  newBroadcastQueue(nil, conf.MemberlistConfig.RetransmitMult, conf.MaxQueueDepth),
		events:      newEventManager(conf.EventBuffer),
		queries:     newQueryManager(conf.QueryBuffer),
		coordClient: coordClient,
		coordCache:  make(map[string]*coordinate.Coordinate),
		shutdownCh:  shutdownCh,
	}
	m.memberQueue.limited.NumNodes = m.NumNodes
	m.queryQueue.limited.NumNodes = m.NumNodes
	m.eventQueue.limited.NumNodes = m.NumNodes

	// Wire the event pipeline: node events / intents -> internal query
	// filter -> (optional coalescer) -> user channel, with the snapshotter
	// fanned out ahead of delivery.
	userCh := conf.EventCh
	if conf.SnapshotPath != "" && conf.Snapshotter != nil {
		m.snapshotter = conf.Snapshotter
		userCh = m.fanOutToSnapshotter(userCh)
	}

	memberOut := userCh
	if conf.CoalescePeriod > 0 {
		memberOut = asEventChan(coalescedEventCh(userCh, shutdownCh, conf.CoalescePeriod, conf.QuiescentPeriod, newMemberEventCoalescer()))
	}
	userEventOut := memberOut
	if conf.UserCoalescePeriod > 0 {
		userEventOut = asEventChan(coalescedUserEventCh(memberOut, shutdownCh, conf.UserCoalescePeriod, conf.UserQuiescentPeriod))
	}

	m.internalIn = newInternalQueryHandler(m, logger, userEventOut)
	m.userEventIn = m.internalIn
	m.eventCh = m.internalIn

	if m.snapshotter != nil {
		m.clock.Witness(m.snapshotter.LastClock())
		m.events.witness(m.snapshotter.LastEventClock())
		m.queries.witness(m.snapshotter.LastQueryClock())
	}

	go m.reapLoop()
	go m.reconnectLoop()
	go m.queueMonitorLoop()

	if m.snapshotter != nil {
		go m.autoRejoin()
	}

	return m, nil
}

// asEventChan narrows a chan<- Event back down after coalescedEventCh's
// signature returns the same direction it was given.
func asEventChan(ch chan<- Event) chan<- Event { return ch }

// AttachTransport finishes two-phase construction: the transport (typically
// a live *memberlist.Memberlist) is supplied once it has been created with
// this Mesh's delegates wired into its Config.
func (m *Mesh) AttachTransport(t Transport) {
	m.transport = t
}

// Delegates returns the four memberlist hook implementations bound to this
// Mesh, for wiring into memberlist.Config before calling memberlist.Create.
func (m *Mesh) Delegates() (delegate memberlist.Delegate, event memberlist.EventDelegate, merge *meshMergeDelegate, ping memberlist.PingDelegate) {
	return &meshDelegate{mesh: m}, &meshEventDelegate{mesh: m}, &meshMergeDelegate{mesh: m}, &meshPingDelegate{mesh: m}
}

func (m *Mesh) fanOutToSnapshotter(userCh chan<- Event) chan<- Event {
	fanIn := make(chan Event, 1024)
	go func() {
		for e := range fanIn {
			m.snapshotter.Update(e)
			if userCh != nil {
				select {
				case userCh <- e:
				default:
				}
			}
		}
	}()
	return fanIn
}

// ProtocolVersion reports the delegate protocol version in use.
func (m *Mesh) ProtocolVersion() uint8 { return m.config.ProtocolVersion }

// Members returns a snapshot of every known member, in no particular
// order.
func (m *Mesh) Members() []Member {
	var out []Member
	m.members.ExecuteUnderRLock(func(a memberAccessor) {
		for _, ms := range a.listAll() {
			out = append(out, ms.Member)
		}
	})
	return out
}

// NumNodes returns the count of known members, including failed/left ones
// still within their reap window.
func (m *Mesh) NumNodes() int {
	n := 0
	m.members.ExecuteUnderRLock(func(a memberAccessor) { n = a.count() })
	return n
}

// Join contacts existing addresses via the transport. If ignoreOld is set,
// user events older than the remote's event clock (observed during the
// resulting push/pull) are suppressed from replay.
func (m *Mesh) Join(existing []string, ignoreOld bool) (int, error) {
	if len(existing) == 0 {
		return 0, errEmptyJoin
	}

	m.joinLock.Lock()
	defer m.joinLock.Unlock()

	if ignoreOld {
		m.joinEventIgnoreUntil(m.events.time())
	}

	n, err := m.transport.Join(existing)
	if err != nil {
		if multi, ok := err.(*multierror.Error); ok {
			return n, multi
		}
		return n, err
	}
	return n, nil
}

func (m *Mesh) joinEventIgnoreUntil(ltime LamportTime) {
	m.eventJoinIgnoreLTime = ltime
	if ltime > 0 {
		m.events.raiseMinTime(ltime)
	}
}

// broadcastJoin broadcasts a fresh Join intent at the given Lamport time,
// used both at startup and for self-refutation of an erroneous leave.
func (m *Mesh) broadcastJoin(ltime LamportTime) error {
	msg := messageJoin{LTime: ltime, Node: m.config.NodeName}
	m.clock.Witness(ltime)

	buf, err := encodeMessage(messageJoinType, &msg)
	if err != nil {
		return err
	}
	m.memberQueue.QueueBroadcast("", buf, nil)
	return nil
}

// Leave gracefully departs the cluster: broadcasts a Leave intent, waits a
// short grace period for it to propagate, then leaves the transport.
func (m *Mesh) Leave() error {
	m.stateLock.Lock()
	if m.state == meshLeft {
		m.stateLock.Unlock()
		return nil
	}
	if m.state == meshLeaving {
		m.stateLock.Unlock()
		return errMeshLeaving
	}
	m.state = meshLeaving
	m.stateLock.Unlock()

	var ms *memberState
	m.members.ExecuteUnderLock(func(a memberAccessor) {
		if s, ok := a.get(m.config.NodeName); ok {
			ms = s
		}
	})

	ltime := m.clock.Increment()
	msg := messageLeave{LTime: ltime, Node: m.config.NodeName}
	notify := make(chan struct{})
	buf, err := encodeMessage(messageLeaveType, &msg)
	if err != nil {
		return err
	}
	m.memberQueue.QueueBroadcast("", buf, notify)

	select {
	case <-notify:
	case <-time.After(m.config.BroadcastTimeout):
	}

	if ms != nil {
		_ = m.transport.Leave(m.config.BroadcastTimeout)
	}

	if m.snapshotter != nil {
		m.snapshotter.LeaveAsync()
	}

	m.stateLock.Lock()
	m.state = meshLeft
	m.stateLock.Unlock()
	return nil
}

// RemoveFailedNode broadcasts a Leave intent on node's behalf and applies it
// locally: a Failed member becomes Left and an Alive member becomes Leaving.
// The prune flag is carried on the message but not acted on; no member is
// removed from the registry, and a member already Left is unchanged.
func (m *Mesh) RemoveFailedNode(node string, prune bool) error {
	if node == m.config.NodeName {
		return errLocalMemberTarget
	}

	ltime := m.clock.Increment()
	msg := messageLeave{LTime: ltime, Node: node, Prune: prune}
	m.handleNodeLeaveIntent(&msg)

	buf, err := encodeMessage(messageLeaveType, &msg)
	if err != nil {
		return err
	}
	m.memberQueue.QueueBroadcast("", buf, nil)
	return nil
}

// SetTags updates the local node's tags and triggers a transport metadata
// update so peers learn the new values.
func (m *Mesh) SetTags(tags map[string]string) error {
	if _, err := EncodeTags(tags, m.config.ProtocolVersion); err != nil {
		return err
	}
	m.config.Tags = tags

	m.members.ExecuteUnderLock(func(a memberAccessor) {
		a.updateInPlace(m.config.NodeName, func(ms *memberState) {
			ms.Tags = tags
		})
	})
	return m.transport.UpdateNode(m.config.BroadcastTimeout)
}

// LocalTags returns a copy of the local node's current tags, for callers
// that need to merge a partial update before calling SetTags.
func (m *Mesh) LocalTags() map[string]string {
	out := make(map[string]string, len(m.config.Tags))
	for k, v := range m.config.Tags {
		out[k] = v
	}
	return out
}

// UserEvent broadcasts a user-defined event to the cluster.
func (m *Mesh) UserEvent(name string, payload []byte, coalesce bool) error {
	if len(name)+len(payload) > m.config.UserEventSizeLimit {
		return errEventTooLarge
	}

	ltime := m.events.increment()
	msg := &messageUserEvent{LTime: ltime, Name: name, Payload: payload, CC: coalesce}

	rebroadcast := m.handleUserEvent(msg)
	if !rebroadcast {
		return nil
	}

	buf, err := encodeMessage(messageUserEventType, msg)
	if err != nil {
		return err
	}
	m.eventQueue.QueueBroadcast("", buf, nil)
	return nil
}

func (m *Mesh) handleUserEvent(msg *messageUserEvent) bool {
	m.events.witness(msg.LTime)
	isNew := m.events.handle(msg)
	if isNew {
		m.deliverUserEvent(msg)
	}
	return isNew
}

func (m *Mesh) deliverUserEvent(msg *messageUserEvent) {
	metrics.IncrCounterWithLabels([]string{"mesh", "events"}, 1, m.config.MetricLabels)
	select {
	case m.userEventIn <- UserEvent{LTime: msg.LTime, Name: msg.Name, Payload: msg.Payload, Coalesce: msg.CC}:
	default:
		m.logger.Printf("[WARN] mesh: user event channel full, dropping %q", msg.Name)
	}
}

// queueForRebroadcast re-queues a raw wire message onto the queue matching
// its message type, preserving the "rebroadcast?" handshake each message
// type negotiates with its own dedup state.
func (m *Mesh) queueForRebroadcast(t messageType, buf []byte) {
	switch t {
	case messageLeaveType, messageJoinType:
		m.memberQueue.QueueBroadcast("", buf, nil)
	case messageQueryType:
		m.queryQueue.QueueBroadcast("", buf, nil)
	case messageUserEventType:
		m.eventQueue.QueueBroadcast("", buf, nil)
	}
}

// Shutdown immediately tears down background loops and the transport
// without attempting a graceful leave.
func (m *Mesh) Shutdown() error {
	m.stateLock.Lock()
	if m.state == meshShutdown {
		m.stateLock.Unlock()
		return nil
	}
	if m.state != meshLeft {
		m.state = meshShutdown
	} else {
		m.state = meshShutdown
	}
	m.stateLock.Unlock()

	m.shutdownOnce.Do(func() { close(m.shutdownCh) })

	if m.transport != nil {
		return m.transport.Shutdown()
	}
	return nil
}

func (m *Mesh) isShutdown() bool {
	select {
	case <-m.shutdownCh:
		return true
	default:
		return false
	}
}

// handleNodeJoin is the authoritative callback fired by the transport when
// it establishes (or re-establishes) a node. It may resurrect a Failed or
// Left member, which a gossiped join intent alone may never do.
func (m *Mesh) handleNodeJoin(n *memberlist.Node) {
	var (
		oldStatus MemberStatus
		flapped   bool
	)

	m.members.ExecuteUnderLock(func(a memberAccessor) {
		existing, ok := a.get(n.Name)
		if !ok {
			ms := &memberState{Member: mustMember(n)}
			ms.statusLTime = m.clock.Time()
			a.add(ms)
			a.clearLatentIntent(n.Name)
			return
		}

		oldStatus = existing.Status
		if oldStatus == StatusFailed && time.Since(existing.leaveTime) < m.config.FlapTimeout {
			flapped = true
		}

		a.updateInPlace(n.Name, func(ms *memberState) {
			ms.Addr = net.IP(n.Addr)
			ms.Port = n.Port
			ms.Tags = DecodeTags(n.Meta)
			ms.Status = StatusAlive
			ms.ProtocolMin, ms.ProtocolMax, ms.ProtocolCur = n.PMin, n.PMax, n.PCur
			ms.DelegateMin, ms.DelegateMax, ms.DelegateCur = n.DMin, n.DMax, n.DCur
		})
		a.clearLatentIntent(n.Name)
	})

	if flapped {
		metrics.IncrCounterWithLabels([]string{"mesh", "member", "flap"}, 1, m.config.MetricLabels)
	}

	if oldStatus != StatusAlive {
		m.emitMemberEvent(EventMemberJoin, n.Name)
	}
}

func (m *Mesh) handleNodeUpdate(n *memberlist.Node) {
	m.members.ExecuteUnderLock(func(a memberAccessor) {
		a.updateInPlace(n.Name, func(ms *memberState) {
			ms.Tags = DecodeTags(n.Meta)
			ms.Addr = net.IP(n.Addr)
			ms.Port = n.Port
		})
	})
	m.emitMemberEvent(EventMemberUpdate, n.Name)
}

// handleNodeLeave is the authoritative callback for a departure detected by
// the transport's failure detector (or reported as a clean leave).
func (m *Mesh) handleNodeLeave(n *memberlist.Node) {
	var newStatus MemberStatus

	m.members.ExecuteUnderLock(func(a memberAccessor) {
		ms, ok := a.get(n.Name)
		if !ok {
			return
		}

		if n.State == memberlist.StateLeft {
			newStatus = StatusLeft
		} else {
			newStatus = StatusFailed
		}

		a.updateInPlace(n.Name, func(ms *memberState) {
			ms.Status = newStatus
			ms.leaveTime = time.Now()
			ms.statusLTime = m.clock.Time()
		})
		_ = ms
	})

	if newStatus == 0 {
		return
	}

	if newStatus == StatusLeft {
		m.emitMemberEvent(EventMemberLeave, n.Name)
	} else {
		m.emitMemberEvent(EventMemberFailed, n.Name)
	}
}

// handleNodeJoinIntent processes a gossiped (non-authoritative) join
// message. Returns whether to rebroadcast.
func (m *Mesh) handleNodeJoinIntent(msg *messageJoin) bool {
	m.clock.Witness(msg.LTime)

	rebroadcast := false
	m.members.ExecuteUnderLock(func(a memberAccessor) {
		ms, ok := a.get(msg.Node)
		if !ok {
			if in, had := a.latentIntent(msg.Node); !had || msg.LTime > in.LTime {
				a.setLatentIntent(msg.Node, nodeIntent{Type: messageJoinType, LTime: msg.LTime, WallTime: time.Now()})
				rebroadcast = true
			}
			return
		}

		if msg.LTime <= ms.statusLTime {
			return
		}
		a.updateInPlace(msg.Node, func(ms *memberState) {
			ms.statusLTime = msg.LTime
		})
		rebroadcast = true
	})
	return rebroadcast
}

// handleNodeLeaveIntent processes a gossiped leave: a leave intent for a member
// already Leaving (awaiting the authoritative transition) is a no-op, not
// an early transition to Left — only the transport's own NotifyLeave may
// make that call, to avoid racing the authoritative path.
func (m *Mesh) handleNodeLeaveIntent(msg *messageLeave) bool {
	m.clock.Witness(msg.LTime)

	if msg.Node == m.config.NodeName {
		m.stateLock.Lock()
		leaving := m.state == meshLeaving || m.state == meshLeft
		m.stateLock.Unlock()
		if !leaving {
			ltime := m.clock.Increment()
			if err := m.broadcastJoin(ltime); err != nil {
				m.logger.Printf("[ERR] mesh: failed to refute leave: %v", err)
			}
			return false
		}
	}

	rebroadcast := false
	m.members.ExecuteUnderLock(func(a memberAccessor) {
		ms, ok := a.get(msg.Node)
		if !ok {
			if in, had := a.latentIntent(msg.Node); !had || msg.LTime > in.LTime {
				a.setLatentIntent(msg.Node, nodeIntent{Type: messageLeaveType, LTime: msg.LTime, WallTime: time.Now()})
				rebroadcast = true
			}
			return
		}

		if msg.LTime <= ms.statusLTime {
			return
		}

		switch ms.Status {
		case StatusLeaving:
			// Authoritative transition is already pending; do not race it.
			return
		case StatusFailed:
			a.updateInPlace(msg.Node, func(ms *memberState) {
				ms.Status = StatusLeft
				ms.statusLTime = msg.LTime
				ms.leaveTime = time.Now()
			})
			rebroadcast = true
		case StatusAlive:
			a.updateInPlace(msg.Node, func(ms *memberState) {
				ms.Status = StatusLeaving
				ms.statusLTime = msg.LTime
			})
			rebroadcast = true
		}
	})
	return rebroadcast
}

func (m *Mesh) emitMemberEvent(t EventType, name string) {
	var mem Member
	found := false
	m.members.ExecuteUnderRLock(func(a memberAccessor) {
		if ms, ok := a.get(name); ok {
			mem = ms.Member
			found = true
		}
	})
	if !found {
		return
	}

	metrics.IncrCounterWithLabels([]string{"mesh", "member", t.String()}, 1, m.config.MetricLabels)
	select {
	case m.internalIn <- MemberEvent{Type: t, Members: []Member{mem}}:
	default:
		m.logger.Printf("[WARN] mesh: event channel full, dropping %s for %s", t, name)
	}
}

func mustMember(n *memberlist.Node) Member {
	return Member{
		Name:        n.Name,
		Addr:        net.IP(n.Addr),
		Port:        n.Port,
		Tags:        DecodeTags(n.Meta),
		Status:      StatusAlive,
		ProtocolMin: n.PMin,
		ProtocolMax: n.PMax,
		ProtocolCur: n.PCur,
		DelegateMin: n.DMin,
		DelegateMax: n.DMax,
		DelegateCur: n.DCur,
	}
}

// Stats returns the nested diagnostic map backing the RPC `stats` command.
func (m *Mesh) Stats() map[string]map[string]string {
	var alive, failed, left int
	m.members.ExecuteUnderRLock(func(a memberAccessor) {
		alive = len(a.listByStatus(StatusAlive))
		failed = len(a.getFailed())
		left = len(a.getLeft())
	})

	healthScore := 0
	if m.transport != nil {
		healthScore = m.transport.GetHealthScore()
	}

	return map[string]map[string]string{
		"mesh": {
			"members":          fmt.Sprintf("%d", alive),
			"failed":           fmt.Sprintf("%d", failed),
			"left":             fmt.Sprintf("%d", left),
			"health_score":     fmt.Sprintf("%d", healthScore),
			"member_time":      fmt.Sprintf("%d", m.clock.Time()),
			"event_time":       fmt.Sprintf("%d", m.events.time()),
			"query_time":       fmt.Sprintf("%d", m.queries.time()),
			"encrypted":        fmt.Sprintf("%t", m.EncryptionEnabled()),
			"coordinate_resets": fmt.Sprintf("%d", m.coordClient.Stats().ResetCount),
		},
	}
}

// EncryptionEnabled reports whether the underlying transport has an active
// keyring.
func (m *Mesh) EncryptionEnabled() bool {
	return m.transport != nil && m.transport.Keyring() != nil
}

// GetCachedCoordinate returns the last known coordinate for node, as
// observed via ping round-trips, for the RPC `get-coordinate` command.
func (m *Mesh) GetCachedCoordinate(node string) (*coordinate.Coordinate, bool) {
	if node == m.config.NodeName {
		return m.coordClient.GetCoordinate(), true
	}
	m.coordCacheLock.RLock()
	defer m.coordCacheLock.RUnlock()
	c, ok := m.coordCache[node]
	return c, ok
}

// randomMember returns a uniformly random member of candidates, or nil.
func randomMember(candidates []*memberState) *memberState {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}
