package rpc

import (
	"fmt"
	"io"
	"log"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/hashicorp/logutils"

	"github.com/meshkit/mesh"
	"github.com/meshkit/mesh/coordinate"
)

// Config configures a Server.
type Config struct {
	AuthKey   string
	LogOutput io.Writer
	Logger    *log.Logger

	// LogWriter, if set, is fanned out to for the `monitor` RPC command's
	// log subscriptions. Wire the same LogWriter in as (part of) the
	// mesh/application logger's output to make its lines monitorable.
	LogWriter *LogWriter

	// EventCh, if set, is drained for the lifetime of the Server and every
	// event read from it is fanned out to `stream` subscribers (and, for
	// inbound queries, tracked for a later `respond`). Wire the same
	// channel in as mesh.Config.EventCh to make the mesh's events visible
	// over RPC.
	EventCh <-chan mesh.Event
}

// Server accepts RPC connections and dispatches commands against a bound
// *mesh.Mesh.
type Server struct {
	mesh   *mesh.Mesh
	config Config
	logger *log.Logger

	listener net.Listener

	mu      sync.Mutex
	clients map[string]*clientHandle
	stopped bool
	stopCh  chan struct{}

	pendingMu sync.Mutex
	pending   map[uint32]*mesh.Query

	logWriter *LogWriter
}

// NewServer wraps listener, serving RPC clients against m until Shutdown.
func NewServer(m *mesh.Mesh, listener net.Listener, conf Config) *Server {
	logger := conf.Logger
	if logger == nil {
		out := conf.LogOutput
		if out == nil {
			out = io.Discard
		}
		logger = log.New(out, "", log.LstdFlags)
	}

	s := &Server{
		mesh:     m,
		config:   conf,
		logger:   logger,
		listener: listener,
		clients:  make(map[string]*clientHandle),
		stopCh:    make(chan struct{}),
		pending:   make(map[uint32]*mesh.Query),
		logWriter: conf.LogWriter,
	}
	go s.accept()
	if conf.EventCh != nil {
		go s.pumpEvents(conf.EventCh)
	}
	return s
}

// pumpEvents fans every event off ch out to subscribed clients until ch is
// closed or the server shuts down.
func (s *Server) pumpEvents(ch <-chan mesh.Event) {
	for {
		select {
		case <-s.stopCh:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if q, ok := e.(*mesh.Query); ok {
				s.DeliverQuery(q)
				continue
			}
			s.broadcastEvent(e)
		}
	}
}

func (s *Server) broadcastEvent(e mesh.Event) {
	s.mu.Lock()
	clients := make([]*clientHandle, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.deliverEvent(e)
	}
}

// Shutdown stops accepting new clients and closes every open connection.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.listener.Close()
	for _, c := range s.clients {
		c.conn.Close()
	}
}

// DeliverQuery routes an inbound *mesh.Query event from the mesh's event
// channel to every client subscribed to "query" (or "*") streams, and
// tracks it so a later `respond` RPC can find its Respond closure.
func (s *Server) DeliverQuery(q *mesh.Query) {
	s.pendingMu.Lock()
	s.pending[q.ID] = q
	s.pendingMu.Unlock()

	s.broadcastEvent(q)
}

type clientHandle struct {
	server *Server
	conn   net.Conn
	name   string
	id     string // unique per connection, for correlating log lines across reconnects from the same remote addr

	fr *frameReader
	fw *frameWriter

	writeLock sync.Mutex

	version int32
	didAuth bool

	streamMu     sync.Mutex
	logStreamer  *logStream
	eventStreams map[uint64]*eventStream
}

func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.logger.Printf("[ERR] rpc: failed to accept client: %v", err)
			continue
		}

		id, err := uuid.GenerateUUID()
		if err != nil {
			s.logger.Printf("[ERR] rpc: failed to generate client id: %v", err)
			conn.Close()
			continue
		}

		c := &clientHandle{
			server:       s,
			conn:         conn,
			name:         conn.RemoteAddr().String(),
			id:           id,
			fr:           newFrameReader(conn),
			fw:           newFrameWriter(conn),
			eventStreams: make(map[uint64]*eventStream),
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.clients[c.name] = c
		s.mu.Unlock()

		s.logger.Printf("[DEBUG] rpc: accepted client %s (id %s)", c.name, c.id)
		go s.handleClient(c)
	}
}

func (s *Server) deregister(c *clientHandle) {
	c.conn.Close()

	s.mu.Lock()
	delete(s.clients, c.name)
	s.mu.Unlock()

	c.streamMu.Lock()
	if c.logStreamer != nil {
		s.deregisterLogHandler(c.logStreamer)
		c.logStreamer.stop()
	}
	for _, es := range c.eventStreams {
		es.stop()
	}
	c.streamMu.Unlock()
}

func (s *Server) handleClient(c *clientHandle) {
	defer s.deregister(c)
	for {
		var hdr RequestHeader
		if err := c.fr.decode(&hdr); err != nil {
			if err != io.EOF {
				s.logger.Printf("[ERR] rpc: failed to decode request from %s: %v", c.name, err)
			}
			return
		}
		if err := s.dispatch(c, hdr); err != nil {
			s.logger.Printf("[ERR] rpc: %s: %v", c.name, err)
			return
		}
	}
}

func (c *clientHandle) send(vals ...interface{}) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.fw.writeFrames(vals...)
}

func (s *Server) dispatch(c *clientHandle, hdr RequestHeader) error {
	if hdr.Command != handshakeCommand && c.version == 0 {
		c.send(&ResponseHeader{Seq: hdr.Seq, Error: errHandshakeRequired})
		return fmt.Errorf("handshake required, got %q", hdr.Command)
	}
	if s.config.AuthKey != "" && !c.didAuth && hdr.Command != handshakeCommand && hdr.Command != authCommand {
		c.send(&ResponseHeader{Seq: hdr.Seq, Error: errAuthRequired})
		return fmt.Errorf("authentication required, got %q", hdr.Command)
	}

	switch hdr.Command {
	case handshakeCommand:
		return s.handleHandshake(c, hdr)
	case authCommand:
		return s.handleAuth(c, hdr)
	case membersCommand:
		return s.handleMembers(c, hdr)
	case membersFilteredCommand:
		return s.handleMembersFiltered(c, hdr)
	case joinCommand:
		return s.handleJoin(c, hdr)
	case leaveCommand:
		return s.handleLeave(c, hdr)
	case forceLeaveCommand:
		return s.handleForceLeave(c, hdr)
	case eventCommand:
		return s.handleEvent(c, hdr)
	case tagsCommand:
		return s.handleTags(c, hdr)
	case statsCommand:
		return s.handleStats(c, hdr)
	case getCoordinateCommand:
		return s.handleGetCoordinate(c, hdr)
	case installKeyCommand, useKeyCommand, removeKeyCommand:
		return s.handleKeyOp(c, hdr)
	case listKeysCommand:
		return s.handleListKeys(c, hdr)
	case monitorCommand:
		return s.handleMonitor(c, hdr)
	case streamCommand:
		return s.handleStream(c, hdr)
	case stopCommand:
		return s.handleStop(c, hdr)
	case queryCommand:
		return s.handleQuery(c, hdr)
	case respondCommand:
		return s.handleRespond(c, hdr)
	default:
		c.send(&ResponseHeader{Seq: hdr.Seq, Error: errUnsupportedCommand})
		return fmt.Errorf("command %q not recognized", hdr.Command)
	}
}

func (s *Server) handleHandshake(c *clientHandle, hdr RequestHeader) error {
	var req handshakeRequest
	if err := c.fr.decode(&req); err != nil {
		return err
	}

	resp := ResponseHeader{Seq: hdr.Seq}
	switch {
	case req.Version < MinVersion || req.Version > MaxVersion:
		resp.Error = errUnsupportedVersion
	case c.version != 0:
		resp.Error = errDuplicateHandshake
	default:
		c.version = req.Version
	}
	return c.send(&resp)
}

func (s *Server) handleAuth(c *clientHandle, hdr RequestHeader) error {
	var req authRequest
	if err := c.fr.decode(&req); err != nil {
		return err
	}

	resp := ResponseHeader{Seq: hdr.Seq}
	if req.AuthKey != s.config.AuthKey {
		resp.Error = errInvalidAuth
	} else {
		c.didAuth = true
	}
	return c.send(&resp)
}

func toWireMember(m mesh.Member) Member {
	return Member{
		Name:        m.Name,
		Addr:        []byte(m.Addr),
		Port:        m.Port,
		Tags:        m.Tags,
		Status:      m.Status.String(),
		ProtocolMin: m.ProtocolMin,
		ProtocolMax: m.ProtocolMax,
		ProtocolCur: m.ProtocolCur,
		DelegateMin: m.DelegateMin,
		DelegateMax: m.DelegateMax,
		DelegateCur: m.DelegateCur,
	}
}

func (s *Server) handleMembers(c *clientHandle, hdr RequestHeader) error {
	members := s.mesh.Members()
	wire := make([]Member, 0, len(members))
	for _, m := range members {
		wire = append(wire, toWireMember(m))
	}
	if err := c.send(&ResponseHeader{Seq: hdr.Seq}); err != nil {
		return err
	}
	return c.send(&membersResponse{Members: wire})
}

func (s *Server) handleMembersFiltered(c *clientHandle, hdr RequestHeader) error {
	var req membersFilteredRequest
	if err := c.fr.decode(&req); err != nil {
		return err
	}

	nameRe, err := anchoredRegexOrEmpty(req.Name)
	if err != nil {
		c.send(&ResponseHeader{Seq: hdr.Seq, Error: err.Error()})
		return nil
	}
	statusRe, err := anchoredRegexOrEmpty(req.Status)
	if err != nil {
		c.send(&ResponseHeader{Seq: hdr.Seq, Error: err.Error()})
		return nil
	}
	tagRes := make(map[string]*regexp.Regexp, len(req.Tags))
	for k, v := range req.Tags {
		re, err := anchoredRegexOrEmpty(v)
		if err != nil {
			c.send(&ResponseHeader{Seq: hdr.Seq, Error: err.Error()})
			return nil
		}
		tagRes[k] = re
	}

	var wire []Member
	for _, m := range s.mesh.Members() {
		if nameRe != nil && !nameRe.MatchString(m.Name) {
			continue
		}
		if statusRe != nil && !statusRe.MatchString(m.Status.String()) {
			continue
		}
		match := true
		for k, re := range tagRes {
			if re == nil {
				continue
			}
			if v, ok := m.Tags[k]; !ok || !re.MatchString(v) {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		wire = append(wire, toWireMember(m))
	}

	if err := c.send(&ResponseHeader{Seq: hdr.Seq}); err != nil {
		return err
	}
	return c.send(&membersResponse{Members: wire})
}

func anchoredRegexOrEmpty(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	return regexp.Compile("^" + expr + "$")
}

func (s *Server) handleJoin(c *clientHandle, hdr RequestHeader) error {
	var req joinRequest
	if err := c.fr.decode(&req); err != nil {
		return err
	}

	resp := ResponseHeader{Seq: hdr.Seq}
	n, err := s.mesh.Join(req.Existing, req.Replay)
	if err != nil {
		resp.Error = err.Error()
	}
	if err := c.send(&resp); err != nil {
		return err
	}
	return c.send(&joinResponse{Num: int32(n)})
}

func (s *Server) handleLeave(c *clientHandle, hdr RequestHeader) error {
	resp := ResponseHeader{Seq: hdr.Seq}
	if err := s.mesh.Leave(); err != nil {
		resp.Error = err.Error()
	}
	return c.send(&resp)
}

func (s *Server) handleForceLeave(c *clientHandle, hdr RequestHeader) error {
	var req forceLeaveRequest
	if err := c.fr.decode(&req); err != nil {
		return err
	}
	resp := ResponseHeader{Seq: hdr.Seq}
	if err := s.mesh.RemoveFailedNode(req.Node, req.Prune); err != nil {
		resp.Error = err.Error()
	}
	return c.send(&resp)
}

func (s *Server) handleEvent(c *clientHandle, hdr RequestHeader) error {
	var req eventRequest
	if err := c.fr.decode(&req); err != nil {
		return err
	}
	resp := ResponseHeader{Seq: hdr.Seq}
	if err := s.mesh.UserEvent(req.Name, req.Payload, req.Coalesce); err != nil {
		resp.Error = err.Error()
	}
	return c.send(&resp)
}

func (s *Server) handleTags(c *clientHandle, hdr RequestHeader) error {
	var req tagsRequest
	if err := c.fr.decode(&req); err != nil {
		return err
	}

	resp := ResponseHeader{Seq: hdr.Seq}
	merged := s.mesh.LocalTags()
	for k, v := range req.Tags {
		merged[k] = v
	}
	for _, k := range req.DeleteTags {
		delete(merged, k)
	}
	if err := s.mesh.SetTags(merged); err != nil {
		resp.Error = err.Error()
	}
	return c.send(&resp)
}

func (s *Server) handleStats(c *clientHandle, hdr RequestHeader) error {
	if err := c.send(&ResponseHeader{Seq: hdr.Seq}); err != nil {
		return err
	}
	return c.send(&statsResponse{Stats: s.mesh.Stats()})
}

func (s *Server) handleGetCoordinate(c *clientHandle, hdr RequestHeader) error {
	var req coordinateRequest
	if err := c.fr.decode(&req); err != nil {
		return err
	}
	if err := c.send(&ResponseHeader{Seq: hdr.Seq}); err != nil {
		return err
	}

	coord, ok := s.mesh.GetCachedCoordinate(req.Node)
	return c.send(&coordinateResponse{Coord: toWireCoordinate(coord), Ok: ok})
}

func toWireCoordinate(c *coordinate.Coordinate) *CoordinatePayload {
	if c == nil {
		return nil
	}
	return &CoordinatePayload{Vec: c.Vec, Err: c.Err, Adjustment: c.Adjustment, Height: c.Height}
}

func (s *Server) handleKeyOp(c *clientHandle, hdr RequestHeader) error {
	var req keyRequest
	if err := c.fr.decode(&req); err != nil {
		return err
	}

	km := s.mesh.KeyManager()
	if km == nil {
		c.send(&ResponseHeader{Seq: hdr.Seq, Error: "No keyring to modify (encryption not enabled)"})
		return nil
	}

	var kr *mesh.KeyResponse
	var err error
	switch hdr.Command {
	case installKeyCommand:
		kr, err = km.InstallKey(req.Key)
	case useKeyCommand:
		kr, err = km.UseKey(req.Key)
	case removeKeyCommand:
		kr, err = km.RemoveKey(req.Key)
	}

	resp := ResponseHeader{Seq: hdr.Seq}
	if err != nil {
		resp.Error = err.Error()
	}
	if err := c.send(&resp); err != nil {
		return err
	}
	return c.send(keyResponseFromMesh(kr))
}

func (s *Server) handleListKeys(c *clientHandle, hdr RequestHeader) error {
	km := s.mesh.KeyManager()
	if km == nil {
		c.send(&ResponseHeader{Seq: hdr.Seq, Error: "Keyring is empty (encryption not enabled)"})
		return nil
	}

	kr, err := km.ListKeys()
	resp := ResponseHeader{Seq: hdr.Seq}
	if err != nil {
		resp.Error = err.Error()
	}
	if err := c.send(&resp); err != nil {
		return err
	}
	return c.send(keyResponseFromMesh(kr))
}

func keyResponseFromMesh(kr *mesh.KeyResponse) *keyResponse {
	if kr == nil {
		return &keyResponse{Messages: map[string]string{}}
	}
	return &keyResponse{
		Messages: kr.Messages,
		Keys:     kr.Keys,
		NumNodes: kr.NumNodes,
		NumResp:  kr.NumResp,
		NumErr:   kr.NumErr,
	}
}

func (s *Server) handleMonitor(c *clientHandle, hdr RequestHeader) error {
	var req monitorRequest
	if err := c.fr.decode(&req); err != nil {
		return err
	}

	resp := ResponseHeader{Seq: hdr.Seq}
	filter := &logutils.LevelFilter{
		Levels:   []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERR"},
		MinLevel: logutils.LogLevel(req.LogLevel),
		Writer:   io.Discard,
	}
	if !validLevelFilter(filter) {
		resp.Error = fmt.Sprintf("Unknown log level: %s", req.LogLevel)
		return c.send(&resp)
	}

	c.streamMu.Lock()
	if c.logStreamer != nil {
		c.streamMu.Unlock()
		resp.Error = errMonitorExists
		return c.send(&resp)
	}
	ls := newLogStream(c, filter, hdr.Seq, s.logger)
	c.logStreamer = ls
	c.streamMu.Unlock()

	s.registerLogHandler(ls)
	return c.send(&resp)
}

func validLevelFilter(f *logutils.LevelFilter) bool {
	for _, lvl := range f.Levels {
		if lvl == f.MinLevel {
			return true
		}
	}
	return false
}

func (s *Server) handleStream(c *clientHandle, hdr RequestHeader) error {
	var req streamRequest
	if err := c.fr.decode(&req); err != nil {
		return err
	}

	resp := ResponseHeader{Seq: hdr.Seq}
	filters, err := parseEventFilters(req.Type)
	if err != nil {
		resp.Error = errInvalidFilterType
		return c.send(&resp)
	}

	c.streamMu.Lock()
	if _, exists := c.eventStreams[hdr.Seq]; exists {
		c.streamMu.Unlock()
		resp.Error = errStreamExists
		return c.send(&resp)
	}
	es := newEventStream(c, filters, hdr.Seq, s.logger)
	c.eventStreams[hdr.Seq] = es
	c.streamMu.Unlock()

	return c.send(&resp)
}

func (s *Server) handleStop(c *clientHandle, hdr RequestHeader) error {
	var req stopRequest
	if err := c.fr.decode(&req); err != nil {
		return err
	}

	c.streamMu.Lock()
	if c.logStreamer != nil && c.logStreamer.seq == req.Stop {
		s.deregisterLogHandler(c.logStreamer)
		c.logStreamer.stop()
		c.logStreamer = nil
	}
	if es, ok := c.eventStreams[req.Stop]; ok {
		es.stop()
		delete(c.eventStreams, req.Stop)
	}
	c.streamMu.Unlock()

	return c.send(&ResponseHeader{Seq: hdr.Seq})
}

func (s *Server) handleQuery(c *clientHandle, hdr RequestHeader) error {
	var req queryRequest
	if err := c.fr.decode(&req); err != nil {
		return err
	}

	resp := ResponseHeader{Seq: hdr.Seq}
	qr, err := s.mesh.Query(req.Name, req.Payload, &mesh.QueryParam{
		FilterNodes: req.FilterNodes,
		FilterTags:  req.FilterTags,
		RequestAck:  req.RequestAck,
		RelayFactor: req.RelayFactor,
		Timeout:     time.Duration(req.Timeout),
	})
	if err != nil {
		resp.Error = err.Error()
		return c.send(&resp)
	}
	if err := c.send(&resp); err != nil {
		return err
	}

	go streamQueryResults(c, hdr.Seq, qr)
	return nil
}

func streamQueryResults(c *clientHandle, seq uint64, qr *mesh.QueryResponse) {
	var ackCh <-chan string
	if qr.AckCh() != nil {
		ackCh = qr.AckCh()
	}
	respCh := qr.ResponseCh()

	for {
		select {
		case from, ok := <-ackCh:
			if !ok {
				ackCh = nil
				continue
			}
			c.send(&ResponseHeader{Seq: seq}, &queryRecord{Type: queryRecordAck, From: from})
		case r, ok := <-respCh:
			if !ok {
				c.send(&ResponseHeader{Seq: seq}, &queryRecord{Type: queryRecordDone})
				return
			}
			c.send(&ResponseHeader{Seq: seq}, &queryRecord{Type: queryRecordResponse, From: r.From, Payload: r.Payload})
		}
	}
}

func (s *Server) handleRespond(c *clientHandle, hdr RequestHeader) error {
	var req respondRequest
	if err := c.fr.decode(&req); err != nil {
		return err
	}

	resp := ResponseHeader{Seq: hdr.Seq}
	s.pendingMu.Lock()
	q, ok := s.pending[uint32(req.ID)]
	s.pendingMu.Unlock()
	if !ok {
		resp.Error = errQueryNotFound
		return c.send(&resp)
	}
	if err := q.Respond(req.Payload); err != nil {
		resp.Error = err.Error()
	}
	return c.send(&resp)
}
