package client

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Config configures a Client.
type Config struct {
	// Addr is the "host:port" the rpc.Server is listening on.
	Addr string

	// AuthKey, if set, is sent with an `auth` request immediately after
	// the handshake.
	AuthKey string

	// Timeout bounds how long Create waits to dial and handshake.
	Timeout time.Duration
}

func (c *Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 10 * time.Second
	}
	return c.Timeout
}

// seqHandler is registered per in-flight request/subscription, keyed by
// the request's Seq. It runs on the single reader goroutine, so it may
// read further frames off the shared frameReader before returning.
type seqHandler interface {
	Handle(hdr *responseHeader)
}

// Client is a connection to a rpc.Server, speaking its length-prefixed
// msgpack protocol.
type Client struct {
	conn net.Conn
	fr   *frameReader
	fw   *frameWriter

	writeLock sync.Mutex

	seq uint64

	dispatchLock sync.Mutex
	dispatch     map[uint64]seqHandler

	shutdown   bool
	shutdownCh chan struct{}
	shutdownLk sync.Mutex
}

// Create dials addr, performs the version handshake (and auth, if
// cfg.AuthKey is set), and returns a ready Client.
func Create(cfg *Config) (*Client, error) {
	conn, err := net.DialTimeout("tcp", cfg.Addr, cfg.timeout())
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:       conn,
		fr:         newFrameReader(conn),
		fw:         newFrameWriter(conn),
		dispatch:   make(map[uint64]seqHandler),
		shutdownCh: make(chan struct{}),
	}
	conn.SetDeadline(time.Now().Add(cfg.timeout()))
	go c.listen()

	if err := c.handshake(); err != nil {
		c.Close()
		return nil, err
	}
	if cfg.AuthKey != "" {
		if err := c.auth(cfg.AuthKey); err != nil {
			c.Close()
			return nil, err
		}
	}
	conn.SetDeadline(time.Time{})
	return c, nil
}

// Close terminates the connection and fails every outstanding request.
func (c *Client) Close() error {
	c.shutdownLk.Lock()
	defer c.shutdownLk.Unlock()
	if c.shutdown {
		return nil
	}
	c.shutdown = true
	close(c.shutdownCh)
	return c.conn.Close()
}

func (c *Client) nextSeq() uint64 {
	return atomic.AddUint64(&c.seq, 1)
}

func (c *Client) send(vals ...interface{}) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.fw.writeFrames(vals...)
}

func (c *Client) register(seq uint64, h seqHandler) {
	c.dispatchLock.Lock()
	defer c.dispatchLock.Unlock()
	c.dispatch[seq] = h
}

func (c *Client) deregister(seq uint64) {
	c.dispatchLock.Lock()
	defer c.dispatchLock.Unlock()
	delete(c.dispatch, seq)
}

// listen is the single goroutine that ever reads from c.fr. It decodes
// each responseHeader and routes it to the handler registered for that
// seq, which may itself synchronously decode further frames (a body,
// or the next record of a streaming subscription) before returning.
func (c *Client) listen() {
	defer c.Close()
	for {
		var hdr responseHeader
		if err := c.fr.decode(&hdr); err != nil {
			return
		}

		c.dispatchLock.Lock()
		h := c.dispatch[hdr.Seq]
		c.dispatchLock.Unlock()

		if h == nil {
			continue
		}
		h.Handle(&hdr)
	}
}

// ackHandler completes a single request/response exchange, optionally
// decoding a body frame that follows the header on success.
type ackHandler struct {
	client *Client
	doneCh chan error
	body   interface{}
}

func (a *ackHandler) Handle(hdr *responseHeader) {
	defer close(a.doneCh)
	if hdr.Error != "" {
		a.doneCh <- fmt.Errorf("client: %s", hdr.Error)
		return
	}
	if a.body != nil {
		if err := a.client.fr.decode(a.body); err != nil {
			a.doneCh <- err
			return
		}
	}
}

// request performs one synchronous command: send hdr+req, wait for the
// response header, and (if body is non-nil) decode the response body.
func (c *Client) request(command string, req interface{}, body interface{}) error {
	seq := c.nextSeq()
	h := &ackHandler{client: c, doneCh: make(chan error, 1), body: body}
	c.register(seq, seqHandlerFunc{seq: seq, client: c, h: h})

	hdr := requestHeader{Command: command, Seq: seq}
	var sendErr error
	if req != nil {
		sendErr = c.send(&hdr, req)
	} else {
		sendErr = c.send(&hdr)
	}
	if sendErr != nil {
		c.deregister(seq)
		return sendErr
	}

	select {
	case err := <-h.doneCh:
		return err
	case <-c.shutdownCh:
		return io.ErrClosedPipe
	}
}

// seqHandlerFunc pairs an ackHandler (which has no seq of its own) with
// the seq it was registered under, deregistering it once its single
// response has been handled.
type seqHandlerFunc struct {
	seq    uint64
	client *Client
	h      *ackHandler
}

func (s seqHandlerFunc) Handle(hdr *responseHeader) {
	defer s.client.deregister(s.seq)
	s.h.Handle(hdr)
}

func (c *Client) handshake() error {
	return c.request(handshakeCommand, &handshakeRequest{Version: MaxIPCVersion}, nil)
}

func (c *Client) auth(key string) error {
	return c.request(authCommand, &authRequest{AuthKey: key}, nil)
}

// Members lists every member the server's mesh currently knows about.
func (c *Client) Members() ([]Member, error) {
	var resp membersResponse
	if err := c.request(membersCommand, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Members, nil
}

// MembersFiltered lists members matching every supplied filter; tags,
// status, and name are each anchored regular expressions, empty meaning
// "no constraint" on that field.
func (c *Client) MembersFiltered(tags map[string]string, status, name string) ([]Member, error) {
	var resp membersResponse
	req := &membersFilteredRequest{Tags: tags, Status: status, Name: name}
	if err := c.request(membersFilteredCommand, req, &resp); err != nil {
		return nil, err
	}
	return resp.Members, nil
}

// Join instructs the server's mesh to attempt to join the given
// addresses, returning how many succeeded.
func (c *Client) Join(addrs []string, replay bool) (int32, error) {
	var resp joinResponse
	req := &joinRequest{Existing: addrs, Replay: replay}
	if err := c.request(joinCommand, req, &resp); err != nil {
		return 0, err
	}
	return resp.Num, nil
}

// Leave gracefully removes the server's local node from the cluster.
func (c *Client) Leave() error {
	return c.request(leaveCommand, nil, nil)
}

// ForceLeave asks the server to mark node as having left. The prune flag is
// sent with the request; the server does not remove the node for it.
func (c *Client) ForceLeave(node string, prune bool) error {
	return c.request(forceLeaveCommand, &forceLeaveRequest{Node: node, Prune: prune}, nil)
}

// UserEvent broadcasts a user event to the cluster.
func (c *Client) UserEvent(name string, payload []byte, coalesce bool) error {
	return c.request(eventCommand, &eventRequest{Name: name, Payload: payload, Coalesce: coalesce}, nil)
}

// UpdateTags merges set into the local node's tags and removes every key
// named in del.
func (c *Client) UpdateTags(set map[string]string, del []string) error {
	return c.request(tagsCommand, &tagsRequest{Tags: set, DeleteTags: del}, nil)
}

// Stats returns the server's internal diagnostic counters, namespaced by
// subsystem.
func (c *Client) Stats() (map[string]map[string]string, error) {
	var resp statsResponse
	if err := c.request(statsCommand, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Stats, nil
}

// GetCoordinate returns node's last known network coordinate, or
// ok == false if the server has none cached for it.
func (c *Client) GetCoordinate(node string) (coord *Coordinate, ok bool, err error) {
	var resp coordinateResponse
	if err := c.request(getCoordinateCommand, &coordinateRequest{Node: node}, &resp); err != nil {
		return nil, false, err
	}
	return resp.Coord, resp.Ok, nil
}

func (c *Client) keyOp(command, key string) (*KeyResponse, error) {
	var resp keyResponse
	if err := c.request(command, &keyRequest{Key: key}, &resp); err != nil {
		return nil, err
	}
	return &KeyResponse{
		Messages: resp.Messages,
		Keys:     resp.Keys,
		NumNodes: resp.NumNodes,
		NumResp:  resp.NumResp,
		NumErr:   resp.NumErr,
	}, nil
}

// InstallKey distributes a new encryption key to the cluster without
// activating it for outbound use.
func (c *Client) InstallKey(key string) (*KeyResponse, error) { return c.keyOp(installKeyCommand, key) }

// UseKey switches the cluster's primary outbound encryption key.
func (c *Client) UseKey(key string) (*KeyResponse, error) { return c.keyOp(useKeyCommand, key) }

// RemoveKey removes an encryption key from the cluster's keyring.
func (c *Client) RemoveKey(key string) (*KeyResponse, error) { return c.keyOp(removeKeyCommand, key) }

// ListKeys reports every encryption key currently installed, per node.
func (c *Client) ListKeys() (*KeyResponse, error) {
	var resp keyResponse
	if err := c.request(listKeysCommand, nil, &resp); err != nil {
		return nil, err
	}
	return &KeyResponse{
		Messages: resp.Messages,
		Keys:     resp.Keys,
		NumNodes: resp.NumNodes,
		NumResp:  resp.NumResp,
		NumErr:   resp.NumErr,
	}, nil
}
