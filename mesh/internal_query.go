package mesh

import (
	"encoding/base64"
	"log"
	"strings"
)

// InternalQueryPrefix marks a query name as belonging to this layer rather
// than the application; such queries never reach the user event channel.
const InternalQueryPrefix = "_serf_"

const (
	pingQuery        = "ping"
	conflictQuery     = "conflict"
	installKeyQuery   = "install-key"
	useKeyQuery       = "use-key"
	removeKeyQuery    = "remove-key"
	listKeysQuery     = "list-keys"
)

func internalQueryName(name string) string {
	return InternalQueryPrefix + name
}

// NodeKeyResponse is the body of every internal keyring-manipulation
// response.
type NodeKeyResponse struct {
	Result     bool
	Message    string
	Keys       []string
	PrimaryKey string
}

// internalQueryHandler intercepts queries whose name begins with
// InternalQueryPrefix, running them in place of delivering them to the
// user. Everything else is forwarded to outCh unchanged.
type internalQueryHandler struct {
	mesh   *Mesh
	logger *log.Logger
	outCh  chan<- Event
	inCh   chan Event
}

func newInternalQueryHandler(m *Mesh, logger *log.Logger, outCh chan<- Event) chan<- Event {
	h := &internalQueryHandler{
		mesh:   m,
		logger: logger,
		outCh:  outCh,
		inCh:   make(chan Event, 1024),
	}
	go h.stream()
	return h.inCh
}

func (h *internalQueryHandler) stream() {
	for e := range h.inCh {
		if q, ok := e.(*Query); ok && strings.HasPrefix(q.Name, InternalQueryPrefix) {
			go h.dispatch(q)
			continue
		}
		if h.outCh != nil {
			h.outCh <- e
		}
	}
}

func (h *internalQueryHandler) dispatch(q *Query) {
	name := q.Name[len(InternalQueryPrefix):]
	switch name {
	case pingQuery:
		// No body: arriving here at all (and being acked, if requested) is
		// the whole point.
	case conflictQuery:
		h.handleConflict(q)
	case installKeyQuery:
		h.handleKeyOp(q, (*KeyManager).installKey)
	case useKeyQuery:
		h.handleKeyOp(q, (*KeyManager).useKey)
	case removeKeyQuery:
		h.handleKeyOp(q, (*KeyManager).removeKey)
	case listKeysQuery:
		h.handleListKeys(q)
	default:
		h.logger.Printf("[WARN] mesh: unhandled internal query %q", name)
	}
}

func (h *internalQueryHandler) handleConflict(q *Query) {
	targetName := string(q.Payload)
	if targetName == h.mesh.config.NodeName {
		return
	}

	var out *Member
	h.mesh.members.ExecuteUnderRLock(func(a memberAccessor) {
		if ms, ok := a.get(targetName); ok {
			m := ms.Member
			out = &m
		}
	})

	buf, err := encodeMessage(messageConflictResponseType, out)
	if err != nil {
		h.logger.Printf("[ERR] mesh: failed to encode conflict response: %v", err)
		return
	}
	if err := q.Respond(buf); err != nil {
		h.logger.Printf("[ERR] mesh: failed to respond to conflict query: %v", err)
	}
}

func (h *internalQueryHandler) handleKeyOp(q *Query, op func(*KeyManager, []byte) error) {
	resp := NodeKeyResponse{}
	km := h.mesh.keyManager()
	if km == nil {
		resp.Message = "No keyring to modify (encryption not enabled)"
		h.respondKey(q, resp)
		return
	}
	if err := op(km, q.Payload); err != nil {
		resp.Message = err.Error()
		h.respondKey(q, resp)
		return
	}
	resp.Result = true
	h.respondKey(q, resp)
}

func (h *internalQueryHandler) handleListKeys(q *Query) {
	resp := NodeKeyResponse{}
	km := h.mesh.keyManager()
	if km == nil {
		resp.Message = "Keyring is empty (encryption not enabled)"
		h.respondKey(q, resp)
		return
	}

	keys, primary := km.listKeys()
	for _, k := range keys {
		resp.Keys = append(resp.Keys, base64.StdEncoding.EncodeToString(k))
	}
	if primary != nil {
		resp.PrimaryKey = base64.StdEncoding.EncodeToString(primary)
	}
	resp.Result = true

	// Truncate from the tail until the encoded response fits within
	// QueryResponseSizeLimit.
	limit := h.mesh.config.QueryResponseSizeLimit
	for limit > 0 && len(resp.Keys) > 0 {
		buf, err := encodeMessage(messageKeyResponseType, resp)
		if err == nil && len(buf) <= limit {
			break
		}
		resp.Keys = resp.Keys[:len(resp.Keys)-1]
	}

	h.respondKey(q, resp)
}

func (h *internalQueryHandler) respondKey(q *Query, resp NodeKeyResponse) {
	buf, err := encodeMessage(messageKeyResponseType, resp)
	if err != nil {
		h.logger.Printf("[ERR] mesh: failed to encode key response: %v", err)
		return
	}
	if err := q.Respond(buf); err != nil {
		h.logger.Printf("[ERR] mesh: failed to respond to key query: %v", err)
	}
}
