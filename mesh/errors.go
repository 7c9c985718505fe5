package mesh

import "errors"

var (
	errTruncatedFilter   = errors.New("mesh: truncated query filter")
	errNoQueryResponder  = errors.New("mesh: query has no responder attached")
	errMeshShutdown      = errors.New("mesh: instance is shut down")
	errMeshLeaving       = errors.New("mesh: instance is leaving or left")
	errEventTooLarge     = errors.New("mesh: user event exceeds size limit")
	errQueryTooLarge     = errors.New("mesh: query exceeds size limit")
	errEmptyJoin         = errors.New("mesh: no addresses to join")
	errLocalMemberTarget = errors.New("mesh: operation not valid against the local node")
	errUnknownFilterType = errors.New("mesh: unknown query filter type")
	errUnknownNode       = errors.New("mesh: unknown node")
)
