package connection

import (
	"errors"

	"github.com/gorilla/websocket"
)

// Close codes sent to clients. 4xxx codes are application defined per
// RFC 6455 section 7.4.2.
const (
	CloseMissingSessionID  = 4001
	CloseUnauthenticated   = 4002
	CloseForbidden         = 4003
	CloseSessionNotActive  = 4004
	CloseSessionNotFound   = 4005
	CloseSuperseded        = 4009
	CloseInternalError     = 4500
	CloseServerShutdown    = websocket.CloseGoingAway
	CloseNormal            = websocket.CloseNormalClosure
	closeHeartbeatTimeout  = websocket.CloseGoingAway
	closeReasonHeartbeat   = "heartbeat timeout"
	closeReasonSuperseded  = "superseded by a newer connection"
	closeReasonShutdown    = "server shutting down"
	closeReasonStartFailed = "failed to start voice session"
)

var (
	ErrMissingSessionID = errors.New("missing session id")
	ErrUnauthenticated  = errors.New("missing or invalid credential")
	ErrForbidden        = errors.New("session belongs to another user")
	ErrSessionNotActive = errors.New("session is not active")
	ErrSessionNotFound  = errors.New("session not found")
	ErrInternal         = errors.New("internal error")
	ErrShuttingDown     = errors.New("server is shutting down")
)

type rejection struct {
	code int
	// reason labels the rejection in metrics.
	reason  string
	message string
}

func rejectionFor(err error) rejection {
	switch {
	case errors.Is(err, ErrMissingSessionID):
		return rejection{code: CloseMissingSessionID, reason: "missing_session_id", message: "session id is required"}
	case errors.Is(err, ErrUnauthenticated):
		return rejection{code: CloseUnauthenticated, reason: "unauthenticated", message: "authentication failed"}
	case errors.Is(err, ErrForbidden):
		return rejection{code: CloseForbidden, reason: "forbidden", message: "session does not belong to this user"}
	case errors.Is(err, ErrSessionNotActive):
		return rejection{code: CloseSessionNotActive, reason: "session_not_active", message: "session is not active"}
	case errors.Is(err, ErrSessionNotFound):
		return rejection{code: CloseSessionNotFound, reason: "session_not_found", message: "session not found"}
	case errors.Is(err, ErrShuttingDown):
		return rejection{code: CloseServerShutdown, reason: "shutting_down", message: "server is shutting down"}
	default:
		return rejection{code: CloseInternalError, reason: "internal", message: "internal server error"}
	}
}
