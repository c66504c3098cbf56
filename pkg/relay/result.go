package relay

import "time"

// Direction names one half of a relayed connection.
type Direction int

const (
	// Upstream copies client bytes to the backend.
	Upstream Direction = iota
	// Downstream copies backend bytes to the client.
	Downstream
)

func (d Direction) String() string {
	if d == Upstream {
		return "client->backend"
	}
	return "backend->client"
}

// CloseReason records why a forwarding loop stopped.
type CloseReason int

const (
	// ReasonCancelled: the opposite loop (or ctx) tore the connection down first.
	ReasonCancelled CloseReason = iota
	// ReasonSenderClosed: the sender returned EOF.
	ReasonSenderClosed
	// ReasonReadError: reading from the sender failed.
	ReasonReadError
	// ReasonReceiverRejected: the receiver accepted zero bytes.
	ReasonReceiverRejected
	// ReasonWriteError: writing to the receiver failed.
	ReasonWriteError
	// ReasonNotStarted: the loop could not be scheduled.
	ReasonNotStarted
)

func (r CloseReason) String() string {
	switch r {
	case ReasonCancelled:
		return "cancelled"
	case ReasonSenderClosed:
		return "sender closed"
	case ReasonReadError:
		return "read error"
	case ReasonReceiverRejected:
		return "receiver rejected data"
	case ReasonWriteError:
		return "write error"
	case ReasonNotStarted:
		return "not started"
	default:
		return "unknown"
	}
}

// DirectionResult describes how one forwarding loop ended.
type DirectionResult struct {
	Direction Direction
	Bytes     int64
	Reason    CloseReason
	Err       error
}

// Result covers both directions of one connection.
type Result struct {
	ID         string
	Upstream   DirectionResult
	Downstream DirectionResult
	Duration   time.Duration
}
