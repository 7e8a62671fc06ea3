package stream

import "fmt"

// ID identifies a stream on the local device. IDs are allocated from a
// counter and never reused.
type ID uint64

// State is the lifecycle position of a stream.
type State int

const (
	StateRequested State = iota + 1
	StateActive
	StateRejected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateActive:
		return "active"
	case StateRejected:
		return "rejected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CloseReason says why a stream closed.
type CloseReason int

const (
	LocalClose CloseReason = iota + 1
	RemoteClose
	PeerDisconnected
	Error
)

func (r CloseReason) String() string {
	switch r {
	case LocalClose:
		return "local_close"
	case RemoteClose:
		return "remote_close"
	case PeerDisconnected:
		return "peer_disconnected"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// ReasonUnsupported is the reject reason sent when no factory is
// registered for the requested type.
const ReasonUnsupported = "unsupported"

// MaxChunk is the largest payload accepted by Send.
const MaxChunk = 512

// Handler receives the events of one stream. Calls for one stream are
// never concurrent and arrive in order; OnAccepted precedes any OnData.
// A rejected stream gets exactly one OnRejected and nothing else.
type Handler interface {
	OnAccepted(id ID, peer string)
	OnRejected(id ID, peer string, reason string)
	OnData(id ID, data []byte)
	OnClosed(id ID, reason CloseReason)
}

// Factory produces a fresh Handler for each accepted stream of a type.
// Returning nil rejects the stream as unsupported.
type Factory interface {
	NewHandler(peer, streamType string) Handler
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(peer, streamType string) Handler

// NewHandler implements Factory.
func (f FactoryFunc) NewHandler(peer, streamType string) Handler {
	return f(peer, streamType)
}

// Info describes a live stream.
type Info struct {
	ID        ID
	Peer      string
	Type      string
	State     State
	Initiator bool
}

// EventKind classifies an observer Event.
type EventKind int

const (
	EventRequested EventKind = iota + 1
	EventAccepted
	EventRejected
	EventData
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventRequested:
		return "requested"
	case EventAccepted:
		return "accepted"
	case EventRejected:
		return "rejected"
	case EventData:
		return "data"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a lifecycle notification for observers such as the node's
// event channel. Observers see events in the same order as the handler.
type Event struct {
	Kind        EventKind
	ID          ID
	Peer        string
	Type        string
	Reason      string
	CloseReason CloseReason
	Data        []byte
}
