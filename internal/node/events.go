package node

import (
	"fmt"

	"github.com/roach88/meshsync/internal/stream"
)

// EventKind classifies a node Event.
type EventKind int

const (
	EventStarted EventKind = iota + 1
	EventStopped
	EventPeerConnected
	EventPeerDisconnected
	EventMessage
	EventContextUpdated
	EventStreamRequested
	EventStreamAccepted
	EventStreamRejected
	EventStreamData
	EventStreamClosed
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventPeerConnected:
		return "peer_connected"
	case EventPeerDisconnected:
		return "peer_disconnected"
	case EventMessage:
		return "message"
	case EventContextUpdated:
		return "context_updated"
	case EventStreamRequested:
		return "stream_requested"
	case EventStreamAccepted:
		return "stream_accepted"
	case EventStreamRejected:
		return "stream_rejected"
	case EventStreamData:
		return "stream_data"
	case EventStreamClosed:
		return "stream_closed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is an asynchronous notification from a running node. Which fields
// are set depends on Kind.
type Event struct {
	Kind EventKind

	// Peer is the remote peer for peer, message and stream events, and the
	// writer for context updates.
	Peer string

	Topic string
	Data  []byte

	// Path is the updated context path; empty after a snapshot merge.
	Path string

	StreamID    stream.ID
	StreamType  string
	Reason      string
	CloseReason stream.CloseReason
}

// Message is an application topic publication.
type Message struct {
	From  string
	Topic string
	Data  []byte
}

// topicBody is the topic.msg payload.
type topicBody struct {
	Topic string `json:"topic"`
	Data  []byte `json:"data"`
}

func streamEventKind(k stream.EventKind) (EventKind, bool) {
	switch k {
	case stream.EventRequested:
		return EventStreamRequested, true
	case stream.EventAccepted:
		return EventStreamAccepted, true
	case stream.EventRejected:
		return EventStreamRejected, true
	case stream.EventData:
		return EventStreamData, true
	case stream.EventClosed:
		return EventStreamClosed, true
	default:
		return 0, false
	}
}
