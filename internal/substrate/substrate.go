// Package substrate defines the transport contract the mesh core relies on.
//
// Discovery, routing and encryption live behind this interface. The core
// only needs topic publish/subscribe, an ordered point-to-point channel to a
// named peer, and connect/disconnect signals. Delivery is at-least-once: a
// receiver may see the same message twice and must tolerate it.
//
// Implementations: memnet (in-process, tests and simulation) and quicnet
// (QUIC between hosts).
package substrate

import (
	"context"
	"errors"
)

// Message is one payload delivered to a handler.
type Message struct {
	// From is the sending peer id.
	From string

	// Topic is set for broadcast messages and empty for direct ones.
	Topic string

	Data []byte
}

// Handler receives messages. Handlers run on a substrate goroutine and
// must not block for long; messages from one peer are delivered in order.
type Handler func(Message)

// PeerEvent reports a change in connectivity.
type PeerEvent struct {
	Peer      string
	Connected bool
}

// PeerHandler receives connectivity changes, ordered with messages.
type PeerHandler func(PeerEvent)

// Substrate is the transport seen by one device.
type Substrate interface {
	// LocalPeer returns this device's peer id.
	LocalPeer() string

	// Connect dials addr. The meaning of addr is implementation specific.
	Connect(ctx context.Context, addr string) error

	// Publish broadcasts data on topic to every connected peer subscribed
	// to it. The sender does not receive its own publication.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe routes topic messages to h, replacing any previous handler.
	Subscribe(topic string, h Handler) error

	// Unsubscribe stops routing topic. Unknown topics are ignored.
	Unsubscribe(topic string) error

	// Send delivers data to one connected peer.
	Send(ctx context.Context, peer string, data []byte) error

	// HandleDirect sets the handler for point-to-point messages.
	HandleDirect(h Handler)

	// HandlePeers sets the handler for connectivity changes.
	HandlePeers(h PeerHandler)

	// Peers returns the connected peer ids, sorted.
	Peers() []string

	// Close disconnects from every peer and releases resources.
	Close() error
}

// ErrClosed is returned by operations on a closed substrate.
var ErrClosed = errors.New("substrate closed")
