// Package embedded is the constrained-device side of the mesh: a device
// that reaches the mesh only through a gateway bridge over a datagram
// link.
//
// Device is a cmdqueue.Executor and cmdqueue.Receiver. Client bundles a
// Device with a fixed Queue and Runner and exposes the non-blocking
// surface: every call returns an admission Status immediately, and work
// happens on the next Poll.
package embedded

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/meshsync/internal/cmdqueue"
	"github.com/roach88/meshsync/internal/fault"
	"github.com/roach88/meshsync/internal/wire"
)

// Link carries datagrams to and from the gateway.
type Link interface {
	// Send transmits one packet.
	Send(pkt []byte) error

	// TryReceive copies one pending packet into buf. It returns 0 and a
	// nil error when nothing is pending.
	TryReceive(buf []byte) (int, error)
}

// Config identifies the device.
type Config struct {
	DeviceID uint64
}

// ErrNotConnected is returned for commands executed before Welcome.
var ErrNotConnected = errors.New("not connected to gateway")

// MaxReceivesPerPoll bounds the packets handled by one Receive call so a
// busy link cannot starve the command side of the loop.
const MaxReceivesPerPoll = 32

type streamState uint8

const (
	streamFree streamState = iota
	streamRequested
	streamActive
)

// Device executes commands by encoding them into a fixed scratch buffer.
type Device struct {
	cfg     Config
	link    Link
	logger  *slog.Logger
	tx      []byte
	rx      [wire.MaxPacket]byte
	joined  bool
	streams [256]streamState
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) {
		d.logger = l
	}
}

// NewDevice creates a device encoding into scratch, which must hold at
// least wire.MaxPacket bytes.
func NewDevice(link Link, cfg Config, scratch []byte, opts ...Option) (*Device, error) {
	if cap(scratch) < wire.MaxPacket {
		return nil, fault.New(fault.CodeInvalidParams, "embedded.new", "scratch buffer of %d bytes is smaller than %d", cap(scratch), wire.MaxPacket)
	}
	d := &Device{cfg: cfg, link: link, tx: scratch[:0:cap(scratch)]}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d, nil
}

// Connected reports whether the gateway has welcomed this device.
func (d *Device) Connected() bool {
	return d.joined
}

// StreamActive reports whether the gateway accepted local stream id.
func (d *Device) StreamActive(id uint8) bool {
	return d.streams[id] == streamActive
}

// Execute implements cmdqueue.Executor.
func (d *Device) Execute(cmd cmdqueue.Command) error {
	if cmd.Kind == cmdqueue.KindConnect {
		return d.send(wire.Uplink{Type: wire.UpHello, DeviceID: d.cfg.DeviceID})
	}
	if !d.joined {
		return fmt.Errorf("%s: %w", cmd.Kind, ErrNotConnected)
	}

	switch cmd.Kind {
	case cmdqueue.KindSubscribe:
		return d.send(wire.Uplink{Type: wire.UpSubscribe, Topic: string(cmd.Topic)})
	case cmdqueue.KindUnsubscribe:
		return d.send(wire.Uplink{Type: wire.UpUnsubscribe, Topic: string(cmd.Topic)})
	case cmdqueue.KindPublish:
		return d.send(wire.Uplink{Type: wire.UpPublish, Topic: string(cmd.Topic), Data: cmd.Data})
	case cmdqueue.KindSensorUpdate:
		v := cmd.Sensor
		return d.send(wire.Uplink{Type: wire.UpSensorUpdate, Sensor: string(cmd.Name), Value: &v})
	case cmdqueue.KindButtonPress:
		return d.send(wire.Uplink{Type: wire.UpButtonPress, Button: cmd.Button, Press: cmd.Press})
	case cmdqueue.KindStreamStart:
		if d.streams[cmd.StreamID] != streamFree {
			return fault.New(fault.CodeInvalidParams, "embedded.stream_start", "stream %d already in use", cmd.StreamID)
		}
		if err := d.send(wire.Uplink{
			Type:     wire.UpStreamStart,
			StreamID: cmd.StreamID,
			Peer:     string(cmd.Peer),
			Reason:   string(cmd.Reason),
		}); err != nil {
			return err
		}
		d.streams[cmd.StreamID] = streamRequested
		return nil
	case cmdqueue.KindStreamData:
		if d.streams[cmd.StreamID] != streamActive {
			return fault.New(fault.CodeStreamNotActive, "embedded.stream_data", "stream %d", cmd.StreamID)
		}
		return d.send(wire.Uplink{Type: wire.UpStreamData, StreamID: cmd.StreamID, Data: cmd.Data})
	case cmdqueue.KindStreamClose:
		if d.streams[cmd.StreamID] == streamFree {
			return fault.New(fault.CodeNotFound, "embedded.stream_close", "stream %d", cmd.StreamID)
		}
		d.streams[cmd.StreamID] = streamFree
		return d.send(wire.Uplink{Type: wire.UpStreamClose, StreamID: cmd.StreamID})
	case cmdqueue.KindUpdateContext:
		return d.send(wire.Uplink{Type: wire.UpUpdateContext, Path: string(cmd.Path), Data: cmd.Data})
	default:
		return fault.New(fault.CodeUnsupported, "embedded.execute", "command %s", cmd.Kind)
	}
}

func (d *Device) send(u wire.Uplink) error {
	pkt, err := wire.AppendUplink(d.tx, u)
	if err != nil {
		return err
	}
	d.tx = pkt[:0]
	return d.link.Send(pkt)
}

// Receive implements cmdqueue.Receiver. It translates pending downlink
// packets into events.
func (d *Device) Receive(emit func(cmdqueue.Event)) (int, error) {
	delivered := 0
	for i := 0; i < MaxReceivesPerPoll; i++ {
		n, err := d.link.TryReceive(d.rx[:])
		if err != nil {
			return delivered, err
		}
		if n == 0 {
			return delivered, nil
		}
		pkt, err := wire.DecodeDownlink(d.rx[:n])
		if err != nil {
			d.logger.Warn("dropping malformed downlink", "error", err)
			continue
		}
		if ev, ok := d.apply(pkt); ok {
			emit(ev)
			delivered++
		}
	}
	return delivered, nil
}

// apply updates device state for pkt and returns the event to report.
func (d *Device) apply(pkt wire.Downlink) (cmdqueue.Event, bool) {
	switch pkt.Type {
	case wire.DownWelcome:
		d.joined = true
		return cmdqueue.Event{Kind: cmdqueue.EventConnected}, true
	case wire.DownSubscribeAck:
		return cmdqueue.Event{Kind: cmdqueue.EventSubscribed, Topic: []byte(pkt.Topic)}, true
	case wire.DownMessage:
		return cmdqueue.Event{
			Kind:  cmdqueue.EventMessage,
			Topic: []byte(pkt.Topic),
			From:  []byte(pkt.From),
			Data:  pkt.Data,
		}, true
	case wire.DownStreamAccept:
		if d.streams[pkt.StreamID] != streamRequested {
			return cmdqueue.Event{}, false
		}
		d.streams[pkt.StreamID] = streamActive
		return cmdqueue.Event{Kind: cmdqueue.EventStreamAccepted, StreamID: pkt.StreamID}, true
	case wire.DownStreamReject:
		if d.streams[pkt.StreamID] != streamRequested {
			return cmdqueue.Event{}, false
		}
		d.streams[pkt.StreamID] = streamFree
		return cmdqueue.Event{Kind: cmdqueue.EventStreamRejected, StreamID: pkt.StreamID, Reason: []byte(pkt.Reason)}, true
	case wire.DownStreamData:
		if d.streams[pkt.StreamID] != streamActive {
			return cmdqueue.Event{}, false
		}
		return cmdqueue.Event{Kind: cmdqueue.EventStreamData, StreamID: pkt.StreamID, Data: pkt.Data}, true
	case wire.DownStreamClosed:
		if d.streams[pkt.StreamID] == streamFree {
			return cmdqueue.Event{}, false
		}
		d.streams[pkt.StreamID] = streamFree
		return cmdqueue.Event{Kind: cmdqueue.EventStreamClosed, StreamID: pkt.StreamID, Reason: []byte(pkt.Reason)}, true
	case wire.DownError:
		if pkt.Code == wire.ErrCodeNoSession {
			d.joined = false
		}
		return cmdqueue.Event{Kind: cmdqueue.EventError, Reason: []byte(pkt.Reason)}, true
	default:
		return cmdqueue.Event{}, false
	}
}
