// Package cmdqueue is the bounded command interface for constrained
// devices.
//
// Callers enqueue commands; nothing is sent until the owner calls
// Runner.Poll from its main loop. Enqueue only decides admission: it
// reports InvalidParams when a field exceeds its bound and QueueFull when
// every slot is taken. Failures after admission are logged by the Runner
// and never reach the submitter.
//
// Slots are fixed-size records with inline byte arrays, so a Queue never
// allocates after construction.
package cmdqueue

import (
	"fmt"

	"github.com/roach88/meshsync/internal/fault"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/wire"
)

// Field bounds, in bytes.
const (
	MaxTopic      = 64
	MaxPayload    = 256
	MaxChunk      = 512
	MaxSensorName = 32
	MaxPeerID     = 64
	MaxReason     = 64
	MaxPath       = 64
)

// Kind identifies a command.
type Kind uint8

const (
	KindConnect Kind = iota + 1
	KindSubscribe
	KindUnsubscribe
	KindPublish
	KindSensorUpdate
	KindButtonPress
	KindStreamStart
	KindStreamData
	KindStreamClose
	KindUpdateContext
	// KindPoll asks for a receive pass without sending anything.
	KindPoll
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindSubscribe:
		return "subscribe"
	case KindUnsubscribe:
		return "unsubscribe"
	case KindPublish:
		return "publish"
	case KindSensorUpdate:
		return "sensor_update"
	case KindButtonPress:
		return "button_press"
	case KindStreamStart:
		return "stream_start"
	case KindStreamData:
		return "stream_data"
	case KindStreamClose:
		return "stream_close"
	case KindUpdateContext:
		return "update_context"
	case KindPoll:
		return "poll"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Command is one queued request. Byte fields are copied into the queue on
// Enqueue; a Command handed to an Executor aliases queue memory and is
// only valid for the duration of the Execute call.
type Command struct {
	Kind Kind

	// Topic is used by Subscribe, Unsubscribe and Publish.
	Topic []byte

	// Data is the Publish payload, the StreamData chunk, or the
	// UpdateContext value as a JSON scalar.
	Data []byte

	// Peer is the Connect address or the StreamStart target.
	Peer []byte

	// Reason annotates StreamStart.
	Reason []byte

	// Name is the sensor name of SensorUpdate.
	Name []byte

	// Path is the UpdateContext dotted path.
	Path []byte

	StreamID uint8
	Button   uint8
	Press    wire.PressKind
	Sensor   wire.SensorValue
}

// Connect asks the executor to join the mesh. addr may be empty when the
// executor has a fixed gateway.
func Connect(addr string) Command {
	return Command{Kind: KindConnect, Peer: []byte(addr)}
}

// Subscribe registers interest in topic.
func Subscribe(topic string) Command {
	return Command{Kind: KindSubscribe, Topic: []byte(topic)}
}

// Unsubscribe withdraws interest in topic.
func Unsubscribe(topic string) Command {
	return Command{Kind: KindUnsubscribe, Topic: []byte(topic)}
}

// Publish broadcasts payload on topic.
func Publish(topic string, payload []byte) Command {
	return Command{Kind: KindPublish, Topic: []byte(topic), Data: payload}
}

// SensorUpdate reports a sensor reading.
func SensorUpdate(name string, v wire.SensorValue) Command {
	return Command{Kind: KindSensorUpdate, Name: []byte(name), Sensor: v}
}

// ButtonPress reports a button gesture.
func ButtonPress(button uint8, press wire.PressKind) Command {
	return Command{Kind: KindButtonPress, Button: button, Press: press}
}

// StreamStart opens a stream to peer under a caller-chosen local id.
func StreamStart(id uint8, peer, reason string) Command {
	return Command{Kind: KindStreamStart, StreamID: id, Peer: []byte(peer), Reason: []byte(reason)}
}

// StreamData sends one chunk on a local stream.
func StreamData(id uint8, chunk []byte) Command {
	return Command{Kind: KindStreamData, StreamID: id, Data: chunk}
}

// StreamClose ends a local stream.
func StreamClose(id uint8) Command {
	return Command{Kind: KindStreamClose, StreamID: id}
}

// UpdateContext writes a scalar into the shared context. A non-scalar v
// yields a command that fails validation.
func UpdateContext(path string, v ir.Value) Command {
	cmd := Command{Kind: KindUpdateContext, Path: []byte(path)}
	if ir.IsScalar(v) {
		cmd.Data, _ = ir.Marshal(v)
	}
	return cmd
}

// Poll requests a receive pass.
func Poll() Command {
	return Command{Kind: KindPoll}
}

// ContextValue decodes the UpdateContext value.
func (c Command) ContextValue() (ir.Value, error) {
	v, err := ir.Unmarshal(c.Data)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInvalidParams, "cmdqueue.value", err)
	}
	if !ir.IsScalar(v) {
		return nil, fault.New(fault.CodeInvalidParams, "cmdqueue.value", "context value must be a scalar, got %s", ir.Kind(v))
	}
	return v, nil
}

// Validate checks every bound for the command's kind.
func (c Command) Validate() error {
	switch c.Kind {
	case KindConnect:
		return bound("peer", c.Peer, 0, MaxPeerID)
	case KindSubscribe, KindUnsubscribe:
		return bound("topic", c.Topic, 1, MaxTopic)
	case KindPublish:
		if err := bound("topic", c.Topic, 1, MaxTopic); err != nil {
			return err
		}
		return bound("payload", c.Data, 0, MaxPayload)
	case KindSensorUpdate:
		if !c.Sensor.Valid() {
			return fault.New(fault.CodeInvalidParams, "cmdqueue.validate", "unknown sensor kind %d", c.Sensor.Kind)
		}
		return bound("sensor name", c.Name, 1, MaxSensorName)
	case KindButtonPress:
		if !c.Press.Valid() {
			return fault.New(fault.CodeInvalidParams, "cmdqueue.validate", "unknown press kind %d", c.Press)
		}
		return nil
	case KindStreamStart:
		if err := bound("peer", c.Peer, 1, MaxPeerID); err != nil {
			return err
		}
		return bound("reason", c.Reason, 0, MaxReason)
	case KindStreamData:
		return bound("chunk", c.Data, 0, MaxChunk)
	case KindUpdateContext:
		if err := bound("path", c.Path, 1, MaxPath); err != nil {
			return err
		}
		if err := bound("value", c.Data, 1, MaxPayload); err != nil {
			return err
		}
		_, err := c.ContextValue()
		return err
	case KindStreamClose, KindPoll:
		return nil
	default:
		return fault.New(fault.CodeInvalidParams, "cmdqueue.validate", "unknown command %d", c.Kind)
	}
}

func bound(field string, b []byte, lo, hi int) error {
	if len(b) < lo || len(b) > hi {
		if lo > 0 && len(b) == 0 {
			return fault.New(fault.CodeInvalidParams, "cmdqueue.validate", "%s is required", field)
		}
		return fault.New(fault.CodeInvalidParams, "cmdqueue.validate", "%s of %d bytes exceeds %d", field, len(b), hi)
	}
	return nil
}
