// Package wire is the datagram protocol between a constrained device and
// its gateway bridge.
//
// Every packet is one CBOR map with a "t" discriminator. Packets never
// exceed MaxPacket bytes so that a device can work from a fixed scratch
// buffer.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

// MaxPacket is the largest encoded packet in either direction.
const MaxPacket = 1024

// UpKind discriminates device-to-gateway packets.
type UpKind uint8

const (
	UpHello UpKind = iota + 1
	UpSubscribe
	UpUnsubscribe
	UpPublish
	UpSensorUpdate
	UpButtonPress
	UpStreamStart
	UpStreamData
	UpStreamClose
	UpUpdateContext
)

func (k UpKind) String() string {
	switch k {
	case UpHello:
		return "hello"
	case UpSubscribe:
		return "subscribe"
	case UpUnsubscribe:
		return "unsubscribe"
	case UpPublish:
		return "publish"
	case UpSensorUpdate:
		return "sensor_update"
	case UpButtonPress:
		return "button_press"
	case UpStreamStart:
		return "stream_start"
	case UpStreamData:
		return "stream_data"
	case UpStreamClose:
		return "stream_close"
	case UpUpdateContext:
		return "update_context"
	default:
		return fmt.Sprintf("up(%d)", uint8(k))
	}
}

// DownKind discriminates gateway-to-device packets.
type DownKind uint8

const (
	DownWelcome DownKind = iota + 1
	DownSubscribeAck
	DownMessage
	DownStreamAccept
	DownStreamReject
	DownStreamData
	DownStreamClosed
	DownError
)

func (k DownKind) String() string {
	switch k {
	case DownWelcome:
		return "welcome"
	case DownSubscribeAck:
		return "subscribe_ack"
	case DownMessage:
		return "message"
	case DownStreamAccept:
		return "stream_accept"
	case DownStreamReject:
		return "stream_reject"
	case DownStreamData:
		return "stream_data"
	case DownStreamClosed:
		return "stream_closed"
	case DownError:
		return "error"
	default:
		return fmt.Sprintf("down(%d)", uint8(k))
	}
}

// Error codes carried by DownError.
const (
	ErrCodeNoSession uint8 = iota + 1
	ErrCodeInvalid
	ErrCodeMesh
)

// PressKind is the gesture of a button press.
type PressKind uint8

const (
	PressSingle PressKind = iota
	PressDouble
	PressLong
)

func (p PressKind) String() string {
	switch p {
	case PressSingle:
		return "Single"
	case PressDouble:
		return "Double"
	case PressLong:
		return "Long"
	default:
		return fmt.Sprintf("Press(%d)", uint8(p))
	}
}

// Valid reports whether p is a known gesture.
func (p PressKind) Valid() bool {
	return p <= PressLong
}

// SensorKind selects the SensorValue variant.
type SensorKind uint8

const (
	SensorTemperature SensorKind = iota + 1
	SensorHumidity
	SensorBattery
	SensorStatus
	SensorRaw
)

func (k SensorKind) String() string {
	switch k {
	case SensorTemperature:
		return "temperature"
	case SensorHumidity:
		return "humidity"
	case SensorBattery:
		return "battery"
	case SensorStatus:
		return "status"
	case SensorRaw:
		return "raw"
	default:
		return fmt.Sprintf("sensor(%d)", uint8(k))
	}
}

// SensorValue is a tagged sensor reading. Only the field matching Kind is
// meaningful.
type SensorValue struct {
	Kind  SensorKind `cbor:"k"`
	Float float32    `cbor:"f,omitempty"`
	Level uint8      `cbor:"l,omitempty"`
	On    bool       `cbor:"b,omitempty"`
	Raw   int32      `cbor:"r,omitempty"`
}

// Temperature is a reading in degrees Celsius.
func Temperature(c float32) SensorValue { return SensorValue{Kind: SensorTemperature, Float: c} }

// Humidity is a relative humidity percentage.
func Humidity(pct float32) SensorValue { return SensorValue{Kind: SensorHumidity, Float: pct} }

// Battery is a charge level percentage.
func Battery(level uint8) SensorValue { return SensorValue{Kind: SensorBattery, Level: level} }

// Status is an on/off reading.
func Status(on bool) SensorValue { return SensorValue{Kind: SensorStatus, On: on} }

// Raw is an uninterpreted integer reading.
func Raw(v int32) SensorValue { return SensorValue{Kind: SensorRaw, Raw: v} }

// Valid reports whether v has a known kind.
func (v SensorValue) Valid() bool {
	return v.Kind >= SensorTemperature && v.Kind <= SensorRaw
}

// Unit returns the display unit: "C" for temperature, "%" for humidity and
// "" otherwise.
func (v SensorValue) Unit() string {
	switch v.Kind {
	case SensorTemperature:
		return "C"
	case SensorHumidity:
		return "%"
	default:
		return ""
	}
}

// JSON returns the reading as a JSON-encodable value. Floats keep their
// shortest float32 spelling, so 21.5 stays 21.5 rather than widening.
func (v SensorValue) JSON() any {
	switch v.Kind {
	case SensorTemperature, SensorHumidity:
		return json.Number(strconv.FormatFloat(float64(v.Float), 'g', -1, 32))
	case SensorBattery:
		return v.Level
	case SensorStatus:
		return v.On
	default:
		return v.Raw
	}
}

func (v SensorValue) String() string {
	b, _ := json.Marshal(v.JSON())
	return v.Kind.String() + "(" + string(b) + ")"
}

// Uplink is a device-to-gateway packet. Fields not used by Type are left
// zero and omitted from the encoding.
type Uplink struct {
	Type     UpKind       `cbor:"t"`
	DeviceID uint64       `cbor:"dev,omitempty"`
	Topic    string       `cbor:"topic,omitempty"`
	Data     []byte       `cbor:"data,omitempty"`
	StreamID uint8        `cbor:"sid,omitempty"`
	Peer     string       `cbor:"peer,omitempty"`
	Reason   string       `cbor:"reason,omitempty"`
	Button   uint8        `cbor:"btn,omitempty"`
	Press    PressKind    `cbor:"press,omitempty"`
	Sensor   string       `cbor:"name,omitempty"`
	Value    *SensorValue `cbor:"val,omitempty"`
	Path     string       `cbor:"path,omitempty"`
}

// Downlink is a gateway-to-device packet.
type Downlink struct {
	Type     DownKind `cbor:"t"`
	Topic    string   `cbor:"topic,omitempty"`
	From     string   `cbor:"from,omitempty"`
	Data     []byte   `cbor:"data,omitempty"`
	StreamID uint8    `cbor:"sid,omitempty"`
	Reason   string   `cbor:"reason,omitempty"`
	Code     uint8    `cbor:"code,omitempty"`
}

// ErrTooLarge is returned when an encoded packet exceeds MaxPacket.
var ErrTooLarge = fmt.Errorf("packet exceeds %d bytes", MaxPacket)

// AppendUplink encodes u into dst[:0]. It fails rather than return a packet
// longer than MaxPacket.
func AppendUplink(dst []byte, u Uplink) ([]byte, error) {
	return appendPacket(dst, u)
}

// AppendDownlink encodes d into dst[:0].
func AppendDownlink(dst []byte, d Downlink) ([]byte, error) {
	return appendPacket(dst, d)
}

// encMode writes into caller-supplied buffers so that a packet is encoded
// straight into the scratch slice.
var encMode = func() cbor.UserBufferEncMode {
	em, err := cbor.EncOptions{}.UserBufferEncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func appendPacket(dst []byte, v any) ([]byte, error) {
	buf := bytes.NewBuffer(dst[:0])
	if err := encMode.MarshalToBuffer(v, buf); err != nil {
		return nil, fmt.Errorf("encode packet: %w", err)
	}
	if buf.Len() > MaxPacket {
		return nil, ErrTooLarge
	}
	return buf.Bytes(), nil
}

// DecodeUplink parses a device packet.
func DecodeUplink(data []byte) (Uplink, error) {
	var u Uplink
	if len(data) > MaxPacket {
		return u, ErrTooLarge
	}
	if err := cbor.Unmarshal(data, &u); err != nil {
		return u, fmt.Errorf("decode uplink: %w", err)
	}
	if u.Type < UpHello || u.Type > UpUpdateContext {
		return u, fmt.Errorf("decode uplink: unknown type %d", u.Type)
	}
	return u, nil
}

// DecodeDownlink parses a gateway packet.
func DecodeDownlink(data []byte) (Downlink, error) {
	var d Downlink
	if len(data) > MaxPacket {
		return d, ErrTooLarge
	}
	if err := cbor.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("decode downlink: %w", err)
	}
	if d.Type < DownWelcome || d.Type > DownError {
		return d, fmt.Errorf("decode downlink: unknown type %d", d.Type)
	}
	return d, nil
}
