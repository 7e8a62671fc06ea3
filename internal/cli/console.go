package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/meshsync/internal/cmdqueue"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/wire"
)

// consoleHelp lists the line commands accepted by "run --console".
const consoleHelp = `commands:
  connect <addr>
  sub <topic> | unsub <topic>
  pub <topic> <text...>
  set <path> <json scalar>
  button <id> single|double|long
  sensor <name> temperature|humidity|battery|status|raw <value>
  stream <id> <peer> <type>
  data <id> <text...>
  close <id>`

// parseCommand turns one console line into a queue command.
func parseCommand(line string) (cmdqueue.Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return cmdqueue.Command{}, fmt.Errorf("empty command")
	}
	verb, args := fields[0], fields[1:]

	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s: expected %d argument(s), got %d", verb, n, len(args))
		}
		return nil
	}
	rest := func(from int) string {
		return strings.Join(args[from:], " ")
	}

	switch verb {
	case "connect":
		if err := need(1); err != nil {
			return cmdqueue.Command{}, err
		}
		return cmdqueue.Connect(args[0]), nil

	case "sub", "unsub":
		if err := need(1); err != nil {
			return cmdqueue.Command{}, err
		}
		if verb == "sub" {
			return cmdqueue.Subscribe(args[0]), nil
		}
		return cmdqueue.Unsubscribe(args[0]), nil

	case "pub":
		if err := need(2); err != nil {
			return cmdqueue.Command{}, err
		}
		return cmdqueue.Publish(args[0], []byte(rest(1))), nil

	case "set":
		if err := need(2); err != nil {
			return cmdqueue.Command{}, err
		}
		v, err := ir.Unmarshal([]byte(rest(1)))
		if err != nil {
			return cmdqueue.Command{}, fmt.Errorf("set: value: %w", err)
		}
		if !ir.IsScalar(v) {
			return cmdqueue.Command{}, fmt.Errorf("set: value must be a scalar, got %s", ir.Kind(v))
		}
		return cmdqueue.UpdateContext(args[0], v), nil

	case "button":
		if err := need(2); err != nil {
			return cmdqueue.Command{}, err
		}
		id, err := parseStreamID(args[0])
		if err != nil {
			return cmdqueue.Command{}, fmt.Errorf("button: %w", err)
		}
		press, err := parsePress(args[1])
		if err != nil {
			return cmdqueue.Command{}, err
		}
		return cmdqueue.ButtonPress(id, press), nil

	case "sensor":
		if err := need(3); err != nil {
			return cmdqueue.Command{}, err
		}
		v, err := parseSensor(args[1], args[2])
		if err != nil {
			return cmdqueue.Command{}, err
		}
		return cmdqueue.SensorUpdate(args[0], v), nil

	case "stream":
		if err := need(3); err != nil {
			return cmdqueue.Command{}, err
		}
		id, err := parseStreamID(args[0])
		if err != nil {
			return cmdqueue.Command{}, fmt.Errorf("stream: %w", err)
		}
		return cmdqueue.StreamStart(id, args[1], args[2]), nil

	case "data":
		if err := need(2); err != nil {
			return cmdqueue.Command{}, err
		}
		id, err := parseStreamID(args[0])
		if err != nil {
			return cmdqueue.Command{}, fmt.Errorf("data: %w", err)
		}
		return cmdqueue.StreamData(id, []byte(rest(1))), nil

	case "close":
		if err := need(1); err != nil {
			return cmdqueue.Command{}, err
		}
		id, err := parseStreamID(args[0])
		if err != nil {
			return cmdqueue.Command{}, fmt.Errorf("close: %w", err)
		}
		return cmdqueue.StreamClose(id), nil
	}
	return cmdqueue.Command{}, fmt.Errorf("unknown command %q", verb)
}

func parseStreamID(s string) (uint8, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint8(n), nil
}

func parsePress(s string) (wire.PressKind, error) {
	switch strings.ToLower(s) {
	case "single":
		return wire.PressSingle, nil
	case "double":
		return wire.PressDouble, nil
	case "long":
		return wire.PressLong, nil
	}
	return 0, fmt.Errorf("unknown press %q (want single, double or long)", s)
}

func parseSensor(kind, value string) (wire.SensorValue, error) {
	switch kind {
	case "temperature", "humidity":
		f, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return wire.SensorValue{}, fmt.Errorf("%s: %w", kind, err)
		}
		if kind == "temperature" {
			return wire.Temperature(float32(f)), nil
		}
		return wire.Humidity(float32(f)), nil
	case "battery":
		n, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return wire.SensorValue{}, fmt.Errorf("battery: %w", err)
		}
		return wire.Battery(uint8(n)), nil
	case "status":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return wire.SensorValue{}, fmt.Errorf("status: %w", err)
		}
		return wire.Status(b), nil
	case "raw":
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return wire.SensorValue{}, fmt.Errorf("raw: %w", err)
		}
		return wire.Raw(int32(n)), nil
	}
	return wire.SensorValue{}, fmt.Errorf("unknown sensor kind %q", kind)
}

// describeEvent renders a queue event as one line.
func describeEvent(ev cmdqueue.Event) string {
	var b strings.Builder
	b.WriteString(ev.Kind.String())
	switch ev.Kind {
	case cmdqueue.EventSubscribed:
		fmt.Fprintf(&b, " topic=%s", ev.Topic)
	case cmdqueue.EventMessage:
		fmt.Fprintf(&b, " topic=%s from=%s data=%q", ev.Topic, ev.From, ev.Data)
	case cmdqueue.EventStreamAccepted, cmdqueue.EventStreamClosed:
		fmt.Fprintf(&b, " stream=%d", ev.StreamID)
	case cmdqueue.EventStreamRejected:
		fmt.Fprintf(&b, " stream=%d reason=%s", ev.StreamID, ev.Reason)
	case cmdqueue.EventStreamData:
		fmt.Fprintf(&b, " stream=%d data=%q", ev.StreamID, ev.Data)
	case cmdqueue.EventError:
		fmt.Fprintf(&b, " reason=%s", ev.Reason)
	}
	return b.String()
}
