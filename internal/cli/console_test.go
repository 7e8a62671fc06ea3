package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/cmdqueue"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/wire"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want cmdqueue.Command
	}{
		{"connect 127.0.0.1:7000", cmdqueue.Connect("127.0.0.1:7000")},
		{"sub alerts", cmdqueue.Subscribe("alerts")},
		{"unsub alerts", cmdqueue.Unsubscribe("alerts")},
		{"pub alerts smoke in hall", cmdqueue.Publish("alerts", []byte("smoke in hall"))},
		{`set lights.hall true`, cmdqueue.UpdateContext("lights.hall", ir.Bool(true))},
		{`set mode "eco"`, cmdqueue.UpdateContext("mode", ir.String("eco"))},
		{"button 2 long", cmdqueue.ButtonPress(2, wire.PressLong)},
		{"sensor kitchen temperature 21.5", cmdqueue.SensorUpdate("kitchen", wire.Temperature(21.5))},
		{"sensor pack battery 80", cmdqueue.SensorUpdate("pack", wire.Battery(80))},
		{"sensor door status false", cmdqueue.SensorUpdate("door", wire.Status(false))},
		{"sensor adc raw -12", cmdqueue.SensorUpdate("adc", wire.Raw(-12))},
		{"stream 1 desk audio", cmdqueue.StreamStart(1, "desk", "audio")},
		{"data 1 pcm frame", cmdqueue.StreamData(1, []byte("pcm frame"))},
		{"close 1", cmdqueue.StreamClose(1)},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseCommand(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCommand_Errors(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"", "empty command"},
		{"launch rockets", `unknown command "launch"`},
		{"pub alerts", "expected 2 argument(s), got 1"},
		{"set x {\"a\":1}", "must be a scalar"},
		{"set x nope", "set: value"},
		{"button 1 triple", `unknown press "triple"`},
		{"button 300 single", `invalid id "300"`},
		{"sensor k pressure 3", `unknown sensor kind "pressure"`},
		{"sensor k battery 300", "battery"},
		{"close x", `invalid id "x"`},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			_, err := parseCommand(tt.line)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDescribeEvent(t *testing.T) {
	assert.Equal(t, "connected", describeEvent(cmdqueue.Event{Kind: cmdqueue.EventConnected}))
	assert.Equal(t, `message topic=alerts from=hall data="smoke"`, describeEvent(cmdqueue.Event{
		Kind:  cmdqueue.EventMessage,
		Topic: []byte("alerts"),
		From:  []byte("hall"),
		Data:  []byte("smoke"),
	}))
	assert.Equal(t, "stream_rejected stream=3 reason=unsupported", describeEvent(cmdqueue.Event{
		Kind:     cmdqueue.EventStreamRejected,
		StreamID: 3,
		Reason:   []byte("unsupported"),
	}))
}
