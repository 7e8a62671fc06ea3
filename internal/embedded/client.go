package embedded

import (
	"log/slog"

	"github.com/roach88/meshsync/internal/cmdqueue"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/wire"
)

// Client is the non-blocking device API. Producers may call the enqueue
// methods from any goroutine; Poll must be called from one loop.
type Client struct {
	device *Device
	queue  *cmdqueue.Queue
	runner *cmdqueue.Runner
}

// NewClient creates a client with a queue of capacity slots. callback
// receives every inbound event during Poll.
func NewClient(link Link, cfg Config, scratch []byte, capacity int, callback func(cmdqueue.Event), logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d, err := NewDevice(link, cfg, scratch, WithLogger(logger))
	if err != nil {
		return nil, err
	}
	q := cmdqueue.New(capacity)
	return &Client{
		device: d,
		queue:  q,
		runner: cmdqueue.NewRunner(q, d,
			cmdqueue.WithReceiver(d, callback),
			cmdqueue.WithLogger(logger)),
	}, nil
}

// Device returns the underlying executor.
func (c *Client) Device() *Device { return c.device }

// Runner returns the cooperative loop driving c.
func (c *Client) Runner() *cmdqueue.Runner { return c.runner }

// Queued returns the number of commands waiting for the next Poll.
func (c *Client) Queued() int { return c.queue.Len() }

// Connected reports whether the gateway welcomed the device.
func (c *Client) Connected() bool { return c.device.Connected() }

// Connect queues a Hello to the gateway.
func (c *Client) Connect() cmdqueue.Status {
	return c.queue.Enqueue(cmdqueue.Connect(""))
}

func (c *Client) Subscribe(topic string) cmdqueue.Status {
	return c.queue.Enqueue(cmdqueue.Subscribe(topic))
}

func (c *Client) Unsubscribe(topic string) cmdqueue.Status {
	return c.queue.Enqueue(cmdqueue.Unsubscribe(topic))
}

func (c *Client) Publish(topic string, payload []byte) cmdqueue.Status {
	return c.queue.Enqueue(cmdqueue.Publish(topic, payload))
}

// StartStream opens local stream id to peer. The gateway uses reason as
// the mesh stream type.
func (c *Client) StartStream(id uint8, peer, reason string) cmdqueue.Status {
	return c.queue.Enqueue(cmdqueue.StreamStart(id, peer, reason))
}

func (c *Client) SendStreamData(id uint8, chunk []byte) cmdqueue.Status {
	return c.queue.Enqueue(cmdqueue.StreamData(id, chunk))
}

func (c *Client) CloseStream(id uint8) cmdqueue.Status {
	return c.queue.Enqueue(cmdqueue.StreamClose(id))
}

func (c *Client) ButtonPressed(button uint8, press wire.PressKind) cmdqueue.Status {
	return c.queue.Enqueue(cmdqueue.ButtonPress(button, press))
}

func (c *Client) UpdateSensor(name string, v wire.SensorValue) cmdqueue.Status {
	return c.queue.Enqueue(cmdqueue.SensorUpdate(name, v))
}

// UpdateContext writes a scalar into the shared context through the
// gateway.
func (c *Client) UpdateContext(path string, v ir.Value) cmdqueue.Status {
	return c.queue.Enqueue(cmdqueue.UpdateContext(path, v))
}

// RequestPoll queues a receive pass, for producers that are not the loop.
func (c *Client) RequestPoll() cmdqueue.Status {
	return c.queue.Enqueue(cmdqueue.Poll())
}

// Poll runs one cycle of the device loop.
func (c *Client) Poll() int {
	return c.runner.Poll()
}
