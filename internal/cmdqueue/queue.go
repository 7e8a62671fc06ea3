package cmdqueue

import (
	"sync"

	"github.com/roach88/meshsync/internal/fault"
	"github.com/roach88/meshsync/internal/wire"
)

// DefaultCapacity is the queue size used when none is given.
const DefaultCapacity = 16

// Status is the admission result of Enqueue.
type Status int32

const (
	Success       Status = 0
	InvalidParams Status = -1
	QueueFull     Status = -2
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case InvalidParams:
		return "invalid_params"
	case QueueFull:
		return "queue_full"
	default:
		return "unknown"
	}
}

// Err converts s to a fault error, nil for Success.
func (s Status) Err() error {
	switch s {
	case Success:
		return nil
	case QueueFull:
		return fault.New(fault.CodeQueueFull, "cmdqueue.enqueue", "no free slot")
	default:
		return fault.New(fault.CodeInvalidParams, "cmdqueue.enqueue", "rejected")
	}
}

// slot is the inline storage for one command.
type slot struct {
	kind     Kind
	streamID uint8
	button   uint8
	press    wire.PressKind
	sensor   wire.SensorValue

	topicLen  uint8
	peerLen   uint8
	reasonLen uint8
	nameLen   uint8
	pathLen   uint8
	dataLen   uint16

	topic  [MaxTopic]byte
	data   [MaxChunk]byte
	peer   [MaxPeerID]byte
	reason [MaxReason]byte
	name   [MaxSensorName]byte
	path   [MaxPath]byte
}

// store copies a validated command into s.
func (s *slot) store(c *Command) {
	s.kind = c.Kind
	s.streamID = c.StreamID
	s.button = c.Button
	s.press = c.Press
	s.sensor = c.Sensor
	s.topicLen = uint8(copy(s.topic[:], c.Topic))
	s.dataLen = uint16(copy(s.data[:], c.Data))
	s.peerLen = uint8(copy(s.peer[:], c.Peer))
	s.reasonLen = uint8(copy(s.reason[:], c.Reason))
	s.nameLen = uint8(copy(s.name[:], c.Name))
	s.pathLen = uint8(copy(s.path[:], c.Path))
}

// command returns a view of s. The slices alias s.
func (s *slot) command() Command {
	return Command{
		Kind:     s.kind,
		Topic:    s.topic[:s.topicLen],
		Data:     s.data[:s.dataLen],
		Peer:     s.peer[:s.peerLen],
		Reason:   s.reason[:s.reasonLen],
		Name:     s.name[:s.nameLen],
		Path:     s.path[:s.pathLen],
		StreamID: s.streamID,
		Button:   s.button,
		Press:    s.press,
		Sensor:   s.sensor,
	}
}

// Queue is a fixed-capacity FIFO of commands. Enqueue is safe from any
// goroutine; a single Runner consumes.
type Queue struct {
	mu     sync.Mutex
	slots  []slot
	head   int
	count  int
	signal chan struct{} // buffered, size 1
}

// New creates a queue with capacity slots, or DefaultCapacity if
// capacity is not positive.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		slots:  make([]slot, capacity),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue validates cmd and admits it if a slot is free.
func (q *Queue) Enqueue(cmd Command) Status {
	if err := cmd.Validate(); err != nil {
		return InvalidParams
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.slots) {
		return QueueFull
	}
	q.slots[(q.head+q.count)%len(q.slots)].store(&cmd)
	q.count++

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return Success
}

// Len returns the number of queued commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the number of slots.
func (q *Queue) Cap() int {
	return len(q.slots)
}

// Wait returns a channel that receives after an Enqueue. Multiple
// enqueues may coalesce into one signal.
func (q *Queue) Wait() <-chan struct{} {
	return q.signal
}

// take moves the oldest command into dst, freeing its slot.
func (q *Queue) take(dst *slot) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return false
	}
	*dst = q.slots[q.head]
	q.head = (q.head + 1) % len(q.slots)
	q.count--
	return true
}
