// Package bridge is the UDP gateway between constrained devices and the
// mesh.
//
// A device opens a session by sending Hello; the bridge answers Welcome
// and from then on acts for the device on the mesh: publishing its button
// and sensor events as JSON on per-device topics, relaying topic messages
// it subscribed to, and proxying its streams under mesh stream ids.
// Sessions are keyed by the device's source address.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/roach88/meshsync/internal/fault"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/node"
	"github.com/roach88/meshsync/internal/stream"
	"github.com/roach88/meshsync/internal/wire"
)

// Mesh is the node surface the bridge drives. *node.Node satisfies it.
type Mesh interface {
	LocalPeer() string
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	OnMessage(fn func(node.Message))
	RequestStream(ctx context.Context, peer, streamType, reason string, h stream.Handler) (stream.ID, error)
	SendStreamData(ctx context.Context, id stream.ID, data []byte) error
	CloseStream(ctx context.Context, id stream.ID) error
	UpdateContext(ctx context.Context, path string, value ir.Value) error
}

// DefaultStreamType is used when a device opens a stream without a reason.
const DefaultStreamType = "data"

type session struct {
	addr     net.Addr
	deviceID uint64
	streams  map[uint8]stream.ID
	topics   map[string]struct{}
}

// Bridge serves devices on one packet socket.
type Bridge struct {
	conn   net.PacketConn
	mesh   Mesh
	logger *slog.Logger
	now    func() time.Time

	sendMu  sync.Mutex
	scratch []byte

	mu       sync.Mutex
	sessions map[string]*session
	topics   map[string]int
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = l
	}
}

// WithNow sets the time source for published timestamps.
func WithNow(fn func() time.Time) Option {
	return func(b *Bridge) {
		b.now = fn
	}
}

// New creates a bridge reading conn. Call Serve to start it.
func New(conn net.PacketConn, mesh Mesh, opts ...Option) *Bridge {
	b := &Bridge{
		conn:     conn,
		mesh:     mesh,
		now:      time.Now,
		scratch:  make([]byte, 0, wire.MaxPacket),
		sessions: make(map[string]*session),
		topics:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	mesh.OnMessage(b.onMessage)
	return b
}

// Listen binds a UDP socket on addr and creates a bridge over it.
func Listen(addr string, mesh Mesh, opts ...Option) (*Bridge, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bridge listen %s: %w", addr, err)
	}
	return New(conn, mesh, opts...), nil
}

// Addr returns the bound address.
func (b *Bridge) Addr() net.Addr {
	return b.conn.LocalAddr()
}

// Sessions returns the number of live device sessions.
func (b *Bridge) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Serve reads packets until ctx ends or the socket is closed. Malformed
// packets are logged and skipped.
func (b *Bridge) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = b.conn.Close()
	})
	defer stop()

	b.logger.Info("bridge listening", "addr", b.conn.LocalAddr().String())

	var buf [wire.MaxPacket]byte
	for {
		n, addr, err := b.conn.ReadFrom(buf[:])
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			b.logger.Warn("bridge read failed", "error", err)
			continue
		}
		pkt, err := wire.DecodeUplink(buf[:n])
		if err != nil {
			b.logger.Warn("malformed uplink dropped",
				"addr", addr.String(),
				"error", err)
			continue
		}
		b.handle(ctx, addr, pkt)
	}
}

// Close stops Serve and releases the socket.
func (b *Bridge) Close() error {
	return b.conn.Close()
}

func (b *Bridge) handle(ctx context.Context, addr net.Addr, pkt wire.Uplink) {
	if pkt.Type == wire.UpHello {
		b.hello(ctx, addr, pkt.DeviceID)
		return
	}

	key := addr.String()
	b.mu.Lock()
	s := b.sessions[key]
	b.mu.Unlock()
	if s == nil {
		b.send(addr, wire.Downlink{Type: wire.DownError, Code: wire.ErrCodeNoSession, Reason: "no session"})
		return
	}

	var err error
	switch pkt.Type {
	case wire.UpSubscribe:
		err = b.subscribe(s, pkt.Topic)
	case wire.UpUnsubscribe:
		err = b.unsubscribe(s, pkt.Topic)
	case wire.UpPublish:
		err = b.mesh.Publish(ctx, pkt.Topic, pkt.Data)
	case wire.UpButtonPress:
		err = b.buttonPress(ctx, s, pkt)
	case wire.UpSensorUpdate:
		err = b.sensorUpdate(ctx, s, pkt)
	case wire.UpStreamStart:
		b.streamStart(ctx, s, pkt)
	case wire.UpStreamData:
		err = b.streamData(ctx, s, pkt)
	case wire.UpStreamClose:
		err = b.streamClose(ctx, s, pkt.StreamID)
	case wire.UpUpdateContext:
		err = b.updateContext(ctx, pkt)
	}
	if err != nil {
		b.logger.Warn("device request failed",
			"device_id", s.deviceID,
			"type", pkt.Type.String(),
			"error", err)
		code := wire.ErrCodeMesh
		if fault.IsInvalidParams(err) {
			code = wire.ErrCodeInvalid
		}
		b.send(addr, wire.Downlink{Type: wire.DownError, Code: code, Reason: truncate(err.Error(), 128)})
	}
}

// hello opens or resets the session for addr.
func (b *Bridge) hello(ctx context.Context, addr net.Addr, deviceID uint64) {
	key := addr.String()
	b.mu.Lock()
	old := b.sessions[key]
	b.sessions[key] = &session{
		addr:     addr,
		deviceID: deviceID,
		streams:  make(map[uint8]stream.ID),
		topics:   make(map[string]struct{}),
	}
	b.mu.Unlock()

	if old != nil {
		b.drop(ctx, old)
	}
	b.logger.Info("device connected",
		"device_id", deviceID,
		"addr", key)
	b.send(addr, wire.Downlink{Type: wire.DownWelcome})
}

// drop releases what a replaced session held on the mesh.
func (b *Bridge) drop(ctx context.Context, s *session) {
	b.mu.Lock()
	ids := make([]stream.ID, 0, len(s.streams))
	for _, id := range s.streams {
		if id != 0 {
			ids = append(ids, id)
		}
	}
	clear(s.streams)
	var release []string
	for topic := range s.topics {
		if b.topics[topic]--; b.topics[topic] <= 0 {
			delete(b.topics, topic)
			release = append(release, topic)
		}
	}
	clear(s.topics)
	b.mu.Unlock()

	for _, id := range ids {
		_ = b.mesh.CloseStream(ctx, id)
	}
	for _, topic := range release {
		_ = b.mesh.Unsubscribe(topic)
	}
}

func (b *Bridge) subscribe(s *session, topic string) error {
	b.mu.Lock()
	_, already := s.topics[topic]
	first := !already && b.topics[topic] == 0
	b.mu.Unlock()

	if first {
		if err := b.mesh.Subscribe(topic); err != nil {
			return err
		}
	}
	if !already {
		b.mu.Lock()
		s.topics[topic] = struct{}{}
		b.topics[topic]++
		b.mu.Unlock()
	}
	b.send(s.addr, wire.Downlink{Type: wire.DownSubscribeAck, Topic: topic})
	return nil
}

func (b *Bridge) unsubscribe(s *session, topic string) error {
	b.mu.Lock()
	_, had := s.topics[topic]
	last := false
	if had {
		delete(s.topics, topic)
		b.topics[topic]--
		if b.topics[topic] <= 0 {
			delete(b.topics, topic)
			last = true
		}
	}
	b.mu.Unlock()
	if last {
		return b.mesh.Unsubscribe(topic)
	}
	return nil
}

// onMessage fans a mesh topic message out to subscribed devices.
func (b *Bridge) onMessage(m node.Message) {
	b.mu.Lock()
	var targets []net.Addr
	for _, s := range b.sessions {
		if _, ok := s.topics[m.Topic]; ok {
			targets = append(targets, s.addr)
		}
	}
	b.mu.Unlock()

	for _, addr := range targets {
		b.send(addr, wire.Downlink{Type: wire.DownMessage, Topic: m.Topic, From: m.From, Data: m.Data})
	}
}

func deviceName(id uint64) string {
	return fmt.Sprintf("device_%d", id)
}

func (b *Bridge) buttonPress(ctx context.Context, s *session, pkt wire.Uplink) error {
	if !pkt.Press.Valid() {
		return fault.New(fault.CodeInvalidParams, "bridge.button", "unknown press kind %d", pkt.Press)
	}
	payload, err := wire.ButtonPayload(pkt.Button, pkt.Press, b.now().Unix())
	if err != nil {
		return err
	}
	topic := wire.ButtonTopic(deviceName(s.deviceID))
	b.logger.Debug("button press bridged",
		"device_id", s.deviceID,
		"button_id", pkt.Button,
		"press", pkt.Press.String(),
		"topic", topic)
	return b.mesh.Publish(ctx, topic, payload)
}

func (b *Bridge) sensorUpdate(ctx context.Context, s *session, pkt wire.Uplink) error {
	if pkt.Value == nil || !pkt.Value.Valid() || pkt.Sensor == "" {
		return fault.New(fault.CodeInvalidParams, "bridge.sensor", "missing sensor name or value")
	}
	payload, err := wire.SensorPayload(*pkt.Value, b.now().Unix())
	if err != nil {
		return err
	}
	topic := wire.SensorTopic(deviceName(s.deviceID), pkt.Sensor)
	b.logger.Debug("sensor update bridged",
		"device_id", s.deviceID,
		"sensor", pkt.Sensor,
		"value", pkt.Value.String(),
		"topic", topic)
	return b.mesh.Publish(ctx, topic, payload)
}

func (b *Bridge) streamStart(ctx context.Context, s *session, pkt wire.Uplink) {
	local := pkt.StreamID
	reject := func(reason string) {
		b.send(s.addr, wire.Downlink{Type: wire.DownStreamReject, StreamID: local, Reason: reason})
	}
	if pkt.Peer == "" {
		reject("no target")
		return
	}

	b.mu.Lock()
	if _, busy := s.streams[local]; busy {
		b.mu.Unlock()
		reject("stream id in use")
		return
	}
	s.streams[local] = 0
	b.mu.Unlock()

	streamType := pkt.Reason
	if streamType == "" {
		streamType = DefaultStreamType
	}
	h := &proxy{bridge: b, sess: s, local: local}
	id, err := b.mesh.RequestStream(ctx, pkt.Peer, streamType, pkt.Reason, h)
	if err != nil {
		b.mu.Lock()
		delete(s.streams, local)
		b.mu.Unlock()
		b.logger.Warn("bridge failed to open mesh stream",
			"device_id", s.deviceID,
			"peer", pkt.Peer,
			"error", err)
		reject(truncate(err.Error(), 64))
		return
	}

	b.mu.Lock()
	if cur, ok := s.streams[local]; ok && cur == 0 {
		s.streams[local] = id
	}
	b.mu.Unlock()
	b.logger.Info("stream bridged",
		"device_id", s.deviceID,
		"local_stream_id", local,
		"stream_id", id,
		"peer", pkt.Peer)
}

func (b *Bridge) meshID(s *session, local uint8) (stream.ID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := s.streams[local]
	return id, ok && id != 0
}

func (b *Bridge) streamData(ctx context.Context, s *session, pkt wire.Uplink) error {
	id, ok := b.meshID(s, pkt.StreamID)
	if !ok {
		return fault.New(fault.CodeNotFound, "bridge.stream_data", "no stream %d", pkt.StreamID)
	}
	return b.mesh.SendStreamData(ctx, id, pkt.Data)
}

func (b *Bridge) streamClose(ctx context.Context, s *session, local uint8) error {
	b.mu.Lock()
	id, ok := s.streams[local]
	delete(s.streams, local)
	b.mu.Unlock()
	if !ok || id == 0 {
		return nil
	}
	return b.mesh.CloseStream(ctx, id)
}

func (b *Bridge) updateContext(ctx context.Context, pkt wire.Uplink) error {
	v, err := ir.Unmarshal(pkt.Data)
	if err != nil {
		return fault.Wrap(fault.CodeInvalidParams, "bridge.update_context", err)
	}
	if !ir.IsScalar(v) {
		return fault.New(fault.CodeInvalidParams, "bridge.update_context", "value must be a scalar, got %s", ir.Kind(v))
	}
	return b.mesh.UpdateContext(ctx, pkt.Path, v)
}

// release forgets local if it still maps to id. A zero mapping is a start
// whose mesh id has not been recorded yet.
func (b *Bridge) release(s *session, local uint8, id stream.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := s.streams[local]; ok && (cur == id || cur == 0) {
		delete(s.streams, local)
	}
}

func (b *Bridge) send(addr net.Addr, d wire.Downlink) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	pkt, err := wire.AppendDownlink(b.scratch, d)
	if err != nil {
		b.logger.Warn("downlink encode failed",
			"type", d.Type.String(),
			"error", err)
		return
	}
	b.scratch = pkt[:0]
	if _, err := b.conn.WriteTo(pkt, addr); err != nil {
		b.logger.Warn("downlink send failed",
			"addr", addr.String(),
			"type", d.Type.String(),
			"error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// proxy relays one mesh stream's callbacks down to its device.
type proxy struct {
	bridge *Bridge
	sess   *session
	local  uint8
}

func (p *proxy) OnAccepted(stream.ID, string) {
	p.bridge.send(p.sess.addr, wire.Downlink{Type: wire.DownStreamAccept, StreamID: p.local})
}

func (p *proxy) OnRejected(id stream.ID, _ string, reason string) {
	p.bridge.release(p.sess, p.local, id)
	p.bridge.send(p.sess.addr, wire.Downlink{Type: wire.DownStreamReject, StreamID: p.local, Reason: reason})
}

func (p *proxy) OnData(_ stream.ID, data []byte) {
	p.bridge.send(p.sess.addr, wire.Downlink{Type: wire.DownStreamData, StreamID: p.local, Data: data})
}

func (p *proxy) OnClosed(id stream.ID, reason stream.CloseReason) {
	p.bridge.release(p.sess, p.local, id)
	p.bridge.send(p.sess.addr, wire.Downlink{Type: wire.DownStreamClosed, StreamID: p.local, Reason: reason.String()})
}
