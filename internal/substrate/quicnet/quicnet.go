// Package quicnet is a substrate over QUIC. Each pair of hosts shares one
// QUIC connection carrying a single bidirectional stream of length-prefixed
// frames. The first frame in each direction is a hello naming the sender's
// peer id.
//
// Broadcasts are sent to every connected peer; the receiver drops topics it
// has no handler for. Inbound frames and connectivity changes from all
// peers are delivered by one goroutine, so handlers never run concurrently
// and per-peer order is preserved.
package quicnet

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/roach88/meshsync/internal/fault"
	"github.com/roach88/meshsync/internal/mailbox"
	"github.com/roach88/meshsync/internal/substrate"
)

// MaxFrame bounds one frame on the wire.
const MaxFrame = 1 << 20

const (
	frameHello  = "hello"
	framePub    = "pub"
	frameDirect = "direct"
)

type frame struct {
	Type  string `json:"type"`
	From  string `json:"from,omitempty"`
	Topic string `json:"topic,omitempty"`
	Data  []byte `json:"data,omitempty"`
}

type peerConn struct {
	peer   string
	dialer string // peer id of the side that opened the connection
	conn   *quic.Conn
	stream *quic.Stream

	writeMu sync.Mutex
}

func (p *peerConn) write(f frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if len(body) > MaxFrame {
		return fault.New(fault.CodeInvalidParams, "quicnet.write", "frame is %d bytes, limit %d", len(body), MaxFrame)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stream.Write(hdr[:]); err != nil {
		return err
	}
	_, err = p.stream.Write(body)
	return err
}

func readFrame(r io.Reader) (frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxFrame {
		return frame{}, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal(body, &f); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

type delivery struct {
	msg  substrate.Message
	peer *substrate.PeerEvent
}

// Transport is one host's QUIC endpoint.
type Transport struct {
	id        string
	listener  *quic.Listener
	clientTLS *tls.Config
	quicConf  *quic.Config
	logger    *slog.Logger
	insecure  bool
	handshake time.Duration

	inbox *mailbox.Queue[delivery]
	done  chan struct{}
	wg    sync.WaitGroup

	mu     sync.RWMutex
	conns  map[string]*peerConn
	subs   map[string]substrate.Handler
	direct substrate.Handler
	peerH  substrate.PeerHandler
	closed bool
}

var _ substrate.Substrate = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = l
	}
}

// WithInsecureSkipVerify accepts any server certificate. Without it a
// dialed host must present the mesh certificate, whatever its address.
func WithInsecureSkipVerify() Option {
	return func(t *Transport) {
		t.insecure = true
	}
}

// WithHandshakeTimeout bounds the hello exchange. Defaults to 5s.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.handshake = d
	}
}

// Listen starts a transport for peerID accepting connections on addr.
func Listen(peerID, addr string, opts ...Option) (*Transport, error) {
	if peerID == "" {
		return nil, fault.New(fault.CodeInvalidParams, "quicnet.listen", "empty peer id")
	}
	t := &Transport{
		id:        peerID,
		handshake: 5 * time.Second,
		quicConf: &quic.Config{
			KeepAlivePeriod: 10 * time.Second,
			MaxIdleTimeout:  30 * time.Second,
		},
		inbox: mailbox.New[delivery](),
		done:  make(chan struct{}),
		conns: make(map[string]*peerConn),
		subs:  make(map[string]substrate.Handler),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}

	serverTLS, err := serverTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("quicnet tls: %w", err)
	}
	t.clientTLS, err = clientTLSConfig(t.insecure)
	if err != nil {
		return nil, fmt.Errorf("quicnet tls: %w", err)
	}
	t.listener, err = quic.ListenAddr(addr, serverTLS, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("quicnet listen %s: %w", addr, err)
	}
	t.logger.Info("quic listen ready",
		"peer", peerID,
		"addr", t.listener.Addr().String())

	go t.run()
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

// Addr returns the listening address.
func (t *Transport) Addr() net.Addr {
	return t.listener.Addr()
}

// LocalPeer implements substrate.Substrate.
func (t *Transport) LocalPeer() string {
	return t.id
}

// Connect dials the host at addr ("host:port") and exchanges hellos.
// Connecting to an already connected peer keeps a single connection.
func (t *Transport) Connect(ctx context.Context, addr string) error {
	if t.isClosed() {
		return substrate.ErrClosed
	}
	conn, err := quic.DialAddr(ctx, addr, t.clientTLS, t.quicConf)
	if err != nil {
		return fmt.Errorf("quicnet dial %s: %w", addr, err)
	}
	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream")
		return fmt.Errorf("quicnet dial %s: %w", addr, err)
	}
	pc := &peerConn{dialer: t.id, conn: conn, stream: s}
	if err := pc.write(frame{Type: frameHello, From: t.id}); err != nil {
		_ = conn.CloseWithError(0, "hello")
		return fmt.Errorf("quicnet hello to %s: %w", addr, err)
	}
	r := bufio.NewReader(s)
	peer, err := t.readHello(r)
	if err != nil {
		_ = conn.CloseWithError(0, "hello")
		return fmt.Errorf("quicnet hello from %s: %w", addr, err)
	}
	if peer == t.id {
		_ = conn.CloseWithError(0, "self")
		return fault.New(fault.CodeInvalidParams, "quicnet.connect", "cannot connect to self")
	}
	pc.peer = peer
	t.attach(pc, r)
	return nil
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept(context.Background())
		if err != nil {
			if !t.isClosed() {
				t.logger.Warn("quic accept failed", "error", err)
			}
			return
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.acceptPeer(conn)
		}()
	}
}

func (t *Transport) acceptPeer(conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), t.handshake)
	defer cancel()
	s, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		t.logger.Debug("quic peer opened no stream", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	r := bufio.NewReader(s)
	peer, err := t.readHello(r)
	if err != nil {
		_ = conn.CloseWithError(0, "hello")
		t.logger.Warn("quic hello failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	pc := &peerConn{peer: peer, dialer: peer, conn: conn, stream: s}
	if err := pc.write(frame{Type: frameHello, From: t.id}); err != nil {
		_ = conn.CloseWithError(0, "hello")
		return
	}
	t.attach(pc, r)
}

func (t *Transport) readHello(r io.Reader) (string, error) {
	type result struct {
		f   frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := readFrame(r)
		ch <- result{f, err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			return "", res.err
		}
		if res.f.Type != frameHello || res.f.From == "" {
			return "", fmt.Errorf("expected hello, got %q", res.f.Type)
		}
		return res.f.From, nil
	case <-time.After(t.handshake):
		return "", errors.New("hello timed out")
	}
}

// attach registers pc and starts its reader. When a connection to the same
// peer already exists, one of the two is closed; see replaces.
func (t *Transport) attach(pc *peerConn, r *bufio.Reader) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = pc.conn.CloseWithError(0, "closed")
		return
	}
	if cur, dup := t.conns[pc.peer]; dup {
		if !replaces(t.id, cur, pc) {
			t.mu.Unlock()
			_ = pc.conn.CloseWithError(0, "duplicate")
			return
		}
		// The peer stays connected throughout, so no events are raised.
		// The old reader's detach finds pc in the map and does nothing.
		t.conns[pc.peer] = pc
		t.mu.Unlock()
		t.logger.Debug("quic peer connection replaced", "peer", pc.peer, "dialer", pc.dialer)
		_ = cur.conn.CloseWithError(0, "duplicate")
		t.startReader(pc, r)
		return
	}
	t.conns[pc.peer] = pc
	t.mu.Unlock()

	t.logger.Debug("quic peer connected", "peer", pc.peer, "remote", pc.conn.RemoteAddr().String())
	t.enqueue(delivery{peer: &substrate.PeerEvent{Peer: pc.peer, Connected: true}})
	t.startReader(pc, r)
}

// replaces reports whether next should take over from cur, an attached
// connection to the same peer. Both hosts keep the connection dialed by
// the smaller of their two ids, so a simultaneous dial leaves the same
// single connection on each side.
func replaces(local string, cur, next *peerConn) bool {
	keep := min(local, next.peer)
	return cur.dialer != keep && next.dialer == keep
}

func (t *Transport) startReader(pc *peerConn, r *bufio.Reader) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(pc, r)
	}()
}

func (t *Transport) readLoop(pc *peerConn, r *bufio.Reader) {
	for {
		f, err := readFrame(r)
		if err != nil {
			t.logger.Debug("quic peer read ended", "peer", pc.peer, "error", err)
			t.detach(pc)
			return
		}
		switch f.Type {
		case framePub:
			t.enqueue(delivery{msg: substrate.Message{From: pc.peer, Topic: f.Topic, Data: f.Data}})
		case frameDirect:
			t.enqueue(delivery{msg: substrate.Message{From: pc.peer, Data: f.Data}})
		default:
			t.logger.Warn("unexpected quic frame", "peer", pc.peer, "type", f.Type)
		}
	}
}

func (t *Transport) detach(pc *peerConn) {
	t.mu.Lock()
	cur, ok := t.conns[pc.peer]
	if ok && cur == pc {
		delete(t.conns, pc.peer)
	}
	t.mu.Unlock()
	_ = pc.conn.CloseWithError(0, "")
	if ok && cur == pc {
		t.enqueue(delivery{peer: &substrate.PeerEvent{Peer: pc.peer, Connected: false}})
	}
}

// Disconnect drops the connection to peer, if any.
func (t *Transport) Disconnect(peer string) {
	t.mu.RLock()
	pc := t.conns[peer]
	t.mu.RUnlock()
	if pc != nil {
		t.detach(pc)
	}
}

func (t *Transport) enqueue(d delivery) {
	t.inbox.Put(d)
}

func (t *Transport) run() {
	defer close(t.done)
	_ = t.inbox.Drain(context.Background(), t.dispatch)
}

func (t *Transport) dispatch(d delivery) {
	t.mu.RLock()
	peerH := t.peerH
	direct := t.direct
	var topicH substrate.Handler
	if d.peer == nil && d.msg.Topic != "" {
		topicH = t.subs[d.msg.Topic]
	}
	t.mu.RUnlock()

	switch {
	case d.peer != nil:
		if peerH != nil {
			peerH(*d.peer)
		}
	case d.msg.Topic != "":
		if topicH != nil {
			topicH(d.msg)
		}
	default:
		if direct != nil {
			direct(d.msg)
		}
	}
}

// Publish implements substrate.Substrate.
func (t *Transport) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.isClosed() {
		return substrate.ErrClosed
	}
	var errs []error
	for _, pc := range t.peerConns() {
		if err := pc.write(frame{Type: framePub, Topic: topic, Data: data}); err != nil {
			errs = append(errs, fmt.Errorf("publish to %s: %w", pc.peer, err))
		}
	}
	return errors.Join(errs...)
}

// Send implements substrate.Substrate.
func (t *Transport) Send(ctx context.Context, peer string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.RLock()
	pc := t.conns[peer]
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return substrate.ErrClosed
	}
	if pc == nil {
		return fault.New(fault.CodeNotFound, "quicnet.send", "peer %q not connected", peer)
	}
	return pc.write(frame{Type: frameDirect, Data: data})
}

// Subscribe implements substrate.Substrate.
func (t *Transport) Subscribe(topic string, h substrate.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return substrate.ErrClosed
	}
	t.subs[topic] = h
	return nil
}

// Unsubscribe implements substrate.Substrate.
func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, topic)
	return nil
}

// HandleDirect implements substrate.Substrate.
func (t *Transport) HandleDirect(h substrate.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.direct = h
}

// HandlePeers implements substrate.Substrate.
func (t *Transport) HandlePeers(h substrate.PeerHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peerH = h
}

// Peers implements substrate.Substrate.
func (t *Transport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]string, 0, len(t.conns))
	for p := range t.conns {
		peers = append(peers, p)
	}
	slices.Sort(peers)
	return peers
}

func (t *Transport) peerConns() []*peerConn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*peerConn, 0, len(t.conns))
	for _, pc := range t.conns {
		out = append(out, pc)
	}
	return out
}

func (t *Transport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// Close implements substrate.Substrate.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	err := t.listener.Close()
	for _, pc := range t.peerConns() {
		t.detach(pc)
	}
	t.wg.Wait()
	t.inbox.Close()
	<-t.done
	return err
}
