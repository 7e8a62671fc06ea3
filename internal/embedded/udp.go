package embedded

import (
	"errors"
	"net"
	"os"
	"time"
)

// UDPLink is a Link over a UDP socket to a fixed gateway address.
type UDPLink struct {
	conn    *net.UDPConn
	gateway *net.UDPAddr
	wait    time.Duration
}

// DialUDP binds an ephemeral local port and targets gateway.
func DialUDP(gateway string) (*UDPLink, error) {
	addr, err := net.ResolveUDPAddr("udp", gateway)
	if err != nil {
		return nil, err
	}
	var local *net.UDPAddr
	if addr.IP.IsLoopback() {
		local = &net.UDPAddr{IP: addr.IP}
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, err
	}
	return &UDPLink{conn: conn, gateway: addr, wait: time.Millisecond}, nil
}

// LocalAddr returns the bound address.
func (l *UDPLink) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

// Send implements Link.
func (l *UDPLink) Send(pkt []byte) error {
	_, err := l.conn.WriteToUDP(pkt, l.gateway)
	return err
}

// TryReceive implements Link. It waits at most a millisecond.
func (l *UDPLink) TryReceive(buf []byte) (int, error) {
	if err := l.conn.SetReadDeadline(time.Now().Add(l.wait)); err != nil {
		return 0, err
	}
	n, _, err := l.conn.ReadFromUDP(buf)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return 0, nil
	}
	return n, err
}

// Close releases the socket.
func (l *UDPLink) Close() error {
	return l.conn.Close()
}
