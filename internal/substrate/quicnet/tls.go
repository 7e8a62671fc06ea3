package quicnet

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math/big"
	"net"
	"time"
)

// NextProto is the ALPN identifier of the mesh transport.
const NextProto = "meshsync"

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// devCert derives a fixed self-signed certificate. Every host presents the
// same certificate; the mesh does not authenticate peers.
func devCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("meshsync-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{NextProto},
	}, nil
}

// clientTLSConfig pins the dev certificate by its bytes. The certificate
// only names loopback addresses, so hostname verification would reject any
// peer dialed by a LAN address.
func clientTLSConfig(insecure bool) (*tls.Config, error) {
	if insecure {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{NextProto},
		}, nil
	}
	_, der, err := devCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: pinned(der),
		NextProtos:            []string{NextProto},
	}, nil
}

func pinned(der []byte) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 || !bytes.Equal(rawCerts[0], der) {
			return errors.New("peer certificate is not the mesh certificate")
		}
		return nil
	}
}
