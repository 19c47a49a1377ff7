// Package mcpquic carries MCP sessions over dedicated QUIC connections.
//
// Wire contract: the client dials with ALPN "mcp-quic-v1", opens one
// bidirectional stream, sends the 4-byte magic "MCP1", then speaks
// newline-delimited JSON-RPC on that stream for the life of the session.
// The magic bytes reject non-MCP peers (HTTP/3 probes, port scanners)
// before any JSON parsing happens.
package mcpquic

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocolMCP is negotiated during the TLS handshake; connections
	// offering anything else are closed before a stream is accepted.
	ALPNProtocolMCP = "mcp-quic-v1"

	// MagicBytesMCP is written by the client as the first bytes of the
	// session stream.
	MagicBytesMCP = "MCP1"

	// MaxMessageSize caps a single JSON-RPC message; it doubles as the
	// stream flow-control window. Matches the upload cap so a tool call
	// can never carry more than an analysis accepts.
	MaxMessageSize = 10 * 1024 * 1024

	DefaultIdleTimeout = 5 * time.Minute
	DefaultKeepAlive   = 30 * time.Second
)

// Application error codes sent on CloseWithError.
const (
	ConnErrorNoError           quic.ApplicationErrorCode = 0x00
	ConnErrorInternal          quic.ApplicationErrorCode = 0x01
	ConnErrorUnsupportedALPN   quic.ApplicationErrorCode = 0x02
	ConnErrorProtocolViolation quic.ApplicationErrorCode = 0x03
)

// StreamErrorProtocolConfusion cancels both stream directions when the
// peer's opening bytes are not MCP.
const StreamErrorProtocolConfusion quic.StreamErrorCode = 0x01

var (
	// ErrInvalidMagicBytes is returned when a stream does not start with MagicBytesMCP.
	ErrInvalidMagicBytes = errors.New("mcpquic: invalid magic bytes")

	// ErrUnsupportedALPN is returned when the peer negotiated a non-MCP protocol.
	ErrUnsupportedALPN = errors.New("mcpquic: unsupported ALPN protocol")

	// ErrConnectionClosed is returned when operating on a closed or never-opened session.
	ErrConnectionClosed = errors.New("mcpquic: connection closed")
)

// ConnectionError records why a QUIC connection was terminated.
type ConnectionError struct {
	RemoteAddr string
	Code       quic.ApplicationErrorCode
	Err        error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mcpquic: connection %s closed (code 0x%02x): %v", e.RemoteAddr, uint64(e.Code), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SendMagicBytes writes the protocol preamble. Client side, first write on
// the session stream.
func SendMagicBytes(w io.Writer) error {
	if _, err := io.WriteString(w, MagicBytesMCP); err != nil {
		return fmt.Errorf("mcpquic: send magic bytes: %w", err)
	}
	return nil
}

// ValidateMagicBytes consumes and checks the protocol preamble. Server
// side, first read on an accepted stream.
func ValidateMagicBytes(r io.Reader) error {
	buf := make([]byte, len(MagicBytesMCP))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMagicBytes, err)
	}
	if string(buf) != MagicBytesMCP {
		return fmt.Errorf("%w: got %q", ErrInvalidMagicBytes, string(buf))
	}
	return nil
}

// ProductionQUICConfig returns the QUIC tuning shared by Listener and
// Client. 0-RTT stays off: tool calls are not replay-safe.
func ProductionQUICConfig() *quic.Config {
	return &quic.Config{
		MaxStreamReceiveWindow:     MaxMessageSize,
		MaxConnectionReceiveWindow: MaxMessageSize,
		MaxIdleTimeout:             DefaultIdleTimeout,
		KeepAlivePeriod:            DefaultKeepAlive,
		Allow0RTT:                  false,
	}
}

// ServerTLSConfig loads a certificate pair from disk and pins the MCP ALPN.
func ServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("mcpquic: load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocolMCP},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// SelfSignedTLSConfig generates an in-memory ECDSA P-256 certificate for
// localhost. Development and single-host deployments only; clients must
// dial with ClientTLSConfig(true).
func SelfSignedTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("mcpquic: generate key: %w", err)
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("mcpquic: generate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"ctafocus"},
			CommonName:   "localhost",
		},
		NotBefore:             now,
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("mcpquic: create certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		}},
		NextProtos: []string{ALPNProtocolMCP},
		MinVersion: tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig returns the dialing TLS config. insecureSkipVerify is
// for self-signed servers; leave it false against real certificates.
func ClientTLSConfig(insecureSkipVerify bool) *tls.Config {
	return &tls.Config{
		NextProtos:         []string{ALPNProtocolMCP},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: insecureSkipVerify,
	}
}

// H3TLSConfig derives an HTTP/3 variant of base for deployments serving
// both protocols from one certificate. base is not modified.
func H3TLSConfig(base *tls.Config) *tls.Config {
	cfg := base.Clone()
	cfg.NextProtos = []string{"h3"}
	return cfg
}
