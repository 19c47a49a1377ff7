package mcpquic

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// WHAT: SendMagicBytes writes exactly the 4-byte preamble.
// WHY: Servers read a fixed-length prefix before the JSON-RPC stream; a
// client that writes anything longer or shorter desyncs the session
// before the initialize request is even parsed.
func TestSendMagicBytes_WritesPreamble(t *testing.T) {
	var buf bytes.Buffer
	if err := SendMagicBytes(&buf); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "MCP1" {
		t.Fatalf("wire preamble: got %q, want %q", buf.String(), "MCP1")
	}
}

// WHAT: ValidateMagicBytes accepts the protocol preamble and rejects
// everything else with ErrInvalidMagicBytes.
// WHY: The magic bytes are the only guard between the UDP socket and the
// JSON-RPC parser; an HTTP probe or a port scan must be rejected here,
// not surface later as a JSON decode error mid-handshake.
func TestValidateMagicBytes(t *testing.T) {
	cases := []struct {
		name  string
		input string
		ok    bool
	}{
		{"preamble", MagicBytesMCP, true},
		{"http probe", "GET ", false},
		{"truncated", "MC", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMagicBytes(strings.NewReader(tc.input))
			if tc.ok {
				if err != nil {
					t.Fatalf("valid preamble rejected: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("input %q accepted", tc.input)
			}
			if !errors.Is(err, ErrInvalidMagicBytes) {
				t.Fatalf("error for %q: got %v, want ErrInvalidMagicBytes", tc.input, err)
			}
		})
	}
}

// WHAT: ValidateMagicBytes consumes the preamble and nothing more.
// WHY: The initialize request follows immediately on the same stream; an
// over-reading validator would eat the start of the first JSON-RPC
// message and stall the handshake.
func TestValidateMagicBytes_LeavesPayloadIntact(t *testing.T) {
	payload := `{"jsonrpc":"2.0","id":1,"method":"initialize"}`
	r := strings.NewReader(MagicBytesMCP + payload)
	if err := ValidateMagicBytes(r); err != nil {
		t.Fatal(err)
	}
	rest, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(rest) != payload {
		t.Fatalf("stream after preamble: got %q, want %q", rest, payload)
	}
}

// WHAT: client and server sides of the preamble agree.
// WHY: Send and Validate are maintained as a pair; this catches one side
// drifting without the other.
func TestMagicBytes_Roundtrip(t *testing.T) {
	var buf bytes.Buffer
	if err := SendMagicBytes(&buf); err != nil {
		t.Fatal(err)
	}
	if err := ValidateMagicBytes(&buf); err != nil {
		t.Fatal(err)
	}
}

// WHAT: the shared QUIC config carries the tuned timeouts, flow-control
// windows sized to MaxMessageSize, and 0-RTT disabled.
// WHY: tool calls can embed full analysis payloads, so the windows must
// admit MaxMessageSize; 0-RTT stays off because a replayed analyze_url
// call would start a second analysis.
func TestProductionQUICConfig(t *testing.T) {
	cfg := ProductionQUICConfig()
	if cfg.MaxIdleTimeout != DefaultIdleTimeout {
		t.Fatalf("idle timeout: got %v, want %v", cfg.MaxIdleTimeout, DefaultIdleTimeout)
	}
	if cfg.KeepAlivePeriod != DefaultKeepAlive {
		t.Fatalf("keepalive: got %v, want %v", cfg.KeepAlivePeriod, DefaultKeepAlive)
	}
	if cfg.MaxStreamReceiveWindow != MaxMessageSize {
		t.Fatalf("stream window: got %d, want %d", cfg.MaxStreamReceiveWindow, MaxMessageSize)
	}
	if cfg.MaxConnectionReceiveWindow != MaxMessageSize {
		t.Fatalf("connection window: got %d, want %d", cfg.MaxConnectionReceiveWindow, MaxMessageSize)
	}
	if cfg.Allow0RTT {
		t.Fatal("0-RTT must stay disabled")
	}
}

// WHAT: SelfSignedTLSConfig produces a localhost certificate pinned to
// the MCP ALPN and TLS 1.3.
// WHY: Single-host deployments run without provisioned certificates; the
// generated one must still name localhost and 127.0.0.1 or clients
// verifying SANs cannot connect even with InsecureSkipVerify off.
func TestSelfSignedTLSConfig(t *testing.T) {
	cfg, err := SelfSignedTLSConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Fatalf("min version: got %x", cfg.MinVersion)
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != ALPNProtocolMCP {
		t.Fatalf("ALPN: got %v", cfg.NextProtos)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("certificates: got %d", len(cfg.Certificates))
	}

	leaf, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("parse generated certificate: %v", err)
	}
	if len(leaf.DNSNames) == 0 || leaf.DNSNames[0] != "localhost" {
		t.Fatalf("DNS names: got %v", leaf.DNSNames)
	}
	foundLoopback := false
	for _, ip := range leaf.IPAddresses {
		if ip.Equal(net.ParseIP("127.0.0.1")) {
			foundLoopback = true
		}
	}
	if !foundLoopback {
		t.Fatalf("IP SANs missing 127.0.0.1: %v", leaf.IPAddresses)
	}
}

// writeServerKeyPair generates a throwaway ECDSA certificate and writes
// the PEM pair into a temp dir.
func writeServerKeyPair(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(7),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(2 * time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

// WHAT: ServerTLSConfig loads a PEM key pair from disk and pins ALPN and
// TLS 1.3; missing files surface as an error, not a panic.
// WHY: Production deployments hand the listener real certificate paths
// from flags; a typo there should fail startup with a readable error.
func TestServerTLSConfig(t *testing.T) {
	certFile, keyFile := writeServerKeyPair(t)

	cfg, err := ServerTLSConfig(certFile, keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("certificates: got %d", len(cfg.Certificates))
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Fatalf("min version: got %x", cfg.MinVersion)
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != ALPNProtocolMCP {
		t.Fatalf("ALPN: got %v", cfg.NextProtos)
	}

	if _, err := ServerTLSConfig("/nonexistent/cert.pem", "/nonexistent/key.pem"); err == nil {
		t.Fatal("missing key pair accepted")
	}
}

// WHAT: ClientTLSConfig pins the MCP ALPN and TLS 1.3 and only skips
// verification when asked.
// WHY: The insecure variant exists for self-signed single-host setups;
// the default must verify so a misconfigured caller fails closed.
func TestClientTLSConfig(t *testing.T) {
	for _, insecure := range []bool{false, true} {
		cfg := ClientTLSConfig(insecure)
		if cfg.InsecureSkipVerify != insecure {
			t.Fatalf("InsecureSkipVerify: got %v, want %v", cfg.InsecureSkipVerify, insecure)
		}
		if cfg.MinVersion != tls.VersionTLS13 {
			t.Fatalf("min version: got %x", cfg.MinVersion)
		}
		if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != ALPNProtocolMCP {
			t.Fatalf("ALPN: got %v", cfg.NextProtos)
		}
	}
}

// WHAT: the wire constants hold their published values.
// WHY: Deployed clients hardcode the ALPN string and preamble; changing
// either is a protocol break and must be a deliberate versioned change,
// not a refactoring accident.
func TestWireConstants(t *testing.T) {
	if ALPNProtocolMCP != "mcp-quic-v1" {
		t.Fatalf("ALPN: got %q", ALPNProtocolMCP)
	}
	if MagicBytesMCP != "MCP1" {
		t.Fatalf("magic: got %q", MagicBytesMCP)
	}
	if MaxMessageSize != 10*1024*1024 {
		t.Fatalf("max message size: got %d", MaxMessageSize)
	}
}

// WHAT: ConnectionError reports the remote, the application error code
// and the cause, and unwraps to the cause.
// WHY: Accept-loop logs are often all there is when a peer misbehaves;
// the one line has to say who failed and why, and errors.Is must still
// reach the underlying error.
func TestConnectionError(t *testing.T) {
	cause := errors.New("idle timeout")
	ce := &ConnectionError{
		RemoteAddr: "203.0.113.40:52801",
		Code:       ConnErrorProtocolViolation,
		Err:        cause,
	}

	msg := ce.Error()
	for _, want := range []string{"203.0.113.40:52801", "0x03", "idle timeout"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
	if !errors.Is(ce, cause) {
		t.Fatal("Unwrap lost the cause")
	}
}

// WHAT: NewClient defaults to verifying TLS and keeps a caller-supplied
// config untouched.
// WHY: Passing nil must never mean "insecure"; operators opting out of
// verification have to do it explicitly via ClientTLSConfig(true).
func TestNewClient_TLSDefaults(t *testing.T) {
	c := NewClient("reports.internal:8443", nil)
	if c.addr != "reports.internal:8443" {
		t.Fatalf("addr: got %q", c.addr)
	}
	if c.tlsCfg == nil || c.tlsCfg.InsecureSkipVerify {
		t.Fatal("nil config must default to verified TLS")
	}

	custom := ClientTLSConfig(true)
	if got := NewClient("reports.internal:8443", custom); got.tlsCfg != custom {
		t.Fatal("caller-supplied TLS config replaced")
	}
}

// WHAT: tool methods fail with ErrConnectionClosed before Connect, and
// Close is safe on a never-connected client.
// WHY: Callers race startup ordering; the failure mode for "dialed too
// early" must be a recognizable sentinel, not a nil-pointer panic.
func TestClient_BeforeConnect(t *testing.T) {
	ctx := context.Background()
	c := NewClient("127.0.0.1:9443", nil)

	if _, err := c.ListTools(ctx); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("ListTools: got %v", err)
	}
	if _, err := c.CallTool(ctx, "analyze_url", map[string]any{"design_url": "https://example.com"}); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("CallTool: got %v", err)
	}
	if err := c.Ping(ctx); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Ping: got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close before Connect: %v", err)
	}
}

// WHAT: H3TLSConfig clones the base config with the h3 ALPN and leaves
// the base untouched.
// WHY: Deployments sharing one certificate between MCP and HTTP/3 must
// not see the MCP listener's ALPN list mutate under it.
func TestH3TLSConfig(t *testing.T) {
	base, err := SelfSignedTLSConfig()
	if err != nil {
		t.Fatal(err)
	}
	h3 := H3TLSConfig(base)

	if len(h3.NextProtos) != 1 || h3.NextProtos[0] != "h3" {
		t.Fatalf("derived ALPN: got %v", h3.NextProtos)
	}
	if h3.MinVersion != base.MinVersion || len(h3.Certificates) != len(base.Certificates) {
		t.Fatal("derived config dropped base settings")
	}
	if base.NextProtos[0] != ALPNProtocolMCP {
		t.Fatalf("base ALPN mutated: %v", base.NextProtos)
	}
}

// WHAT: NewListener binds a UDP socket, applies options and shuts down
// cleanly.
// WHY: The session ID generator must be swappable for deterministic
// tests, and a close on an idle listener must not hang.
func TestNewListener_BindAndClose(t *testing.T) {
	tlsCfg, err := SelfSignedTLSConfig()
	if err != nil {
		t.Fatal(err)
	}
	srv := mcp.NewServer(&mcp.Implementation{Name: "ctafocus-test", Version: "0.0.0"}, nil)

	l, err := NewListener("127.0.0.1:0", tlsCfg, srv, nil, WithIDGenerator(func() string { return "fixed00" }))
	if err != nil {
		t.Fatal(err)
	}
	if l.ln.Addr() == nil {
		t.Fatal("listener reports no bound address")
	}
	if got := l.newID(); got != "fixed00" {
		t.Fatalf("session id generator: got %q", got)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
}
