package mcpquic

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"

	"github.com/uxlens/ctafocus/idgen"
	"github.com/uxlens/ctafocus/kit"
)

// Listener serves the analysis tool surface over QUIC. Every accepted
// connection carries exactly one MCP session on its first bidirectional
// stream; once the preamble checks out, the SDK owns the JSON-RPC loop
// through its Transport/Connection interfaces and the listener only waits
// for the session to end.
//
// If sessions appear to hang, check that ServerSession.Wait unblocks on
// stream closure and that DefaultIdleTimeout made it into the QUIC config.
type Listener struct {
	ln     *quic.Listener
	srv    *mcp.Server
	logger *slog.Logger
	newID  idgen.Generator
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithIDGenerator overrides the session ID generator.
func WithIDGenerator(gen idgen.Generator) ListenerOption {
	return func(l *Listener) { l.newID = gen }
}

// NewListener binds addr and prepares to serve mcpSrv over QUIC.
func NewListener(addr string, tlsCfg *tls.Config, mcpSrv *mcp.Server, logger *slog.Logger, opts ...ListenerOption) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := quic.ListenAddr(addr, tlsCfg, ProductionQUICConfig())
	if err != nil {
		return nil, err
	}
	l := &Listener{
		ln:     ln,
		srv:    mcpSrv,
		logger: logger,
		newID:  idgen.NanoID(8),
	}
	for _, o := range opts {
		o(l)
	}
	logger.Info("MCP QUIC listener ready", "addr", addr)
	return l, nil
}

// Serve accepts connections until ctx is cancelled or the listener closes.
// Each connection runs as its own session goroutine.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error("QUIC accept error", "error", err)
			continue
		}
		go l.runSession(ctx, conn)
	}
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

// runSession takes one connection through preamble validation and the MCP
// session lifecycle, then returns when the peer disconnects.
func (l *Listener) runSession(ctx context.Context, conn *quic.Conn) {
	remote := conn.RemoteAddr().String()

	if alpn := conn.ConnectionState().TLS.NegotiatedProtocol; alpn != ALPNProtocolMCP {
		conn.CloseWithError(ConnErrorUnsupportedALPN, "unsupported ALPN: "+alpn)
		return
	}
	l.logger.Info("MCP connection accepted", "remote", remote)

	stream, err := l.openingStream(ctx, conn)
	if err != nil {
		cerr := &ConnectionError{RemoteAddr: remote, Code: ConnErrorProtocolViolation, Err: err}
		l.logger.Error("MCP preamble rejected", "error", cerr)
		return
	}

	id := "quic_" + l.newID()
	l.logger.Info("MCP session starting", "session", id, "remote", remote)

	// Session identity rides the context so audit entries and business
	// events written during tool calls attribute to this peer.
	sessCtx := kit.WithTransport(ctx, "mcp_quic")
	sessCtx = kit.WithSessionID(sessCtx, id)
	sessCtx = kit.WithRemoteAddr(sessCtx, remote)

	ss, err := l.srv.Connect(sessCtx, &sessionTransport{stream: stream, id: id}, nil)
	if err != nil {
		l.logger.Error("MCP connect failed", "session", id, "error", err)
		stream.Close()
		return
	}
	if err := ss.Wait(); err != nil {
		l.logger.Debug("MCP session wait", "session", id, "error", err)
	}

	l.logger.Info("MCP session ended", "session", id, "remote", remote)
}

// openingStream accepts the connection's first stream and consumes the
// magic bytes. On any violation both the stream and the connection are
// torn down with the protocol error codes before the error returns.
func (l *Listener) openingStream(ctx context.Context, conn *quic.Conn) (*quic.Stream, error) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(ConnErrorProtocolViolation, "stream accept failed")
		return nil, err
	}
	if err := ValidateMagicBytes(stream); err != nil {
		stream.CancelWrite(StreamErrorProtocolConfusion)
		stream.CancelRead(StreamErrorProtocolConfusion)
		conn.CloseWithError(ConnErrorProtocolViolation, "invalid magic bytes")
		return nil, err
	}
	return stream, nil
}

// sessionTransport exposes a validated QUIC stream to the SDK as an
// mcp.Transport. IOTransport speaks newline-delimited JSON-RPC over any
// reader/writer pair; the wrapper on top restores the session ID that a
// plain ioConn reports as empty.
type sessionTransport struct {
	stream *quic.Stream
	id     string
}

func (t *sessionTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	base := &mcp.IOTransport{
		Reader: io.NopCloser(t.stream),
		Writer: writeHalf{t.stream},
	}
	conn, err := base.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &identifiedConn{Connection: conn, id: t.id}, nil
}

// identifiedConn overrides SessionID on an embedded mcp.Connection.
type identifiedConn struct {
	mcp.Connection
	id string
}

func (c *identifiedConn) SessionID() string { return c.id }

// writeHalf narrows a *quic.Stream to io.WriteCloser; Close shuts the
// send direction only, so in-flight reads survive.
type writeHalf struct{ s *quic.Stream }

func (w writeHalf) Write(p []byte) (int, error) { return w.s.Write(p) }
func (w writeHalf) Close() error                { return w.s.Close() }
