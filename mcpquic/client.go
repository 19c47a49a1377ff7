package mcpquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"
)

// handshakeTimeout bounds the MCP initialize exchange after the QUIC
// connection is up.
const handshakeTimeout = 10 * time.Second

// Client dials an analysis tool endpoint over QUIC. Connect performs the
// full MCP initialize handshake; ListTools, CallTool and Ping then ride
// the resulting session until Close.
type Client struct {
	addr   string
	tlsCfg *tls.Config

	conn    *quic.Conn
	stream  *quic.Stream
	session *mcp.ClientSession
}

// NewClient prepares a client for addr. A nil tlsCfg verifies the server
// certificate; pass ClientTLSConfig(true) when the server is self-signed.
func NewClient(addr string, tlsCfg *tls.Config) *Client {
	if tlsCfg == nil {
		tlsCfg = ClientTLSConfig(false)
	}
	return &Client{addr: addr, tlsCfg: tlsCfg}
}

// Connect dials addr, sends the protocol preamble and completes the MCP
// initialize exchange. Call it once before any tool method.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := quic.DialAddr(ctx, c.addr, c.tlsCfg, ProductionQUICConfig())
	if err != nil {
		return fmt.Errorf("quic dial %s: %w", c.addr, err)
	}

	stream, err := openSessionStream(ctx, conn)
	if err != nil {
		return err
	}
	c.conn, c.stream = conn, stream

	transport := &mcp.IOTransport{
		Reader: io.NopCloser(stream),
		Writer: writeHalf{stream},
	}
	mc := mcp.NewClient(&mcp.Implementation{
		Name:    "ctafocus-quic-client",
		Version: "1.0.0",
	}, nil)

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	session, err := mc.Connect(hsCtx, transport, nil)
	if err != nil {
		stream.Close()
		conn.CloseWithError(ConnErrorInternal, "handshake failed")
		return fmt.Errorf("mcp connect: %w", err)
	}

	c.session = session
	return nil
}

// openSessionStream verifies the negotiated ALPN, opens the single session
// stream and writes the magic bytes. The connection is closed with the
// matching application error code on any failure.
func openSessionStream(ctx context.Context, conn *quic.Conn) (*quic.Stream, error) {
	if alpn := conn.ConnectionState().TLS.NegotiatedProtocol; alpn != ALPNProtocolMCP {
		conn.CloseWithError(ConnErrorUnsupportedALPN, "bad ALPN")
		return nil, fmt.Errorf("%w: got %q", ErrUnsupportedALPN, alpn)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(ConnErrorProtocolViolation, "stream open failed")
		return nil, fmt.Errorf("open stream: %w", err)
	}

	if err := SendMagicBytes(stream); err != nil {
		stream.Close()
		conn.CloseWithError(ConnErrorProtocolViolation, "magic bytes failed")
		return nil, err
	}
	return stream, nil
}

// live reports ErrConnectionClosed until Connect has succeeded.
func (c *Client) live() error {
	if c.session == nil {
		return fmt.Errorf("%w: client not connected", ErrConnectionClosed)
	}
	return nil
}

// ListTools returns the tool catalog advertised by the server.
func (c *Client) ListTools(ctx context.Context) (*mcp.ListToolsResult, error) {
	if err := c.live(); err != nil {
		return nil, err
	}
	return c.session.ListTools(ctx, nil)
}

// CallTool invokes the named tool with args.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if err := c.live(); err != nil {
		return nil, err
	}
	return c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
}

// Ping checks session liveness end to end.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.live(); err != nil {
		return err
	}
	return c.session.Ping(ctx, nil)
}

// Close ends the MCP session and tears down the QUIC connection. Safe to
// call whether or not Connect succeeded.
func (c *Client) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	if c.stream != nil {
		c.stream.Close()
	}
	if c.conn != nil {
		c.conn.CloseWithError(ConnErrorNoError, "client closing")
	}
	return nil
}
