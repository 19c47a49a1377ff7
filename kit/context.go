package kit

import "context"

// contextKey namespaces kit values; a foreign key with the same spelling
// but a different type can never alias one of these.
type contextKey string

// Request-scoped identity keys. Transports populate them on the way in;
// audit entries, business events and request logs read them on the way
// out.
const (
	UserIDKey     contextKey = "kit_user_id"
	TransportKey  contextKey = "kit_transport" // "http" or "mcp_quic"
	RequestIDKey  contextKey = "kit_request_id"
	TraceIDKey    contextKey = "kit_trace_id"
	SessionIDKey  contextKey = "kit_session_id"
	RemoteAddrKey contextKey = "kit_remote_addr"
	RoleKey       contextKey = "kit_role"
)

func put(ctx context.Context, key contextKey, v string) context.Context {
	return context.WithValue(ctx, key, v)
}

func get(ctx context.Context, key contextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

func WithUserID(ctx context.Context, id string) context.Context {
	return put(ctx, UserIDKey, id)
}
func GetUserID(ctx context.Context) string {
	return get(ctx, UserIDKey)
}

func WithTransport(ctx context.Context, t string) context.Context {
	return put(ctx, TransportKey, t)
}

// GetTransport defaults to "http": the HTTP stack predates the MCP
// surface and never tags its own context.
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return put(ctx, RequestIDKey, id)
}
func GetRequestID(ctx context.Context) string {
	return get(ctx, RequestIDKey)
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return put(ctx, TraceIDKey, id)
}
func GetTraceID(ctx context.Context) string {
	return get(ctx, TraceIDKey)
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return put(ctx, SessionIDKey, id)
}
func GetSessionID(ctx context.Context) string {
	return get(ctx, SessionIDKey)
}

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return put(ctx, RemoteAddrKey, addr)
}
func GetRemoteAddr(ctx context.Context) string {
	return get(ctx, RemoteAddrKey)
}

func WithRole(ctx context.Context, role string) context.Context {
	return put(ctx, RoleKey, role)
}
func GetRole(ctx context.Context) string {
	return get(ctx, RoleKey)
}
