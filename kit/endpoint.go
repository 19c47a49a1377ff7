// Package kit carries the small shared plumbing every transport uses:
// request/session identity in context, the Endpoint abstraction, and
// adapters that expose an Endpoint over a concrete transport (MCP).
package kit

import "context"

// Endpoint is the fundamental request/response unit. Transports decode
// into a typed request, hand it to an Endpoint, and encode the response.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behavior.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first argument is outermost:
// Chain(a, b, c)(e) runs a before b before c before e.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
