package focus

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/uxlens/ctafocus/kit"
	"github.com/uxlens/ctafocus/report"
)

// sessionArgs is the argument shape shared by every per-session tool.
type sessionArgs struct {
	SessionID string `json:"session_id"`
}

// RegisterMCPTools exposes the analysis surface as MCP tools. Tool names
// are API; deployed MCP clients call them by string.
func (svc *Service) RegisterMCPTools(srv *mcp.Server) {
	type analyzeArgs struct {
		DesignURL       string `json:"design_url"`
		DesiredBehavior string `json:"desired_behavior"`
	}

	registerTool(srv, &mcp.Tool{
		Name:        "analyze_url",
		Description: "Start a CTA focus analysis of a design URL (page or hosted image)",
		InputSchema: objectSchema(props{
			"design_url":       prop("string", "Absolute http(s) URL to analyze"),
			"desired_behavior": prop("string", "The action users should take, e.g. sign up"),
		}, "design_url"),
	}, func(ctx context.Context, a *analyzeArgs) (any, error) {
		return svc.AnalyzeURL(ctx, URLRequest{
			DesignURL:       a.DesignURL,
			DesiredBehavior: a.DesiredBehavior,
		})
	})

	registerTool(srv, &mcp.Tool{
		Name:        "analysis_status",
		Description: "Get progress and state for an analysis session",
		InputSchema: objectSchema(props{
			"session_id": prop("string", "Session ID"),
		}, "session_id"),
	}, func(ctx context.Context, a *sessionArgs) (any, error) {
		return svc.Progress(a.SessionID)
	})

	registerTool(srv, &mcp.Tool{
		Name:        "get_analysis",
		Description: "Get the full normalized analysis result for a completed session",
		InputSchema: objectSchema(props{
			"session_id": prop("string", "Session ID"),
		}, "session_id"),
	}, func(ctx context.Context, a *sessionArgs) (any, error) {
		return svc.Result(a.SessionID)
	})

	registerTool(srv, &mcp.Tool{
		Name:        "get_report",
		Description: "Get the derived analysis report as markdown text",
		InputSchema: objectSchema(props{
			"session_id": prop("string", "Session ID"),
		}, "session_id"),
	}, func(ctx context.Context, a *sessionArgs) (any, error) {
		rep, err := svc.Report(a.SessionID)
		if err != nil {
			return nil, err
		}
		md, err := report.RenderMarkdown(rep)
		if err != nil {
			return nil, err
		}
		return map[string]string{
			"session_id": a.SessionID,
			"format":     "markdown",
			"content":    md,
		}, nil
	})

	registerTool(srv, &mcp.Tool{
		Name:        "list_analyses",
		Description: "List analysis sessions, newest first",
		InputSchema: objectSchema(props{}),
	}, func(ctx context.Context, _ *struct{}) (any, error) {
		return svc.Sessions(), nil
	})

	registerTool(srv, &mcp.Tool{
		Name:        "service_health",
		Description: "Service status including backend reachability",
		InputSchema: objectSchema(props{}),
	}, func(ctx context.Context, _ *struct{}) (any, error) {
		return svc.Health(ctx), nil
	})
}

// registerTool wires one typed tool onto srv: arguments unmarshal into a
// fresh A, then handle runs with the typed value. Absent arguments decode
// as the zero value so no-arg tools and forgiving clients both work.
func registerTool[A any](srv *mcp.Server, tool *mcp.Tool, handle func(context.Context, *A) (any, error)) {
	endpoint := func(ctx context.Context, r any) (any, error) {
		return handle(ctx, r.(*A))
	}
	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		a := new(A)
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, a); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: a}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

type props map[string]any

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func objectSchema(properties props, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": map[string]any(properties),
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
