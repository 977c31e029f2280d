package fixlink

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/fixlink/internal/kit"
)

// RegisterMCP registers the fixlink tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerRewriteTool(srv)
	s.registerStatsTool(srv)
	s.registerListSettingsTool(srv)
	s.registerPutSettingsTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	sch := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sch["required"] = required
	}
	return sch
}

// --- rewrite ---

type rewriteRequest struct {
	URL       string `json:"url"`
	Authority string `json:"authority,omitempty"`
}

type rewriteResponse struct {
	URL string `json:"url"`
}

func (s *Service) rewriteEndpoint() kit.Endpoint {
	return kit.Logging(s.logger, "rewrite")(func(ctx context.Context, req any) (any, error) {
		r := req.(*rewriteRequest)
		out, err := s.Rewrite(ctx, r.URL, r.Authority)
		if err != nil {
			return nil, err
		}
		return rewriteResponse{URL: out}, nil
	})
}

func (s *Service) registerRewriteTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "fixlink_rewrite",
		Description: "Rewrite a post link to an embed-friendly host. Only the authority changes; path, query and fragment are kept.",
		InputSchema: inputSchema(map[string]any{
			"url":       map[string]any{"type": "string", "description": "Absolute post URL"},
			"authority": map[string]any{"type": "string", "description": "Target host[:port]. Default: the configured authority of the URL's platform"},
		}, []string{"url"}),
	}
	kit.RegisterTool[rewriteRequest](srv, tool, s.rewriteEndpoint())
}

// --- stats ---

func (s *Service) statsEndpoint() kit.Endpoint {
	return kit.Logging(s.logger, "stats")(func(_ context.Context, _ any) (any, error) {
		return s.Stats(), nil
	})
}

func (s *Service) registerStatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "fixlink_stats",
		Description: "Per-page counters: menus seen, actions injected, links copied and failures by class.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	kit.RegisterTool[struct{}](srv, tool, s.statsEndpoint())
}

// --- settings ---

func (s *Service) listSettingsEndpoint() kit.Endpoint {
	return kit.Logging(s.logger, "list_settings")(func(ctx context.Context, _ any) (any, error) {
		return s.ListSettings(ctx)
	})
}

func (s *Service) registerListSettingsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "fixlink_settings",
		Description: "List per-platform settings: enabled flag and target authority.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	kit.RegisterTool[struct{}](srv, tool, s.listSettingsEndpoint())
}

func (s *Service) putSettingsEndpoint() kit.Endpoint {
	return kit.Logging(s.logger, "put_settings")(func(ctx context.Context, req any) (any, error) {
		st := req.(*Settings)
		if err := s.PutSettings(ctx, *st); err != nil {
			return nil, err
		}
		return map[string]string{"status": "ok"}, nil
	})
}

func (s *Service) registerPutSettingsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "fixlink_set_settings",
		Description: "Enable or disable a platform and set its target authority. Running pages apply it to new actions.",
		InputSchema: inputSchema(map[string]any{
			"platform":         map[string]any{"type": "string", "enum": []any{"x", "instagram"}},
			"enabled":          map[string]any{"type": "boolean"},
			"target_authority": map[string]any{"type": "string", "description": "host[:port], e.g. fixvx.com"},
		}, []string{"platform", "enabled", "target_authority"}),
	}
	kit.RegisterTool[Settings](srv, tool, s.putSettingsEndpoint())
}
