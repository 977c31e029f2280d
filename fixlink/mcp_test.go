package fixlink

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testImpl = &mcp.Implementation{Name: "fixlink-test", Version: "0.1.0"}

// mcpSession registers the tools of s and returns a connected client
// session.
func mcpSession(t *testing.T, s *Service) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testImpl, nil)
	s.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() {
		_ = srv.Run(ctx, serverT)
	}()

	client := mcp.NewClient(testImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

// callTool invokes a tool and returns the JSON text from the first
// TextContent.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	if len(result.Content) == 0 {
		t.Fatalf("CallTool(%s): empty content", name)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent, got %T", name, result.Content[0])
	}
	return tc.Text
}

func TestMCP_ListTools(t *testing.T) {
	s, _ := testService(t)
	session := mcpSession(t, s)

	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{
		"fixlink_rewrite":      false,
		"fixlink_stats":        false,
		"fixlink_settings":     false,
		"fixlink_set_settings": false,
	}
	for _, tool := range res.Tools {
		if _, ok := want[tool.Name]; ok {
			want[tool.Name] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("tool %s not registered", name)
		}
	}
}

func TestMCP_Rewrite(t *testing.T) {
	s, _ := testService(t)
	session := mcpSession(t, s)

	text := callTool(t, session, "fixlink_rewrite", map[string]any{
		"url": "https://x.com/acct/status/123",
	})
	var resp rewriteResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.URL != "https://fixvx.com/acct/status/123" {
		t.Errorf("url: got %q", resp.URL)
	}
}

func TestMCP_RewriteInvalidAuthorityIsToolError(t *testing.T) {
	s, _ := testService(t)
	session := mcpSession(t, s)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "fixlink_rewrite",
		Arguments: map[string]any{"url": "https://x.com/a/status/1", "authority": "fix vx.com"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !result.IsError {
		t.Error("invalid authority not reported as tool error")
	}
}

func TestMCP_StatsAndSettings(t *testing.T) {
	s, _ := testService(t)
	session := mcpSession(t, s)

	var stats []PageStats
	if err := json.Unmarshal([]byte(callTool(t, session, "fixlink_stats", map[string]any{})), &stats); err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 || stats[0].ID != "feed" || !stats[0].Enabled {
		t.Errorf("stats: %+v", stats)
	}

	callTool(t, session, "fixlink_set_settings", map[string]any{
		"platform": "instagram", "enabled": true, "target_authority": "ddinstagram.com",
	})
	var list []Settings
	if err := json.Unmarshal([]byte(callTool(t, session, "fixlink_settings", map[string]any{})), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].TargetAuthority != "ddinstagram.com" {
		t.Errorf("settings: %+v", list)
	}
}
