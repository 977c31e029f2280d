package kit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type echoArgs struct {
	Name string `json:"name"`
}

func TestDecodeArgs(t *testing.T) {
	for _, raw := range []string{"", " null ", "{}"} {
		got, err := DecodeArgs[echoArgs](json.RawMessage(raw))
		if err != nil || got == nil || got.Name != "" {
			t.Errorf("DecodeArgs(%q): got %+v, %v", raw, got, err)
		}
	}
	got, err := DecodeArgs[echoArgs](json.RawMessage(`{"name":"feed"}`))
	if err != nil || got.Name != "feed" {
		t.Errorf("valid: got %+v, %v", got, err)
	}
	if _, err := DecodeArgs[echoArgs](json.RawMessage(`{"nme":"feed"}`)); !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("unknown field: got %v", err)
	}
	if _, err := DecodeArgs[struct{}](json.RawMessage(`[1]`)); !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("array: got %v", err)
	}
}

func TestCallContext(t *testing.T) {
	ctx := callContext(context.Background(), nil)
	if GetTransport(ctx) != "mcp" || !strings.HasPrefix(GetTraceID(ctx), "mcp_") {
		t.Errorf("defaults: %q %q", GetTransport(ctx), GetTraceID(ctx))
	}

	ctx = callContext(WithTransport(context.Background(), "mcp_quic"), mcp.Meta{TraceMetaKey: "abc"})
	if GetTransport(ctx) != "mcp_quic" || GetTraceID(ctx) != "abc" {
		t.Errorf("kept: %q %q", GetTransport(ctx), GetTraceID(ctx))
	}
}

func TestRegisterTool(t *testing.T) {
	srv := mcp.NewServer(&mcp.Implementation{Name: "kit-test", Version: "0.1.0"}, nil)
	schema := map[string]any{"type": "object"}
	RegisterTool[echoArgs](srv, &mcp.Tool{Name: "echo", InputSchema: schema}, func(ctx context.Context, req any) (any, error) {
		a := req.(*echoArgs)
		if a.Name == "fail" {
			return nil, errors.New("refused")
		}
		return map[string]string{"name": a.Name, "trace": GetTraceID(ctx)}, nil
	})
	RegisterTool[struct{}](srv, &mcp.Tool{Name: "list", InputSchema: schema}, func(context.Context, any) (any, error) {
		return []int{1, 2}, nil
	})

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() {
		_ = srv.Run(ctx, serverT)
	}()
	session, err := mcp.NewClient(&mcp.Implementation{Name: "kit-client", Version: "0.1.0"}, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	call := func(name string, args any, meta mcp.Meta) *mcp.CallToolResult {
		t.Helper()
		res, err := session.CallTool(ctx, &mcp.CallToolParams{Meta: meta, Name: name, Arguments: args})
		if err != nil {
			t.Fatalf("CallTool(%s): %v", name, err)
		}
		return res
	}
	text := func(res *mcp.CallToolResult) string {
		t.Helper()
		tc, ok := res.Content[0].(*mcp.TextContent)
		if !ok {
			t.Fatalf("content: %T", res.Content[0])
		}
		return tc.Text
	}

	res := call("echo", map[string]any{"name": "feed"}, mcp.Meta{TraceMetaKey: "t-1"})
	if res.IsError {
		t.Fatalf("echo: %s", text(res))
	}
	if got, want := text(res), `{"name":"feed","trace":"t-1"}`; got != want {
		t.Errorf("echo: got %s, want %s", got, want)
	}
	if res.StructuredContent == nil {
		t.Error("object result without structured content")
	}

	if res := call("echo", map[string]any{"name": "fail"}, nil); !res.IsError || text(res) != "refused" {
		t.Errorf("endpoint error: IsError=%v %q", res.IsError, text(res))
	}
	if res := call("echo", map[string]any{"other": 1}, nil); !res.IsError || !strings.Contains(text(res), "invalid arguments") {
		t.Errorf("bad arguments: IsError=%v %q", res.IsError, text(res))
	}

	res = call("list", map[string]any{}, nil)
	if res.IsError || text(res) != "[1,2]" || res.StructuredContent != nil {
		t.Errorf("list: IsError=%v %q structured=%v", res.IsError, text(res), res.StructuredContent)
	}
}
