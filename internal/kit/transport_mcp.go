package kit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/fixlink/internal/idgen"
)

// TraceMetaKey is the _meta entry a client may set to carry its own trace
// id into a tool call.
const TraceMetaKey = "traceId"

// ErrInvalidArguments wraps argument decoding failures of a tool call.
var ErrInvalidArguments = errors.New("invalid arguments")

var newTraceID = idgen.Prefixed("mcp_", idgen.UUIDv7())

// DecodeArgs decodes raw tool arguments into a fresh Req. Absent or null
// arguments give the zero value; unknown fields are rejected.
func DecodeArgs[Req any](raw json.RawMessage) (*Req, error) {
	var r Req
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return &r, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return &r, nil
}

// RegisterTool registers endpoint as an MCP tool on srv. The endpoint
// receives a *Req decoded from the call arguments; tools without
// arguments use struct{}. Decode and endpoint failures become tool
// errors, never protocol errors.
func RegisterTool[Req any](srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := DecodeArgs[Req](req.Params.Arguments)
		if err != nil {
			return errorResult(err), nil
		}
		resp, err := endpoint(callContext(ctx, req.Params.Meta), args)
		if err != nil {
			return errorResult(err), nil
		}
		return resultOf(resp)
	})
}

// callContext tags ctx with the mcp transport, unless a listener already
// named a more specific one, and with the caller's trace id or a new one.
func callContext(ctx context.Context, meta mcp.Meta) context.Context {
	if _, ok := ctx.Value(TransportKey).(string); !ok {
		ctx = WithTransport(ctx, "mcp")
	}
	id, _ := meta[TraceMetaKey].(string)
	if id == "" {
		id = newTraceID()
	}
	return WithTraceID(ctx, id)
}

func errorResult(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}

// resultOf renders resp as JSON text. Objects are also returned as
// structured content.
func resultOf(resp any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return errorResult(fmt.Errorf("marshal: %w", err)), nil
	}
	res := &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
	if len(data) > 0 && data[0] == '{' {
		res.StructuredContent = json.RawMessage(data)
	}
	return res, nil
}
