package mcptool_test

import (
	"context"
	"strings"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/tometo/internal/tool"
	"github.com/MrWong99/tometo/internal/tool/mcptool"
)

type upperIn struct {
	Text string `json:"text"`
}

type upperOut struct {
	Upper string `json:"upper"`
}

// startServer runs an in-memory MCP server exposing an "upper" tool and
// returns the client side of the transport.
func startServer(t *testing.T, ctx context.Context) mcpsdk.Transport {
	t.Helper()
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "test", Version: "0.0.1"}, nil)
	mcpsdk.AddTool(server, &mcpsdk.Tool{Name: "upper", Description: "Upper-case text."},
		func(_ context.Context, _ *mcpsdk.CallToolRequest, in upperIn) (*mcpsdk.CallToolResult, upperOut, error) {
			up := strings.ToUpper(in.Text)
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: up}}}, upperOut{Upper: up}, nil
		})

	clientT, serverT := mcpsdk.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverT, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })
	return clientT
}

func TestConnectTransport_ImportsAndCalls(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := mcptool.New()
	defer h.Close()

	tools, err := h.ConnectTransport(ctx, "test", startServer(t, ctx))
	if err != nil {
		t.Fatalf("ConnectTransport: %v", err)
	}
	if len(tools) != 1 || tools[0].Name() != "upper" {
		t.Fatalf("tools: want [upper], got %d", len(tools))
	}

	def := tools[0].Definition()
	props, _ := def.Parameters["properties"].(map[string]any)
	if _, ok := props["text"]; !ok {
		t.Errorf("advertised schema lost: %v", def.Parameters)
	}

	reg := tool.NewRegistry()
	if err := reg.Register(tools[0]); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := reg.Invoke(ctx, "upper", `{"text":"hello"}`)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	// upper declares an output schema, so the structured content is returned.
	if got != `{"upper":"HELLO"}` {
		t.Errorf("result: want structured content, got %q", got)
	}
}

func TestConnect_BadConfig(t *testing.T) {
	h := mcptool.New()
	ctx := context.Background()

	cases := []mcptool.ServerConfig{
		{Name: ""},
		{Name: "a", Transport: mcptool.TransportStdio},
		{Name: "b", Transport: mcptool.TransportStreamableHTTP},
		{Name: "c", Transport: "carrier-pigeon"},
	}
	for _, cfg := range cases {
		if _, err := h.Connect(ctx, cfg); err == nil {
			t.Errorf("%+v: want error", cfg)
		}
	}
}

func TestTransport_IsValid(t *testing.T) {
	if !mcptool.TransportStdio.IsValid() || !mcptool.TransportStreamableHTTP.IsValid() {
		t.Error("known transports must be valid")
	}
	if mcptool.Transport("sse").IsValid() {
		t.Error("sse must be invalid")
	}
}
