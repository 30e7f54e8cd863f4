// Package mcpserver exposes the transformation tools over the Model Context
// Protocol. Every grammar becomes one tool; image outputs are returned
// inline, other outputs are saved to an export directory and referenced by
// path.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jholhewres/gman/pkg/gman/channels"
	"github.com/jholhewres/gman/pkg/gman/command"
	"github.com/jholhewres/gman/pkg/gman/delivery"
	"github.com/jholhewres/gman/pkg/gman/pipeline"
)

// maxInlineImage is the largest image returned as base64 content.
const maxInlineImage = 8 << 20

// Caller identifies MCP invocations in rate limiting and the audit log.
const Caller = "mcp:stdio"

// Runner runs one invocation to completion. *pipeline.Pipeline satisfies
// it.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request, m delivery.Messenger) *pipeline.Result
}

// Config configures the MCP server.
type Config struct {
	// ExportDir receives outputs that cannot be returned inline.
	ExportDir string `yaml:"export_dir"`
}

// Server serves the tools.
type Server struct {
	runner Runner
	cfg    Config
	mcp    *server.MCPServer
	logger *slog.Logger
}

// New creates a Server and registers one tool per grammar.
func New(runner Runner, cfg Config, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		runner: runner,
		cfg:    cfg,
		logger: logger.With("component", "mcp"),
		mcp: server.NewMCPServer(
			"gman",
			version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}
	for _, g := range command.Grammars() {
		s.mcp.AddTool(toolFor(g), s.handle)
	}
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// ServeStdio serves requests on stdin/stdout until stdin closes.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp: serving on stdio", "tools", len(command.Grammars()), "export_dir", s.cfg.ExportDir)
	return server.ServeStdio(s.mcp)
}

// toolFor describes a grammar as an MCP tool.
func toolFor(g command.Grammar) mcp.Tool {
	opts := []mcp.ToolOption{
		mcp.WithDescription(channels.ToolDescription(g.Tool()) + ". Usage: " + g.Usage()),
	}
	for _, p := range channels.ToolParams(g) {
		props := []mcp.PropertyOption{mcp.Description(p.Description)}
		if p.Required {
			props = append(props, mcp.Required())
		}
		if p.Kind == channels.ParamInt {
			props = append(props, mcp.Min(float64(p.Min)), mcp.Max(float64(p.Max)))
			opts = append(opts, mcp.WithNumber(p.Name, props...))
			continue
		}
		opts = append(opts, mcp.WithString(p.Name, props...))
	}
	return mcp.NewTool(string(g.Tool()), opts...)
}

func (s *Server) handle(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tool := request.Params.Name
	req, err := channels.StructuredRequest(tool, channels.MapOptions(request.GetArguments()), Caller)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var out bytes.Buffer
	console := channels.NewConsole(&out, s.cfg.ExportDir)
	res := s.runner.Run(ctx, req, console)

	text := strings.TrimSpace(out.String())
	if !res.OK() {
		s.logger.Debug("mcp: tool failed", "tool", tool, "kind", res.Kind)
		if text == "" {
			text = fmt.Sprintf("%s failed: %v", tool, res.Err)
		}
		return mcp.NewToolResultError(text), nil
	}

	result := &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(text)}}
	for _, path := range console.Saved() {
		if img, ok := s.inlineImage(path); ok {
			result.Content = append(result.Content, img)
		}
	}
	return result, nil
}

// inlineImage loads a saved output as image content when it is a small
// enough image.
func (s *Server) inlineImage(path string) (mcp.ImageContent, bool) {
	mime, err := delivery.DetectFileMimeType(path)
	if err != nil || !delivery.IsImage(mime) {
		return mcp.ImageContent{}, false
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() > maxInlineImage {
		return mcp.ImageContent{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("mcp: reading output", "path", path, "error", err)
		return mcp.ImageContent{}, false
	}
	return mcp.NewImageContent(base64.StdEncoding.EncodeToString(data), mime), true
}
