package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/codepad/config"
	"github.com/isdmx/codepad/engine"
)

const (
	serverName    = "codepad"
	serverVersion = "1.0.0"
	toolName      = "compile_and_run"
)

// Compiler runs snippets; *engine.Engine satisfies it
type Compiler interface {
	CompileAndRun(ctx context.Context, source string) (engine.Result, error)
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	compiler  Compiler
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, compiler Compiler) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		compiler: compiler,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.Int("sandbox.timeout_sec", cfg.Sandbox.TimeoutSec),
		zap.Int("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
		zap.Bool("sandbox.enable_local_backend", cfg.Sandbox.EnableLocalBackend),
		zap.String("toolchain.repo", cfg.Toolchain.Repo),
		zap.String("toolchain.revision", cfg.Toolchain.Revision),
		zap.String("simulation.policy", cfg.Simulation.Policy),
	)

	s.mcpServer = server.NewMCPServer(serverName, serverVersion)
	s.registerCompileAndRunTool()

	return s, nil
}

func (s *MCPServer) registerCompileAndRunTool() {
	tool := mcp.Tool{
		Name:        toolName,
		Description: "Compile and run a Verifex program in an isolated sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Verifex source code containing fn main()",
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleCompileAndRun)
}

// handleCompileAndRun returns the result JSON {success, output, error} as text
func (s *MCPServer) handleCompileAndRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	if len(code) > s.config.Server.MaxSourceBytes {
		return textResult(fmt.Sprintf("code exceeds the maximum size of %d bytes", s.config.Server.MaxSourceBytes), true), nil
	}

	s.logger.Info("compile requested over MCP", zap.Int("code_len", len(code)))

	result, err := s.compiler.CompileAndRun(ctx, code)
	if err != nil {
		s.logger.Error("compilation failed on a system error", zap.Error(err))
		return textResult("Server error during compilation", true), nil
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	return textResult(string(resultJSON), false), nil
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
		IsError: isError,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// HTTPHandler returns a streamable HTTP handler to be mounted by the API server
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
