// Package mcp exposes the execution engine as an MCP (Model Context
// Protocol) server over stdio, so assistants can run code as a tool.
//
// Tools:
//   - run_code(code, language?): returns the execution response as JSON
//   - list_languages: returns the supported language ids
//
// A program that fails is a normal tool result; an invalid request or an
// unsupported language is a tool error.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/vipu/internal/executor"
	"github.com/jkaninda/vipu/internal/history"
	"github.com/jkaninda/vipu/internal/runner"
)

// Config configures the MCP gateway.
type Config struct {
	Name    string // Server name reported on initialize. Default "vipu".
	Version string

	// Stdin and Stdout default to the process streams.
	Stdin  io.Reader
	Stdout io.Writer
}

// Gateway serves MCP over stdio.
type Gateway struct {
	config   Config
	exec     executor.Executor
	registry *runner.Registry
	recorder *history.Recorder
	server   *server.MCPServer
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewGateway creates an MCP gateway with the run_code and list_languages tools.
func NewGateway(cfg Config, exec executor.Executor, reg *runner.Registry, recorder *history.Recorder, logger *slog.Logger) *Gateway {
	if cfg.Name == "" {
		cfg.Name = "vipu"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	g := &Gateway{
		config:   cfg,
		exec:     exec,
		registry: reg,
		recorder: recorder,
		logger:   logger,
		server: server.NewMCPServer(cfg.Name, cfg.Version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}
	g.server.AddTool(g.runCodeTool(), g.handleRunCode)
	g.server.AddTool(mcp.NewTool("list_languages",
		mcp.WithDescription("List the programming languages run_code accepts."),
	), g.handleListLanguages)
	return g
}

// Server returns the underlying MCP server.
func (g *Gateway) Server() *server.MCPServer {
	return g.server
}

// Start serves MCP on the configured streams until ctx is canceled or
// stdin is closed.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()
	defer cancel()

	g.logger.Info("mcp gateway starting", slog.String("server", g.config.Name))

	stdio := server.NewStdioServer(g.server)
	err := stdio.Listen(ctx, g.config.Stdin, g.config.Stdout)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// Stop ends the stdio session.
func (g *Gateway) Stop(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.logger.Info("mcp gateway stopping")
		g.cancel()
	}
	return nil
}

func (g *Gateway) runCodeTool() mcp.Tool {
	ids := make([]string, 0, len(g.registry.Supported()))
	for _, l := range g.registry.Supported() {
		ids = append(ids, string(l))
	}
	return mcp.NewTool("run_code",
		mcp.WithDescription("Execute a self-contained program and return its stdout, stderr and exit code. "+
			"A non-zero exit is reported in the result, not as a tool error."),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("Complete source code of the program."),
		),
		mcp.WithString("language",
			mcp.Description("Language id. Defaults to "+string(runner.Default)+"."),
			mcp.Enum(ids...),
		),
	)
}

func (g *Gateway) handleRunCode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError("Code is required"), nil
	}
	execReq := executor.Request{
		Code:     code,
		Language: req.GetString("language", ""),
		UserID:   "mcp",
	}

	res, err := g.exec.Execute(ctx, execReq)
	if err != nil {
		body := executor.NewErrorResponse(err)
		if executor.IsInfrastructure(err) {
			g.logger.Error("mcp run_code failed", slog.String("error", err.Error()))
		}
		msg := body.Error
		if len(body.Supported) > 0 {
			msg += ". Supported: " + strings.Join(body.Supported, ", ")
		}
		return mcp.NewToolResultError(msg), nil
	}
	g.recorder.Record(ctx, execReq, res)

	data, err := json.Marshal(executor.NewResponse(res))
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (g *Gateway) handleListLanguages(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids := make([]string, 0, len(g.registry.Supported()))
	for _, l := range g.registry.Supported() {
		ids = append(ids, string(l))
	}
	return mcp.NewToolResultText(strings.Join(ids, "\n")), nil
}
