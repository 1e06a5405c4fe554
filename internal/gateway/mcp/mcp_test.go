package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/vipu/internal/executor"
	"github.com/jkaninda/vipu/internal/runner"
)

type stubExecutor struct {
	last executor.Request
	res  *executor.Result
	err  error
}

func (s *stubExecutor) Execute(_ context.Context, req executor.Request) (*executor.Result, error) {
	s.last = req
	return s.res, s.err
}

func newTestGateway(t *testing.T, exec executor.Executor) *Gateway {
	t.Helper()
	reg, err := runner.NewRegistry(nil)
	require.NoError(t, err)
	return NewGateway(Config{}, exec, reg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func connect(t *testing.T, g *Gateway) *client.Client {
	t.Helper()
	ctx := context.Background()

	c, err := client.NewInProcessClient(g.Server())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Start(ctx))

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "test", Version: "0.0.1"}
	_, err = c.Initialize(ctx, initReq)
	require.NoError(t, err)
	return c
}

func callTool(t *testing.T, c *client.Client, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(context.Background(), req)
	require.NoError(t, err)
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok, "expected text content")
	return tc.Text
}

func TestListTools(t *testing.T) {
	c := connect(t, newTestGateway(t, &stubExecutor{}))

	resp, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	require.NoError(t, err)

	names := make([]string, len(resp.Tools))
	for i, tool := range resp.Tools {
		names[i] = tool.Name
	}
	assert.ElementsMatch(t, []string{"run_code", "list_languages"}, names)
}

func TestRunCode(t *testing.T) {
	exec := &stubExecutor{res: &executor.Result{
		Stdout:   "hi\n",
		Success:  true,
		Language: runner.Python,
		Duration: 12 * time.Millisecond,
	}}
	c := connect(t, newTestGateway(t, exec))

	res := callTool(t, c, "run_code", map[string]any{"code": "print('hi')", "language": "python"})
	assert.False(t, res.IsError)

	var resp executor.Response
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &resp))
	assert.Equal(t, "hi\n", resp.Stdout)
	assert.True(t, resp.Success)
	assert.Equal(t, "python", resp.Language)
	assert.Equal(t, "print('hi')", exec.last.Code)
	assert.Equal(t, "python", exec.last.Language)
}

func TestRunCode_ProgramFailureIsNotToolError(t *testing.T) {
	exec := &stubExecutor{res: &executor.Result{Stderr: "boom", ExitCode: 2, Language: runner.Bash}}
	c := connect(t, newTestGateway(t, exec))

	res := callTool(t, c, "run_code", map[string]any{"code": "exit 2", "language": "bash"})
	assert.False(t, res.IsError)
	assert.Contains(t, text(t, res), `"exitCode":2`)
}

func TestRunCode_DefaultLanguage(t *testing.T) {
	exec := &stubExecutor{res: &executor.Result{Success: true, Language: runner.JavaScript}}
	c := connect(t, newTestGateway(t, exec))

	callTool(t, c, "run_code", map[string]any{"code": "console.log(1)"})
	assert.Empty(t, exec.last.Language)
}

func TestRunCode_Errors(t *testing.T) {
	exec := &stubExecutor{err: &executor.UnsupportedLanguageError{Language: "cobol", Supported: runner.Languages()}}
	c := connect(t, newTestGateway(t, exec))

	res := callTool(t, c, "run_code", map[string]any{"code": "x", "language": "cobol"})
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "Unsupported language: cobol")
	assert.Contains(t, text(t, res), "typescript")

	res = callTool(t, c, "run_code", map[string]any{"language": "python"})
	assert.True(t, res.IsError)
	assert.Equal(t, "Code is required", text(t, res))
}

func TestListLanguages(t *testing.T) {
	c := connect(t, newTestGateway(t, &stubExecutor{}))

	res := callTool(t, c, "list_languages", nil)
	assert.Equal(t, []string{"javascript", "typescript", "python", "go", "rust", "php", "ruby", "bash"},
		strings.Split(text(t, res), "\n"))
}

func TestStartStop(t *testing.T) {
	reg, err := runner.NewRegistry(nil)
	require.NoError(t, err)
	stdin, stdinW := io.Pipe()
	defer stdinW.Close()

	g := NewGateway(Config{Stdin: stdin, Stdout: io.Discard}, &stubExecutor{}, reg, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan error, 1)
	go func() { done <- g.Start(context.Background()) }()

	// Wait for Start to install its cancel func.
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.cancel != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, g.Stop(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
