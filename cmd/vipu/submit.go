package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/jkaninda/vipu/internal/executor"
	"github.com/jkaninda/vipu/internal/gateway/httpapi"
	"github.com/jkaninda/vipu/internal/runner"
	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the submit command.
const (
	ExitSuccess       = 0
	ExitProgramFailed = 1
	ExitRejected      = 2
	ExitUnavailable   = 3
)

var (
	submitLanguage   string
	submitGatewayURL string
	submitAPIKey     string
	submitStream     bool
	submitTimeout    int
)

var submitCmd = &cobra.Command{
	Use:   "submit [file]",
	Short: "Send a program to a running vipu server",
	Long: `Send a program to the vipu HTTP API and print its output.
With --stream the run is opened over the websocket endpoint and output is
printed as it is produced.

Examples:
  vipu submit main.go
  vipu submit -l python --stream - < job.py
  VIPU_GATEWAY_URL=https://vipu.internal vipu submit script.rb

Exit codes:
  0  program succeeded
  1  program failed (non-zero exit, timeout or output limit)
  2  request rejected (bad request, unsupported language, auth, rate limit)
  3  server unavailable or internal error`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitLanguage, "language", "l", "", "language id (default: from extension, else javascript)")
	submitCmd.Flags().StringVar(&submitGatewayURL, "gateway-url", "http://localhost:8080", "vipu HTTP API URL (or VIPU_GATEWAY_URL env)")
	submitCmd.Flags().StringVar(&submitAPIKey, "api-key", "", "API key (or VIPU_API_KEY env)")
	submitCmd.Flags().BoolVar(&submitStream, "stream", false, "stream output over websocket")
	submitCmd.Flags().IntVar(&submitTimeout, "timeout", 120, "timeout in seconds")
}

func runSubmit(_ *cobra.Command, args []string) error {
	path := "-"
	if len(args) == 1 {
		path = args[0]
	}
	code, err := readSource(path)
	if err != nil {
		return err
	}

	language := submitLanguage
	if language == "" && path != "-" {
		reg, err := runner.NewRegistry(nil)
		if err != nil {
			return err
		}
		if r, ok := reg.ForExtension(filepath.Ext(path)); ok {
			language = string(r.Language)
		}
	}

	apiKey := goutils.Env("VIPU_API_KEY", submitAPIKey)
	gatewayURL := strings.TrimRight(goutils.Env("VIPU_GATEWAY_URL", submitGatewayURL), "/")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(submitTimeout)*time.Second)
	defer cancel()

	body := httpapi.RunRequest{Code: code, Language: language}
	if submitStream {
		return submitWebsocket(ctx, gatewayURL, apiKey, body)
	}
	return submitHTTP(ctx, gatewayURL, apiKey, body)
}

// submitHTTP posts the program to /v1/run and prints the buffered result.
func submitHTTP(ctx context.Context, gatewayURL, apiKey string, body httpapi.RunRequest) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gatewayURL+"/v1/run", bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach gateway at %s: %v\n", gatewayURL, err)
		return &exitCodeError{code: ExitUnavailable}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusOK {
		var result executor.Response
		if err := json.Unmarshal(respBody, &result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		fmt.Fprint(os.Stdout, result.Stdout)
		fmt.Fprint(os.Stderr, result.Stderr)
		return finish(result)
	}

	var failure executor.ErrorResponse
	if err := json.Unmarshal(respBody, &failure); err != nil || failure.Error == "" {
		failure.Error = strings.TrimSpace(string(respBody))
	}
	return rejected(resp.StatusCode, failure)
}

// submitWebsocket runs the program over /v1/run/stream, printing chunks as
// they arrive.
func submitWebsocket(ctx context.Context, gatewayURL, apiKey string, body httpapi.RunRequest) error {
	wsURL, err := websocketURL(gatewayURL)
	if err != nil {
		return err
	}

	opts := &websocket.DialOptions{Subprotocols: []string{httpapi.StreamSubprotocol}}
	if apiKey != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + apiKey}}
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		if resp != nil {
			return rejected(resp.StatusCode, executor.ErrorResponse{Error: http.StatusText(resp.StatusCode)})
		}
		fmt.Fprintf(os.Stderr, "Error: cannot reach gateway at %s: %v\n", gatewayURL, err)
		return &exitCodeError{code: ExitUnavailable}
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, body); err != nil {
		return fmt.Errorf("sending program: %w", err)
	}

	for {
		var ev httpapi.StreamEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				fmt.Fprintln(os.Stderr, "Error: timed out waiting for the result")
			} else {
				fmt.Fprintf(os.Stderr, "Error: stream interrupted: %v\n", err)
			}
			return &exitCodeError{code: ExitUnavailable}
		}

		switch ev.Type {
		case httpapi.EventStdout:
			fmt.Fprint(os.Stdout, ev.Data)
		case httpapi.EventStderr:
			fmt.Fprint(os.Stderr, ev.Data)
		case httpapi.EventResult:
			_ = conn.Close(websocket.StatusNormalClosure, "")
			if ev.Result == nil {
				return &exitCodeError{code: ExitUnavailable}
			}
			return finish(*ev.Result)
		case httpapi.EventError:
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return rejected(ev.Status, executor.ErrorResponse{
				Error:     ev.Error,
				Details:   ev.Details,
				Supported: ev.Supported,
			})
		}
	}
}

// finish reports a completed run and maps it onto an exit code.
func finish(result executor.Response) error {
	switch {
	case result.TimedOut:
		fmt.Fprintf(os.Stderr, "\n[%s: killed by timeout]\n", languageOrDefault(result.Language))
	case result.Truncated:
		fmt.Fprintf(os.Stderr, "\n[%s: output limit exceeded, program killed]\n", languageOrDefault(result.Language))
	}
	if result.Success {
		return nil
	}
	return &exitCodeError{code: ExitProgramFailed}
}

// rejected prints a request failure and maps its HTTP status onto an exit code.
func rejected(status int, failure executor.ErrorResponse) error {
	fmt.Fprintf(os.Stderr, "Error: %s\n", failure.Error)
	if failure.Details != "" {
		fmt.Fprintf(os.Stderr, "  details: %s\n", failure.Details)
	}
	if len(failure.Supported) > 0 {
		fmt.Fprintf(os.Stderr, "  supported: %s\n", strings.Join(failure.Supported, ", "))
	}

	switch {
	case status >= 400 && status < 500:
		return &exitCodeError{code: ExitRejected}
	default:
		return &exitCodeError{code: ExitUnavailable}
	}
}

// websocketURL rewrites an http(s) base URL to the ws(s) stream endpoint.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing gateway URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/run/stream"
	return u.String(), nil
}
