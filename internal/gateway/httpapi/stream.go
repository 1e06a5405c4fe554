package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jkaninda/vipu/internal/executor"
	"github.com/jkaninda/vipu/internal/sandbox"
)

// StreamSubprotocol is the websocket subprotocol spoken on /v1/run/stream.
const StreamSubprotocol = "vipu-run-v1"

const (
	streamBuffer       = 64
	streamReadTimeout  = 10 * time.Second
	streamWriteTimeout = 10 * time.Second
)

// Stream event types.
const (
	EventStdout = "stdout"
	EventStderr = "stderr"
	EventResult = "result"
	EventError  = "error"
)

// StreamEvent is one message of a streamed run: output chunks, then a
// single result or error.
type StreamEvent struct {
	Type      string             `json:"type"`
	Data      string             `json:"data,omitempty"`
	Result    *executor.Response `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	Details   string             `json:"details,omitempty"`
	Supported []string           `json:"supported,omitempty"`
	Status    int                `json:"status,omitempty"` // HTTP status the error maps to.
}

// streamRun executes req and hands every output chunk, then the final
// result or error, to emit. emit is always called from the calling
// goroutine. An emit error cancels the run and suppresses further events.
func (g *Gateway) streamRun(ctx context.Context, req executor.Request, emit func(StreamEvent) error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan StreamEvent, streamBuffer)
	req.OnOutput = func(stream sandbox.Stream, chunk []byte) {
		select {
		case chunks <- StreamEvent{Type: string(stream), Data: string(chunk)}:
		case <-ctx.Done():
		}
	}

	type outcome struct {
		res *executor.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := g.execute(ctx, req)
		close(chunks)
		done <- outcome{res: res, err: err}
	}()

	emitting := true
	for ev := range chunks {
		if !emitting {
			continue
		}
		if err := emit(ev); err != nil {
			emitting = false
			cancel()
		}
	}
	out := <-done
	if !emitting {
		return
	}

	if out.err != nil {
		code := execErrorStatus(out.err)
		g.logExecError(req.UserID, code, out.err)
		body := executor.NewErrorResponse(out.err)
		_ = emit(StreamEvent{
			Type:      EventError,
			Error:     body.Error,
			Details:   body.Details,
			Supported: body.Supported,
			Status:    code,
		})
		return
	}
	resp := executor.NewResponse(out.res)
	_ = emit(StreamEvent{Type: EventResult, Result: &resp})
}

// handleRunStream serves GET /v1/run/stream. The client sends one
// RunRequest; the server answers with StreamEvents and closes normally.
func (g *Gateway) handleRunStream(w http.ResponseWriter, r *http.Request) {
	userID, callerID, msg := g.identify(r)
	if msg != "" {
		writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: msg})
		return
	}
	if g.rateLimited(callerID, r.URL.Path) {
		writeJSON(w, http.StatusTooManyRequests, ErrorBody{Error: "rate limit exceeded"})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{StreamSubprotocol},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(g.config.MaxRequestSize)

	readCtx, cancel := context.WithTimeout(r.Context(), streamReadTimeout)
	var body RunRequest
	err = wsjson.Read(readCtx, conn, &body)
	cancel()
	if err != nil {
		g.logger.Warn("invalid stream request", slog.String("error", err.Error()))
		conn.Close(websocket.StatusInvalidFramePayloadData, "expected a run request")
		return
	}

	// CloseRead keeps control frames flowing and cancels ctx when the
	// client goes away, which stops the run.
	ctx := conn.CloseRead(r.Context())

	g.streamRun(ctx, executor.Request{
		Code:     body.Code,
		Language: body.Language,
		UserID:   userID,
	}, func(ev StreamEvent) error {
		wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
		defer cancel()
		return wsjson.Write(wctx, conn, ev)
	})

	conn.Close(websocket.StatusNormalClosure, "")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
