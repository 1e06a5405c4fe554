package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/vipu/internal/executor"
	"github.com/jkaninda/vipu/internal/runner"
)

// RunRequest is the JSON body for POST /v1/run.
type RunRequest struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"` // Empty = javascript.
}

// LanguageInfo describes one supported language.
type LanguageInfo struct {
	ID           string `json:"id"`
	Extension    string `json:"extension"`
	NeedsCompile bool   `json:"needsCompile"`
}

// LanguagesResponse is the JSON response for GET /v1/languages.
type LanguagesResponse struct {
	Languages []LanguageInfo `json:"languages"`
	Default   string         `json:"default"`
}

func (g *Gateway) handleRun(c *okapi.Context) error {
	if g.rateLimited(c.GetString("callerID"), c.Request().URL.Path) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var body RunRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, executor.ErrorResponse{Error: "Invalid request", Details: err.Error()})
	}

	res, err := g.execute(c.Context(), executor.Request{
		Code:     body.Code,
		Language: body.Language,
		UserID:   c.GetString("userID"),
	})
	if err != nil {
		return g.writeExecError(c, err)
	}
	return c.OK(executor.NewResponse(res))
}

func (g *Gateway) handleLanguages(c *okapi.Context) error {
	runners := g.registry.Runners()
	resp := LanguagesResponse{
		Languages: make([]LanguageInfo, len(runners)),
		Default:   string(runner.Default),
	}
	for i, r := range runners {
		resp.Languages[i] = LanguageInfo{
			ID:           string(r.Language),
			Extension:    r.Extension,
			NeedsCompile: r.NeedsCompile,
		}
	}
	return c.OK(resp)
}

// execute runs req and records the result in history when enabled.
func (g *Gateway) execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	res, err := g.exec.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	g.recorder.Record(ctx, req, res)
	return res, nil
}

// execErrorStatus maps an Execute error to its HTTP status.
func execErrorStatus(err error) int {
	var unsupported *executor.UnsupportedLanguageError
	switch {
	case errors.Is(err, executor.ErrInvalidRequest), errors.As(err, &unsupported):
		return http.StatusBadRequest
	case executor.IsInfrastructure(err):
		return http.StatusInternalServerError
	case executor.IsCanceled(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeExecError writes the error response for a failed Execute call.
func (g *Gateway) writeExecError(c *okapi.Context, err error) error {
	code := execErrorStatus(err)
	g.logExecError(c.GetString("userID"), code, err)
	return c.JSON(code, executor.NewErrorResponse(err))
}

// logExecError logs server-side failures. Caller mistakes are not logged.
func (g *Gateway) logExecError(userID string, code int, err error) {
	if code < http.StatusInternalServerError {
		return
	}
	g.logger.Error("execution request failed",
		slog.String("user_id", userID),
		slog.Int("status", code),
		slog.String("error", err.Error()),
	)
}
