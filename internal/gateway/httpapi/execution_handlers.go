package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/vipu/internal/history"
)

// ExecutionRequest is the JSON body for POST /v1/executions. It records a
// run performed elsewhere.
type ExecutionRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exitCode"`
}

// ExecutionResponse wraps a single execution.
type ExecutionResponse struct {
	Execution history.Execution `json:"execution"`
}

// ExecutionListResponse is the JSON response for GET /v1/executions.
type ExecutionListResponse struct {
	Executions []history.Execution `json:"executions"`
}

func (g *Gateway) handleExecutionList(c *okapi.Context) error {
	limit := 0
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return c.AbortBadRequest("limit must be an integer")
		}
		limit = n
	}

	execs, err := g.history.List(c.Context(), history.ClampLimit(limit))
	if err != nil {
		g.logger.Error("listing executions failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("failed to list executions")
	}
	if execs == nil {
		execs = []history.Execution{}
	}
	return c.OK(ExecutionListResponse{Executions: execs})
}

func (g *Gateway) handleExecutionCreate(c *okapi.Context) error {
	var req ExecutionRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Code == "" {
		return c.AbortBadRequest("code is required")
	}
	if req.Language == "" {
		return c.AbortBadRequest("language is required")
	}

	exec := &history.Execution{
		Code:     req.Code,
		Language: req.Language,
		Stdout:   req.Stdout,
		Stderr:   req.Stderr,
		ExitCode: req.ExitCode,
		Success:  req.ExitCode == 0,
		UserID:   c.GetString("userID"),
	}
	if err := g.history.Create(c.Context(), exec); err != nil {
		g.logger.Error("recording execution failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("failed to record execution")
	}
	return c.JSON(http.StatusCreated, ExecutionResponse{Execution: *exec})
}

func (g *Gateway) handleExecutionGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid execution ID")
	}

	exec, err := g.history.Get(c.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "execution not found"})
		}
		g.logger.Error("loading execution failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("failed to load execution")
	}
	return c.OK(ExecutionResponse{Execution: *exec})
}
