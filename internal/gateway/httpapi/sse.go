package httpapi

import (
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/vipu/internal/executor"
)

// handleRunEvents handles POST /v1/run/events with SSE responses.
// Output chunks are sent as "stdout"/"stderr" events while the program
// runs, followed by one "result" or "error" event.
func (g *Gateway) handleRunEvents(c *okapi.Context) error {
	if g.rateLimited(c.GetString("callerID"), c.Request().URL.Path) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var body RunRequest
	if err := c.Bind(&body); err != nil {
		return c.AbortBadRequest("Bad request", err)
	}

	g.streamRun(c.Context(), executor.Request{
		Code:     body.Code,
		Language: body.Language,
		UserID:   c.GetString("userID"),
	}, func(ev StreamEvent) error {
		c.SSEvent(ev.Type, ev)
		return c.Context().Err()
	})
	return nil
}
