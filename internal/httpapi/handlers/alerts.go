package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/thynklab/thynkbot/internal/alerts"
	"github.com/thynklab/thynkbot/internal/common"
)

// StreamAlerts pushes safeguarding incidents to a dashboard over SSE. The
// feed is live-only: a dashboard that connects after an incident relies on
// GET /incidents for history.
func (h *Handler) StreamAlerts(c *gin.Context) {
	room := c.Query("room")

	sub, err := h.Broadcaster.Subscribe(c.Request.Context(), room)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to join alert channel")
		return
	}
	defer sub.Close()

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case a, ok := <-sub.Events():
			if !ok {
				return
			}
			writeJSON("alert", alerts.Envelope{Type: alerts.EventSafetyBreach, Data: a})

		case <-ticker.C:
			writeJSON("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})

		case <-ctx.Done():
			return
		}
	}
}
