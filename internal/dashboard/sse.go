package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/roundhouse/internal/backend"
)

// handleSSE relays live backend events to the browser as server-sent
// events. Without a subscribe hook it still answers with the connected
// event and heartbeats so the page can show liveness.
func handleSSE(subscribe Subscribe) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		// Buffered so a slow browser drops events instead of stalling the
		// stream's fanout goroutine.
		events := make(chan backend.Event, 64)
		if subscribe != nil {
			cancel := subscribe(func(evt backend.Event) {
				select {
				case events <- evt:
				default:
				}
			})
			defer cancel()
		}

		ctx := c.Request.Context()
		heartbeat := time.NewTicker(15 * time.Second)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case evt := <-events:
				writeSSE(c.Writer, "worker", evt)
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
