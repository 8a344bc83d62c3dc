package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gemini-hlsw/lch-sub000/internal/metrics"
)

// writeWindow bounds each write on a long-lived connection.
const writeWindow = 30 * time.Second

// client manages a single SSE connection's writes.
type client struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
	ip      string
	logger  *slog.Logger

	messagesSent int64
	bytesSent    int64
}

// sendJSON writes v as one "data:" event.
func (c *client) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	n, err := c.write("data: " + string(data) + "\n\n")
	if err != nil {
		return err
	}
	c.messagesSent++
	metrics.IncStreamMessages()
	metrics.AddStreamBytes(int64(n))
	return nil
}

// sendKeepalive writes an SSE comment.
func (c *client) sendKeepalive() error {
	n, err := c.write(":\n\n")
	if err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}
	metrics.AddStreamBytes(int64(n))
	return nil
}

func (c *client) write(s string) (int, error) {
	if err := c.rc.SetWriteDeadline(time.Now().Add(writeWindow)); err != nil {
		c.logger.Debug("could not set write deadline", "error", err)
	}
	n, err := fmt.Fprint(c.w, s)
	if err != nil {
		return n, fmt.Errorf("write: %w", err)
	}
	c.flusher.Flush()
	c.bytesSent += int64(n)
	return n, nil
}
