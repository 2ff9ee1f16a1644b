package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	alertdomain "github.com/geowarn/geowarn/internal/alert/domain"
	"github.com/gin-gonic/gin"
)

// StreamAlert pushes committed lifecycle snapshots for one alert over
// SSE. The buffered history is replayed before live updates so a
// reconnecting dashboard catches up without polling.
func (s *Server) StreamAlert(c *gin.Context) {
	if s.hub == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	id, ok := alertIDParam(c)
	if !ok {
		return
	}

	// reject streams for alerts that do not exist
	if _, err := s.alertSvc.GetByID(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	subscription, backlog, err := s.hub.Subscribe(id)
	if err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	defer subscription.Close()

	writer := c.Writer
	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}

	for _, snapshot := range backlog {
		if err := writeAlertSnapshot(writer, snapshot); err != nil {
			return
		}
	}
	flusher.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snapshot := <-subscription.Snapshots():
			if err := writeAlertSnapshot(writer, snapshot); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeAlertSnapshot(w io.Writer, snapshot alertdomain.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
