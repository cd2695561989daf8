package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"ceremony/internal/ceremony"
)

// SSE event names.
const (
	EventConnected = "connected"
	EventAnnounced = "graduation_announced"
	EventCleared   = "graduation_cleared"
)

type announcedPayload struct {
	Graduate  *ceremony.Graduate `json:"graduate"`
	UpdatedAt time.Time          `json:"updated_at"`
}

type clearedPayload struct {
	UpdatedAt time.Time `json:"updated_at"`
}

// stream pushes pointer changes to a display client until it disconnects.
func (s *server) stream(c *gin.Context) {
	if s.Hub == nil {
		c.JSON(http.StatusServiceUnavailable, envelope{Message: "announcement stream disabled"})
		return
	}
	ctx := c.Request.Context()
	sub := s.Hub.Subscribe()
	defer sub.Close()

	current, err := s.Sequencer.Current(ctx)
	if err != nil {
		s.fail(c, err, nil)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.Render(-1, sse.Event{Event: EventConnected, Id: eventID(current), Data: current})
	c.Writer.Flush()
	last := current.UpdatedAt

	heartbeat := time.NewTicker(s.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case a, open := <-sub.C:
			if !open {
				return
			}
			if !a.UpdatedAt.After(last) {
				continue
			}
			last = a.UpdatedAt
			c.Render(-1, announcementEvent(a))
			c.Writer.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

func announcementEvent(a ceremony.Announcement) sse.Event {
	if a.Idle() {
		return sse.Event{Event: EventCleared, Id: eventID(a), Data: clearedPayload{UpdatedAt: a.UpdatedAt}}
	}
	return sse.Event{Event: EventAnnounced, Id: eventID(a), Data: announcedPayload{Graduate: a.Graduate, UpdatedAt: a.UpdatedAt}}
}

func eventID(a ceremony.Announcement) string {
	return strconv.FormatInt(a.UpdatedAt.UnixNano(), 10)
}
