package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"realtimeCollab/backend/internal/session"
)

type SessionStats interface {
	Stats() session.Stats
}

type FeedStats interface {
	Dropped() map[string]uint64
}

type RoomCounter interface {
	Len() int
}

// Health /healthz：会话统计、房间数、提交流各订阅者丢弃数
type Health struct {
	Sessions SessionStats
	Feed     FeedStats
	Rooms    RoomCounter
	Started  time.Time
}

func (h Health) Healthz(c *gin.Context) {
	body := gin.H{
		"message": "ok",
		"uptime":  time.Since(h.Started).Truncate(time.Second).String(),
	}
	if h.Sessions != nil {
		body["sessions"] = h.Sessions.Stats()
	}
	if h.Rooms != nil {
		body["rooms"] = h.Rooms.Len()
	}
	if h.Feed != nil {
		body["feed_dropped"] = h.Feed.Dropped()
	}
	c.JSON(http.StatusOK, body)
}
