package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleStreamJob sends one "snapshot" server-sent event per change and
// ends the response after the terminal snapshot.
func (h *Handler) handleStreamJob(c *gin.Context) {
	snapshots, err := h.progress.Stream(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	for snap := range snapshots {
		c.SSEvent("snapshot", snap)
		c.Writer.Flush()
	}
}

// handleWatchJob is the WebSocket variant of handleStreamJob. Each snapshot
// is one JSON text message; the server closes normally after the terminal
// snapshot.
func (h *Handler) handleWatchJob(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	snapshots, err := h.progress.Stream(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("job_id", c.Param("id")).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Reading keeps control frames flowing and tells us when the client goes away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for snap := range snapshots {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(snap); err != nil {
			log.Debug().Err(err).Str("job_id", snap.ID).Msg("websocket write failed")
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}
