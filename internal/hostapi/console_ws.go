package hostapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hostbox/pkg/utils/logger"
	"hostbox/pkg/utils/response"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 10,
	WriteBufferSize: 8 << 10,
	// Tokens gate access; the console stream itself is same-tenant data.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Console upgrades to a websocket and streams live console chunks as JSON
// until the client disconnects or the process console closes.
func (ct *Controller) Console(c *gin.Context) {
	tenant := tenantFrom(c)
	slotID := c.Param("id")

	ch, cancel, err := ct.svc.Attach(tenant, slotID)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Reader goroutine: we send only, but reads surface client closes.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pinger := time.NewTicker(wsPingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-done:
			return
		case <-pinger.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case chunk, ok := <-ch:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "console closed"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(chunk); err != nil {
				return
			}
		}
	}
}
