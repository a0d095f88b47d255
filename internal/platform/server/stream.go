package server

import (
	"time"

	"shopchat/internal/chat/delivery"
	"shopchat/internal/platform/config"
	"shopchat/internal/platform/middleware"

	"github.com/gin-gonic/gin"
)

// SessionHub 推送 session 的註冊入口（由 delivery.Hub 提供）
type SessionHub interface {
	Subscribe(userID string) *delivery.Session
	Unsubscribe(session *delivery.Session)
}

// streamEvents 使用 SSE 流式推送新消息。
// session 綁定已驗證的用戶身份，推送目的地不接受客戶端指定。
func streamEvents(c *gin.Context) {
	userID := middleware.AuthenticatedUserID(c)

	setupSSEHeaders(c)

	session := deps.Hub.Subscribe(userID)
	defer deps.Hub.Unsubscribe(session)

	handleSSELoop(c, session)
}

// setupSSEHeaders 設置 SSE headers
func setupSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("connected", gin.H{"status": "ok"})
	c.Writer.Flush()
}

// handleSSELoop 處理 SSE 循環
func handleSSELoop(c *gin.Context, session *delivery.Session) {
	cfg := config.Get()
	heartbeatInterval := 15
	if cfg != nil && cfg.Limits.SSE.HeartbeatInterval > 0 {
		heartbeatInterval = cfg.Limits.SSE.HeartbeatInterval
	}

	ticker := time.NewTicker(time.Duration(heartbeatInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return

		case <-ticker.C:
			c.SSEvent("ping", gin.H{"timestamp": time.Now().Unix()})
			c.Writer.Flush()

		case payload, ok := <-session.Receive():
			if !ok {
				return
			}
			// payload 已是 JSON 編碼的推送信封，原樣送出
			c.SSEvent("message", string(payload))
			c.Writer.Flush()
		}
	}
}
