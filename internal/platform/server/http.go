package server

import (
	"strconv"
	"time"

	"shopchat/internal/chat"
	"shopchat/internal/chat/directory"
	"shopchat/internal/chat/messagelog"
	"shopchat/internal/httputil"
	"shopchat/internal/platform/config"
	"shopchat/internal/platform/health"
	"shopchat/internal/platform/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// securityHeadersMiddleware 添加安全標頭
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 防止點擊劫持
		c.Header("X-Frame-Options", "DENY")

		// 防止 MIME 類型嗅探
		c.Header("X-Content-Type-Options", "nosniff")

		// 啟用 XSS 保護
		c.Header("X-XSS-Protection", "1; mode=block")

		// 內容安全策略
		c.Header("Content-Security-Policy", "default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data: https:; font-src 'self'; connect-src 'self'; frame-ancestors 'none';")

		// 推薦政策
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// 權限政策
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		c.Next()
	}
}

// Router 設定路由
func Router() *gin.Engine {
	r := gin.Default()

	// 添加安全的 CORS 中間件
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// 只允許特定的來源（生產環境應該從配置文件讀取）
		allowedOrigins := map[string]bool{
			"http://localhost:3000":  true, // 開發環境前端
			"http://localhost:8080":  true, // 本地測試
			"http://127.0.0.1:8080":  true, // 本地測試 (127.0.0.1)
			"https://yourdomain.com": true, // 生產環境（請修改為實際域名）
		}

		if allowedOrigins[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-User-ID")
		c.Header("Access-Control-Max-Age", "86400") // 預檢請求緩存 24 小時

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// 添加請求 ID 中間件（最優先）
	r.Use(middleware.RequestIDMiddleware())

	// 添加安全標頭中間件
	r.Use(securityHeadersMiddleware())

	// 添加請求元數據中間件（提取 IP、User-Agent）
	r.Use(middleware.RequestMetadataMiddleware())

	// 從配置讀取限制參數
	cfg := config.Get()

	// 添加請求大小限制（防止大文件攻擊）
	maxMemory := int64(10 << 20) // 默認 10MB
	if cfg != nil && cfg.Limits.Request.MaxMultipartMemory > 0 {
		maxMemory = cfg.Limits.Request.MaxMultipartMemory
	}
	r.MaxMultipartMemory = maxMemory

	// 創建 Rate Limiter
	defaultLimit := 100
	if cfg != nil && cfg.Limits.RateLimiting.DefaultPerMinute > 0 {
		defaultLimit = cfg.Limits.RateLimiting.DefaultPerMinute
	}
	rateLimiter := middleware.NewPerEndpointRateLimiter(defaultLimit, time.Minute)

	// 為不同端點設置不同的速率限制
	if cfg != nil && cfg.Limits.RateLimiting.Enabled {
		if cfg.Limits.RateLimiting.MessagesPerMin > 0 {
			rateLimiter.SetLimit("/api/v1/messages", cfg.Limits.RateLimiting.MessagesPerMin, time.Minute)
		}
		if cfg.Limits.RateLimiting.ConversationsPerMin > 0 {
			rateLimiter.SetLimit("/api/v1/conversations", cfg.Limits.RateLimiting.ConversationsPerMin, time.Minute)
		}
		if cfg.Limits.RateLimiting.StreamPerMin > 0 {
			rateLimiter.SetLimit("/api/v1/messages/stream", cfg.Limits.RateLimiting.StreamPerMin, time.Minute)
		}
	}

	// 應用 Rate Limiting 中間件
	r.Use(rateLimiter.Middleware())

	// 創建 SSE 連接限制器
	sseMaxPerIP := 3
	sseInterval := 10
	sseMaxTotal := 1000
	if cfg != nil {
		if cfg.Limits.SSE.MaxConnectionsPerIP > 0 {
			sseMaxPerIP = cfg.Limits.SSE.MaxConnectionsPerIP
		}
		if cfg.Limits.SSE.MinConnectionInterval > 0 {
			sseInterval = cfg.Limits.SSE.MinConnectionInterval
		}
		if cfg.Limits.SSE.MaxTotalConnections > 0 {
			sseMaxTotal = cfg.Limits.SSE.MaxTotalConnections
		}
	}
	sseLimiter := middleware.NewSSEConnectionLimiter(sseMaxPerIP, time.Duration(sseInterval)*time.Second, sseMaxTotal)

	// 創建處理器
	healthHandler := health.NewHealthHandler()

	// health check
	r.GET("/health", healthHandler.HealthCheck)

	// Prometheus 指標
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 業務 API 要求帶有上游網關注入的用戶身份
	api := r.Group("/api/v1", middleware.RequireIdentity())

	api.POST("/conversations", createConversation)
	api.GET("/conversations", listConversations)
	api.GET("/conversations/:conversation_id", getConversation)
	api.POST("/conversations/:conversation_id/members", addConversationMember)
	api.POST("/conversations/:conversation_id/reassign", reassignConversation)
	api.POST("/conversations/:conversation_id/close", closeConversation)
	api.POST("/messages", sendMessage)
	api.GET("/messages", getMessages)
	api.POST("/messages/read", markAsRead)
	api.POST("/messages/read-all", markAllAsRead)
	api.GET("/messages/unread-count", getUnreadCount)

	// SSE endpoint - 應用額外的連接限制
	api.GET("/messages/stream", sseLimiter.Middleware(), streamEvents)

	return r
}

// Dependencies 路由處理器依賴的服務集合
type Dependencies struct {
	Directory  *directory.Service
	MessageLog *messagelog.Service
	Hub        SessionHub
}

var deps *Dependencies

// SetDependencies 注入處理器依賴（Start 在建立路由前調用）
func SetDependencies(d *Dependencies) {
	deps = d
}

// 創建或解析會話
func createConversation(c *gin.Context) {
	userID := middleware.AuthenticatedUserID(c)

	var req struct {
		Type         string `json:"type"`
		OrderID      string `json:"order_id"`
		ShopID       string `json:"shop_id"`
		TargetUserID string `json:"target_user_id"`
		Subject      string `json:"subject"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "無效的請求格式"})
		return
	}

	// 驗證客服會話主題
	if err := middleware.ValidateSubject(req.Subject); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	if req.TargetUserID != "" {
		if err := middleware.ValidateUserID(req.TargetUserID); err != nil {
			c.JSON(400, gin.H{"error": "對象用戶 ID 格式錯誤"})
			return
		}
	}

	// 消毒主題
	sanitizedSubject := middleware.SanitizeInput(req.Subject)

	conv, err := deps.Directory.CreateOrGet(c.Request.Context(), userID, directory.CreateConversationRequest{
		Type:         chat.ConversationType(req.Type),
		OrderID:      req.OrderID,
		ShopID:       req.ShopID,
		TargetUserID: req.TargetUserID,
		Subject:      sanitizedSubject,
	})
	if err != nil {
		httputil.DomainError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"success": true,
		"message": httputil.DataCreated,
		"data":    conv,
	})
}

// 列出用戶會話
func listConversations(c *gin.Context) {
	userID := middleware.AuthenticatedUserID(c)

	// 獲取分頁參數
	cfg := config.Get()
	limit := 10 // 默認
	maxLimit := 100
	if cfg != nil && cfg.Limits.Pagination.DefaultPageSize > 0 {
		limit = cfg.Limits.Pagination.DefaultPageSize
	}
	if cfg != nil && cfg.Limits.Pagination.MaxPageSize > 0 {
		maxLimit = cfg.Limits.Pagination.MaxPageSize
	}
	if limitStr := c.Query("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= maxLimit {
			limit = parsed
		}
	}
	cursor := c.Query("cursor")

	convs, nextCursor, hasMore, err := deps.Directory.List(c.Request.Context(), userID, limit, cursor)
	if err != nil {
		httputil.DomainError(c, err)
		return
	}

	// 轉換響應，附上每個會話的未讀數量
	items := make([]map[string]interface{}, len(convs))
	for i, conv := range convs {
		unread, countErr := deps.MessageLog.UnreadCount(c.Request.Context(), conv.ID, userID)
		if countErr != nil {
			unread = 0
		}

		items[i] = map[string]interface{}{
			"id":                conv.ID,
			"type":              conv.Type,
			"order_id":          conv.OrderID,
			"shop_id":           conv.ShopID,
			"members":           conv.Members,
			"support_open":      conv.SupportOpen,
			"assigned_admin_id": conv.AssignedAdminID,
			"routed_intent":     conv.RoutedIntent,
			"created_at":        conv.CreatedAt,
			"last_message":      conv.LastMessage,
			"last_message_at":   conv.LastMessageAt,
			"unread_count":      unread,
		}
	}

	c.JSON(200, gin.H{
		"success":  true,
		"message":  httputil.DataRetrieved,
		"data":     items,
		"cursor":   nextCursor,
		"has_more": hasMore,
	})
}

// 讀取單個會話
func getConversation(c *gin.Context) {
	userID := middleware.AuthenticatedUserID(c)
	conversationID := c.Param("conversation_id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	conv, err := deps.Directory.Get(c.Request.Context(), conversationID, userID)
	if err != nil {
		httputil.DomainError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"success": true,
		"message": httputil.DataRetrieved,
		"data":    conv,
	})
}

// 添加會話成員
func addConversationMember(c *gin.Context) {
	conversationID := c.Param("conversation_id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	var req struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "無效的請求格式"})
		return
	}

	if err := middleware.ValidateUserID(req.UserID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	if err := deps.Directory.AddMember(c.Request.Context(), conversationID, req.UserID, chat.MemberRole(req.Role)); err != nil {
		httputil.DomainError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"success": true,
		"message": httputil.DataUpdated,
	})
}

// 重新指派客服會話
func reassignConversation(c *gin.Context) {
	conversationID := c.Param("conversation_id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	newAdminID, err := deps.Directory.Reassign(c.Request.Context(), conversationID)
	if err != nil {
		httputil.DomainError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"success": true,
		"message": httputil.DataUpdated,
		"data": gin.H{
			"conversation_id": conversationID,
			"assigned_admin":  newAdminID,
		},
	})
}

// 關閉客服會話
func closeConversation(c *gin.Context) {
	conversationID := c.Param("conversation_id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	if err := deps.Directory.CloseSupport(c.Request.Context(), conversationID); err != nil {
		httputil.DomainError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"success": true,
		"message": httputil.DataUpdated,
	})
}

// 查詢會話未讀數量
func getUnreadCount(c *gin.Context) {
	userID := middleware.AuthenticatedUserID(c)
	conversationID := c.Query("conversation_id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	count, err := deps.MessageLog.UnreadCount(c.Request.Context(), conversationID, userID)
	if err != nil {
		httputil.DomainError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"success": true,
		"message": httputil.DataRetrieved,
		"data": gin.H{
			"conversation_id": conversationID,
			"unread_count":    count,
		},
	})
}

// 發送消息
func sendMessage(c *gin.Context) {
	senderID := middleware.AuthenticatedUserID(c)

	var req struct {
		ConversationID string `json:"conversation_id"`
		Content        string `json:"content"`
		Type           string `json:"type"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "無效的請求格式"})
		return
	}

	// 驗證和消毒輸入
	if err := middleware.ValidateConversationID(req.ConversationID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	msgType := chat.MessageType(req.Type)
	if req.Type == "" {
		msgType = chat.MessageTypeText
	}

	// 消毒輸入內容
	sanitizedContent := middleware.SanitizeInput(req.Content)

	msg, err := deps.MessageLog.Append(c.Request.Context(), req.ConversationID, senderID, msgType, sanitizedContent)
	if err != nil {
		httputil.DomainError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"success": true,
		"message": httputil.MessageSent,
		"data": gin.H{
			"id":              msg.ID,
			"conversation_id": msg.ConversationID,
			"sender_id":       msg.SenderID,
			"content":         msg.Content,
			"type":            msg.Type,
			"seq":             msg.Seq,
			"created_at":      msg.CreatedAt,
		},
	})
}

// 獲取消息歷史
func getMessages(c *gin.Context) {
	userID := middleware.AuthenticatedUserID(c)
	conversationID := c.Query("conversation_id")
	limitStr := c.Query("limit")
	cursor := c.Query("cursor")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	// 解析 limit，從配置讀取默認值
	cfg := config.Get()
	defaultLimit := 20
	if cfg != nil && cfg.Limits.Pagination.DefaultPageSize > 0 {
		defaultLimit = cfg.Limits.Pagination.DefaultPageSize
	}

	limit := defaultLimit
	if limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}
	if cfg != nil && cfg.Limits.Pagination.MaxPageSize > 0 && limit > cfg.Limits.Pagination.MaxPageSize {
		limit = cfg.Limits.Pagination.MaxPageSize
	}

	msgs, nextCursor, hasMore, err := deps.MessageLog.History(c.Request.Context(), conversationID, userID, limit, cursor)
	if err != nil {
		httputil.DomainError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"success":     true,
		"message":     httputil.DataRetrieved,
		"data":        msgs,
		"next_cursor": nextCursor,
		"has_more":    hasMore,
	})
}

// 標記單條消息已讀（冪等）
func markAsRead(c *gin.Context) {
	userID := middleware.AuthenticatedUserID(c)

	var req struct {
		MessageID string `json:"message_id"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	if err := middleware.ValidateMessageID(req.MessageID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	if err := deps.MessageLog.MarkRead(c.Request.Context(), req.MessageID, userID); err != nil {
		httputil.DomainError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"success": true,
		"message": httputil.MarkedAsRead,
	})
}

// 標記會話全部消息已讀（斷線重連後的補課操作）
func markAllAsRead(c *gin.Context) {
	userID := middleware.AuthenticatedUserID(c)

	var req struct {
		ConversationID string `json:"conversation_id"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	if err := middleware.ValidateConversationID(req.ConversationID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	if err := deps.MessageLog.MarkConversationRead(c.Request.Context(), req.ConversationID, userID); err != nil {
		httputil.DomainError(c, err)
		return
	}

	c.JSON(200, gin.H{
		"success": true,
		"message": httputil.MarkedAsRead,
	})
}
