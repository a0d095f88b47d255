package constants

// HTTP 請求相關常數
const (
	// 默認值（可被配置覆蓋）
	DefaultMaxRequestBodySize = 10 << 20 // 10MB
	DefaultMaxMultipartMemory = 10 << 20 // 10MB
	DefaultRequestTimeout     = 30       // 秒
)

// 分頁相關常數
const (
	DefaultPageSize        = 20
	DefaultMaxPageSize     = 100
	DefaultHistoryPageSize = 50
	MinPageSize            = 1
)

// 會話相關常數
const (
	DefaultMaxConversationMembers = 50
	DefaultMaxSubjectLength       = 200
)

// 訊息相關常數
const (
	DefaultMaxMessageLength = 10000
	MessageChannelBuffer    = 10
)

// Rate Limiting 默認值
const (
	DefaultRateLimitPerMinute    = 100
	DefaultMessageRateLimit      = 30
	DefaultConversationRateLimit = 10
	DefaultStreamRateLimit       = 5
	RateLimitCleanupIntervalMin  = 10 // 分鐘
)

// SSE 連接相關常數
const (
	DefaultSSEMaxConnectionsPerIP   = 3
	DefaultSSEMaxTotalConnections   = 1000
	DefaultSSEMinConnectionInterval = 10 // 秒
	DefaultSSEHeartbeatInterval     = 15 // 秒
	SSEConnectionCleanupIntervalMin = 10 // 分鐘
)

// 推送投遞相關常數
const (
	DefaultDeliveryQueueSize = 1024
	DefaultDeliveryWorkers   = 4
	DefaultSessionSendBuffer = 16
)

// 意圖分類相關常數
const (
	DefaultClassifyTimeoutMS   = 2000
	DefaultConfidenceThreshold = 0.6
)

// MongoDB 查詢相關常數
const (
	DefaultMongoQueryLimit        = 20
	MaxMongoQueryLimit            = 100
	MaxMongoHistoryLimit          = 50
	DefaultUserConversationsLimit = 100
)

// 用戶 ID 相關常數
const (
	MaxUserIDLength = 100
)
