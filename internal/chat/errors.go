package chat

import "errors"

// 領域錯誤。驗證錯誤在任何寫入發生之前同步返回給調用方。
var (
	// ErrInvalidConversationRequest 會話請求缺少或矛盾的關聯識別碼
	ErrInvalidConversationRequest = errors.New("invalid conversation request")

	// ErrNotAMember 發送者/讀取者不是會話成員
	ErrNotAMember = errors.New("user is not a member of the conversation")

	// ErrEmptyContent 文字消息內容為空白
	ErrEmptyContent = errors.New("message content is empty")

	// ErrNoAdminAvailable 沒有可指派的管理員，調用方可稍後重試
	ErrNoAdminAvailable = errors.New("no admin available for assignment")

	// ErrConversationNotFound 會話不存在
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrClassificationUnavailable 分類後端不可用。內部錯誤，
	// 永不對外暴露，一律降級為 fallback 路由
	ErrClassificationUnavailable = errors.New("classification backend unavailable")
)
