// Package messagelog 實作追加式有序消息日誌與已讀狀態追蹤。
// 消息一經持久化不可變，會話內由序號保證全序；
// 推送扇出在持久化提交之後異步進行，永不阻塞追加路徑。
package messagelog

import (
	"context"
	"strings"
	"time"

	"shopchat/internal/chat"
	"shopchat/internal/chat/delivery"
	"shopchat/internal/platform/logger"
	"shopchat/internal/platform/metrics"
	"shopchat/internal/storage/database/conversation"
)

// 會話列表預覽的最大長度
const previewMaxLength = 100

// Notifier 持久化提交後接收扇出任務的一方
type Notifier interface {
	Enqueue(envelope delivery.PushEnvelope)
}

// Service 消息日誌服務
type Service struct {
	conversations conversation.ConversationRepository
	messages      conversation.MessageRepository
	reads         conversation.ReadStatusRepository
	notifier      Notifier
}

// NewService 創建消息日誌服務
func NewService(
	conversations conversation.ConversationRepository,
	messages conversation.MessageRepository,
	reads conversation.ReadStatusRepository,
	notifier Notifier,
) *Service {
	return &Service{
		conversations: conversations,
		messages:      messages,
		reads:         reads,
		notifier:      notifier,
	}
}

// Append 追加一條消息。驗證失敗在任何寫入之前同步返回；
// 成功後把扇出任務交給 notifier，投遞結果不影響本調用。
func (s *Service) Append(
	ctx context.Context, conversationID, senderID string, msgType chat.MessageType, content string,
) (*conversation.Message, error) {
	if !msgType.IsValid() {
		return nil, chat.ErrInvalidConversationRequest
	}
	// 文字消息不允許空白；圖片引用是不透明字串，不做內容檢查
	if msgType == chat.MessageTypeText && strings.TrimSpace(content) == "" {
		return nil, chat.ErrEmptyContent
	}

	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, chat.ErrConversationNotFound
	}

	isMember, err := s.conversations.IsMember(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, chat.ErrNotAMember
	}

	msg := &conversation.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Type:           string(msgType),
		Content:        content,
	}

	start := time.Now()
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, err
	}
	metrics.AppendLatency.Observe(time.Since(start).Seconds())
	metrics.MessagesAppended.WithLabelValues(conv.Type).Inc()

	// 會話列表預覽，失敗只記日誌
	if err := s.conversations.UpdateLastMessage(ctx, conversationID, preview(msgType, content), msg.CreatedAt); err != nil {
		logger.Warning(ctx, "更新會話預覽失敗",
			logger.WithConversationID(conversationID),
			logger.WithDetails(map[string]interface{}{"error": err.Error()}))
	}

	// 持久化已提交，交給投遞扇出；至少一次，客戶端按 message_id 去重
	s.notifier.Enqueue(delivery.PushEnvelope{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		Type:           msg.Type,
		Content:        msg.Content,
		Seq:            msg.Seq,
		CreatedAt:      msg.CreatedAt,
	})

	return msg, nil
}

// History 讀取會話歷史，按序號升序，游標分頁
func (s *Service) History(
	ctx context.Context, conversationID, userID string, limit int, cursor string,
) ([]*conversation.Message, string, bool, error) {
	isMember, err := s.conversations.IsMember(ctx, conversationID, userID)
	if err != nil {
		return nil, "", false, err
	}
	if !isMember {
		return nil, "", false, chat.ErrNotAMember
	}

	return s.messages.ListByConversation(ctx, conversationID, limit, cursor)
}

// MarkRead 標記單條消息已讀。冪等：重複調用是無操作。
func (s *Service) MarkRead(ctx context.Context, messageID, userID string) error {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		// 消息不存在：冪等無操作，與重複標記同樣處理
		return nil
	}

	isMember, err := s.conversations.IsMember(ctx, msg.ConversationID, userID)
	if err != nil {
		return err
	}
	if !isMember {
		return chat.ErrNotAMember
	}

	return s.reads.MarkRead(ctx, messageID, userID)
}

// MarkConversationRead 標記會話全部消息已讀（重連後的補課操作）
func (s *Service) MarkConversationRead(ctx context.Context, conversationID, userID string) error {
	isMember, err := s.conversations.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !isMember {
		return chat.ErrNotAMember
	}

	return s.reads.MarkConversationRead(ctx, conversationID, userID)
}

// UnreadCount 計算用戶在會話中的未讀數：
// 他人發送且沒有對應已讀記錄的消息數。只用計數查詢，不載入消息內容。
func (s *Service) UnreadCount(ctx context.Context, conversationID, userID string) (int64, error) {
	isMember, err := s.conversations.IsMember(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	if !isMember {
		return 0, chat.ErrNotAMember
	}

	totalFromOthers, err := s.messages.CountFromOthers(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	readFromOthers, err := s.reads.CountReadFromOthers(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}

	unread := totalFromOthers - readFromOthers
	if unread < 0 {
		unread = 0
	}
	return unread, nil
}

// preview 生成會話列表的消息預覽
func preview(msgType chat.MessageType, content string) string {
	if msgType == chat.MessageTypeImage {
		return "[圖片]"
	}
	trimmed := strings.TrimSpace(content)
	runes := []rune(trimmed)
	if len(runes) > previewMaxLength {
		return string(runes[:previewMaxLength])
	}
	return trimmed
}
