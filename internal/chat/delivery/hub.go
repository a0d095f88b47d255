// Package delivery 實作新消息的即時推送扇出。
// 投遞是至少一次、盡力而為：任何投遞失敗只記日誌與指標，
// 永不傳播回發送者的調用，客戶端靠歷史與未讀計數補課。
package delivery

import (
	"context"
	"sync"

	"shopchat/internal/platform/logger"
	"shopchat/internal/platform/metrics"

	"github.com/google/uuid"
)

// Publisher 推送傳輸的抽象：對零或多個訂閱者做盡力而為的發布。
// destination 是用戶 ID；核心不依賴具體傳輸協議。
type Publisher interface {
	Publish(ctx context.Context, destination string, payload []byte) error
}

// Session 一條已連接的推送通道（一個用戶可有多個並存的 session）
type Session struct {
	ID     string
	UserID string

	send    chan []byte
	closed  bool
	closeMu sync.Mutex
}

// Receive 返回接收通道，供傳輸層（SSE handler）消費
func (s *Session) Receive() <-chan []byte {
	return s.send
}

// close 關閉發送通道，冪等
func (s *Session) close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// trySend 非阻塞發送。session 已關閉或緩衝已滿時立即返回 false，
// 永不等待：一個塞住的 session 不能拖延同一次發布裡的其他 session。
func (s *Session) trySend(payload []byte) bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return false
	}

	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// Hub 管理所有在線 session，並以用戶 ID 為目的地實作 Publisher
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Session // userID -> sessionID -> session

	sendBuffer int
}

// NewHub 創建新的推送中樞
func NewHub(sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 16
	}
	return &Hub{
		sessions:   make(map[string]map[string]*Session),
		sendBuffer: sendBuffer,
	}
}

// Subscribe 為用戶註冊一條新的推送 session
func (h *Hub) Subscribe(userID string) *Session {
	session := &Session{
		ID:     uuid.New().String(),
		UserID: userID,
		send:   make(chan []byte, h.sendBuffer),
	}

	h.mu.Lock()
	if h.sessions[userID] == nil {
		h.sessions[userID] = make(map[string]*Session)
	}
	h.sessions[userID][session.ID] = session
	h.mu.Unlock()

	metrics.ActiveSessions.Inc()
	return session
}

// Unsubscribe 移除 session（客戶端斷線時調用）。
// 只取消該 session 之後的推送，進行中的寫入不受影響。
func (h *Hub) Unsubscribe(session *Session) {
	h.mu.Lock()
	if userSessions, exists := h.sessions[session.UserID]; exists {
		if _, exists := userSessions[session.ID]; exists {
			delete(userSessions, session.ID)
			if len(userSessions) == 0 {
				delete(h.sessions, session.UserID)
			}
			metrics.ActiveSessions.Dec()
		}
	}
	h.mu.Unlock()

	session.close()
}

// Publish 把 payload 推給目的地用戶的所有在線 session。
// 發送緩衝已滿的 session 直接放棄這條消息（不同步重試），
// 慢客戶端不能拖慢其他 session 的投遞。
func (h *Hub) Publish(ctx context.Context, destination string, payload []byte) error {
	h.mu.RLock()
	userSessions := h.sessions[destination]
	targets := make([]*Session, 0, len(userSessions))
	for _, session := range userSessions {
		targets = append(targets, session)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		metrics.DeliveryPushes.WithLabelValues("no_session").Inc()
		return nil
	}

	for _, session := range targets {
		if session.trySend(payload) {
			metrics.DeliveryPushes.WithLabelValues("sent").Inc()
			continue
		}
		// 緩衝滿或 session 已關閉：這條消息對該 session 放棄，
		// 客戶端之後靠歷史與未讀計數補課
		metrics.DeliveryPushes.WithLabelValues("dropped").Inc()
		logger.Warning(ctx, "session 無法接收推送，放棄本條消息",
			logger.WithUserID(session.UserID),
			logger.WithDetails(map[string]interface{}{
				"session_id": session.ID,
			}))
	}

	return nil
}

// IsOnline 檢查用戶是否有在線 session
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID]) > 0
}

// Stats 獲取在線統計
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, userSessions := range h.sessions {
		total += len(userSessions)
	}
	return map[string]interface{}{
		"online_users":   len(h.sessions),
		"total_sessions": total,
	}
}
