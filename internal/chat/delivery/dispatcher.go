package delivery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"shopchat/internal/platform/logger"
	"shopchat/internal/platform/metrics"
)

// MembershipSource 會話成員名單的來源（由會話存儲提供）
type MembershipSource interface {
	MemberIDs(ctx context.Context, conversationID string) ([]string, error)
}

// PushEnvelope 推送給客戶端的消息信封。
// 客戶端用 message_id 做去重：投遞語義是至少一次。
type PushEnvelope struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	Type           string    `json:"type"`
	Content        string    `json:"content"`
	Seq            int64     `json:"seq"`
	CreatedAt      time.Time `json:"created_at"`
}

// task 一次扇出任務：把一條已持久化的消息推給會話成員
type task struct {
	envelope PushEnvelope
}

// Dispatcher 持久化提交後的推送扇出調度器。
// 任務進入有界隊列由 worker 池處理，永不阻塞 append 路徑；
// 隊列滿時放棄任務（只記指標），客戶端之後靠未讀計數補課。
type Dispatcher struct {
	publisher Publisher
	members   MembershipSource

	tasks chan task
	wg    sync.WaitGroup

	cacheMu     sync.RWMutex
	memberCache map[string][]string

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewDispatcher 創建調度器並啟動 worker 池
func NewDispatcher(publisher Publisher, members MembershipSource, queueSize, workers int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 4
	}

	d := &Dispatcher{
		publisher:   publisher,
		members:     members,
		tasks:       make(chan task, queueSize),
		memberCache: make(map[string][]string),
		stopped:     make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	return d
}

// Enqueue 提交一次扇出任務。非阻塞：隊列滿或調度器已停止時
// 放棄並記指標，發送者的調用不受影響。
func (d *Dispatcher) Enqueue(envelope PushEnvelope) {
	select {
	case <-d.stopped:
		metrics.DeliveryPushes.WithLabelValues("dropped").Inc()
		return
	default:
	}

	select {
	case d.tasks <- task{envelope: envelope}:
		metrics.DeliveryQueueDepth.Set(float64(len(d.tasks)))
	default:
		metrics.DeliveryPushes.WithLabelValues("dropped").Inc()
		logger.Warning(context.Background(), "投遞隊列已滿，放棄扇出任務",
			logger.WithConversationID(envelope.ConversationID),
			logger.WithMessageID(envelope.MessageID))
	}
}

// InvalidateMembers 成員變動（加入成員、重新指派管理員）時
// 使快取失效，過期窗口不超過一個投遞週期。
func (d *Dispatcher) InvalidateMembers(conversationID string) {
	d.cacheMu.Lock()
	delete(d.memberCache, conversationID)
	d.cacheMu.Unlock()
}

// Stop 停止接收新任務，處理完隊列中剩餘任務後返回
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopped)
		d.wg.Wait()
	})
}

// worker 依序處理扇出任務
func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopped:
			// 收尾：處理完隊列中剩餘的任務再退出
			for {
				select {
				case t := <-d.tasks:
					d.fanOut(t.envelope)
				default:
					return
				}
			}
		case t := <-d.tasks:
			metrics.DeliveryQueueDepth.Set(float64(len(d.tasks)))
			d.fanOut(t.envelope)
		}
	}
}

// fanOut 把消息推給會話的全部成員（發送者除外）
func (d *Dispatcher) fanOut(envelope PushEnvelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	memberIDs, err := d.resolveMembers(ctx, envelope.ConversationID)
	if err != nil {
		logger.Error(ctx, "扇出時讀取會話成員失敗",
			logger.WithConversationID(envelope.ConversationID),
			logger.WithDetails(map[string]interface{}{"error": err.Error()}))
		return
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		logger.Error(ctx, "推送信封序列化失敗",
			logger.WithMessageID(envelope.MessageID),
			logger.WithDetails(map[string]interface{}{"error": err.Error()}))
		return
	}

	for _, memberID := range memberIDs {
		if memberID == envelope.SenderID {
			continue
		}
		if err := d.publisher.Publish(ctx, memberID, payload); err != nil {
			// 投遞失敗只記日誌，永不傳播回發送者
			logger.Warning(ctx, "推送發布失敗",
				logger.WithUserID(memberID),
				logger.WithMessageID(envelope.MessageID),
				logger.WithDetails(map[string]interface{}{"error": err.Error()}))
		}
	}
}

// resolveMembers 讀取會話成員名單（帶快取）
func (d *Dispatcher) resolveMembers(ctx context.Context, conversationID string) ([]string, error) {
	d.cacheMu.RLock()
	if cached, exists := d.memberCache[conversationID]; exists {
		d.cacheMu.RUnlock()
		return cached, nil
	}
	d.cacheMu.RUnlock()

	memberIDs, err := d.members.MemberIDs(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	d.cacheMu.Lock()
	d.memberCache[conversationID] = memberIDs
	d.cacheMu.Unlock()

	return memberIDs, nil
}
