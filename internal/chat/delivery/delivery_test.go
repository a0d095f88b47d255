package delivery

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// fakeMembers 固定成員名單的來源
type fakeMembers struct {
	mu      sync.Mutex
	members map[string][]string
	calls   int
}

func (f *fakeMembers) MemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.members[conversationID], nil
}

func waitForPayload(t *testing.T, session *Session) PushEnvelope {
	t.Helper()
	select {
	case payload := <-session.Receive():
		var envelope PushEnvelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			t.Fatalf("推送信封解析失敗: %v", err)
		}
		return envelope
	case <-time.After(2 * time.Second):
		t.Fatal("等待推送超時")
		return PushEnvelope{}
	}
}

// TestFanOutExcludesSender 扇出推給其他成員，不推給發送者本人
func TestFanOutExcludesSender(t *testing.T) {
	hub := NewHub(16)
	members := &fakeMembers{members: map[string][]string{
		"conv_1": {"buyer", "seller"},
	}}
	dispatcher := NewDispatcher(hub, members, 64, 2)
	defer dispatcher.Stop()

	buyerSession := hub.Subscribe("buyer")
	sellerSession := hub.Subscribe("seller")
	defer hub.Unsubscribe(buyerSession)
	defer hub.Unsubscribe(sellerSession)

	dispatcher.Enqueue(PushEnvelope{
		ConversationID: "conv_1",
		MessageID:      "msg_1",
		SenderID:       "buyer",
		Type:           "text",
		Content:        "Where is my order?",
		Seq:            1,
	})

	envelope := waitForPayload(t, sellerSession)
	if envelope.SenderID != "buyer" || envelope.Content != "Where is my order?" {
		t.Fatalf("賣家收到的信封不正確: %+v", envelope)
	}

	// 發送者自己不應收到推送
	select {
	case payload := <-buyerSession.Receive():
		t.Fatalf("發送者不應收到自己消息的推送: %s", payload)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestFanOutMultipleSessions 同一用戶的多個 session 都收到推送
func TestFanOutMultipleSessions(t *testing.T) {
	hub := NewHub(16)
	members := &fakeMembers{members: map[string][]string{
		"conv_1": {"buyer", "seller"},
	}}
	dispatcher := NewDispatcher(hub, members, 64, 2)
	defer dispatcher.Stop()

	first := hub.Subscribe("seller")
	second := hub.Subscribe("seller")
	defer hub.Unsubscribe(first)
	defer hub.Unsubscribe(second)

	dispatcher.Enqueue(PushEnvelope{
		ConversationID: "conv_1",
		MessageID:      "msg_1",
		SenderID:       "buyer",
		Content:        "hello",
	})

	waitForPayload(t, first)
	waitForPayload(t, second)
}

// TestSlowSessionDropped 緩衝滿的 session 被放棄，不拖慢其他 session
func TestSlowSessionDropped(t *testing.T) {
	hub := NewHub(1)
	members := &fakeMembers{members: map[string][]string{
		"conv_1": {"buyer", "seller", "staff"},
	}}
	dispatcher := NewDispatcher(hub, members, 64, 1)
	defer dispatcher.Stop()

	// slow 從不消費，緩衝大小 1，第二條起必然放棄
	slowSession := hub.Subscribe("seller")
	fastSession := hub.Subscribe("staff")
	defer hub.Unsubscribe(slowSession)
	defer hub.Unsubscribe(fastSession)

	// fast session 必須收到全部三條；它的緩衝同樣只有 1，
	// 逐條入隊並立即消費，確保它的緩衝在下一條投遞前已騰空
	for i := 0; i < 3; i++ {
		dispatcher.Enqueue(PushEnvelope{
			ConversationID: "conv_1",
			MessageID:      "msg",
			SenderID:       "buyer",
			Seq:            int64(i + 1),
		})
		waitForPayload(t, fastSession)
	}

	// slow session 只留下塞進緩衝的第一條，其餘被放棄
	waitForPayload(t, slowSession)
	select {
	case payload := <-slowSession.Receive():
		t.Fatalf("緩衝滿後的消息應被放棄，卻收到: %s", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestStalledSessionDoesNotDelayOthers 塞住的 session 不能拖延
// 同一輪發布裡其他用戶的投遞
func TestStalledSessionDoesNotDelayOthers(t *testing.T) {
	hub := NewHub(1)

	stalledSession := hub.Subscribe("seller")
	otherSession := hub.Subscribe("staff")
	defer hub.Unsubscribe(stalledSession)
	defer hub.Unsubscribe(otherSession)

	ctx := context.Background()

	// 填滿塞住 session 的緩衝
	if err := hub.Publish(ctx, "seller", []byte(`{"seq":1}`)); err != nil {
		t.Fatalf("發布失敗: %v", err)
	}

	// 對塞住的用戶再發布一次，然後發給另一個用戶；
	// 全程必須立即返回，不能等待塞住的緩衝騰出空間
	start := time.Now()
	if err := hub.Publish(ctx, "seller", []byte(`{"seq":2}`)); err != nil {
		t.Fatalf("發布失敗: %v", err)
	}
	if err := hub.Publish(ctx, "staff", []byte(`{"seq":2}`)); err != nil {
		t.Fatalf("發布失敗: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("塞住的 session 拖延了其他用戶的投遞: %v", elapsed)
	}

	select {
	case <-otherSession.Receive():
	case <-time.After(time.Second):
		t.Fatal("另一個用戶應立即收到推送")
	}
}

// TestOfflineUserNoError 成員不在線時扇出靜默跳過
func TestOfflineUserNoError(t *testing.T) {
	hub := NewHub(16)
	members := &fakeMembers{members: map[string][]string{
		"conv_1": {"buyer", "seller"},
	}}
	dispatcher := NewDispatcher(hub, members, 64, 1)
	defer dispatcher.Stop()

	// 無人在線，不應 panic 或報錯
	dispatcher.Enqueue(PushEnvelope{
		ConversationID: "conv_1",
		MessageID:      "msg_1",
		SenderID:       "buyer",
	})

	time.Sleep(100 * time.Millisecond)
}

// TestMemberCacheInvalidation 成員變動後快取失效，下一個投遞週期看到新名單
func TestMemberCacheInvalidation(t *testing.T) {
	hub := NewHub(16)
	members := &fakeMembers{members: map[string][]string{
		"conv_1": {"buyer", "seller"},
	}}
	dispatcher := NewDispatcher(hub, members, 64, 1)
	defer dispatcher.Stop()

	newcomerSession := hub.Subscribe("admin")
	defer hub.Unsubscribe(newcomerSession)

	// 第一次扇出把舊名單放進快取
	dispatcher.Enqueue(PushEnvelope{ConversationID: "conv_1", MessageID: "m1", SenderID: "buyer"})
	time.Sleep(100 * time.Millisecond)

	// 名單變動 + 失效
	members.mu.Lock()
	members.members["conv_1"] = []string{"buyer", "seller", "admin"}
	members.mu.Unlock()
	dispatcher.InvalidateMembers("conv_1")

	dispatcher.Enqueue(PushEnvelope{ConversationID: "conv_1", MessageID: "m2", SenderID: "buyer"})

	envelope := waitForPayload(t, newcomerSession)
	if envelope.MessageID != "m2" {
		t.Fatalf("新成員應收到失效後的第一條消息，得到: %+v", envelope)
	}
}

// TestUnsubscribeStopsFuturePushes 斷線後的 session 不再收到推送
func TestUnsubscribeStopsFuturePushes(t *testing.T) {
	hub := NewHub(16)

	session := hub.Subscribe("seller")
	hub.Unsubscribe(session)

	if hub.IsOnline("seller") {
		t.Fatal("取消訂閱後用戶不應在線")
	}

	// 對已關閉 session 的發布不應 panic
	if err := hub.Publish(context.Background(), "seller", []byte("{}")); err != nil {
		t.Fatalf("對離線用戶發布不應報錯: %v", err)
	}
}
