package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"shopchat/internal/chat"
	"shopchat/internal/chat/assign"
	"shopchat/internal/chat/intent"
	"shopchat/internal/identity"
	"shopchat/internal/storage/database/conversation"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// ---- 測試替身 ----

type memConversations struct {
	mu      sync.Mutex
	convs   map[string]*conversation.Conversation
	created int
	failGet error
}

func newMemConversations() *memConversations {
	return &memConversations{convs: make(map[string]*conversation.Conversation)}
}

func (m *memConversations) Create(ctx context.Context, conv *conversation.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// 模擬 (type, requester_id) 的部分唯一索引
	if conv.Type == "support" && conv.SupportOpen {
		for _, existing := range m.convs {
			if existing.Type == "support" && existing.SupportOpen && existing.RequesterID == conv.RequesterID {
				return mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000}}}
			}
		}
	}
	m.created++
	conv.ID = fmt.Sprintf("conv_%d", m.created)
	conv.CreatedAt = time.Now()
	m.convs[conv.ID] = conv
	return nil
}

func (m *memConversations) GetByID(ctx context.Context, id string) (*conversation.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return nil, m.failGet
	}
	return m.convs[id], nil
}

func (m *memConversations) FindByCorrelation(ctx context.Context, convType, field, id string) (*conversation.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conv := range m.convs {
		if conv.Type != convType {
			continue
		}
		if field == "order_id" && conv.OrderID == id {
			return conv, nil
		}
		if field == "shop_id" && conv.ShopID == id {
			return conv, nil
		}
	}
	return nil, nil
}

func (m *memConversations) FindOpenSupport(ctx context.Context, userID string) (*conversation.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conv := range m.convs {
		if conv.Type != "support" || !conv.SupportOpen {
			continue
		}
		for _, member := range conv.Members {
			if member.UserID == userID {
				return conv, nil
			}
		}
	}
	return nil, nil
}

func (m *memConversations) ListUserConversations(ctx context.Context, userID string, limit int, cursor string) ([]*conversation.Conversation, string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := []*conversation.Conversation{}
	for _, conv := range m.convs {
		for _, member := range conv.Members {
			if member.UserID == userID {
				result = append(result, conv)
				break
			}
		}
	}
	return result, "", false, nil
}

func (m *memConversations) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, exists := m.convs[conversationID]
	if !exists {
		return false, nil
	}
	for _, member := range conv.Members {
		if member.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memConversations) AddMember(ctx context.Context, conversationID string, member *conversation.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, exists := m.convs[conversationID]
	if !exists {
		return fmt.Errorf("conversation not found: %s", conversationID)
	}
	for _, existing := range conv.Members {
		if existing.UserID == member.UserID {
			return nil
		}
	}
	conv.Members = append(conv.Members, *member)
	return nil
}

func (m *memConversations) GetMembers(ctx context.Context, conversationID string) ([]conversation.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv, exists := m.convs[conversationID]; exists {
		return conv.Members, nil
	}
	return nil, nil
}

func (m *memConversations) UpdateLastMessage(ctx context.Context, conversationID, preview string, at time.Time) error {
	return nil
}

func (m *memConversations) SetAssignedAdmin(ctx context.Context, conversationID, adminID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv, exists := m.convs[conversationID]; exists {
		conv.AssignedAdminID = adminID
	}
	return nil
}

func (m *memConversations) CloseSupport(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv, exists := m.convs[conversationID]; exists {
		conv.SupportOpen = false
	}
	return nil
}

func (m *memConversations) SetArchived(ctx context.Context, conversationID string, archived bool) error {
	return nil
}

// fakeDirectory 固定名單的用戶目錄
type fakeDirectory struct {
	admins map[string]bool
	staff  map[string][]string // shopID -> staff user IDs
}

func (f *fakeDirectory) Resolve(ctx context.Context, userID string) (*identity.Profile, error) {
	return &identity.Profile{UserID: userID, Name: "名字_" + userID, IsAdmin: f.admins[userID]}, nil
}

func (f *fakeDirectory) IsAdmin(ctx context.Context, userID string) (bool, error) {
	return f.admins[userID], nil
}

func (f *fakeDirectory) ShopStaff(ctx context.Context, shopID string) ([]*identity.Profile, error) {
	profiles := []*identity.Profile{}
	for _, userID := range f.staff[shopID] {
		profiles = append(profiles, &identity.Profile{UserID: userID, Name: "名字_" + userID})
	}
	return profiles, nil
}

func (f *fakeDirectory) Admins(ctx context.Context) ([]*identity.Profile, error) {
	profiles := []*identity.Profile{}
	for userID := range f.admins {
		profiles = append(profiles, &identity.Profile{UserID: userID, IsAdmin: true})
	}
	return profiles, nil
}

// fakeScorer 可控的分類後端替身
type fakeScorer struct {
	label      string
	confidence float64
	err        error
}

func (f *fakeScorer) Score(ctx context.Context, text string) (string, float64, error) {
	if f.err != nil {
		return "", 0, f.err
	}
	return f.label, f.confidence, nil
}

// fakeInvalidator 記錄成員快取失效調用
type fakeInvalidator struct {
	mu          sync.Mutex
	invalidated []string
}

func (f *fakeInvalidator) InvalidateMembers(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, conversationID)
}

type testEnv struct {
	svc         *Service
	convs       *memConversations
	pool        *assign.Pool
	invalidator *fakeInvalidator
}

func newTestEnv(scorer intent.Scorer, adminIDs ...string) *testEnv {
	convs := newMemConversations()
	admins := make(map[string]bool)
	profiles := []*identity.Profile{}
	for _, id := range adminIDs {
		admins[id] = true
		profiles = append(profiles, &identity.Profile{UserID: id, IsAdmin: true})
	}
	users := &fakeDirectory{
		admins: admins,
		staff:  map[string][]string{"shop_9": {"staff_1", "staff_2"}},
	}
	pool := assign.NewPool()
	pool.Sync(profiles)
	invalidator := &fakeInvalidator{}
	gateway := intent.NewGateway(scorer, 0.6, time.Second)

	return &testEnv{
		svc:         NewService(convs, users, pool, gateway, invalidator),
		convs:       convs,
		pool:        pool,
		invalidator: invalidator,
	}
}

// ---- 測試 ----

// TestOrderConversationRequiresOrderID 缺少關聯識別碼在寫入前被拒
func TestOrderConversationRequiresOrderID(t *testing.T) {
	env := newTestEnv(&fakeScorer{})

	_, err := env.svc.CreateOrGet(context.Background(), "buyer", CreateConversationRequest{
		Type: chat.ConversationTypeOrder,
	})
	if !errors.Is(err, chat.ErrInvalidConversationRequest) {
		t.Fatalf("缺少 order_id 應返回 ErrInvalidConversationRequest，得到: %v", err)
	}
	if len(env.convs.convs) != 0 {
		t.Fatal("驗證失敗不應寫入任何會話")
	}

	_, err = env.svc.CreateOrGet(context.Background(), "buyer", CreateConversationRequest{
		Type: chat.ConversationTypeShop,
	})
	if !errors.Is(err, chat.ErrInvalidConversationRequest) {
		t.Fatalf("缺少 shop_id 應返回 ErrInvalidConversationRequest，得到: %v", err)
	}
}

// TestOrderConversationIdempotent 同一訂單的重複請求返回同一會話，
// 不同請求者作為成員加入而不是另開會話
func TestOrderConversationIdempotent(t *testing.T) {
	env := newTestEnv(&fakeScorer{})
	ctx := context.Background()
	req := CreateConversationRequest{
		Type:    chat.ConversationTypeOrder,
		OrderID: "order_42",
		ShopID:  "shop_9",
	}

	first, err := env.svc.CreateOrGet(ctx, "buyer_a", req)
	if err != nil {
		t.Fatalf("首次創建失敗: %v", err)
	}

	second, err := env.svc.CreateOrGet(ctx, "buyer_b", req)
	if err != nil {
		t.Fatalf("第二次請求失敗: %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("同一訂單應返回同一會話，得到 %s 與 %s", first.ID, second.ID)
	}
	if len(env.convs.convs) != 1 {
		t.Fatalf("應只有 1 個會話，得到 %d", len(env.convs.convs))
	}

	// 兩個請求者都是成員，店鋪工作人員也在
	for _, userID := range []string{"buyer_a", "buyer_b", "staff_1", "staff_2"} {
		isMember, _ := env.convs.IsMember(ctx, first.ID, userID)
		if !isMember {
			t.Errorf("用戶 %s 應是會話成員", userID)
		}
	}
}

// TestRepeatRequesterNoDuplicateMember 同一請求者重複請求不會重複加入
func TestRepeatRequesterNoDuplicateMember(t *testing.T) {
	env := newTestEnv(&fakeScorer{})
	ctx := context.Background()
	req := CreateConversationRequest{Type: chat.ConversationTypeShop, ShopID: "shop_9"}

	first, err := env.svc.CreateOrGet(ctx, "buyer", req)
	if err != nil {
		t.Fatalf("首次創建失敗: %v", err)
	}
	second, err := env.svc.CreateOrGet(ctx, "buyer", req)
	if err != nil {
		t.Fatalf("重複請求失敗: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("重複請求應返回同一會話")
	}

	members, _ := env.convs.GetMembers(ctx, first.ID)
	count := 0
	for _, member := range members {
		if member.UserID == "buyer" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("請求者應只出現一次，出現 %d 次", count)
	}
}

// TestAddMemberIdempotent 顯式加入成員冪等，且使投遞快取失效
func TestAddMemberIdempotent(t *testing.T) {
	env := newTestEnv(&fakeScorer{})
	ctx := context.Background()

	conv, err := env.svc.CreateOrGet(ctx, "buyer", CreateConversationRequest{
		Type:    chat.ConversationTypeOrder,
		OrderID: "order_7",
	})
	if err != nil {
		t.Fatalf("創建失敗: %v", err)
	}

	if err := env.svc.AddMember(ctx, conv.ID, "seller_x", chat.MemberRoleSeller); err != nil {
		t.Fatalf("加入成員失敗: %v", err)
	}
	if err := env.svc.AddMember(ctx, conv.ID, "seller_x", chat.MemberRoleSeller); err != nil {
		t.Fatalf("重複加入應是無操作: %v", err)
	}

	members, _ := env.convs.GetMembers(ctx, conv.ID)
	count := 0
	for _, member := range members {
		if member.UserID == "seller_x" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("成員應只出現一次，出現 %d 次", count)
	}

	if err := env.svc.AddMember(ctx, conv.ID, "someone", chat.MemberRole("owner")); err == nil {
		t.Fatal("無效角色應被拒絕")
	}
	if err := env.svc.AddMember(ctx, "conv_missing", "someone", chat.MemberRoleBuyer); !errors.Is(err, chat.ErrConversationNotFound) {
		t.Fatalf("不存在的會話應返回 ErrConversationNotFound，得到: %v", err)
	}

	found := false
	for _, id := range env.invalidator.invalidated {
		if id == conv.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("加入成員後應使成員快取失效")
	}
}

// TestSupportAssignsAdmin 客服會話創建時指派一名管理員
func TestSupportAssignsAdmin(t *testing.T) {
	env := newTestEnv(&fakeScorer{label: "refund", confidence: 0.9}, "admin_1")

	conv, err := env.svc.CreateOrGet(context.Background(), "buyer", CreateConversationRequest{
		Type:    chat.ConversationTypeSupport,
		Subject: "我要退款",
	})
	if err != nil {
		t.Fatalf("創建客服會話失敗: %v", err)
	}

	if conv.AssignedAdminID != "admin_1" {
		t.Fatalf("應指派 admin_1，得到: %s", conv.AssignedAdminID)
	}
	if conv.RoutedIntent != "refund" {
		t.Fatalf("高信心分類應記錄意圖 refund，得到: %s", conv.RoutedIntent)
	}
	if !conv.SupportOpen {
		t.Fatal("新建的客服會話應為開啟狀態")
	}

	isMember, _ := env.convs.IsMember(context.Background(), conv.ID, "admin_1")
	if !isMember {
		t.Fatal("指派的管理員應是會話成員")
	}
}

// TestSupportLowConfidenceFallsBack 低信心分類路由給人工，意圖記為 unknown
func TestSupportLowConfidenceFallsBack(t *testing.T) {
	env := newTestEnv(&fakeScorer{label: "refund", confidence: 0.4}, "admin_1")

	conv, err := env.svc.CreateOrGet(context.Background(), "buyer", CreateConversationRequest{
		Type:    chat.ConversationTypeSupport,
		Subject: "說不清楚的問題",
	})
	if err != nil {
		t.Fatalf("創建客服會話失敗: %v", err)
	}

	if conv.RoutedIntent != string(chat.IntentUnknown) {
		t.Fatalf("低信心分類應記錄 unknown，得到: %s", conv.RoutedIntent)
	}
	if conv.AssignedAdminID == "" {
		t.Fatal("fallback 必須指派人工管理員")
	}
}

// TestSupportClassifierErrorStillCreates 分類後端失敗不阻塞會話創建
func TestSupportClassifierErrorStillCreates(t *testing.T) {
	env := newTestEnv(&fakeScorer{err: fmt.Errorf("backend down")}, "admin_1")

	conv, err := env.svc.CreateOrGet(context.Background(), "buyer", CreateConversationRequest{
		Type:    chat.ConversationTypeSupport,
		Subject: "任何問題",
	})
	if err != nil {
		t.Fatalf("分類失敗不應阻塞創建: %v", err)
	}
	if conv.RoutedIntent != string(chat.IntentUnknown) {
		t.Fatalf("分類失敗應降級為 unknown，得到: %s", conv.RoutedIntent)
	}
}

// TestSupportNoAdminAvailable 無管理員可指派時創建失敗，無部分寫入
func TestSupportNoAdminAvailable(t *testing.T) {
	env := newTestEnv(&fakeScorer{})

	_, err := env.svc.CreateOrGet(context.Background(), "buyer", CreateConversationRequest{
		Type: chat.ConversationTypeSupport,
	})
	if !errors.Is(err, chat.ErrNoAdminAvailable) {
		t.Fatalf("應返回 ErrNoAdminAvailable，得到: %v", err)
	}
	if len(env.convs.convs) != 0 {
		t.Fatal("指派失敗不應寫入會話")
	}
}

// TestSupportSingleOpenConversation 同一請求者最多一個開啟中的客服會話
func TestSupportSingleOpenConversation(t *testing.T) {
	env := newTestEnv(&fakeScorer{}, "admin_1", "admin_2")
	ctx := context.Background()
	req := CreateConversationRequest{Type: chat.ConversationTypeSupport, Subject: "問題"}

	first, err := env.svc.CreateOrGet(ctx, "buyer", req)
	if err != nil {
		t.Fatalf("首次創建失敗: %v", err)
	}
	second, err := env.svc.CreateOrGet(ctx, "buyer", req)
	if err != nil {
		t.Fatalf("第二次請求失敗: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("開啟中的客服會話應被重用，得到 %s 與 %s", first.ID, second.ID)
	}

	// 關閉後可再開新會話
	if err := env.svc.CloseSupport(ctx, first.ID); err != nil {
		t.Fatalf("關閉失敗: %v", err)
	}
	third, err := env.svc.CreateOrGet(ctx, "buyer", req)
	if err != nil {
		t.Fatalf("關閉後再創建失敗: %v", err)
	}
	if third.ID == first.ID {
		t.Fatal("關閉後的會話不應被重用")
	}
}

// TestSupportDirectAssign 點名有效管理員時直接指派
func TestSupportDirectAssign(t *testing.T) {
	env := newTestEnv(&fakeScorer{}, "admin_1", "admin_2")

	conv, err := env.svc.CreateOrGet(context.Background(), "buyer", CreateConversationRequest{
		Type:         chat.ConversationTypeSupport,
		TargetUserID: "admin_2",
	})
	if err != nil {
		t.Fatalf("創建失敗: %v", err)
	}
	if conv.AssignedAdminID != "admin_2" {
		t.Fatalf("應直接指派 admin_2，得到: %s", conv.AssignedAdminID)
	}
}

// TestReassign 重新指派換成新管理員並使成員快取失效
func TestReassign(t *testing.T) {
	env := newTestEnv(&fakeScorer{}, "admin_1", "admin_2")
	ctx := context.Background()

	conv, err := env.svc.CreateOrGet(ctx, "buyer", CreateConversationRequest{
		Type: chat.ConversationTypeSupport,
	})
	if err != nil {
		t.Fatalf("創建失敗: %v", err)
	}
	originalAdmin := conv.AssignedAdminID

	newAdmin, err := env.svc.Reassign(ctx, conv.ID)
	if err != nil {
		t.Fatalf("重新指派失敗: %v", err)
	}
	if newAdmin == originalAdmin {
		t.Fatalf("重新指派應選不同的管理員，仍是: %s", newAdmin)
	}

	updated, _ := env.convs.GetByID(ctx, conv.ID)
	if updated.AssignedAdminID != newAdmin {
		t.Fatalf("會話的負責管理員應更新為 %s，得到: %s", newAdmin, updated.AssignedAdminID)
	}

	found := false
	for _, id := range env.invalidator.invalidated {
		if id == conv.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("重新指派後應使成員快取失效")
	}
}

// TestSupportConcurrentCreateSingleConversation 同一請求者並發開啟客服：
// 唯一索引擋下後來者，所有請求收斂到同一個會話
func TestSupportConcurrentCreateSingleConversation(t *testing.T) {
	env := newTestEnv(&fakeScorer{}, "admin_1", "admin_2")
	ctx := context.Background()
	req := CreateConversationRequest{Type: chat.ConversationTypeSupport, Subject: "問題"}

	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := env.svc.CreateOrGet(ctx, "buyer", req)
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = conv.ID
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("並發創建第 %d 個請求失敗: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("並發創建應收斂到同一會話，得到 %s 與 %s", ids[0], ids[i])
		}
	}
	if len(env.convs.convs) != 1 {
		t.Fatalf("應只有 1 個開啟中的客服會話，得到 %d", len(env.convs.convs))
	}
}

// TestRepositoryErrorNotMaskedAsNotFound 倉儲故障按原樣上報，
// 不能偽裝成會話不存在
func TestRepositoryErrorNotMaskedAsNotFound(t *testing.T) {
	env := newTestEnv(&fakeScorer{}, "admin_1")
	ctx := context.Background()

	conv, err := env.svc.CreateOrGet(ctx, "buyer", CreateConversationRequest{
		Type: chat.ConversationTypeSupport,
	})
	if err != nil {
		t.Fatalf("創建失敗: %v", err)
	}

	dbErr := errors.New("connection reset by peer")
	env.convs.failGet = dbErr

	if _, err := env.svc.Get(ctx, conv.ID, "buyer"); !errors.Is(err, dbErr) {
		t.Fatalf("Get 應上報倉儲錯誤，得到: %v", err)
	}
	if err := env.svc.AddMember(ctx, conv.ID, "seller", chat.MemberRoleSeller); !errors.Is(err, dbErr) {
		t.Fatalf("AddMember 應上報倉儲錯誤，得到: %v", err)
	}
	if err := env.svc.CloseSupport(ctx, conv.ID); !errors.Is(err, dbErr) {
		t.Fatalf("CloseSupport 應上報倉儲錯誤，得到: %v", err)
	}
	if _, err := env.svc.Reassign(ctx, conv.ID); !errors.Is(err, dbErr) {
		t.Fatalf("Reassign 應上報倉儲錯誤，得到: %v", err)
	}
}
