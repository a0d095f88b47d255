// Package directory 實作會話目錄：按類型解析與創建會話、
// 維護成員集合，並在客服會話上協調意圖分類與管理員指派。
package directory

import (
	"context"
	"time"

	"shopchat/internal/chat"
	"shopchat/internal/chat/assign"
	"shopchat/internal/chat/intent"
	"shopchat/internal/identity"
	"shopchat/internal/platform/logger"
	"shopchat/internal/storage/database/conversation"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// CreateConversationRequest 創建會話請求
type CreateConversationRequest struct {
	Type         chat.ConversationType `json:"type"`
	OrderID      string                `json:"order_id,omitempty"`
	ShopID       string                `json:"shop_id,omitempty"`
	TargetUserID string                `json:"target_user_id,omitempty"`
	Subject      string                `json:"subject,omitempty"`
}

// MembershipInvalidator 成員變動時需要被通知的一方（投遞快取）
type MembershipInvalidator interface {
	InvalidateMembers(conversationID string)
}

// Service 會話目錄服務
type Service struct {
	conversations conversation.ConversationRepository
	users         identity.Directory
	pool          *assign.Pool
	classifier    *intent.Gateway
	invalidator   MembershipInvalidator
}

// NewService 創建會話目錄服務
func NewService(
	conversations conversation.ConversationRepository,
	users identity.Directory,
	pool *assign.Pool,
	classifier *intent.Gateway,
	invalidator MembershipInvalidator,
) *Service {
	return &Service{
		conversations: conversations,
		users:         users,
		pool:          pool,
		classifier:    classifier,
		invalidator:   invalidator,
	}
}

// CreateOrGet 解析或創建會話。
// order/shop 類型按關聯識別碼冪等：同一識別碼的重複請求返回
// 同一個會話，新的請求者作為成員加入而不是另開會話。
func (s *Service) CreateOrGet(
	ctx context.Context, requesterID string, req CreateConversationRequest,
) (*conversation.Conversation, error) {
	if !req.Type.IsValid() {
		return nil, chat.ErrInvalidConversationRequest
	}

	switch req.Type {
	case chat.ConversationTypeOrder:
		if req.OrderID == "" {
			return nil, chat.ErrInvalidConversationRequest
		}
		return s.createOrGetCorrelated(ctx, requesterID, req, "order_id", req.OrderID)
	case chat.ConversationTypeShop:
		if req.ShopID == "" {
			return nil, chat.ErrInvalidConversationRequest
		}
		return s.createOrGetCorrelated(ctx, requesterID, req, "shop_id", req.ShopID)
	default:
		return s.createOrGetSupport(ctx, requesterID, req)
	}
}

// createOrGetCorrelated 處理 order/shop 會話的冪等創建
func (s *Service) createOrGetCorrelated(
	ctx context.Context, requesterID string, req CreateConversationRequest, field, correlationID string,
) (*conversation.Conversation, error) {
	existing, err := s.conversations.FindByCorrelation(ctx, string(req.Type), field, correlationID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.ensureMember(ctx, existing, requesterID, chat.MemberRoleBuyer)
	}

	conv := &conversation.Conversation{
		Type:    string(req.Type),
		OrderID: req.OrderID,
		ShopID:  req.ShopID,
		Members: []conversation.Member{},
	}

	if err := s.appendProfileMember(ctx, conv, requesterID, chat.MemberRoleBuyer); err != nil {
		return nil, err
	}

	// 店鋪側成員：優先用店鋪工作人員名單，沒有店鋪識別碼時退回
	// 請求中指名的對象
	if req.ShopID != "" {
		staff, err := s.users.ShopStaff(ctx, req.ShopID)
		if err != nil {
			return nil, err
		}
		for _, profile := range staff {
			if profile.UserID == requesterID {
				continue
			}
			conv.Members = append(conv.Members, memberFromProfile(profile, chat.MemberRoleSeller))
		}
	} else if req.TargetUserID != "" && req.TargetUserID != requesterID {
		if err := s.appendProfileMember(ctx, conv, req.TargetUserID, chat.MemberRoleSeller); err != nil {
			return nil, err
		}
	}

	if err := s.conversations.Create(ctx, conv); err != nil {
		// 兩個請求者同時首建：唯一索引擋下後來者，改走查找側
		if mongo.IsDuplicateKeyError(err) {
			existing, findErr := s.conversations.FindByCorrelation(ctx, string(req.Type), field, correlationID)
			if findErr != nil {
				return nil, findErr
			}
			if existing != nil {
				return s.ensureMember(ctx, existing, requesterID, chat.MemberRoleBuyer)
			}
		}
		return nil, err
	}

	logger.Info(ctx, "會話已創建",
		logger.WithConversationID(conv.ID),
		logger.WithUserID(requesterID),
		logger.WithAction("create_conversation"),
		logger.WithDetails(map[string]interface{}{"type": conv.Type}))

	return conv, nil
}

// createOrGetSupport 處理客服會話：一個請求者同一時間最多一個
// 開啟中的客服會話；新會話經過意圖分類並指派一名管理員。
func (s *Service) createOrGetSupport(
	ctx context.Context, requesterID string, req CreateConversationRequest,
) (*conversation.Conversation, error) {
	existing, err := s.conversations.FindOpenSupport(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	// 分類只決定路由標籤；無論結果如何，客服會話都需要一名
	// 管理員成員。fallback 表示自動流程不可用，必由人工處理。
	result := s.classifier.Classify(ctx, req.Subject)

	var adminID string
	directAssign := false
	if req.TargetUserID != "" {
		isAdmin, err := s.users.IsAdmin(ctx, req.TargetUserID)
		if err != nil {
			return nil, err
		}
		if isAdmin && s.pool.Contains(req.TargetUserID) {
			adminID = req.TargetUserID
			directAssign = true
		}
	}
	if adminID == "" {
		adminID, err = s.pool.Assign(ctx)
		if err != nil {
			return nil, err
		}
	} else {
		s.pool.AssignDirect(adminID)
	}

	conv := &conversation.Conversation{
		Type:            string(chat.ConversationTypeSupport),
		RequesterID:     requesterID,
		SupportOpen:     true,
		AssignedAdminID: adminID,
		RoutedIntent:    string(result.Intent),
		Members:         []conversation.Member{},
	}

	if err := s.appendProfileMember(ctx, conv, requesterID, chat.MemberRoleBuyer); err != nil {
		s.pool.Unassign(adminID)
		return nil, err
	}
	if err := s.appendProfileMember(ctx, conv, adminID, chat.MemberRoleAdmin); err != nil {
		s.pool.Unassign(adminID)
		return nil, err
	}

	if err := s.conversations.Create(ctx, conv); err != nil {
		s.pool.Unassign(adminID)
		// 同一請求者並發開啟：(type, requester_id) 唯一索引擋下
		// 後來者，改走查找側返回已開啟的會話
		if mongo.IsDuplicateKeyError(err) {
			existing, findErr := s.conversations.FindOpenSupport(ctx, requesterID)
			if findErr != nil {
				return nil, findErr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	logger.Info(ctx, "客服會話已創建",
		logger.WithConversationID(conv.ID),
		logger.WithUserID(requesterID),
		logger.WithAction("create_support_conversation"),
		logger.WithDetails(map[string]interface{}{
			"assigned_admin": adminID,
			"routed_intent":  string(result.Intent),
			"from_fallback":  result.FromFallback,
			"direct_assign":  directAssign,
		}))

	return conv, nil
}

// AddMember 把用戶加入會話。冪等：已是成員時是無操作。
func (s *Service) AddMember(ctx context.Context, conversationID, userID string, role chat.MemberRole) error {
	if !role.IsValid() {
		return chat.ErrInvalidConversationRequest
	}

	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return chat.ErrConversationNotFound
	}

	for _, member := range conv.Members {
		if member.UserID == userID {
			return nil
		}
	}

	if err := s.appendStoredMember(ctx, conversationID, userID, role); err != nil {
		return err
	}
	s.invalidator.InvalidateMembers(conversationID)

	logger.Info(ctx, "會話成員已加入",
		logger.WithConversationID(conversationID),
		logger.WithUserID(userID),
		logger.WithAction("add_member"),
		logger.WithDetails(map[string]interface{}{"role": string(role)}))

	return nil
}

// Reassign 把客服會話重新指派給另一名管理員（顯式操作，
// 例如原管理員離線）。返回新管理員 ID。
func (s *Service) Reassign(ctx context.Context, conversationID string) (string, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if conv == nil {
		return "", chat.ErrConversationNotFound
	}
	if conv.Type != string(chat.ConversationTypeSupport) {
		return "", chat.ErrInvalidConversationRequest
	}

	newAdminID, err := s.pool.Assign(ctx)
	if err != nil {
		return "", err
	}

	if err := s.appendStoredMember(ctx, conv.ID, newAdminID, chat.MemberRoleAdmin); err != nil {
		s.pool.Unassign(newAdminID)
		return "", err
	}
	if err := s.conversations.SetAssignedAdmin(ctx, conv.ID, newAdminID); err != nil {
		s.pool.Unassign(newAdminID)
		return "", err
	}

	if conv.AssignedAdminID != "" {
		s.pool.Complete(conv.AssignedAdminID)
	}
	s.invalidator.InvalidateMembers(conv.ID)

	logger.Info(ctx, "客服會話已重新指派",
		logger.WithConversationID(conv.ID),
		logger.WithAction("reassign"),
		logger.WithDetails(map[string]interface{}{
			"previous_admin": conv.AssignedAdminID,
			"new_admin":      newAdminID,
		}))

	return newAdminID, nil
}

// CloseSupport 關閉客服會話並釋放管理員負載
func (s *Service) CloseSupport(ctx context.Context, conversationID string) error {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return chat.ErrConversationNotFound
	}
	if conv.Type != string(chat.ConversationTypeSupport) {
		return chat.ErrInvalidConversationRequest
	}

	if err := s.conversations.CloseSupport(ctx, conversationID); err != nil {
		return err
	}
	if conv.AssignedAdminID != "" {
		s.pool.Complete(conv.AssignedAdminID)
	}
	return nil
}

// Get 讀取會話，要求讀取者是成員
func (s *Service) Get(ctx context.Context, conversationID, userID string) (*conversation.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, chat.ErrConversationNotFound
	}

	isMember, err := s.conversations.IsMember(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, chat.ErrNotAMember
	}

	return conv, nil
}

// List 列出用戶的會話，按最後消息時間倒序
func (s *Service) List(
	ctx context.Context, userID string, limit int, cursor string,
) ([]*conversation.Conversation, string, bool, error) {
	return s.conversations.ListUserConversations(ctx, userID, limit, cursor)
}

// IsMember 成員檢查（每次消息發送前的前置條件）
func (s *Service) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	return s.conversations.IsMember(ctx, conversationID, userID)
}

// ensureMember 確保請求者是會話成員，不是則加入
func (s *Service) ensureMember(
	ctx context.Context, conv *conversation.Conversation, userID string, role chat.MemberRole,
) (*conversation.Conversation, error) {
	for _, member := range conv.Members {
		if member.UserID == userID {
			return conv, nil
		}
	}

	if err := s.appendStoredMember(ctx, conv.ID, userID, role); err != nil {
		return nil, err
	}
	s.invalidator.InvalidateMembers(conv.ID)

	return s.conversations.GetByID(ctx, conv.ID)
}

// appendProfileMember 解析顯示資料後追加到尚未持久化的會話
func (s *Service) appendProfileMember(
	ctx context.Context, conv *conversation.Conversation, userID string, role chat.MemberRole,
) error {
	profile, err := s.users.Resolve(ctx, userID)
	if err != nil {
		return err
	}
	conv.Members = append(conv.Members, memberFromProfile(profile, role))
	return nil
}

// appendStoredMember 解析顯示資料後加入已持久化的會話
func (s *Service) appendStoredMember(ctx context.Context, conversationID, userID string, role chat.MemberRole) error {
	profile, err := s.users.Resolve(ctx, userID)
	if err != nil {
		return err
	}
	member := memberFromProfile(profile, role)
	return s.conversations.AddMember(ctx, conversationID, &member)
}

func memberFromProfile(profile *identity.Profile, role chat.MemberRole) conversation.Member {
	return conversation.Member{
		UserID:     profile.UserID,
		Role:       string(role),
		UserName:   profile.Name,
		UserEmail:  profile.Email,
		UserAvatar: profile.Avatar,
		JoinedAt:   time.Now(),
	}
}
