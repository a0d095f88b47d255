package conversation

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ConversationRepository 會話倉儲接口
type ConversationRepository interface {
	Create(ctx context.Context, conv *Conversation) error
	GetByID(ctx context.Context, id string) (*Conversation, error)
	FindByCorrelation(ctx context.Context, convType, correlationField, correlationID string) (*Conversation, error)
	FindOpenSupport(ctx context.Context, userID string) (*Conversation, error)
	ListUserConversations(ctx context.Context, userID string, limit int, cursor string) ([]*Conversation, string, bool, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	AddMember(ctx context.Context, conversationID string, member *Member) error
	GetMembers(ctx context.Context, conversationID string) ([]Member, error)
	UpdateLastMessage(ctx context.Context, conversationID, preview string, at time.Time) error
	SetAssignedAdmin(ctx context.Context, conversationID, adminID string) error
	CloseSupport(ctx context.Context, conversationID string) error
	SetArchived(ctx context.Context, conversationID string, archived bool) error
}

// Conversation 會話數據模型
type Conversation struct {
	_ID             interface{} `bson:"_id" form:"_id"`
	ID              string      `json:"id,omitempty" bson:"id" form:"id"`
	Type            string      `bson:"type" json:"type"`
	OrderID         string      `bson:"order_id,omitempty" json:"order_id,omitempty"`
	ShopID          string      `bson:"shop_id,omitempty" json:"shop_id,omitempty"`
	Members         []Member    `bson:"members,omitempty" json:"members,omitempty"`
	RequesterID     string      `bson:"requester_id,omitempty" json:"requester_id,omitempty"`
	SupportOpen     bool        `bson:"support_open,omitempty" json:"support_open,omitempty"`
	AssignedAdminID string      `bson:"assigned_admin_id,omitempty" json:"assigned_admin_id,omitempty"`
	RoutedIntent    string      `bson:"routed_intent,omitempty" json:"routed_intent,omitempty"`
	Archived        bool        `bson:"archived,omitempty" json:"archived,omitempty"`
	CreatedAt       time.Time   `bson:"created_at" json:"created_at"`
	UpdatedAt       time.Time   `bson:"updated_at" json:"updated_at"`
	LastMessageAt   time.Time   `bson:"last_message_at" json:"last_message_at"`
	LastMessage     string      `bson:"last_message" json:"last_message"`
}

// NewConversation 創建新的 Conversation 實例
func NewConversation() Conversation {
	_id := bson.NewObjectID()
	now := time.Now().UTC()
	return Conversation{_ID: _id, ID: _id.Hex(), CreatedAt: now, UpdatedAt: now, LastMessageAt: now}
}

// Member 會話成員數據模型。
// 顯示欄位（名稱、郵箱、頭像）是讀取側投影，來源是身份目錄，不是事實來源。
type Member struct {
	UserID     string    `bson:"user_id" json:"user_id"`
	Role       string    `bson:"role" json:"role"`
	UserName   string    `bson:"user_name" json:"user_name"`
	UserEmail  string    `bson:"user_email" json:"user_email"`
	UserAvatar string    `bson:"user_avatar" json:"user_avatar"`
	JoinedAt   time.Time `bson:"joined_at" json:"joined_at"`
}

// ConversationStore 會話存儲實作
type ConversationStore struct {
	collection *mongo.Collection
}

// NewConversationStore 創建新的會話存儲
func NewConversationStore(db *mongo.Database) *ConversationStore {
	return &ConversationStore{
		collection: db.Collection("conversations"),
	}
}

// Create 創建會話
func (s *ConversationStore) Create(ctx context.Context, conv *Conversation) error {
	_id := bson.NewObjectID()
	conv._ID = _id
	conv.ID = _id.Hex()
	now := time.Now()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	conv.LastMessageAt = now

	_, err := s.collection.InsertOne(ctx, conv)
	return err
}

// GetByID 根據 ID 獲取會話。
// 查詢鍵是持久化的 id 字串欄位（唯一索引），與其他方法一致；
// _ID 欄位未導出，插入時不會被序列化，伺服器端的 _id 不可作查詢鍵。
// 會話不存在時返回 (nil, nil)。
func (s *ConversationStore) GetByID(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := s.collection.FindOne(ctx, bson.M{"id": id}).Decode(&conv)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &conv, nil
}

// FindByCorrelation 根據關聯識別碼查找會話。
// order 類型以 order_id 為鍵，shop 類型以 shop_id 為鍵，
// 相同關聯識別碼的重複請求返回同一個會話（冪等創建的查找側）。
func (s *ConversationStore) FindByCorrelation(ctx context.Context, convType, correlationField, correlationID string) (*Conversation, error) {
	var conv Conversation
	err := s.collection.FindOne(ctx, bson.M{
		"type":           convType,
		correlationField: correlationID,
	}).Decode(&conv)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &conv, nil
}

// FindOpenSupport 查找用戶當前開啟的客服會話。
// 一個請求者同一時間最多只有一個開啟的客服會話。
func (s *ConversationStore) FindOpenSupport(ctx context.Context, userID string) (*Conversation, error) {
	var conv Conversation
	err := s.collection.FindOne(ctx, bson.M{
		"type":            "support",
		"support_open":    true,
		"members.user_id": userID,
	}).Decode(&conv)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &conv, nil
}

// ListUserConversations 列出用戶的會話，按最後消息時間倒序.
func (s *ConversationStore) ListUserConversations(
	ctx context.Context, userID string, limit int, cursor string,
) (
	convs []*Conversation, nextCursor string, hasMore bool, err error,
) {
	filter := bson.M{
		"members.user_id": userID,
		"archived":        bson.M{"$ne": true},
	}

	opts := options.Find()
	opts.SetLimit(int64(limit + 1)) // 多取一個用於判斷是否有更多
	opts.SetSort(bson.D{{Key: "last_message_at", Value: -1}})

	// 如果有游標，添加游標條件
	if cursor != "" {
		cursorTime, parseErr := time.Parse(time.RFC3339, cursor)
		if parseErr == nil {
			filter["last_message_at"] = bson.M{"$lt": cursorTime}
		}
	}

	cursorResult, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, "", false, err
	}
	defer cursorResult.Close(ctx)

	convs = []*Conversation{}
	for cursorResult.Next(ctx) {
		var conv Conversation
		if err := cursorResult.Decode(&conv); err != nil {
			return nil, "", false, err
		}
		convs = append(convs, &conv)
	}

	// 檢查是否有更多數據
	hasMore = len(convs) > limit
	if hasMore {
		convs = convs[:limit] // 移除多取的那一個
	}

	// 生成下一個游標
	if hasMore && len(convs) > 0 {
		nextCursor = convs[len(convs)-1].LastMessageAt.Format(time.RFC3339)
	}

	return convs, nextCursor, hasMore, nil
}

// IsMember 檢查用戶是否是會話成員
func (s *ConversationStore) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{
		"id":              conversationID,
		"members.user_id": userID,
	})
	if err != nil {
		return false, err
	}

	return count > 0, nil
}

// AddMember 添加成員。(conversationId, userId) 唯一：
// 已存在的成員不會被重複加入。
func (s *ConversationStore) AddMember(ctx context.Context, conversationID string, member *Member) error {
	member.JoinedAt = time.Now()

	result, err := s.collection.UpdateOne(ctx, bson.M{
		"id":              conversationID,
		"members.user_id": bson.M{"$ne": member.UserID},
	}, bson.M{
		"$push": bson.M{"members": member},
		"$set":  bson.M{"updated_at": time.Now()},
	})

	if err != nil {
		return fmt.Errorf("update failed: %v", err)
	}

	if result.MatchedCount == 0 {
		// 會話不存在，或該用戶已經是成員（冪等，不視為錯誤）
		count, countErr := s.collection.CountDocuments(ctx, bson.M{"id": conversationID})
		if countErr != nil {
			return countErr
		}
		if count == 0 {
			return fmt.Errorf("conversation not found: %s", conversationID)
		}
	}

	return nil
}

// GetMembers 獲取會話成員
func (s *ConversationStore) GetMembers(ctx context.Context, conversationID string) ([]Member, error) {
	var conv Conversation
	err := s.collection.FindOne(ctx, bson.M{"id": conversationID}).Decode(&conv)
	if err != nil {
		return nil, err
	}

	return conv.Members, nil
}

// UpdateLastMessage 更新會話的最後消息預覽與時間
func (s *ConversationStore) UpdateLastMessage(ctx context.Context, conversationID, preview string, at time.Time) error {
	_, err := s.collection.UpdateOne(ctx, bson.M{"id": conversationID}, bson.M{
		"$set": bson.M{
			"last_message":    preview,
			"last_message_at": at,
			"updated_at":      at,
		},
	})
	return err
}

// SetAssignedAdmin 設定客服會話的負責管理員
func (s *ConversationStore) SetAssignedAdmin(ctx context.Context, conversationID, adminID string) error {
	_, err := s.collection.UpdateOne(ctx, bson.M{"id": conversationID}, bson.M{
		"$set": bson.M{
			"assigned_admin_id": adminID,
			"updated_at":        time.Now(),
		},
	})
	return err
}

// CloseSupport 關閉客服會話（之後同一請求者可再開新會話）
func (s *ConversationStore) CloseSupport(ctx context.Context, conversationID string) error {
	_, err := s.collection.UpdateOne(ctx, bson.M{"id": conversationID}, bson.M{
		"$set": bson.M{
			"support_open": false,
			"updated_at":   time.Now(),
		},
	})
	return err
}

// SetArchived 設定封存狀態。會話永不硬刪除，只會封存。
func (s *ConversationStore) SetArchived(ctx context.Context, conversationID string, archived bool) error {
	_, err := s.collection.UpdateOne(ctx, bson.M{"id": conversationID}, bson.M{
		"$set": bson.M{
			"archived":   archived,
			"updated_at": time.Now(),
		},
	})
	return err
}
