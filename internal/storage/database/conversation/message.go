package conversation

import (
	"context"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MessageRepository 訊息倉儲接口
type MessageRepository interface {
	Create(ctx context.Context, msg *Message) error
	GetByID(ctx context.Context, id string) (*Message, error)
	ListByConversation(ctx context.Context, conversationID string, limit int, cursor string) ([]*Message, string, bool, error)
	CountFromOthers(ctx context.Context, conversationID, userID string) (int64, error)
}

// Message 訊息數據模型。
// Seq 是同一會話內單調遞增的序號，讀取順序以它為準，
// 與寫入者的時鐘無關。
type Message struct {
	_ID            interface{} `bson:"_id"`
	ID             string      `bson:"id" json:"id"`
	ConversationID string      `bson:"conversation_id" json:"conversation_id"`
	SenderID       string      `bson:"sender_id" json:"sender_id"`
	Type           string      `bson:"type" json:"type"`
	Content        string      `bson:"content" json:"content"`
	Seq            int64       `bson:"seq" json:"seq"`
	CreatedAt      time.Time   `bson:"created_at" json:"created_at"`
}

// MessageStore 訊息存儲實作
type MessageStore struct {
	collection *mongo.Collection
	counters   *CounterStore
}

// NewMessageStore 創建新的訊息存儲
func NewMessageStore(db *mongo.Database) *MessageStore {
	return &MessageStore{
		collection: db.Collection("messages"),
		counters:   NewCounterStore(db),
	}
}

// Create 創建訊息，並分配該會話的下一個序號
func (s *MessageStore) Create(ctx context.Context, msg *Message) error {
	seq, err := s.counters.NextSeq(ctx, msg.ConversationID)
	if err != nil {
		return err
	}

	_id := bson.NewObjectID()
	msg._ID = _id
	msg.ID = _id.Hex()
	msg.Seq = seq
	msg.CreatedAt = time.Now()

	_, err = s.collection.InsertOne(ctx, msg)
	return err
}

// GetByID 根據 ID 獲取訊息
func (s *MessageStore) GetByID(ctx context.Context, id string) (*Message, error) {
	var msg Message
	err := s.collection.FindOne(ctx, bson.M{"id": id}).Decode(&msg)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// ListByConversation 列出會話訊息，按序號升序（歷史回放順序）.
// 游標是上一頁最後一條訊息的序號。
func (s *MessageStore) ListByConversation(
	ctx context.Context, conversationID string, limit int, cursor string,
) (
	messages []*Message, nextCursor string, hasMore bool, err error,
) {
	filter := bson.M{"conversation_id": conversationID}

	opts := options.Find()
	opts.SetLimit(int64(limit + 1)) // 多取一個用於判斷是否有更多
	opts.SetSort(bson.D{{Key: "seq", Value: 1}})

	// 如果有游標，從該序號之後繼續
	if cursor != "" {
		afterSeq, parseErr := strconv.ParseInt(cursor, 10, 64)
		if parseErr == nil {
			filter["seq"] = bson.M{"$gt": afterSeq}
		}
	}

	cursorResult, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, "", false, err
	}
	defer cursorResult.Close(ctx)

	messages = []*Message{}
	for cursorResult.Next(ctx) {
		var msg Message
		if err := cursorResult.Decode(&msg); err != nil {
			return nil, "", false, err
		}
		messages = append(messages, &msg)
	}

	// 檢查是否有更多數據
	hasMore = len(messages) > limit
	if hasMore {
		messages = messages[:limit] // 移除多取的那一個
	}

	// 生成下一個游標
	if hasMore && len(messages) > 0 {
		nextCursor = strconv.FormatInt(messages[len(messages)-1].Seq, 10)
	}

	return messages, nextCursor, hasMore, nil
}

// CountFromOthers 計算會話中非指定用戶發送的訊息數（只計數，不載入內容）
func (s *MessageStore) CountFromOthers(ctx context.Context, conversationID, userID string) (int64, error) {
	return s.collection.CountDocuments(ctx, bson.M{
		"conversation_id": conversationID,
		"sender_id":       bson.M{"$ne": userID},
	})
}
