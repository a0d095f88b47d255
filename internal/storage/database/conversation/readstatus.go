package conversation

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ReadStatusRepository 已讀狀態倉儲接口
type ReadStatusRepository interface {
	MarkRead(ctx context.Context, messageID, userID string) error
	MarkConversationRead(ctx context.Context, conversationID, userID string) error
	IsRead(ctx context.Context, messageID, userID string) (bool, error)
	CountReadFromOthers(ctx context.Context, conversationID, userID string) (int64, error)
}

// ReadStatus 已讀記錄。(message_id, user_id) 唯一，
// 重複標記已讀是無操作，不是錯誤。
// conversation_id 與 sender_id 是反正規化欄位，讓未讀計數只用計數查詢。
type ReadStatus struct {
	_ID            interface{} `bson:"_id"`
	MessageID      string      `bson:"message_id" json:"message_id"`
	UserID         string      `bson:"user_id" json:"user_id"`
	ConversationID string      `bson:"conversation_id" json:"conversation_id"`
	SenderID       string      `bson:"sender_id" json:"sender_id"`
	ReadAt         time.Time   `bson:"read_at" json:"read_at"`
}

// ReadStatusStore 已讀狀態存儲實作
type ReadStatusStore struct {
	collection *mongo.Collection
	messages   *mongo.Collection
}

// NewReadStatusStore 創建新的已讀狀態存儲
func NewReadStatusStore(db *mongo.Database) *ReadStatusStore {
	return &ReadStatusStore{
		collection: db.Collection("message_reads"),
		messages:   db.Collection("messages"),
	}
}

// MarkRead 標記單條訊息為已讀。
// 發送者自己的訊息不需要已讀記錄；唯一索引衝突視為已標記過。
func (s *ReadStatusStore) MarkRead(ctx context.Context, messageID, userID string) error {
	var msg Message
	err := s.messages.FindOne(ctx, bson.M{"id": messageID}).Decode(&msg)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil
		}
		return err
	}

	if msg.SenderID == userID {
		return nil
	}

	_, err = s.collection.InsertOne(ctx, &ReadStatus{
		_ID:            bson.NewObjectID(),
		MessageID:      messageID,
		UserID:         userID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ReadAt:         time.Now(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

// MarkConversationRead 標記會話中其他人發送的全部訊息為已讀
func (s *ReadStatusStore) MarkConversationRead(ctx context.Context, conversationID, userID string) error {
	opts := options.Find().SetProjection(bson.M{"id": 1, "sender_id": 1})
	cursor, err := s.messages.Find(ctx, bson.M{
		"conversation_id": conversationID,
		"sender_id":       bson.M{"$ne": userID},
	}, opts)
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	now := time.Now()
	var docs []interface{}
	for cursor.Next(ctx) {
		var msg Message
		if err := cursor.Decode(&msg); err != nil {
			return err
		}
		docs = append(docs, &ReadStatus{
			_ID:            bson.NewObjectID(),
			MessageID:      msg.ID,
			UserID:         userID,
			ConversationID: conversationID,
			SenderID:       msg.SenderID,
			ReadAt:         now,
		})
	}
	if len(docs) == 0 {
		return nil
	}

	// 亂序插入，已存在的記錄（唯一索引衝突）跳過
	insertOpts := options.InsertMany().SetOrdered(false)
	_, err = s.collection.InsertMany(ctx, docs, insertOpts)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

// IsRead 檢查訊息對指定用戶是否已讀
func (s *ReadStatusStore) IsRead(ctx context.Context, messageID, userID string) (bool, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{
		"message_id": messageID,
		"user_id":    userID,
	})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CountReadFromOthers 計算用戶在會話中已讀的他人訊息數（只計數，不載入內容）
func (s *ReadStatusStore) CountReadFromOthers(ctx context.Context, conversationID, userID string) (int64, error) {
	return s.collection.CountDocuments(ctx, bson.M{
		"conversation_id": conversationID,
		"user_id":         userID,
		"sender_id":       bson.M{"$ne": userID},
	})
}
