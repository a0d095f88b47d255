package conversation

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// CreateIndexes 創建數據庫索引以優化查詢性能
func CreateIndexes(ctx context.Context, db *mongo.Database) error {
	// 訊息集合索引
	messagesCollection := db.Collection("messages")

	// 1. 會話 ID + 序號唯一複合索引（讀取順序與序號唯一性，最重要的索引）
	conversationSeqIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "conversation_id", Value: 1},
			{Key: "seq", Value: 1},
		},
		Options: options.Index().SetName("conversation_seq_idx").SetUnique(true),
	}

	// 2. 訊息 ID 唯一索引
	messageIDIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "id", Value: 1},
		},
		Options: options.Index().SetName("message_id_idx").SetUnique(true),
	}

	// 3. 會話 ID + 發送者索引（未讀計數查詢）
	conversationSenderIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "conversation_id", Value: 1},
			{Key: "sender_id", Value: 1},
		},
		Options: options.Index().SetName("conversation_sender_idx"),
	}

	messageIndexes := []mongo.IndexModel{
		conversationSeqIndex,
		messageIDIndex,
		conversationSenderIndex,
	}

	_, err := messagesCollection.Indexes().CreateMany(ctx, messageIndexes)
	if err != nil {
		return err
	}

	// 已讀狀態集合索引
	readsCollection := db.Collection("message_reads")

	// 1. (訊息 ID, 用戶 ID) 唯一索引（冪等標記已讀的基礎）
	messageUserIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "message_id", Value: 1},
			{Key: "user_id", Value: 1},
		},
		Options: options.Index().SetName("message_user_idx").SetUnique(true),
	}

	// 2. 會話 + 用戶索引（未讀計數查詢）
	conversationUserIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "conversation_id", Value: 1},
			{Key: "user_id", Value: 1},
			{Key: "sender_id", Value: 1},
		},
		Options: options.Index().SetName("conversation_user_idx"),
	}

	readIndexes := []mongo.IndexModel{
		messageUserIndex,
		conversationUserIndex,
	}

	_, err = readsCollection.Indexes().CreateMany(ctx, readIndexes)
	if err != nil {
		return err
	}

	// 會話集合索引
	conversationsCollection := db.Collection("conversations")

	// 1. 會話 ID 唯一索引
	conversationIDIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "id", Value: 1},
		},
		Options: options.Index().SetName("conversation_id_idx").SetUnique(true),
	}

	// 2. (type, order_id) 唯一索引：同一訂單只有一個 order 會話
	orderCorrelationIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "type", Value: 1},
			{Key: "order_id", Value: 1},
		},
		Options: options.Index().
			SetName("order_correlation_idx").
			SetUnique(true).
			SetPartialFilterExpression(bson.D{{Key: "type", Value: "order"}}),
	}

	// 3. (type, shop_id) 唯一索引：同一店鋪只有一個 shop 會話
	shopCorrelationIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "type", Value: 1},
			{Key: "shop_id", Value: 1},
		},
		Options: options.Index().
			SetName("shop_correlation_idx").
			SetUnique(true).
			SetPartialFilterExpression(bson.D{{Key: "type", Value: "shop"}}),
	}

	// 4. 成員用戶 ID + 最後消息時間索引（用戶會話列表）
	memberLastMessageIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "members.user_id", Value: 1},
			{Key: "last_message_at", Value: -1},
		},
		Options: options.Index().SetName("member_last_message_idx"),
	}

	// 5. 開啟中的客服會話索引
	supportOpenIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "type", Value: 1},
			{Key: "support_open", Value: 1},
			{Key: "members.user_id", Value: 1},
		},
		Options: options.Index().SetName("support_open_idx"),
	}

	// 6. (type, requester_id) 唯一索引：同一請求者同一時間最多一個
	// 開啟中的客服會話；關閉後文檔離開索引，可再開新會話
	supportRequesterIndex := mongo.IndexModel{
		Keys: bson.D{
			{Key: "type", Value: 1},
			{Key: "requester_id", Value: 1},
		},
		Options: options.Index().
			SetName("support_requester_idx").
			SetUnique(true).
			SetPartialFilterExpression(bson.D{
				{Key: "type", Value: "support"},
				{Key: "support_open", Value: true},
			}),
	}

	conversationIndexes := []mongo.IndexModel{
		conversationIDIndex,
		orderCorrelationIndex,
		shopCorrelationIndex,
		memberLastMessageIndex,
		supportOpenIndex,
		supportRequesterIndex,
	}

	_, err = conversationsCollection.Indexes().CreateMany(ctx, conversationIndexes)
	if err != nil {
		return err
	}

	return nil
}

// GetIndexStats 獲取索引統計信息
func GetIndexStats(ctx context.Context, db *mongo.Database) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	collections := []string{"messages", "message_reads", "conversations"}
	for _, name := range collections {
		cursor, err := db.Collection(name).Indexes().List(ctx)
		if err != nil {
			return nil, err
		}

		var indexes []bson.M
		if err = cursor.All(ctx, &indexes); err != nil {
			return nil, err
		}
		stats[name+"_indexes"] = indexes
	}

	return stats, nil
}
