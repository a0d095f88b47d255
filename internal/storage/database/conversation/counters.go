package conversation

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// CounterStore 會話序號計數器。
// 用 findOneAndUpdate + $inc + upsert 原子遞增，
// 保證同一會話內的序號不重複、不回退。
type CounterStore struct {
	collection *mongo.Collection
}

// NewCounterStore 創建新的序號計數器
func NewCounterStore(db *mongo.Database) *CounterStore {
	return &CounterStore{
		collection: db.Collection("conversation_counters"),
	}
}

type counterDoc struct {
	ID  string `bson:"_id"`
	Seq int64  `bson:"seq"`
}

// NextSeq 取得會話的下一個序號（從 1 開始）
func (s *CounterStore) NextSeq(ctx context.Context, conversationID string) (int64, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc counterDoc
	err := s.collection.FindOneAndUpdate(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts,
	).Decode(&doc)
	if err != nil {
		return 0, err
	}

	return doc.Seq, nil
}
