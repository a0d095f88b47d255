package database

import (
	"context"

	"shopchat/internal/platform/logger"
	"shopchat/internal/storage/database/conversation"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Repositories 倉儲集合.
type Repositories struct {
	Conversation *conversation.ConversationStore
	Message      *conversation.MessageStore
	ReadStatus   *conversation.ReadStatusStore
	User         *conversation.UserStore
}

// NewRepositories 創建倉儲集合.
func NewRepositories() *Repositories {
	// 從 driver 包獲取 MongoDB 連接
	db := mongoDB
	if db == nil {
		return nil
	}

	// 創建索引以優化查詢性能
	ctx := context.Background()
	if err := conversation.CreateIndexes(ctx, db); err != nil {
		// 記錄錯誤但不中斷服務啟動
		logger.LogWarnf("創建索引失敗: %v", err)
	}

	return &Repositories{
		Conversation: conversation.NewConversationStore(db),
		Message:      conversation.NewMessageStore(db),
		ReadStatus:   conversation.NewReadStatusStore(db),
		User:         conversation.NewUserStore(db),
	}
}

// 全局變數，用於存儲 MongoDB 連接
var mongoDB *mongo.Database

// SetMongoDB 設置 MongoDB 連接.
func SetMongoDB(db *mongo.Database) {
	mongoDB = db
}
