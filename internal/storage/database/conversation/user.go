package conversation

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// UserRepository 用戶目錄倉儲接口
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*User, error)
	ListAdmins(ctx context.Context) ([]*User, error)
	ListShopStaff(ctx context.Context, shopID string) ([]*User, error)
	Upsert(ctx context.Context, user *User) error
}

// User 用戶目錄投影。上游身份系統是事實來源，
// 這裡只保存路由與顯示需要的欄位。
type User struct {
	_ID       interface{} `bson:"_id"`
	ID        string      `bson:"id" json:"id"`
	Name      string      `bson:"name" json:"name"`
	Email     string      `bson:"email" json:"email"`
	Avatar    string      `bson:"avatar" json:"avatar"`
	IsAdmin   bool        `bson:"is_admin" json:"is_admin"`
	ShopIDs   []string    `bson:"shop_ids,omitempty" json:"shop_ids,omitempty"`
	UpdatedAt time.Time   `bson:"updated_at" json:"updated_at"`
}

// UserStore 用戶目錄存儲實作
type UserStore struct {
	collection *mongo.Collection
}

// NewUserStore 創建新的用戶目錄存儲
func NewUserStore(db *mongo.Database) *UserStore {
	return &UserStore{
		collection: db.Collection("users"),
	}
}

// GetByID 根據 ID 獲取用戶
func (s *UserStore) GetByID(ctx context.Context, id string) (*User, error) {
	var user User
	err := s.collection.FindOne(ctx, bson.M{"id": id}).Decode(&user)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// ListAdmins 列出全部管理員
func (s *UserStore) ListAdmins(ctx context.Context) ([]*User, error) {
	cursor, err := s.collection.Find(ctx, bson.M{"is_admin": true})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	users := []*User{}
	for cursor.Next(ctx) {
		var user User
		if err := cursor.Decode(&user); err != nil {
			return nil, err
		}
		users = append(users, &user)
	}
	return users, nil
}

// ListShopStaff 列出店鋪的工作人員
func (s *UserStore) ListShopStaff(ctx context.Context, shopID string) ([]*User, error) {
	cursor, err := s.collection.Find(ctx, bson.M{"shop_ids": shopID})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	users := []*User{}
	for cursor.Next(ctx) {
		var user User
		if err := cursor.Decode(&user); err != nil {
			return nil, err
		}
		users = append(users, &user)
	}
	return users, nil
}

// Upsert 寫入或更新用戶投影（供上游身份系統同步用）
func (s *UserStore) Upsert(ctx context.Context, user *User) error {
	user.UpdatedAt = time.Now()

	opts := options.UpdateOne().SetUpsert(true)
	_, err := s.collection.UpdateOne(ctx, bson.M{"id": user.ID}, bson.M{
		"$set": bson.M{
			"name":       user.Name,
			"email":      user.Email,
			"avatar":     user.Avatar,
			"is_admin":   user.IsAdmin,
			"shop_ids":   user.ShopIDs,
			"updated_at": user.UpdatedAt,
		},
		"$setOnInsert": bson.M{
			"_id": bson.NewObjectID(),
			"id":  user.ID,
		},
	}, opts)
	return err
}
