// Package identity 提供用戶目錄查詢。
// 上游身份系統是事實來源，本服務只讀取同步過來的投影。
package identity

import (
	"context"

	"shopchat/internal/storage/database/conversation"
)

// Profile 用戶顯示資料
type Profile struct {
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Avatar  string `json:"avatar"`
	IsAdmin bool   `json:"is_admin"`
}

// Directory 用戶目錄接口
type Directory interface {
	Resolve(ctx context.Context, userID string) (*Profile, error)
	IsAdmin(ctx context.Context, userID string) (bool, error)
	ShopStaff(ctx context.Context, shopID string) ([]*Profile, error)
	Admins(ctx context.Context) ([]*Profile, error)
}

// StoreDirectory 基於用戶投影存儲的目錄實作
type StoreDirectory struct {
	users conversation.UserRepository
}

// NewStoreDirectory 創建新的目錄服務
func NewStoreDirectory(users conversation.UserRepository) *StoreDirectory {
	return &StoreDirectory{users: users}
}

// Resolve 解析用戶顯示資料。
// 用戶不存在時返回只有 ID 的最小資料，不視為錯誤：
// 投影同步可能落後於上游身份系統。
func (d *StoreDirectory) Resolve(ctx context.Context, userID string) (*Profile, error) {
	user, err := d.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return &Profile{UserID: userID}, nil
	}
	return toProfile(user), nil
}

// IsAdmin 檢查用戶是否是平台管理員
func (d *StoreDirectory) IsAdmin(ctx context.Context, userID string) (bool, error) {
	user, err := d.users.GetByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return user != nil && user.IsAdmin, nil
}

// ShopStaff 列出店鋪的工作人員
func (d *StoreDirectory) ShopStaff(ctx context.Context, shopID string) ([]*Profile, error) {
	users, err := d.users.ListShopStaff(ctx, shopID)
	if err != nil {
		return nil, err
	}

	profiles := make([]*Profile, 0, len(users))
	for _, user := range users {
		profiles = append(profiles, toProfile(user))
	}
	return profiles, nil
}

// Admins 列出全部平台管理員
func (d *StoreDirectory) Admins(ctx context.Context) ([]*Profile, error) {
	users, err := d.users.ListAdmins(ctx)
	if err != nil {
		return nil, err
	}

	profiles := make([]*Profile, 0, len(users))
	for _, user := range users {
		profiles = append(profiles, toProfile(user))
	}
	return profiles, nil
}

func toProfile(user *conversation.User) *Profile {
	return &Profile{
		UserID:  user.ID,
		Name:    user.Name,
		Email:   user.Email,
		Avatar:  user.Avatar,
		IsAdmin: user.IsAdmin,
	}
}
