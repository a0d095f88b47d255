package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// UserIDHeader 上游網關驗證後注入的用戶身份頭。
	// 本服務部署在網關後面，信任該頭；不在這裡做 token 驗證。
	UserIDHeader = "X-User-ID"

	// AuthUserIDKey gin context 中已驗證用戶 ID 的鍵
	AuthUserIDKey = "auth_user_id"
)

// RequireIdentity 要求請求帶有已驗證的用戶身份。
// SSE 連接無法自定義 header，允許退回到 user_id 查詢參數。
func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(UserIDHeader)
		if userID == "" {
			userID = c.Query("user_id")
		}

		if err := ValidateUserID(userID); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "缺少或無效的用戶身份",
			})
			c.Abort()
			return
		}

		c.Set(AuthUserIDKey, userID)
		c.Next()
	}
}

// AuthenticatedUserID 從 gin context 獲取已驗證的用戶 ID
func AuthenticatedUserID(c *gin.Context) string {
	if userID, exists := c.Get(AuthUserIDKey); exists {
		if id, ok := userID.(string); ok {
			return id
		}
	}
	return ""
}
