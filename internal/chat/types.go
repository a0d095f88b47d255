package chat

// ConversationType 會話類型
type ConversationType string

const (
	// ConversationTypeOrder 訂單會話（買家與賣家針對某筆訂單）
	ConversationTypeOrder ConversationType = "order"
	// ConversationTypeShop 店鋪會話（買家與店鋪客服，售前諮詢）
	ConversationTypeShop ConversationType = "shop"
	// ConversationTypeSupport 客服會話（買家/賣家與平台管理員）
	ConversationTypeSupport ConversationType = "support"
)

// IsValid 檢查會話類型是否有效
func (t ConversationType) IsValid() bool {
	switch t {
	case ConversationTypeOrder, ConversationTypeShop, ConversationTypeSupport:
		return true
	}
	return false
}

// MessageType 消息類型
type MessageType string

const (
	// MessageTypeText 文字消息
	MessageTypeText MessageType = "text"
	// MessageTypeImage 圖片消息（content 為圖片引用，不做內容驗證）
	MessageTypeImage MessageType = "image"
)

// IsValid 檢查消息類型是否有效
func (t MessageType) IsValid() bool {
	return t == MessageTypeText || t == MessageTypeImage
}

// MemberRole 會話成員角色
type MemberRole string

const (
	MemberRoleBuyer  MemberRole = "buyer"
	MemberRoleSeller MemberRole = "seller"
	MemberRoleAdmin  MemberRole = "admin"
)

// IsValid 檢查成員角色是否有效
func (r MemberRole) IsValid() bool {
	switch r {
	case MemberRoleBuyer, MemberRoleSeller, MemberRoleAdmin:
		return true
	}
	return false
}

// Intent 客服意圖分類（封閉枚舉）
type Intent string

const (
	IntentOrderStatus Intent = "order_status"
	IntentRefund      Intent = "refund"
	IntentShipping    Intent = "shipping"
	IntentAccount     Intent = "account"
	IntentComplaint   Intent = "complaint"
	// IntentUnknown 無法分類，必須路由給人工管理員
	IntentUnknown Intent = "unknown"
)

// KnownIntents 所有可由自動流程處理的意圖
var KnownIntents = []Intent{
	IntentOrderStatus,
	IntentRefund,
	IntentShipping,
	IntentAccount,
	IntentComplaint,
}

// IsKnown 檢查意圖是否在封閉枚舉內（不含 unknown）
func (i Intent) IsKnown() bool {
	for _, known := range KnownIntents {
		if i == known {
			return true
		}
	}
	return false
}

// ClassificationResult 意圖分類結果（值對象，不持久化）
type ClassificationResult struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`
	// FromFallback 為 true 時表示分類器無法給出可信答案，
	// 調用方必須路由給人工管理員而非自動流程
	FromFallback bool `json:"from_fallback"`
}
