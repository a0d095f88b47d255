// Package intent 實作客服請求的意圖分類閘道。
// 外部分類後端被視為不可信的黑盒，本包只負責 fallback 決策：
// 低信心、調用失敗或超時，一律降級為人工路由。
package intent

import "context"

// Scorer 外部文本分類能力的抽象。
// 返回原始意圖標籤與信心值，不做任何閾值判斷。
type Scorer interface {
	Score(ctx context.Context, text string) (label string, confidence float64, err error)
}
