package intent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"shopchat/internal/chat"
)

// fakeScorer 可控的分類後端替身
type fakeScorer struct {
	label      string
	confidence float64
	err        error
	delay      time.Duration
}

func (f *fakeScorer) Score(ctx context.Context, text string) (string, float64, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", 0, ctx.Err()
		}
	}
	if f.err != nil {
		return "", 0, f.err
	}
	return f.label, f.confidence, nil
}

// TestClassifyConfident 高信心結果原樣返回
func TestClassifyConfident(t *testing.T) {
	gw := NewGateway(&fakeScorer{label: "refund", confidence: 0.92}, 0.6, time.Second)

	result := gw.Classify(context.Background(), "我要退款")
	if result.FromFallback {
		t.Fatal("高信心結果不應是 fallback")
	}
	if result.Intent != chat.IntentRefund {
		t.Fatalf("意圖應為 refund，得到: %s", result.Intent)
	}
	if result.Confidence != 0.92 {
		t.Fatalf("信心值應為 0.92，得到: %f", result.Confidence)
	}
}

// TestClassifyLowConfidence 信心值低於閾值必須降級為人工路由
func TestClassifyLowConfidence(t *testing.T) {
	gw := NewGateway(&fakeScorer{label: "refund", confidence: 0.4}, 0.6, time.Second)

	result := gw.Classify(context.Background(), "不太確定的描述")
	if !result.FromFallback {
		t.Fatal("信心值 0.4 低於閾值 0.6，應降級為 fallback")
	}
	if result.Intent != chat.IntentUnknown {
		t.Fatalf("fallback 意圖應為 unknown，得到: %s", result.Intent)
	}
}

// TestClassifyBackendError 後端錯誤降級為 fallback，不向上傳播
func TestClassifyBackendError(t *testing.T) {
	gw := NewGateway(&fakeScorer{err: fmt.Errorf("connection refused")}, 0.6, time.Second)

	result := gw.Classify(context.Background(), "任何文本")
	if !result.FromFallback {
		t.Fatal("後端錯誤應降級為 fallback")
	}
	if result.Intent != chat.IntentUnknown {
		t.Fatalf("fallback 意圖應為 unknown，得到: %s", result.Intent)
	}
}

// TestClassifyTimeout 後端超時降級為 fallback，且調用有界
func TestClassifyTimeout(t *testing.T) {
	gw := NewGateway(&fakeScorer{label: "refund", confidence: 0.9, delay: 500 * time.Millisecond}, 0.6, 50*time.Millisecond)

	start := time.Now()
	result := gw.Classify(context.Background(), "很慢的後端")
	elapsed := time.Since(start)

	if !result.FromFallback {
		t.Fatal("超時應降級為 fallback")
	}
	if elapsed > 300*time.Millisecond {
		t.Fatalf("調用應在超時上限附近返回，實際耗時: %v", elapsed)
	}
}

// TestClassifyUnknownLabel 枚舉外的標籤視同無法分類
func TestClassifyUnknownLabel(t *testing.T) {
	gw := NewGateway(&fakeScorer{label: "weather_report", confidence: 0.99}, 0.6, time.Second)

	result := gw.Classify(context.Background(), "今天天氣如何")
	if !result.FromFallback {
		t.Fatal("枚舉外標籤應降級為 fallback")
	}
}

// TestClassifyBoundaryConfidence 信心值恰好等於閾值不降級
func TestClassifyBoundaryConfidence(t *testing.T) {
	gw := NewGateway(&fakeScorer{label: "shipping", confidence: 0.6}, 0.6, time.Second)

	result := gw.Classify(context.Background(), "物流進度")
	if result.FromFallback {
		t.Fatal("信心值等於閾值時不應降級")
	}
	if result.Intent != chat.IntentShipping {
		t.Fatalf("意圖應為 shipping，得到: %s", result.Intent)
	}
}
