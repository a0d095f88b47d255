package intent

import (
	"context"
	"errors"
	"time"

	"shopchat/internal/chat"
	"shopchat/internal/constants"
	"shopchat/internal/platform/logger"
	"shopchat/internal/platform/metrics"
)

// Gateway 意圖分類閘道。包裝外部 Scorer，套用信心閾值與
// 有界超時；任何失敗都降級為 fallback 結果，永不返回錯誤，
// 也永不阻塞消息投遞。
type Gateway struct {
	scorer    Scorer
	threshold float64
	timeout   time.Duration
}

// NewGateway 創建分類閘道
func NewGateway(scorer Scorer, threshold float64, timeout time.Duration) *Gateway {
	if threshold <= 0 {
		threshold = constants.DefaultConfidenceThreshold
	}
	if timeout <= 0 {
		timeout = time.Duration(constants.DefaultClassifyTimeoutMS) * time.Millisecond
	}
	return &Gateway{
		scorer:    scorer,
		threshold: threshold,
		timeout:   timeout,
	}
}

// fallbackResult 人工路由結果。調用方看到 FromFallback=true
// 必須路由給人工管理員，而不是自動流程。
func fallbackResult() chat.ClassificationResult {
	return chat.ClassificationResult{
		Intent:       chat.IntentUnknown,
		Confidence:   0,
		FromFallback: true,
	}
}

// Classify 對自由文本做意圖分類。
// 分類失敗不做同步重試：人工 fallback 永遠是安全的。
func (g *Gateway) Classify(ctx context.Context, text string) chat.ClassificationResult {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	label, confidence, err := g.scorer.Score(callCtx, text)
	metrics.ClassifyLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
		}
		metrics.Classifications.WithLabelValues(outcome).Inc()
		logger.Warning(ctx, "意圖分類後端調用失敗，降級為人工路由",
			logger.WithDetails(map[string]interface{}{
				"error":   chat.ErrClassificationUnavailable.Error(),
				"cause":   err.Error(),
				"outcome": outcome,
			}))
		return fallbackResult()
	}

	result := chat.ClassificationResult{
		Intent:     chat.Intent(label),
		Confidence: confidence,
	}

	// 標籤不在封閉枚舉內，視同無法分類
	if !result.Intent.IsKnown() {
		metrics.Classifications.WithLabelValues("unknown_label").Inc()
		return fallbackResult()
	}

	// 信心值低於閾值，路由給人工
	if confidence < g.threshold {
		metrics.Classifications.WithLabelValues("low_confidence").Inc()
		logger.Debug(ctx, "分類信心值低於閾值",
			logger.WithDetails(map[string]interface{}{
				"intent":     label,
				"confidence": confidence,
				"threshold":  g.threshold,
			}))
		return fallbackResult()
	}

	metrics.Classifications.WithLabelValues("classified").Inc()
	return result
}

// Threshold 當前生效的信心閾值
func (g *Gateway) Threshold() float64 {
	return g.threshold
}
