// Package metrics 提供 Prometheus 指標。
// 所有指標通過 promauto 在默認註冊表註冊，由 /metrics 端點暴露。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesAppended 已持久化的訊息數，按會話類型統計
	MessagesAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shopchat",
		Name:      "messages_appended_total",
		Help:      "Total messages appended to the conversation log.",
	}, []string{"conversation_type"})

	// AppendLatency 訊息持久化耗時（不含推送）
	AppendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "shopchat",
		Name:      "message_append_duration_seconds",
		Help:      "Time to persist a message, excluding push fan-out.",
		Buckets:   prometheus.DefBuckets,
	})

	// DeliveryPushes 推送結果，result ∈ {sent, dropped, no_session}
	DeliveryPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shopchat",
		Name:      "delivery_pushes_total",
		Help:      "Push delivery attempts by result.",
	}, []string{"result"})

	// DeliveryQueueDepth 投遞任務隊列當前深度
	DeliveryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shopchat",
		Name:      "delivery_queue_depth",
		Help:      "Current depth of the delivery task queue.",
	})

	// ActiveSessions 當前在線的推送 session 數
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shopchat",
		Name:      "active_sessions",
		Help:      "Currently connected push sessions.",
	})

	// Classifications 意圖分類結果，outcome ∈ {classified, low_confidence, unknown_label, error, timeout}
	Classifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shopchat",
		Name:      "intent_classifications_total",
		Help:      "Intent classification attempts by outcome.",
	}, []string{"outcome"})

	// ClassifyLatency 意圖分類調用耗時
	ClassifyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "shopchat",
		Name:      "intent_classify_duration_seconds",
		Help:      "Latency of intent classifier calls.",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2, 5},
	})

	// Assignments 管理員指派結果，result ∈ {assigned, retried, exhausted}
	Assignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shopchat",
		Name:      "admin_assignments_total",
		Help:      "Admin assignment attempts by result.",
	}, []string{"result"})
)
