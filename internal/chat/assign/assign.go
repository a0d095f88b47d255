// Package assign 實作客服會話的管理員指派策略。
//
// 策略：在線管理員中最久未被指派的優先（按最後指派時間輪替），
// 開啟中會話數較少者打破平手，最後用 ID 順序保證結果確定。
// 併發指派用每個管理員的「指派中」標記做 compare-and-swap，
// 衝突時換下一個候選人重試，全部候選人耗盡才返回錯誤。
package assign

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"shopchat/internal/chat"
	"shopchat/internal/identity"
	"shopchat/internal/platform/logger"
	"shopchat/internal/platform/metrics"
)

// adminState 單個管理員的指派狀態
type adminState struct {
	id             string
	online         bool
	openCount      int
	lastAssignedAt time.Time

	// assigning 指派進行中的 CAS 標記
	assigning atomic.Bool
}

// Pool 管理員指派池
type Pool struct {
	mu     sync.RWMutex
	admins map[string]*adminState
}

// NewPool 創建空的指派池
func NewPool() *Pool {
	return &Pool{
		admins: make(map[string]*adminState),
	}
}

// Sync 用目錄中的管理員名單同步池。
// 新管理員加入時視為在線；名單外的管理員移除。
func (p *Pool) Sync(profiles []*identity.Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool, len(profiles))
	for _, profile := range profiles {
		if !profile.IsAdmin {
			continue
		}
		seen[profile.UserID] = true
		if _, exists := p.admins[profile.UserID]; !exists {
			p.admins[profile.UserID] = &adminState{
				id:     profile.UserID,
				online: true,
			}
		}
	}

	for id := range p.admins {
		if !seen[id] {
			delete(p.admins, id)
		}
	}
}

// SetOnline 設定管理員在線狀態。離線的管理員不參與新指派，
// 已指派的會話不受影響（重新指派是顯式操作）。
func (p *Pool) SetOnline(adminID string, online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if admin, exists := p.admins[adminID]; exists {
		admin.online = online
	}
}

// maxAssignPasses 整個候選人列表的最大重試輪數
const maxAssignPasses = 3

// candidateSnapshot 排序時刻的候選人狀態快照。
// lastAssignedAt 兼作版本：提交前發現它變了，表示另一個
// 併發請求已指派了同一個管理員，必須換下一個候選人。
type candidateSnapshot struct {
	admin          *adminState
	lastAssignedAt time.Time
}

// Assign 選出一個管理員並記入一次指派。
// 池為空（或極端競爭下多輪重試耗盡）時返回 ErrNoAdminAvailable。
func (p *Pool) Assign(ctx context.Context) (string, error) {
	for pass := 0; pass < maxAssignPasses; pass++ {
		candidates := p.rankedCandidates()
		if len(candidates) == 0 {
			metrics.Assignments.WithLabelValues("exhausted").Inc()
			return "", chat.ErrNoAdminAvailable
		}

		for i, candidate := range candidates {
			// CAS 搶佔指派標記，失敗表示另一個併發請求正在
			// 指派同一個管理員，換下一個候選人
			if !candidate.admin.assigning.CompareAndSwap(false, true) {
				metrics.Assignments.WithLabelValues("retried").Inc()
				continue
			}

			p.mu.Lock()
			// 快照過期表示該管理員在排序之後已被指派過，
			// 放棄並換下一個候選人
			if !candidate.admin.lastAssignedAt.Equal(candidate.lastAssignedAt) {
				p.mu.Unlock()
				candidate.admin.assigning.Store(false)
				metrics.Assignments.WithLabelValues("retried").Inc()
				continue
			}
			candidate.admin.openCount++
			candidate.admin.lastAssignedAt = time.Now()
			p.mu.Unlock()

			candidate.admin.assigning.Store(false)

			if i > 0 || pass > 0 {
				logger.Debug(ctx, "管理員指派經過重試",
					logger.WithUserID(candidate.admin.id),
					logger.WithDetails(map[string]interface{}{
						"pass":     pass + 1,
						"attempts": i + 1,
					}))
			}
			metrics.Assignments.WithLabelValues("assigned").Inc()
			return candidate.admin.id, nil
		}
	}

	metrics.Assignments.WithLabelValues("exhausted").Inc()
	return "", chat.ErrNoAdminAvailable
}

// Unassign 回滾一次指派（會話創建失敗時調用）
func (p *Pool) Unassign(adminID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if admin, exists := p.admins[adminID]; exists && admin.openCount > 0 {
		admin.openCount--
	}
}

// Complete 會話關閉時遞減管理員的開啟中會話數
func (p *Pool) Complete(adminID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if admin, exists := p.admins[adminID]; exists && admin.openCount > 0 {
		admin.openCount--
	}
}

// Contains 檢查用戶是否在池中（是否是有效的指派對象）
func (p *Pool) Contains(adminID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, exists := p.admins[adminID]
	return exists
}

// AssignDirect 直接指派給指定管理員（調用方已驗證身份）
func (p *Pool) AssignDirect(adminID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if admin, exists := p.admins[adminID]; exists {
		admin.openCount++
		admin.lastAssignedAt = time.Now()
	}
}

// rankedCandidates 取得按策略排序的在線候選人快照
func (p *Pool) rankedCandidates() []candidateSnapshot {
	p.mu.RLock()

	type ranked struct {
		snapshot  candidateSnapshot
		openCount int
	}
	candidates := make([]ranked, 0, len(p.admins))
	for _, admin := range p.admins {
		if admin.online {
			candidates = append(candidates, ranked{
				snapshot: candidateSnapshot{
					admin:          admin,
					lastAssignedAt: admin.lastAssignedAt,
				},
				openCount: admin.openCount,
			})
		}
	}
	p.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.snapshot.lastAssignedAt.Equal(b.snapshot.lastAssignedAt) {
			return a.snapshot.lastAssignedAt.Before(b.snapshot.lastAssignedAt)
		}
		if a.openCount != b.openCount {
			return a.openCount < b.openCount
		}
		return a.snapshot.admin.id < b.snapshot.admin.id
	})

	result := make([]candidateSnapshot, len(candidates))
	for i, c := range candidates {
		result[i] = c.snapshot
	}
	return result
}

// Stats 獲取池的統計信息
func (p *Pool) Stats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	online := 0
	totalOpen := 0
	for _, admin := range p.admins {
		if admin.online {
			online++
		}
		totalOpen += admin.openCount
	}

	return map[string]interface{}{
		"admins":             len(p.admins),
		"online":             online,
		"open_conversations": totalOpen,
	}
}
