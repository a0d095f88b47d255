package assign

import (
	"context"
	"errors"
	"sync"
	"testing"

	"shopchat/internal/chat"
	"shopchat/internal/identity"
)

func adminProfiles(ids ...string) []*identity.Profile {
	profiles := make([]*identity.Profile, 0, len(ids))
	for _, id := range ids {
		profiles = append(profiles, &identity.Profile{UserID: id, IsAdmin: true})
	}
	return profiles
}

// TestAssignEmptyPool 空池指派必須失敗
func TestAssignEmptyPool(t *testing.T) {
	pool := NewPool()

	_, err := pool.Assign(context.Background())
	if !errors.Is(err, chat.ErrNoAdminAvailable) {
		t.Fatalf("空池應返回 ErrNoAdminAvailable，得到: %v", err)
	}
}

// TestAssignDeterministicOrder 從未指派過的管理員按 ID 順序選出
func TestAssignDeterministicOrder(t *testing.T) {
	pool := NewPool()
	pool.Sync(adminProfiles("admin_c", "admin_a", "admin_b"))

	adminID, err := pool.Assign(context.Background())
	if err != nil {
		t.Fatalf("指派失敗: %v", err)
	}
	if adminID != "admin_a" {
		t.Fatalf("首次指派應選 ID 最小的 admin_a，得到: %s", adminID)
	}
}

// TestAssignRoundRobin 最久未被指派的管理員優先
func TestAssignRoundRobin(t *testing.T) {
	pool := NewPool()
	pool.Sync(adminProfiles("admin_a", "admin_b", "admin_c"))

	ctx := context.Background()
	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		adminID, err := pool.Assign(ctx)
		if err != nil {
			t.Fatalf("第 %d 次指派失敗: %v", i+1, err)
		}
		seen[adminID]++
	}

	// 六次指派應輪替到每人兩次
	for _, id := range []string{"admin_a", "admin_b", "admin_c"} {
		if seen[id] != 2 {
			t.Errorf("管理員 %s 應被指派 2 次，實際 %d 次", id, seen[id])
		}
	}
}

// TestAssignSkipsOffline 離線管理員不參與指派
func TestAssignSkipsOffline(t *testing.T) {
	pool := NewPool()
	pool.Sync(adminProfiles("admin_a", "admin_b"))
	pool.SetOnline("admin_a", false)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		adminID, err := pool.Assign(ctx)
		if err != nil {
			t.Fatalf("指派失敗: %v", err)
		}
		if adminID != "admin_b" {
			t.Fatalf("離線的 admin_a 不應被指派，得到: %s", adminID)
		}
	}

	pool.SetOnline("admin_b", false)
	if _, err := pool.Assign(ctx); !errors.Is(err, chat.ErrNoAdminAvailable) {
		t.Fatalf("全員離線應返回 ErrNoAdminAvailable，得到: %v", err)
	}
}

// TestAssignDirectCountsAsLoad 直接指派也計入輪替與負載
func TestAssignDirectCountsAsLoad(t *testing.T) {
	pool := NewPool()
	pool.Sync(adminProfiles("admin_a", "admin_b"))

	// 請求者點名 admin_a 之後，下一個自動指派應落到 admin_b
	pool.AssignDirect("admin_a")

	adminID, err := pool.Assign(context.Background())
	if err != nil {
		t.Fatalf("指派失敗: %v", err)
	}
	if adminID != "admin_b" {
		t.Fatalf("admin_a 已有較新的指派時間，應選 admin_b，得到: %s", adminID)
	}
}

// TestConcurrentAssignBijection N 個管理員接受 N 個併發指派時，
// 每個管理員恰好被指派一次（不重複、不遺漏）
func TestConcurrentAssignBijection(t *testing.T) {
	const n = 8

	pool := NewPool()
	ids := []string{
		"admin_0", "admin_1", "admin_2", "admin_3",
		"admin_4", "admin_5", "admin_6", "admin_7",
	}
	pool.Sync(adminProfiles(ids...))

	ctx := context.Background()
	results := make(chan string, n)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adminID, err := pool.Assign(ctx)
			if err != nil {
				t.Errorf("併發指派失敗: %v", err)
				return
			}
			results <- adminID
		}()
	}
	wg.Wait()
	close(results)

	assigned := make(map[string]int)
	for adminID := range results {
		assigned[adminID]++
	}

	if len(assigned) != n {
		t.Fatalf("應有 %d 個不同的管理員被指派，實際 %d 個: %v", n, len(assigned), assigned)
	}
	for id, count := range assigned {
		if count != 1 {
			t.Errorf("管理員 %s 被指派 %d 次，應恰好 1 次", id, count)
		}
	}
}

// TestCompleteReducesLoad 關閉會話後管理員可再次優先接收指派
func TestCompleteReducesLoad(t *testing.T) {
	pool := NewPool()
	pool.Sync(adminProfiles("admin_a"))

	ctx := context.Background()
	if _, err := pool.Assign(ctx); err != nil {
		t.Fatalf("指派失敗: %v", err)
	}

	stats := pool.Stats()
	if stats["open_conversations"].(int) != 1 {
		t.Fatalf("開啟中會話數應為 1，得到: %v", stats["open_conversations"])
	}

	pool.Complete("admin_a")
	stats = pool.Stats()
	if stats["open_conversations"].(int) != 0 {
		t.Fatalf("關閉後開啟中會話數應為 0，得到: %v", stats["open_conversations"])
	}
}
