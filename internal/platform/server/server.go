package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shopchat/internal/chat/assign"
	"shopchat/internal/chat/delivery"
	"shopchat/internal/chat/directory"
	"shopchat/internal/chat/intent"
	"shopchat/internal/chat/messagelog"
	"shopchat/internal/identity"
	"shopchat/internal/platform/config"
	"shopchat/internal/platform/driver"
	"shopchat/internal/platform/logger"
	"shopchat/internal/storage/database"
	"shopchat/internal/storage/database/conversation"
)

// 管理員名單的定期重新同步間隔
const adminSyncInterval = time.Minute

// memberSource 把會話存儲適配成投遞扇出需要的成員名單來源
type memberSource struct {
	conversations conversation.ConversationRepository
}

func (m memberSource) MemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	members, err := m.conversations.GetMembers(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(members))
	for i, member := range members {
		ids[i] = member.UserID
	}
	return ids, nil
}

// Start 啟動伺服器.
func Start() error {
	// 初始化日誌系統
	if err := logger.InitLogger(); err != nil {
		return err
	}
	defer logger.CloseLogger()

	logger.LogInfof("正在啟動 ShopChat API 伺服器...")

	// 載入設定
	if err := config.Load(); err != nil {
		logger.LogErrorf("載入設定失敗: %v", err)
		return err
	}

	cfg := config.Get()
	logger.LogInfof("設定載入成功，環境: %s", config.GetEnv())

	// connect db
	if err := driver.ConnectMongo(); err != nil {
		logger.LogErrorf("資料庫連接失敗: %v", err)
		return err
	}
	defer func() {
		if err := driver.CloseMongo(); err != nil {
			logger.LogErrorf("關閉 MongoDB 連接失敗: %v", err)
		}
	}()

	database.SetMongoDB(driver.GetMongoDatabase())
	repos := database.NewRepositories()
	if repos == nil {
		return fmt.Errorf("repository initialization failed")
	}

	logger.LogInfof("儲存庫集合初始化完成")

	ctx := context.Background()

	// 用戶目錄與管理員指派池
	users := identity.NewStoreDirectory(repos.User)
	pool := assign.NewPool()
	admins, err := users.Admins(ctx)
	if err != nil {
		logger.LogErrorf("讀取管理員名單失敗: %v", err)
		return err
	}
	pool.Sync(admins)
	logger.LogInfof("管理員指派池初始化完成，管理員數: %d", len(admins))

	// 定期重新同步管理員名單（上游身份系統可能增減管理員）
	syncDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(adminSyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-syncDone:
				return
			case <-ticker.C:
				profiles, syncErr := users.Admins(ctx)
				if syncErr != nil {
					logger.LogWarnf("重新同步管理員名單失敗: %v", syncErr)
					continue
				}
				pool.Sync(profiles)
			}
		}
	}()
	defer close(syncDone)

	// 意圖分類閘道
	classifier := intent.NewGateway(
		intent.NewGRPCScorer(),
		cfg.Classifier.ConfidenceThreshold,
		time.Duration(cfg.Classifier.TimeoutMS)*time.Millisecond,
	)
	defer func() {
		if err := intent.CloseConnection(); err != nil {
			logger.LogWarnf("關閉分類後端連接失敗: %v", err)
		}
	}()

	// 推送中樞與扇出調度器
	hub := delivery.NewHub(cfg.Delivery.SessionSendBuffer)
	dispatcher := delivery.NewDispatcher(
		hub,
		memberSource{conversations: repos.Conversation},
		cfg.Delivery.QueueSize,
		cfg.Delivery.Workers,
	)
	defer dispatcher.Stop()

	// 業務服務
	messageLog := messagelog.NewService(repos.Conversation, repos.Message, repos.ReadStatus, dispatcher)
	conversationDir := directory.NewService(repos.Conversation, users, pool, classifier, dispatcher)

	SetDependencies(&Dependencies{
		Directory:  conversationDir,
		MessageLog: messageLog,
		Hub:        hub,
	})

	// setting router
	router := Router()

	// create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.Timeout) * time.Second,
		WriteTimeout: 0, // SSE 需要長連接，設為 0 表示不超時
		IdleTimeout:  120 * time.Second,
	}

	// start server
	go func() {
		logger.LogInfof("伺服器正在監聽埠口: %s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.LogErrorf("伺服器啟動失敗: %v", err)
			os.Exit(1)
		}
	}()

	// 等待關閉信號
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.LogInfof("收到關閉信號，正在優雅關閉伺服器...")

	// 優雅關閉：先停 HTTP（斷開 SSE 連接），調度器由 defer 收尾
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.LogErrorf("伺服器關閉失敗: %v", err)
		return err
	}

	logger.LogInfof("伺服器已優雅關閉")
	return nil
}
