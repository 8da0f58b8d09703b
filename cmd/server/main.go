package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"creditledger/internal/audit"
	"creditledger/internal/catalog"
	"creditledger/internal/config"
	"creditledger/internal/handler"
	"creditledger/internal/infrastructure/cache"
	"creditledger/internal/infrastructure/database"
	"creditledger/internal/infrastructure/lock"
	"creditledger/internal/infrastructure/mq"
	"creditledger/internal/job"
	"creditledger/internal/metrics"
	"creditledger/internal/repository"
	"creditledger/internal/service"
	"creditledger/pkg/idgen"
)

func main() {
	// 加载配置
	cfg := config.LoadConfig("config/config.yaml")

	// 初始化 ID 生成器
	idgen.Init(1)

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL)

	// 初始化 Redis
	redisClient := cache.InitRedis(&cfg.Redis)

	// 初始化 Kafka
	mq.InitKafka(&cfg.Kafka)
	defer mq.CloseKafka()

	// 组装依赖
	store := repository.NewGormStore(db)
	locker := lock.NewRedisLocker(redisClient, cfg.Ledger.LockExpiration(), cfg.Ledger.LockRetryInterval())
	creditTypes := catalog.NewConfigCatalog(cfg.CreditTypes)
	trail := audit.NewTrail(store.Audits())
	collector := metrics.NewCollector()

	ledgerService := service.NewLedgerService(store, locker, creditTypes, trail, collector, &cfg.Ledger)
	accountService := service.NewAccountService(store, trail)
	expirationService := service.NewExpirationService(store, ledgerService, creditTypes, trail, collector, &cfg.Ledger)
	reconcileService := service.NewReconcileService(store, trail, collector, &cfg.Ledger)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	auditSender := job.NewAuditSender(store.Audits(), cfg)
	go auditSender.Start(ctx)

	expirationJob := job.NewExpirationJob(expirationService, cfg)
	go expirationJob.Start(ctx)

	reconcileJob := job.NewReconcileJob(reconcileService, cfg)
	go reconcileJob.Start(ctx)

	// 设置路由
	h := handler.NewHandler(ledgerService, accountService, expirationService, reconcileService, creditTypes, &cfg.Ledger)
	router := handler.SetupRouter(h, collector)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// 在 goroutine 中启动服务器
	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}
