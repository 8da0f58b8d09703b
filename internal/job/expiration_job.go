package job

import (
	"context"
	"log"
	"time"

	"creditledger/internal/config"
	"creditledger/internal/service"
)

// ExpirationJob 积分过期扫描任务
//
// 定时触发过期引擎的全量扫描。核销走正常的账本操作，带批次级
// 幂等，扫描重叠或进程重启不会重复核销
type ExpirationJob struct {
	expiration *service.ExpirationService
	stopCh     chan struct{}
	interval   time.Duration
}

func NewExpirationJob(expiration *service.ExpirationService, cfg *config.Config) *ExpirationJob {
	interval := time.Duration(cfg.Ledger.ExpireScanIntervalS) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	return &ExpirationJob{
		expiration: expiration,
		stopCh:     make(chan struct{}),
		interval:   interval,
	}
}

func (j *ExpirationJob) Start(ctx context.Context) {
	log.Println("[ExpirationJob] 积分过期扫描任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ExpirationJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[ExpirationJob] 任务停止")
			return
		case <-ticker.C:
			j.scan(ctx)
		}
	}
}

func (j *ExpirationJob) Stop() {
	close(j.stopCh)
}

func (j *ExpirationJob) scan(ctx context.Context) {
	start := time.Now()
	accounts, total, err := j.expiration.BatchProcessExpiredCredits(ctx, start)
	if err != nil {
		log.Printf("[ExpirationJob] 过期扫描失败: %v", err)
		return
	}
	if accounts > 0 {
		log.Printf("[ExpirationJob] 过期扫描完成: 涉及 %d 个账户, 核销 %d, 耗时 %v",
			accounts, total, time.Since(start))
	}
}
