package job

import (
	"context"
	"log"
	"time"

	"creditledger/internal/config"
	"creditledger/internal/service"
)

// ReconcileJob 余额对账任务
//
// 定时全量核对账户余额和流水折算值。只检测不纠正，发现不一致
// 记审计打点，纠正由运营显式触发
type ReconcileJob struct {
	reconciler *service.ReconcileService
	stopCh     chan struct{}
	interval   time.Duration
}

func NewReconcileJob(reconciler *service.ReconcileService, cfg *config.Config) *ReconcileJob {
	interval := time.Duration(cfg.Ledger.ReconcileIntervalS) * time.Second
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &ReconcileJob{
		reconciler: reconciler,
		stopCh:     make(chan struct{}),
		interval:   interval,
	}
}

func (j *ReconcileJob) Start(ctx context.Context) {
	log.Println("[ReconcileJob] 余额对账任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ReconcileJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[ReconcileJob] 任务停止")
			return
		case <-ticker.C:
			j.verifyAll(ctx)
		}
	}
}

func (j *ReconcileJob) Stop() {
	close(j.stopCh)
}

func (j *ReconcileJob) verifyAll(ctx context.Context) {
	start := time.Now()
	checked, drifts, err := j.reconciler.BatchVerify(ctx)
	if err != nil {
		log.Printf("[ReconcileJob] 对账失败: %v", err)
		return
	}
	if drifts > 0 {
		log.Printf("[ReconcileJob] 对账完成: 核对 %d 个账户, 发现 %d 处不一致, 耗时 %v",
			checked, drifts, time.Since(start))
	}
}
