package job

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"creditledger/internal/config"
	"creditledger/internal/infrastructure/mq"
	"creditledger/internal/model"
	"creditledger/internal/repository"
)

// AuditSender 审计记录投递任务（发件箱模式）
//
// 审计记录先落库再异步发 Kafka：主链路只负责写表，这里轮询待发送
// 记录逐条投递，发送成功标记 SENT，超过最大重试次数标记 FAILED。
// 投递失败永远不回传给账本操作
type AuditSender struct {
	audits    repository.AuditLog
	topic     string
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
	maxRetry  int
}

func NewAuditSender(audits repository.AuditLog, cfg *config.Config) *AuditSender {
	interval := time.Duration(cfg.Ledger.AuditSendIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	batchSize := cfg.Ledger.AuditSendBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	maxRetry := cfg.Ledger.AuditMaxRetryCount
	if maxRetry <= 0 {
		maxRetry = 3
	}
	return &AuditSender{
		audits:    audits,
		topic:     cfg.Kafka.Topic.Audit,
		stopCh:    make(chan struct{}),
		interval:  interval,
		batchSize: batchSize,
		maxRetry:  maxRetry,
	}
}

func (s *AuditSender) Start(ctx context.Context) {
	log.Println("[AuditSender] 审计投递任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[AuditSender] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			log.Println("[AuditSender] 任务停止")
			return
		case <-ticker.C:
			s.processPending(ctx)
		}
	}
}

func (s *AuditSender) Stop() {
	close(s.stopCh)
}

func (s *AuditSender) processPending(ctx context.Context) {
	records, err := s.audits.ListPending(ctx, s.batchSize)
	if err != nil {
		log.Printf("[AuditSender] 查询待发送审计记录失败: %v", err)
		return
	}

	for _, rec := range records {
		s.send(ctx, rec)
	}
}

func (s *AuditSender) send(ctx context.Context, rec *model.AuditRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		log.Printf("[AuditSender] 审计记录序列化失败: id=%d, err=%v", rec.ID, err)
		return
	}

	// 以审计编号作为分区键，同一条记录的重发落在同一分区
	err = mq.SendMessage(s.topic, rec.AuditNo, string(payload))
	if err == nil {
		if markErr := s.audits.MarkSent(ctx, rec.ID); markErr != nil {
			log.Printf("[AuditSender] 更新审计记录状态失败: id=%d, err=%v", rec.ID, markErr)
		}
		return
	}

	log.Printf("[AuditSender] 审计记录发送失败: id=%d, err=%v", rec.ID, err)

	if err := s.audits.IncrementRetry(ctx, rec.ID); err != nil {
		log.Printf("[AuditSender] 增加重试次数失败: id=%d, err=%v", rec.ID, err)
		return
	}
	if rec.RetryCount+1 >= s.maxRetry {
		if err := s.audits.MarkFailed(ctx, rec.ID); err != nil {
			log.Printf("[AuditSender] 标记失败状态失败: id=%d, err=%v", rec.ID, err)
		} else {
			log.Printf("[AuditSender] 审计记录超过最大重试次数，标记为失败: id=%d", rec.ID)
		}
	}
}
