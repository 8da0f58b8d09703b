package repository

import (
	"context"

	"creditledger/internal/model"
	"creditledger/pkg/crediterr"

	"gorm.io/gorm"
)

// AuditRepository AuditLog 的 MySQL 实现（发件箱模式）
//
// 审计记录先落本地表，由后台任务异步投递到 Kafka，
// 保证审计写入不阻塞账本临界区
type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Append(ctx context.Context, rec *model.AuditRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return crediterr.DatabaseError(err)
	}
	return nil
}

func (r *AuditRepository) ListPending(ctx context.Context, limit int) ([]*model.AuditRecord, error) {
	var records []*model.AuditRecord
	err := r.db.WithContext(ctx).
		Where("status = ?", model.AuditStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, crediterr.DatabaseError(err)
	}
	return records, nil
}

func (r *AuditRepository) MarkSent(ctx context.Context, id int64) error {
	err := r.db.WithContext(ctx).
		Model(&model.AuditRecord{}).
		Where("id = ?", id).
		Update("status", model.AuditStatusSent).Error
	if err != nil {
		return crediterr.DatabaseError(err)
	}
	return nil
}

// MarkFailed 只改状态不动重试计数，计数由 IncrementRetry 单独维护
func (r *AuditRepository) MarkFailed(ctx context.Context, id int64) error {
	err := r.db.WithContext(ctx).
		Model(&model.AuditRecord{}).
		Where("id = ?", id).
		Update("status", model.AuditStatusFailed).Error
	if err != nil {
		return crediterr.DatabaseError(err)
	}
	return nil
}

func (r *AuditRepository) IncrementRetry(ctx context.Context, id int64) error {
	err := r.db.WithContext(ctx).
		Model(&model.AuditRecord{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
	if err != nil {
		return crediterr.DatabaseError(err)
	}
	return nil
}
