package repository

import (
	"context"
	"errors"
	"time"

	"creditledger/internal/model"
	"creditledger/pkg/crediterr"

	"gorm.io/gorm"
)

// TransactionRepository TransactionLog 的 MySQL 实现
type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Append 追加流水
//
// 幂等约束落在 idem_key 唯一索引上，插入即校验，不存在先查后插的竞态窗口。
// 需要 gorm.Config.TranslateError 开启，重复键才会映射为 gorm.ErrDuplicatedKey。
func (r *TransactionRepository) Append(ctx context.Context, txn *model.CreditTransaction) error {
	if txn.IdemKey == "" {
		txn.IdemKey = model.MakeIdemKey(txn.BusinessCode, txn.BusinessID, txn.TransactionNo)
	}
	err := r.db.WithContext(ctx).Create(txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return crediterr.TransactionExists(txn.BusinessCode, txn.BusinessID)
		}
		return crediterr.DatabaseError(err)
	}
	return nil
}

func (r *TransactionRepository) GetByNo(ctx context.Context, transactionNo string) (*model.CreditTransaction, error) {
	var txn model.CreditTransaction
	err := r.db.WithContext(ctx).Where("transaction_no = ?", transactionNo).First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, crediterr.TransactionNotFound(transactionNo)
		}
		return nil, crediterr.DatabaseError(err)
	}
	return &txn, nil
}

func (r *TransactionRepository) FindByBusiness(ctx context.Context, businessCode, businessID string) (*model.CreditTransaction, error) {
	if businessID == "" {
		return nil, nil
	}
	var txn model.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("business_code = ? AND business_id = ? AND status <> ?",
			businessCode, businessID, model.TransactionStatusCancelled).
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, crediterr.DatabaseError(err)
	}
	return &txn, nil
}

func (r *TransactionRepository) ListByAccount(ctx context.Context, accountID int64, filter TxnFilter) ([]*model.CreditTransaction, int64, error) {
	var txns []*model.CreditTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CreditTransaction{}).Where("account_id = ?", accountID)
	if filter.Type != nil {
		query = query.Where("type = ?", *filter.Type)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.StartTime != nil {
		query = query.Where("created_at >= ?", *filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("created_at < ?", *filter.EndTime)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, crediterr.DatabaseError(err)
	}

	page, pageSize := filter.Page, filter.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	err := query.
		Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&txns).Error
	if err != nil {
		return nil, 0, crediterr.DatabaseError(err)
	}
	return txns, total, nil
}

// ListAllByAccount 对账用的全量读取，创建序稳定（created_at 相同按 id）
func (r *TransactionRepository) ListAllByAccount(ctx context.Context, accountID int64) ([]*model.CreditTransaction, error) {
	var txns []*model.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at ASC, id ASC").
		Find(&txns).Error
	if err != nil {
		return nil, crediterr.DatabaseError(err)
	}
	return txns, nil
}

func (r *TransactionRepository) ListIncomeExpiring(ctx context.Context, accountID int64, before time.Time) ([]*model.CreditTransaction, error) {
	var txns []*model.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND type = ? AND status = ? AND expiry_time IS NOT NULL AND expiry_time <= ?",
			accountID, model.TransactionTypeIncome, model.TransactionStatusCompleted, before).
		Order("created_at ASC, id ASC").
		Find(&txns).Error
	if err != nil {
		return nil, crediterr.DatabaseError(err)
	}
	return txns, nil
}

// UpdateStatus 状态流转，仅 Pending -> 终态
//
// UPDATE 带上当前状态做条件，两个并发流转只有一个生效
func (r *TransactionRepository) UpdateStatus(ctx context.Context, transactionNo string, target model.TransactionStatus, remark string) error {
	txn, err := r.GetByNo(ctx, transactionNo)
	if err != nil {
		return err
	}
	if !txn.Status.CanTransitionTo(target) {
		return crediterr.InvalidTransactionStatus(transactionNo, txn.Status.Label(), target.Label())
	}

	updates := map[string]interface{}{"status": target}
	if remark != "" {
		updates["remark"] = remark
	}
	if target == model.TransactionStatusCompleted {
		now := time.Now()
		updates["complete_time"] = &now
	}
	if target == model.TransactionStatusCancelled {
		// 取消交易释放幂等键，同一业务事件允许重新发起
		released := *txn
		released.ReleaseIdemKey()
		updates["idem_key"] = released.IdemKey
	}

	result := r.db.WithContext(ctx).
		Model(&model.CreditTransaction{}).
		Where("transaction_no = ? AND status = ?", transactionNo, txn.Status).
		Updates(updates)
	if result.Error != nil {
		return crediterr.DatabaseError(result.Error)
	}
	if result.RowsAffected == 0 {
		// 被并发流转抢先，重读拿到真实状态再报错
		current, err := r.GetByNo(ctx, transactionNo)
		if err != nil {
			return err
		}
		return crediterr.InvalidTransactionStatus(transactionNo, current.Status.Label(), target.Label())
	}
	return nil
}
