package repository

import (
	"context"
	"errors"
	"fmt"

	"creditledger/internal/model"
	"creditledger/pkg/crediterr"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AccountRepository AccountStore 的 MySQL 实现
type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Get(ctx context.Context, userID, creditTypeID string) (*model.CreditAccount, error) {
	var account model.CreditAccount
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND credit_type_id = ?", userID, creditTypeID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, crediterr.AccountNotFound(fmt.Sprintf("%s/%s", userID, creditTypeID))
		}
		return nil, crediterr.DatabaseError(err)
	}
	return &account, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id int64) (*model.CreditAccount, error) {
	var account model.CreditAccount
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, crediterr.AccountNotFound(fmt.Sprintf("id=%d", id))
		}
		return nil, crediterr.DatabaseError(err)
	}
	return &account, nil
}

func (r *AccountRepository) GetOrCreate(ctx context.Context, userID, creditTypeID string) (*model.CreditAccount, error) {
	account, err := r.Get(ctx, userID, creditTypeID)
	if err == nil {
		return account, nil
	}
	if !crediterr.IsCode(err, crediterr.CodeAccountNotFound) {
		return nil, err
	}

	newAccount := &model.CreditAccount{
		UserID:       userID,
		CreditTypeID: creditTypeID,
		IsActive:     true,
	}

	// 并发下两个请求同时创建，靠 (user_id, credit_type_id) 唯一索引兜底，
	// 冲突方 DoNothing 后重新读取即可
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "credit_type_id"}},
			DoNothing: true,
		}).
		Create(newAccount).Error
	if err != nil {
		return nil, crediterr.DatabaseError(err)
	}

	return r.Get(ctx, userID, creditTypeID)
}

func (r *AccountRepository) ListByUser(ctx context.Context, userID string) ([]*model.CreditAccount, error) {
	var accounts []*model.CreditAccount
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("credit_type_id ASC").
		Find(&accounts).Error
	if err != nil {
		return nil, crediterr.DatabaseError(err)
	}
	return accounts, nil
}

func (r *AccountRepository) ListByCreditType(ctx context.Context, creditTypeID string, page, pageSize int) ([]*model.CreditAccount, int64, error) {
	var accounts []*model.CreditAccount
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CreditAccount{}).Where("credit_type_id = ?", creditTypeID)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, crediterr.DatabaseError(err)
	}

	err := query.
		Order("id ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&accounts).Error
	if err != nil {
		return nil, 0, crediterr.DatabaseError(err)
	}
	return accounts, total, nil
}

func (r *AccountRepository) ListActive(ctx context.Context, afterID int64, limit int) ([]*model.CreditAccount, error) {
	var accounts []*model.CreditAccount
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND id > ?", true, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&accounts).Error
	if err != nil {
		return nil, crediterr.DatabaseError(err)
	}
	return accounts, nil
}

// SaveBalances 版本守护的余额写回
//
// WHERE version = ? 是并发双花的最后一道防线：即便悲观锁失效（如锁过期被抢），
// 旧版本号的写入也会落空
func (r *AccountRepository) SaveBalances(ctx context.Context, acct *model.CreditAccount) error {
	result := r.db.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Where("id = ? AND version = ?", acct.ID, acct.Version).
		Updates(map[string]interface{}{
			"balance":       acct.Balance,
			"frozen_amount": acct.FrozenAmount,
			"total_income":  acct.TotalIncome,
			"total_expense": acct.TotalExpense,
			"version":       gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return crediterr.DatabaseError(result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, acct.ID); err != nil {
			return err
		}
		return crediterr.VersionConflict(fmt.Sprintf("account:%d", acct.ID), acct.Version)
	}
	acct.Version++
	return nil
}

func (r *AccountRepository) UpdateWithVersion(ctx context.Context, id int64, changes map[string]interface{}, version int) error {
	updates := map[string]interface{}{"version": gorm.Expr("version + 1")}
	for k, v := range changes {
		updates[k] = v
	}

	result := r.db.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Where("id = ? AND version = ?", id, version).
		Updates(updates)
	if result.Error != nil {
		return crediterr.DatabaseError(result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return crediterr.VersionConflict(fmt.Sprintf("account:%d", id), version)
	}
	return nil
}

func (r *AccountRepository) SetStatus(ctx context.Context, id int64, active bool, reason string) error {
	result := r.db.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_active": active,
			"remark":    reason,
		})
	if result.Error != nil {
		return crediterr.DatabaseError(result.Error)
	}
	if result.RowsAffected == 0 {
		return crediterr.AccountNotFound(fmt.Sprintf("id=%d", id))
	}
	return nil
}
