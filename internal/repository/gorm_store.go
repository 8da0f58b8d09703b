package repository

import (
	"context"
	"errors"

	"creditledger/pkg/crediterr"

	"gorm.io/gorm"
)

// GormStore Store 的 MySQL 实现
type GormStore struct {
	db       *gorm.DB
	accounts *AccountRepository
	txns     *TransactionRepository
	audits   *AuditRepository
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db:       db,
		accounts: NewAccountRepository(db),
		txns:     NewTransactionRepository(db),
		audits:   NewAuditRepository(db),
	}
}

func (s *GormStore) Accounts() AccountStore       { return s.accounts }
func (s *GormStore) Transactions() TransactionLog { return s.txns }
func (s *GormStore) Audits() AuditLog             { return s.audits }

// Atomic 在数据库事务中执行 fn，fn 内拿到的是绑定事务连接的 Store
func (s *GormStore) Atomic(ctx context.Context, fn func(Store) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewGormStore(tx))
	})
	if err != nil {
		var ce *crediterr.Error
		if errors.As(err, &ce) {
			return ce
		}
		return crediterr.DatabaseError(err)
	}
	return nil
}
