package repository

import (
	"context"
	"time"

	"creditledger/internal/model"
)

// TxnFilter 交易查询过滤条件
type TxnFilter struct {
	Type      *model.TransactionType
	Status    *model.TransactionStatus
	StartTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}

// AccountStore 积分账户存储
//
// 账户是并发控制的最小单元：余额写入要么走 SaveBalances（临界区内的版本守护写），
// 要么走 UpdateWithVersion（管理类乐观更新），不提供无条件写入。
type AccountStore interface {
	Get(ctx context.Context, userID, creditTypeID string) (*model.CreditAccount, error)
	GetByID(ctx context.Context, id int64) (*model.CreditAccount, error)
	// GetOrCreate 首次操作时创建账户，并发创建靠唯一索引兜底
	GetOrCreate(ctx context.Context, userID, creditTypeID string) (*model.CreditAccount, error)
	ListByUser(ctx context.Context, userID string) ([]*model.CreditAccount, error)
	ListByCreditType(ctx context.Context, creditTypeID string, page, pageSize int) ([]*model.CreditAccount, int64, error)
	// ListActive 按主键游标扫描活跃账户，供过期/对账后台任务分批遍历
	ListActive(ctx context.Context, afterID int64, limit int) ([]*model.CreditAccount, error)
	// SaveBalances 写回余额字段，以 acct.Version 为条件，成功后版本号 +1
	SaveBalances(ctx context.Context, acct *model.CreditAccount) error
	// UpdateWithVersion 乐观更新任意字段，版本不匹配返回 VersionConflict
	UpdateWithVersion(ctx context.Context, id int64, changes map[string]interface{}, version int) error
	SetStatus(ctx context.Context, id int64, active bool, reason string) error
}

// TransactionLog 积分交易流水存储，只追加
type TransactionLog interface {
	// Append 追加一笔流水，幂等键冲突返回 TransactionExists
	Append(ctx context.Context, txn *model.CreditTransaction) error
	GetByNo(ctx context.Context, transactionNo string) (*model.CreditTransaction, error)
	// FindByBusiness 按幂等键查找非取消状态的交易，不存在时返回 (nil, nil)
	FindByBusiness(ctx context.Context, businessCode, businessID string) (*model.CreditTransaction, error)
	ListByAccount(ctx context.Context, accountID int64, filter TxnFilter) ([]*model.CreditTransaction, int64, error)
	// ListAllByAccount 按创建时间返回账户全量流水，对账用
	ListAllByAccount(ctx context.Context, accountID int64) ([]*model.CreditTransaction, error)
	// ListIncomeExpiring 返回有效期在 before 之前的已完成收入交易，按创建时间升序
	ListIncomeExpiring(ctx context.Context, accountID int64, before time.Time) ([]*model.CreditTransaction, error)
	// UpdateStatus 只允许 Pending -> {Completed, Failed, Cancelled}
	UpdateStatus(ctx context.Context, transactionNo string, target model.TransactionStatus, remark string) error
}

// AuditLog 审计流水存储（发件箱模式）
type AuditLog interface {
	Append(ctx context.Context, rec *model.AuditRecord) error
	ListPending(ctx context.Context, limit int) ([]*model.AuditRecord, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64) error
	IncrementRetry(ctx context.Context, id int64) error
}

// Store 聚合存储入口
//
// Atomic 在一个存储事务里执行 fn：fn 内通过传入的 Store 做的账户写入和
// 流水追加要么同时可见，要么都不可见。
type Store interface {
	Accounts() AccountStore
	Transactions() TransactionLog
	Audits() AuditLog
	Atomic(ctx context.Context, fn func(Store) error) error
}
