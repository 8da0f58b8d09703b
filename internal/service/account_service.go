package service

import (
	"context"
	"fmt"

	"creditledger/internal/audit"
	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/pkg/crediterr"
)

// AccountService 账户查询和管理操作
//
// 变更余额的正常途径是账本引擎；这里的 CorrectBalance 是运营纠偏的
// 例外通道，走乐观锁而不是账户锁，冲突直接失败让调用方带新版本重试
type AccountService struct {
	store repository.Store
	trail *audit.Trail
}

func NewAccountService(store repository.Store, trail *audit.Trail) *AccountService {
	return &AccountService{store: store, trail: trail}
}

func (s *AccountService) GetAccount(ctx context.Context, userID, creditTypeID string) (*model.CreditAccount, error) {
	return s.store.Accounts().Get(ctx, userID, creditTypeID)
}

// GetOrCreateAccount 查询账户，不存在时创建零余额账户
func (s *AccountService) GetOrCreateAccount(ctx context.Context, userID, creditTypeID string) (*model.CreditAccount, error) {
	return s.store.Accounts().GetOrCreate(ctx, userID, creditTypeID)
}

// GetAccountByID 按账户主键查询，运营排查用
func (s *AccountService) GetAccountByID(ctx context.Context, id int64) (*model.CreditAccount, error) {
	return s.store.Accounts().GetByID(ctx, id)
}

// ListAccountsByCreditType 分页列出某积分类型下的账户
func (s *AccountService) ListAccountsByCreditType(ctx context.Context, creditTypeID string, page, pageSize int) ([]*model.CreditAccount, int64, error) {
	return s.store.Accounts().ListByCreditType(ctx, creditTypeID, page, pageSize)
}

// GetBalance 返回可用余额，账户不存在按零处理
func (s *AccountService) GetBalance(ctx context.Context, userID, creditTypeID string) (int64, error) {
	account, err := s.store.Accounts().Get(ctx, userID, creditTypeID)
	if err != nil {
		if crediterr.IsCode(err, crediterr.CodeAccountNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return account.AvailableBalance(), nil
}

func (s *AccountService) ListAccounts(ctx context.Context, userID string) ([]*model.CreditAccount, error) {
	return s.store.Accounts().ListByUser(ctx, userID)
}

// Snapshot 返回账户余额快照，四个口径一次取齐
func (s *AccountService) Snapshot(ctx context.Context, userID, creditTypeID string) (*model.AccountSnapshot, error) {
	account, err := s.store.Accounts().Get(ctx, userID, creditTypeID)
	if err != nil {
		return nil, err
	}
	return account.Snapshot(), nil
}

// SetAccountStatus 启用/停用账户
//
// 停用后账户拒绝一切账本操作，但历史数据照常可查
func (s *AccountService) SetAccountStatus(ctx context.Context, userID, creditTypeID string, active bool, reason, operatorID string) error {
	account, err := s.store.Accounts().Get(ctx, userID, creditTypeID)
	if err != nil {
		return err
	}

	err = s.store.Accounts().SetStatus(ctx, account.ID, active, reason)

	s.trail.Record(ctx, audit.Entry{
		Action:       model.AuditActionSetStatus,
		UserID:       userID,
		CreditTypeID: creditTypeID,
		Err:          err,
		Detail: map[string]interface{}{
			"active":      active,
			"reason":      reason,
			"operator_id": operatorID,
		},
	})
	return err
}

// CorrectBalance 管理员直接改写余额字段
//
// 乐观更新：带上读到的版本号，版本不匹配返回 VersionConflict 并且
// 不施加任何变更。纠偏本身不产生交易流水，靠审计记录留痕
func (s *AccountService) CorrectBalance(ctx context.Context, userID, creditTypeID string, changes map[string]interface{}, version int, reason, operatorID string) error {
	if len(changes) == 0 {
		return crediterr.InvalidParameter("changes", "不能为空")
	}
	for field := range changes {
		switch field {
		case "balance", "frozen_amount", "total_income", "total_expense":
		default:
			return crediterr.InvalidParameter("changes", fmt.Sprintf("不允许修改字段 %s", field))
		}
	}

	account, err := s.store.Accounts().Get(ctx, userID, creditTypeID)
	if err != nil {
		return err
	}

	err = s.store.Accounts().UpdateWithVersion(ctx, account.ID, changes, version)

	s.trail.Record(ctx, audit.Entry{
		Action:       model.AuditActionCorrectBalance,
		UserID:       userID,
		CreditTypeID: creditTypeID,
		Err:          err,
		Detail: map[string]interface{}{
			"changes":     changes,
			"version":     version,
			"reason":      reason,
			"operator_id": operatorID,
		},
	})
	return err
}

// ============================================================================
// 交易流水查询
// ============================================================================

func (s *AccountService) GetTransaction(ctx context.Context, transactionNo string) (*model.CreditTransaction, error) {
	return s.store.Transactions().GetByNo(ctx, transactionNo)
}

// ListTransactions 分页查询账户流水，按创建时间倒序
func (s *AccountService) ListTransactions(ctx context.Context, userID, creditTypeID string, filter repository.TxnFilter) ([]*model.CreditTransaction, int64, error) {
	account, err := s.store.Accounts().Get(ctx, userID, creditTypeID)
	if err != nil {
		if crediterr.IsCode(err, crediterr.CodeAccountNotFound) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	return s.store.Transactions().ListByAccount(ctx, account.ID, filter)
}

// UpdateTransactionStatus 更新交易状态，只允许从待处理转到终态
func (s *AccountService) UpdateTransactionStatus(ctx context.Context, transactionNo string, target model.TransactionStatus, remark string) error {
	return s.store.Transactions().UpdateStatus(ctx, transactionNo, target, remark)
}

// BatchUpdateTransactionStatus 批量更新交易状态，单项隔离
func (s *AccountService) BatchUpdateTransactionStatus(ctx context.Context, transactionNos []string, target model.TransactionStatus, remark string) ([]crediterr.BatchFailure, error) {
	var failed []crediterr.BatchFailure
	for i, no := range transactionNos {
		if err := s.store.Transactions().UpdateStatus(ctx, no, target, remark); err != nil {
			failed = append(failed, crediterr.BatchFailure{
				Index: i,
				Key:   no,
				Code:  crediterr.CodeOf(err),
				Error: err.Error(),
			})
		}
	}
	if len(failed) > 0 {
		return failed, crediterr.BatchPartialFailure(failed)
	}
	return nil, nil
}
