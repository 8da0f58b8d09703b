package service

import (
	"context"
	"fmt"
	"time"

	"creditledger/internal/audit"
	"creditledger/internal/catalog"
	"creditledger/internal/config"
	"creditledger/internal/infrastructure/lock"
	"creditledger/internal/metrics"
	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/pkg/crediterr"
	"creditledger/pkg/idgen"
)

// ============================================================================
// 账本引擎
// ============================================================================
//
// 【核心保障】
// 1. 幂等性：相同 (业务码, 业务ID) 只产生一笔生效交易，重复请求返回原交易
// 2. 原子性：账户余额变更和流水追加在同一个存储事务里提交
// 3. 并发安全：账户级悲观锁串行化同一账户的临界区，版本守护写入兜底
//
// 临界区流程：预检幂等 -> 拿锁 -> 锁内复检幂等 -> 读账户 -> 校验 ->
// 计算新状态 -> 事务内(追加流水 + 版本守护写回) -> 放锁 -> 记审计
// ============================================================================

// Operation 一次账本操作
type Operation struct {
	UserID       string
	CreditTypeID string
	Type         model.TransactionType
	Amount       int64
	BusinessCode string
	BusinessID   string // 业务ID，与业务码构成幂等键；为空则不去重
	Remark       string
	OperatorID   string
	BatchNo      string
	ExpiryTime   *time.Time // 收入积分的有效期，为空时按积分类型策略推导
	ExtraData    map[string]interface{}
}

// BatchResult 批量操作结果，成功失败分开返回，单项失败不影响其它项
type BatchResult struct {
	Succeeded []*model.CreditTransaction
	Failed    []crediterr.BatchFailure
}

// LedgerService 账本引擎
type LedgerService struct {
	store   repository.Store
	locker  lock.AccountLocker
	catalog catalog.CreditTypeCatalog
	trail   *audit.Trail
	metrics *metrics.Collector
	cfg     *config.LedgerConfig
}

func NewLedgerService(
	store repository.Store,
	locker lock.AccountLocker,
	cat catalog.CreditTypeCatalog,
	trail *audit.Trail,
	collector *metrics.Collector,
	cfg *config.LedgerConfig,
) *LedgerService {
	if cfg == nil {
		cfg = &config.LedgerConfig{}
	}
	return &LedgerService{
		store:   store,
		locker:  locker,
		catalog: cat,
		trail:   trail,
		metrics: collector,
		cfg:     cfg,
	}
}

// Execute 执行一次账本操作，返回生效的交易记录
//
// 幂等重放：如果 (业务码, 业务ID) 已存在非取消交易，原样返回该交易，
// 不重复施加账务影响 —— 这是对同一业务事件重复投递的第一道防线
func (s *LedgerService) Execute(ctx context.Context, op Operation) (*model.CreditTransaction, error) {
	start := time.Now()
	txn, err := s.execute(ctx, op)
	elapsed := time.Since(start)

	errorCode := 0
	if err != nil {
		errorCode = crediterr.CodeOf(err)
		if crediterr.IsCode(err, crediterr.CodeOperationLocked) {
			s.metrics.ObserveLockTimeout()
		}
	}
	s.metrics.ObserveOperation(opTypeName(op.Type), elapsed, errorCode)

	// 成功失败都要留审计痕迹
	entry := audit.Entry{
		Action:       model.AuditActionExecute,
		UserID:       op.UserID,
		CreditTypeID: op.CreditTypeID,
		Err:          err,
		Detail: map[string]interface{}{
			"op_type":       op.Type.Label(),
			"amount":        op.Amount,
			"business_code": op.BusinessCode,
			"business_id":   op.BusinessID,
		},
	}
	if txn != nil {
		entry.TxnNo = txn.TransactionNo
	}
	s.trail.Record(ctx, entry)

	return txn, err
}

func (s *LedgerService) execute(ctx context.Context, op Operation) (*model.CreditTransaction, error) {
	if err := s.validate(op); err != nil {
		return nil, err
	}

	// 锁外预检幂等：重复投递的大多数请求在这里直接命中返回，不用排队抢锁
	if existing, err := s.store.Transactions().FindByBusiness(ctx, op.BusinessCode, op.BusinessID); err != nil {
		return nil, err
	} else if existing != nil {
		s.metrics.ObserveReplay()
		return existing, nil
	}

	handle, err := s.locker.Acquire(ctx, op.UserID, op.CreditTypeID, s.cfg.LockTimeout())
	if err != nil {
		return nil, err
	}
	// 任何出口都必须放锁
	defer handle.Release(ctx)

	// 拿到锁后复检幂等：预检和拿锁之间可能有并发请求已经提交
	if existing, err := s.store.Transactions().FindByBusiness(ctx, op.BusinessCode, op.BusinessID); err != nil {
		return nil, err
	} else if existing != nil {
		s.metrics.ObserveReplay()
		return existing, nil
	}

	// 版本冲突是唯一允许内部重试的错误：锁内冲突只可能来自
	// 管理类乐观更新的交错，重读后重算即可，次数有限
	retries := s.cfg.VersionRetryCount
	if retries <= 0 {
		retries = 3
	}
	var txn *model.CreditTransaction
	for attempt := 0; attempt < retries; attempt++ {
		txn, err = s.applyOnce(ctx, op)
		if err == nil || !crediterr.IsCode(err, crediterr.CodeVersionConflict) {
			return txn, err
		}
	}
	return nil, err
}

// applyOnce 读-改-写-记账一轮
func (s *LedgerService) applyOnce(ctx context.Context, op Operation) (*model.CreditTransaction, error) {
	account, err := s.store.Accounts().GetOrCreate(ctx, op.UserID, op.CreditTypeID)
	if err != nil {
		return nil, err
	}
	if !account.IsActive {
		return nil, crediterr.AccountDisabled(fmt.Sprintf("%s/%s", op.UserID, op.CreditTypeID))
	}

	txn := &model.CreditTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		AccountID:     account.ID,
		UserID:        op.UserID,
		CreditTypeID:  op.CreditTypeID,
		Type:          op.Type,
		Amount:        op.Amount,
		BusinessCode:  op.BusinessCode,
		BusinessID:    op.BusinessID,
		Status:        model.TransactionStatusCompleted,
		OperatorID:    op.OperatorID,
		BatchNo:       op.BatchNo,
		Remark:        op.Remark,
		ExtraData:     model.EncodeExtraData(op.ExtraData),
	}

	switch op.Type {
	case model.TransactionTypeIncome:
		txn.BeforeBalance = account.Balance
		txn.AfterBalance = account.Balance + op.Amount
		account.Balance += op.Amount
		account.TotalIncome += op.Amount
		txn.ExpiryTime = op.ExpiryTime
		if txn.ExpiryTime == nil {
			expiry, err := s.deriveExpiry(op.CreditTypeID, time.Now())
			if err != nil {
				return nil, err
			}
			txn.ExpiryTime = expiry
		}

	case model.TransactionTypeExpense:
		available := account.AvailableBalance()
		if available < op.Amount {
			return nil, crediterr.InsufficientBalance(op.Amount, available)
		}
		txn.BeforeBalance = account.Balance
		txn.AfterBalance = account.Balance - op.Amount
		account.Balance -= op.Amount
		account.TotalExpense += op.Amount

	case model.TransactionTypeFrozen:
		available := account.AvailableBalance()
		if available < op.Amount {
			return nil, crediterr.InsufficientBalance(op.Amount, available)
		}
		// 冻结不动余额，流水记录前后冻结金额，保持审计对称
		txn.BeforeBalance = account.FrozenAmount
		txn.AfterBalance = account.FrozenAmount + op.Amount
		account.FrozenAmount += op.Amount

	case model.TransactionTypeUnfrozen:
		if account.FrozenAmount < op.Amount {
			return nil, crediterr.InsufficientFrozen(
				fmt.Sprintf("%s/%s", op.UserID, op.CreditTypeID), op.Amount, account.FrozenAmount)
		}
		txn.BeforeBalance = account.FrozenAmount
		txn.AfterBalance = account.FrozenAmount - op.Amount
		account.FrozenAmount -= op.Amount

	case model.TransactionTypeExpired:
		// 过期是受限的支出：只能核销可用部分，冻结中的积分不能被过期
		available := account.AvailableBalance()
		if available < op.Amount {
			return nil, crediterr.CreditsExpired(
				fmt.Sprintf("%s/%s", op.UserID, op.CreditTypeID)).
				WithCause(crediterr.InsufficientBalance(op.Amount, available))
		}
		txn.BeforeBalance = account.Balance
		txn.AfterBalance = account.Balance - op.Amount
		account.Balance -= op.Amount
		account.TotalExpense += op.Amount
	}

	now := time.Now()
	txn.CompleteTime = &now

	// 流水追加和余额写回在同一个存储事务里，要么都提交要么都不可见
	err = s.store.Atomic(ctx, func(tx repository.Store) error {
		if err := tx.Transactions().Append(ctx, txn); err != nil {
			return err
		}
		return tx.Accounts().SaveBalances(ctx, account)
	})
	if err != nil {
		if crediterr.IsCode(err, crediterr.CodeTransactionExists) {
			// 幂等键插入冲突：复检没拦住的极端并发，按重放处理
			if existing, ferr := s.store.Transactions().FindByBusiness(ctx, op.BusinessCode, op.BusinessID); ferr == nil && existing != nil {
				s.metrics.ObserveReplay()
				return existing, nil
			}
		}
		return nil, err
	}

	return txn, nil
}

func (s *LedgerService) validate(op Operation) error {
	if op.Amount <= 0 {
		return crediterr.InvalidParameter("amount", "必须为正整数")
	}
	if op.UserID == "" {
		return crediterr.InvalidParameter("user_id", "不能为空")
	}
	if op.CreditTypeID == "" {
		return crediterr.InvalidParameter("credit_type_id", "不能为空")
	}
	if op.BusinessCode == "" {
		return crediterr.InvalidParameter("business_code", "不能为空")
	}
	if !op.Type.Valid() {
		return crediterr.InvalidParameter("type", "未知交易类型")
	}

	if s.catalog != nil {
		ct, err := s.catalog.GetByID(op.CreditTypeID)
		if err != nil {
			return err
		}
		if !ct.IsValid {
			return crediterr.CreditTypeDisabled(op.CreditTypeID)
		}
	}
	return nil
}

// deriveExpiry 按积分类型策略推导收入积分的有效期
func (s *LedgerService) deriveExpiry(creditTypeID string, grantedAt time.Time) (*time.Time, error) {
	if s.catalog == nil {
		return nil, nil
	}
	ct, err := s.catalog.GetByID(creditTypeID)
	if err != nil {
		return nil, err
	}
	return ComputeExpiryTime(ct, grantedAt), nil
}

// ============================================================================
// 操作入口
// ============================================================================

// AddCredits 增加积分，余额原因下永不失败
func (s *LedgerService) AddCredits(ctx context.Context, userID, creditTypeID string, amount int64, businessCode, businessID, remark string, extra map[string]interface{}) (*model.CreditTransaction, error) {
	return s.Execute(ctx, Operation{
		UserID: userID, CreditTypeID: creditTypeID, Type: model.TransactionTypeIncome,
		Amount: amount, BusinessCode: businessCode, BusinessID: businessID, Remark: remark, ExtraData: extra,
	})
}

// DeductCredits 扣减积分，要求可用余额充足
func (s *LedgerService) DeductCredits(ctx context.Context, userID, creditTypeID string, amount int64, businessCode, businessID, remark string, extra map[string]interface{}) (*model.CreditTransaction, error) {
	return s.Execute(ctx, Operation{
		UserID: userID, CreditTypeID: creditTypeID, Type: model.TransactionTypeExpense,
		Amount: amount, BusinessCode: businessCode, BusinessID: businessID, Remark: remark, ExtraData: extra,
	})
}

// FreezeCredits 冻结积分，下单待支付等场景使用
func (s *LedgerService) FreezeCredits(ctx context.Context, userID, creditTypeID string, amount int64, businessCode, businessID, remark string, extra map[string]interface{}) (*model.CreditTransaction, error) {
	return s.Execute(ctx, Operation{
		UserID: userID, CreditTypeID: creditTypeID, Type: model.TransactionTypeFrozen,
		Amount: amount, BusinessCode: businessCode, BusinessID: businessID, Remark: remark, ExtraData: extra,
	})
}

// UnfreezeCredits 解冻积分，订单取消等场景使用
func (s *LedgerService) UnfreezeCredits(ctx context.Context, userID, creditTypeID string, amount int64, businessCode, businessID, remark string, extra map[string]interface{}) (*model.CreditTransaction, error) {
	return s.Execute(ctx, Operation{
		UserID: userID, CreditTypeID: creditTypeID, Type: model.TransactionTypeUnfrozen,
		Amount: amount, BusinessCode: businessCode, BusinessID: businessID, Remark: remark, ExtraData: extra,
	})
}

// ExpireCredits 核销过期积分，通常由过期引擎调用
func (s *LedgerService) ExpireCredits(ctx context.Context, userID, creditTypeID string, amount int64, businessCode, businessID, remark string, extra map[string]interface{}) (*model.CreditTransaction, error) {
	return s.Execute(ctx, Operation{
		UserID: userID, CreditTypeID: creditTypeID, Type: model.TransactionTypeExpired,
		Amount: amount, BusinessCode: businessCode, BusinessID: businessID, Remark: remark, ExtraData: extra,
	})
}

// HasEnoughCredits 判断可用余额是否足够，账户不存在按余额为零处理
func (s *LedgerService) HasEnoughCredits(ctx context.Context, userID, creditTypeID string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, crediterr.InvalidParameter("amount", "必须为正整数")
	}
	account, err := s.store.Accounts().Get(ctx, userID, creditTypeID)
	if err != nil {
		if crediterr.IsCode(err, crediterr.CodeAccountNotFound) {
			return false, nil
		}
		return false, err
	}
	return account.AvailableBalance() >= amount, nil
}

// ExecuteBatch 批量执行
//
// 每个元素独立加锁、独立幂等、独立提交；单项失败不回滚其它项。
// 存在失败项时返回 BatchPartialFailure 汇总错误，结果里成功失败都有
func (s *LedgerService) ExecuteBatch(ctx context.Context, ops []Operation) (*BatchResult, error) {
	result := &BatchResult{}
	batchNo := idgen.GenerateBatchNo()

	for i, op := range ops {
		if op.BatchNo == "" {
			op.BatchNo = batchNo
		}
		txn, err := s.Execute(ctx, op)
		if err != nil {
			result.Failed = append(result.Failed, crediterr.BatchFailure{
				Index: i,
				Key:   op.BusinessCode + ":" + op.BusinessID,
				Code:  crediterr.CodeOf(err),
				Error: err.Error(),
			})
			continue
		}
		result.Succeeded = append(result.Succeeded, txn)
	}

	if len(result.Failed) > 0 {
		return result, crediterr.BatchPartialFailure(result.Failed)
	}
	return result, nil
}

func opTypeName(t model.TransactionType) string {
	switch t {
	case model.TransactionTypeIncome:
		return "income"
	case model.TransactionTypeExpense:
		return "expense"
	case model.TransactionTypeFrozen:
		return "frozen"
	case model.TransactionTypeUnfrozen:
		return "unfrozen"
	case model.TransactionTypeExpired:
		return "expired"
	default:
		return "unknown"
	}
}
