package service

import (
	"context"
	"log"

	"creditledger/internal/audit"
	"creditledger/internal/config"
	"creditledger/internal/metrics"
	"creditledger/internal/model"
	"creditledger/internal/repository"
)

// ============================================================================
// 对账器
// ============================================================================
//
// 流水是事实来源：把账户的全量已完成流水折算出期望余额，和账户表
// 快照对比。检测和纠正严格分离：Verify 只读只报，CorrectAccount
// 必须显式调用才动账
// ============================================================================

// ReconcileReport 一次对账的结果
type ReconcileReport struct {
	UserID       string `json:"user_id"`
	CreditTypeID string `json:"credit_type_id"`
	Consistent   bool   `json:"consistent"`

	// 账户表快照
	Balance      int64 `json:"balance"`
	FrozenAmount int64 `json:"frozen_amount"`
	TotalIncome  int64 `json:"total_income"`
	TotalExpense int64 `json:"total_expense"`
	Version      int   `json:"version"`

	// 流水折算出的期望值
	ExpectedBalance      int64 `json:"expected_balance"`
	ExpectedFrozen       int64 `json:"expected_frozen"`
	ExpectedTotalIncome  int64 `json:"expected_total_income"`
	ExpectedTotalExpense int64 `json:"expected_total_expense"`
}

func (r *ReconcileReport) check() {
	r.Consistent = r.Balance == r.ExpectedBalance &&
		r.FrozenAmount == r.ExpectedFrozen &&
		r.TotalIncome == r.ExpectedTotalIncome &&
		r.TotalExpense == r.ExpectedTotalExpense &&
		r.FrozenAmount >= 0 && r.FrozenAmount <= r.Balance
}

// ReconcileService 余额对账器
type ReconcileService struct {
	store   repository.Store
	trail   *audit.Trail
	metrics *metrics.Collector
	cfg     *config.LedgerConfig
}

func NewReconcileService(store repository.Store, trail *audit.Trail, collector *metrics.Collector, cfg *config.LedgerConfig) *ReconcileService {
	if cfg == nil {
		cfg = &config.LedgerConfig{}
	}
	return &ReconcileService{store: store, trail: trail, metrics: collector, cfg: cfg}
}

// VerifyAccount 核对单个账户，只读不改
//
// 发现不一致时记一条审计并打点，留给人或者显式的纠正调用处理
func (s *ReconcileService) VerifyAccount(ctx context.Context, userID, creditTypeID string) (*ReconcileReport, error) {
	account, err := s.store.Accounts().Get(ctx, userID, creditTypeID)
	if err != nil {
		return nil, err
	}

	report, err := s.buildReport(ctx, account)
	if err != nil {
		return nil, err
	}

	if !report.Consistent {
		s.metrics.ObserveDrift()
		s.trail.Record(ctx, audit.Entry{
			Action:       model.AuditActionDrift,
			UserID:       userID,
			CreditTypeID: creditTypeID,
			Detail: map[string]interface{}{
				"balance":                report.Balance,
				"expected_balance":       report.ExpectedBalance,
				"frozen_amount":          report.FrozenAmount,
				"expected_frozen":        report.ExpectedFrozen,
				"total_income":           report.TotalIncome,
				"expected_total_income":  report.ExpectedTotalIncome,
				"total_expense":          report.TotalExpense,
				"expected_total_expense": report.ExpectedTotalExpense,
			},
		})
	}
	return report, nil
}

// BatchVerify 扫描全部活跃账户核对余额，返回核对数和不一致数
func (s *ReconcileService) BatchVerify(ctx context.Context) (int, int, error) {
	batchSize := s.cfg.ReconcileBatchSize
	if batchSize <= 0 {
		batchSize = 200
	}

	var (
		checked int
		drifts  int
		afterID int64
	)
	for {
		accounts, err := s.store.Accounts().ListActive(ctx, afterID, batchSize)
		if err != nil {
			return checked, drifts, err
		}
		if len(accounts) == 0 {
			break
		}
		for _, acct := range accounts {
			afterID = acct.ID
			report, err := s.VerifyAccount(ctx, acct.UserID, acct.CreditTypeID)
			if err != nil {
				log.Printf("[Reconciler] 账户核对失败: user=%s, type=%s, err=%v", acct.UserID, acct.CreditTypeID, err)
				continue
			}
			checked++
			if !report.Consistent {
				drifts++
			}
		}
		if len(accounts) < batchSize {
			break
		}
	}
	return checked, drifts, nil
}

// CorrectAccount 把账户余额改写成流水折算出的期望值
//
// 唯一会动账的对账入口，必须由运营显式触发；乐观锁写回，
// 和在途操作撞上时返回 VersionConflict，重新核对后再试
func (s *ReconcileService) CorrectAccount(ctx context.Context, userID, creditTypeID, operatorID string) (*ReconcileReport, error) {
	account, err := s.store.Accounts().Get(ctx, userID, creditTypeID)
	if err != nil {
		return nil, err
	}

	report, err := s.buildReport(ctx, account)
	if err != nil {
		return nil, err
	}
	if report.Consistent {
		return report, nil
	}

	err = s.store.Accounts().UpdateWithVersion(ctx, account.ID, map[string]interface{}{
		"balance":       report.ExpectedBalance,
		"frozen_amount": report.ExpectedFrozen,
		"total_income":  report.ExpectedTotalIncome,
		"total_expense": report.ExpectedTotalExpense,
	}, account.Version)

	s.trail.Record(ctx, audit.Entry{
		Action:       model.AuditActionCorrectBalance,
		UserID:       userID,
		CreditTypeID: creditTypeID,
		Err:          err,
		Detail: map[string]interface{}{
			"source":                 "reconciler",
			"operator_id":            operatorID,
			"balance":                report.Balance,
			"expected_balance":       report.ExpectedBalance,
			"frozen_amount":          report.FrozenAmount,
			"expected_frozen":        report.ExpectedFrozen,
			"total_income":           report.TotalIncome,
			"expected_total_income":  report.ExpectedTotalIncome,
			"total_expense":          report.TotalExpense,
			"expected_total_expense": report.ExpectedTotalExpense,
		},
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// buildReport 折算流水得到期望余额
//
// 冻结/解冻不动余额，只影响期望冻结金额；过期按支出折算
func (s *ReconcileService) buildReport(ctx context.Context, account *model.CreditAccount) (*ReconcileReport, error) {
	txns, err := s.store.Transactions().ListAllByAccount(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{
		UserID:       account.UserID,
		CreditTypeID: account.CreditTypeID,
		Balance:      account.Balance,
		FrozenAmount: account.FrozenAmount,
		TotalIncome:  account.TotalIncome,
		TotalExpense: account.TotalExpense,
		Version:      account.Version,
	}

	for _, txn := range txns {
		if txn.Status != model.TransactionStatusCompleted {
			continue
		}
		switch txn.Type {
		case model.TransactionTypeIncome:
			report.ExpectedTotalIncome += txn.Amount
		case model.TransactionTypeExpense, model.TransactionTypeExpired:
			report.ExpectedTotalExpense += txn.Amount
		case model.TransactionTypeFrozen:
			report.ExpectedFrozen += txn.Amount
		case model.TransactionTypeUnfrozen:
			report.ExpectedFrozen -= txn.Amount
		}
	}
	report.ExpectedBalance = report.ExpectedTotalIncome - report.ExpectedTotalExpense
	report.check()
	return report, nil
}
