package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"creditledger/internal/audit"
	"creditledger/internal/catalog"
	"creditledger/internal/config"
	"creditledger/internal/metrics"
	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/pkg/crediterr"
)

// ============================================================================
// 过期引擎
// ============================================================================
//
// 收入流水即批次：每笔收入交易是一个独立批次，带自己的有效期。
// 核销通过账本引擎走正常的过期交易，业务键为
// (CREDITS_EXPIRED, 批次业务ID)，天然幂等：同一批次状态重复核销会被
// 幂等重放拦下，且重算剩余量后为零直接跳过。
//
// 批次业务ID编码了剩余量（见 expiryBusinessID）：整批首次核销用交易号
// 本身，部分核销后的残量用 交易号:剩余量。批次剩余量只减不增，
// 同一剩余量等价于同一状态，所以残量在冻结解除后仍然能核销，
// 而相同状态的重扫命中同一个键不会重复入账
// ============================================================================

// ExpiringLot 一个待过期/即将过期的收入批次
type ExpiringLot struct {
	TransactionNo string     `json:"transaction_no"`
	Amount        int64      `json:"amount"`    // 批次原始金额
	Remaining     int64      `json:"remaining"` // 扣除消耗和已核销后的剩余
	GrantedAt     time.Time  `json:"granted_at"`
	ExpiryTime    *time.Time `json:"expiry_time"`
}

// ExpirationService 过期引擎
type ExpirationService struct {
	store   repository.Store
	ledger  *LedgerService
	catalog catalog.CreditTypeCatalog
	trail   *audit.Trail
	metrics *metrics.Collector
	cfg     *config.LedgerConfig
}

func NewExpirationService(
	store repository.Store,
	ledger *LedgerService,
	cat catalog.CreditTypeCatalog,
	trail *audit.Trail,
	collector *metrics.Collector,
	cfg *config.LedgerConfig,
) *ExpirationService {
	if cfg == nil {
		cfg = &config.LedgerConfig{}
	}
	return &ExpirationService{
		store:   store,
		ledger:  ledger,
		catalog: cat,
		trail:   trail,
		metrics: collector,
		cfg:     cfg,
	}
}

// ComputeExpiryTime 按过期策略推导某个时刻获得的积分的有效期
//
// 日历类策略的有效期取下一个周期的起点：过期判定用 expiry <= 参考时刻，
// 参考时刻一跨过周期边界批次即过期
func ComputeExpiryTime(ct *model.CreditType, grantedAt time.Time) *time.Time {
	if ct == nil {
		return nil
	}
	switch ct.ExpirationPolicy {
	case model.PolicyNeverExpire:
		return nil

	case model.PolicyFixedDays, model.PolicyFIFO:
		if ct.ValidityDays <= 0 {
			return nil
		}
		t := grantedAt.AddDate(0, 0, ct.ValidityDays)
		return &t

	case model.PolicyFixedDate:
		if ct.ExpireDate == nil {
			return nil
		}
		t := *ct.ExpireDate
		return &t

	case model.PolicyEndOfMonth:
		t := time.Date(grantedAt.Year(), grantedAt.Month()+1, 1, 0, 0, 0, 0, grantedAt.Location())
		return &t

	case model.PolicyEndOfQuarter:
		quarterStart := time.Month((int(grantedAt.Month())-1)/3*3 + 1)
		t := time.Date(grantedAt.Year(), quarterStart+3, 1, 0, 0, 0, 0, grantedAt.Location())
		return &t

	case model.PolicyEndOfYear:
		t := time.Date(grantedAt.Year()+1, 1, 1, 0, 0, 0, 0, grantedAt.Location())
		return &t
	}
	return nil
}

// ProcessExpiredCredits 核销一个账户里有效期已到的批次，返回核销总额
//
// 停用账户只看不动：返回零，不产生任何交易
func (s *ExpirationService) ProcessExpiredCredits(ctx context.Context, userID, creditTypeID string, referenceDate time.Time) (int64, error) {
	account, err := s.store.Accounts().Get(ctx, userID, creditTypeID)
	if err != nil {
		if crediterr.IsCode(err, crediterr.CodeAccountNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if !account.IsActive {
		return 0, nil
	}

	ct, err := s.catalog.GetByID(creditTypeID)
	if err != nil {
		return 0, err
	}
	if ct.ExpirationPolicy == model.PolicyNeverExpire {
		return 0, nil
	}

	// 先用索引查一把有没有到期收入，绝大多数账户在这里就能跳过全量折算
	candidates, err := s.store.Transactions().ListIncomeExpiring(ctx, account.ID, referenceDate)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	lots, err := s.expirableLots(ctx, account, referenceDate)
	if err != nil {
		return 0, err
	}

	var total int64
	// 最早的批次最先核销；冻结中的积分不能被过期，
	// 可用余额不足时只核销装得下的部分
	available := account.AvailableBalance()
	for _, lot := range lots {
		if available <= 0 {
			break
		}
		amount := lot.Remaining
		if amount > available {
			amount = available
		}
		if amount <= 0 {
			continue
		}

		// 同键交易已存在说明是并发扫描或重复调度的重放，不计入本轮
		bizID := expiryBusinessID(lot)
		existing, err := s.store.Transactions().FindByBusiness(ctx, model.BusinessCodeCreditsExpired, bizID)
		if err != nil {
			return total, err
		}
		if existing != nil {
			continue
		}

		_, err = s.ledger.ExpireCredits(ctx, userID, creditTypeID, amount,
			model.BusinessCodeCreditsExpired, bizID,
			"积分到期核销", map[string]interface{}{
				"lot_transaction_no": lot.TransactionNo,
				"lot_expiry_time":    lot.ExpiryTime,
			})
		if err != nil {
			return total, err
		}

		total += amount
		available -= amount
		s.metrics.ObserveExpired(amount)
	}
	return total, nil
}

// expiryBusinessID 推导核销交易的业务ID
//
// 整批首次核销直接用批次交易号；部分核销后的残量带上剩余量后缀，
// 不会被首次核销占住的幂等键挡住
func expiryBusinessID(lot ExpiringLot) string {
	if lot.Remaining == lot.Amount {
		return lot.TransactionNo
	}
	return fmt.Sprintf("%s:%d", lot.TransactionNo, lot.Remaining)
}

// BatchProcessExpiredCredits 扫描全部活跃账户并核销到期积分
//
// 按主键游标分批遍历，单个账户出错跳过继续，最后汇总记一条审计
func (s *ExpirationService) BatchProcessExpiredCredits(ctx context.Context, referenceDate time.Time) (int, int64, error) {
	batchSize := s.cfg.ExpireScanBatchSize
	if batchSize <= 0 {
		batchSize = 200
	}

	var (
		processed int
		total     int64
		afterID   int64
	)
	for {
		accounts, err := s.store.Accounts().ListActive(ctx, afterID, batchSize)
		if err != nil {
			return processed, total, err
		}
		if len(accounts) == 0 {
			break
		}

		for _, acct := range accounts {
			afterID = acct.ID
			expired, err := s.ProcessExpiredCredits(ctx, acct.UserID, acct.CreditTypeID, referenceDate)
			if err != nil {
				log.Printf("[ExpirationEngine] 账户核销失败: user=%s, type=%s, err=%v", acct.UserID, acct.CreditTypeID, err)
				continue
			}
			if expired > 0 {
				processed++
				total += expired
			}
		}
		if len(accounts) < batchSize {
			break
		}
	}

	s.trail.Record(ctx, audit.Entry{
		Action: model.AuditActionExpireScan,
		Detail: map[string]interface{}{
			"reference_date":    referenceDate.Format(time.RFC3339),
			"accounts_affected": processed,
			"total_expired":     total,
		},
	})
	return processed, total, nil
}

// GetExpiringCredits 查询某账户在 within 时间窗内将要过期的批次
func (s *ExpirationService) GetExpiringCredits(ctx context.Context, userID, creditTypeID string, within time.Duration) ([]ExpiringLot, int64, error) {
	account, err := s.store.Accounts().Get(ctx, userID, creditTypeID)
	if err != nil {
		if crediterr.IsCode(err, crediterr.CodeAccountNotFound) {
			return nil, 0, nil
		}
		return nil, 0, err
	}

	now := time.Now()
	deadline := now.Add(within)
	lots, err := s.expirableLots(ctx, account, deadline)
	if err != nil {
		return nil, 0, err
	}

	var (
		out   []ExpiringLot
		total int64
	)
	for _, lot := range lots {
		// 已经过了期的批次归过期任务处理，这里只报未来的
		if lot.ExpiryTime != nil && !lot.ExpiryTime.After(now) {
			continue
		}
		out = append(out, lot)
		total += lot.Remaining
	}
	return out, total, nil
}

// expirableLots 计算有效期在 before 之前、仍有剩余的收入批次
//
// 批次剩余量 = 原始金额 - 归属到该批次的已核销金额 - 先进先出摊到
// 该批次的消耗。支出按获得时间从最早的批次开始抵扣，和 FIFO 消耗
// 口径一致，其它策略下同样适用（只影响报告口径，不影响余额）
func (s *ExpirationService) expirableLots(ctx context.Context, account *model.CreditAccount, before time.Time) ([]ExpiringLot, error) {
	txns, err := s.store.Transactions().ListAllByAccount(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	type lotState struct {
		lot      ExpiringLot
		consumed int64 // 先进先出摊销
		expired  int64 // 已归属的核销
	}
	var (
		lots         []*lotState
		byTxnNo      = map[string]*lotState{}
		totalExpense int64
	)
	for _, txn := range txns {
		if txn.Status != model.TransactionStatusCompleted {
			continue
		}
		switch txn.Type {
		case model.TransactionTypeIncome:
			ls := &lotState{lot: ExpiringLot{
				TransactionNo: txn.TransactionNo,
				Amount:        txn.Amount,
				GrantedAt:     txn.CreatedAt,
				ExpiryTime:    txn.ExpiryTime,
			}}
			lots = append(lots, ls)
			byTxnNo[txn.TransactionNo] = ls

		case model.TransactionTypeExpense:
			totalExpense += txn.Amount

		case model.TransactionTypeExpired:
			// 核销交易通过业务ID指回批次，残量核销的业务ID带剩余量后缀；
			// 无法归属的按普通消耗处理
			if txn.BusinessCode == model.BusinessCodeCreditsExpired {
				lotNo, _, _ := strings.Cut(txn.BusinessID, ":")
				if ls, ok := byTxnNo[lotNo]; ok {
					ls.expired += txn.Amount
					continue
				}
			}
			totalExpense += txn.Amount
		}
	}

	// 消耗从最早的批次开始摊
	remainingExpense := totalExpense
	for _, ls := range lots {
		if remainingExpense <= 0 {
			break
		}
		capacity := ls.lot.Amount - ls.expired
		if capacity <= 0 {
			continue
		}
		if capacity > remainingExpense {
			capacity = remainingExpense
		}
		ls.consumed = capacity
		remainingExpense -= capacity
	}

	var out []ExpiringLot
	for _, ls := range lots {
		if ls.lot.ExpiryTime == nil || ls.lot.ExpiryTime.After(before) {
			continue
		}
		remaining := ls.lot.Amount - ls.expired - ls.consumed
		if remaining <= 0 {
			continue
		}
		ls.lot.Remaining = remaining
		out = append(out, ls.lot)
	}
	return out, nil
}
