package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditledger/internal/audit"
	"creditledger/internal/catalog"
	"creditledger/internal/config"
	"creditledger/internal/infrastructure/lock"
	"creditledger/internal/model"
	"creditledger/internal/repository/memory"
)

func newTestExpiration(t *testing.T, cat catalog.CreditTypeCatalog) (*ExpirationService, *LedgerService, *memory.MemoryStore) {
	t.Helper()
	store := memory.NewMemoryStore()
	trail := audit.NewTrail(store.Audits())
	cfg := &config.LedgerConfig{LockTimeoutMs: 500, ExpireScanBatchSize: 10}
	ledger := NewLedgerService(store, lock.NewLocalLocker(), cat, trail, nil, cfg)
	expiration := NewExpirationService(store, ledger, cat, trail, nil, cfg)
	return expiration, ledger, store
}

func fixedDaysCatalog(days int) catalog.CreditTypeCatalog {
	return catalog.StaticCatalog(&model.CreditType{
		ID: testCreditType, Code: "POINTS", Name: "通用积分",
		ExpirationPolicy: model.PolicyFixedDays, ValidityDays: days, IsValid: true,
	})
}

func TestComputeExpiryTime(t *testing.T) {
	grantedAt := time.Date(2026, 5, 15, 10, 30, 0, 0, time.UTC)

	t.Run("never_expire", func(t *testing.T) {
		ct := &model.CreditType{ExpirationPolicy: model.PolicyNeverExpire}
		assert.Nil(t, ComputeExpiryTime(ct, grantedAt))
	})

	t.Run("fixed_days", func(t *testing.T) {
		ct := &model.CreditType{ExpirationPolicy: model.PolicyFixedDays, ValidityDays: 30}
		expiry := ComputeExpiryTime(ct, grantedAt)
		require.NotNil(t, expiry)
		assert.Equal(t, grantedAt.AddDate(0, 0, 30), *expiry)
	})

	t.Run("fixed_days_without_validity", func(t *testing.T) {
		ct := &model.CreditType{ExpirationPolicy: model.PolicyFixedDays}
		assert.Nil(t, ComputeExpiryTime(ct, grantedAt))
	})

	t.Run("fixed_date", func(t *testing.T) {
		date := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
		ct := &model.CreditType{ExpirationPolicy: model.PolicyFixedDate, ExpireDate: &date}
		expiry := ComputeExpiryTime(ct, grantedAt)
		require.NotNil(t, expiry)
		assert.Equal(t, date, *expiry)
	})

	t.Run("end_of_month", func(t *testing.T) {
		ct := &model.CreditType{ExpirationPolicy: model.PolicyEndOfMonth}
		expiry := ComputeExpiryTime(ct, grantedAt)
		require.NotNil(t, expiry)
		assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), *expiry)

		// 12月跨年
		dec := time.Date(2026, 12, 20, 0, 0, 0, 0, time.UTC)
		expiry = ComputeExpiryTime(ct, dec)
		assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), *expiry)
	})

	t.Run("end_of_quarter", func(t *testing.T) {
		ct := &model.CreditType{ExpirationPolicy: model.PolicyEndOfQuarter}
		expiry := ComputeExpiryTime(ct, grantedAt)
		require.NotNil(t, expiry)
		assert.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), *expiry)

		// 第四季度跨年
		q4 := time.Date(2026, 11, 2, 0, 0, 0, 0, time.UTC)
		expiry = ComputeExpiryTime(ct, q4)
		assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), *expiry)
	})

	t.Run("end_of_year", func(t *testing.T) {
		ct := &model.CreditType{ExpirationPolicy: model.PolicyEndOfYear}
		expiry := ComputeExpiryTime(ct, grantedAt)
		require.NotNil(t, expiry)
		assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), *expiry)
	})

	t.Run("fifo_uses_validity_days", func(t *testing.T) {
		ct := &model.CreditType{ExpirationPolicy: model.PolicyFIFO, ValidityDays: 7}
		expiry := ComputeExpiryTime(ct, grantedAt)
		require.NotNil(t, expiry)
		assert.Equal(t, grantedAt.AddDate(0, 0, 7), *expiry)
	})
}

func TestProcessExpiredCredits(t *testing.T) {
	expiration, ledger, store := newTestExpiration(t, fixedDaysCatalog(30))
	ctx := context.Background()

	// 一个已过期批次、一个没过期批次
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(24 * time.Hour)
	_, err := ledger.Execute(ctx, Operation{
		UserID: testUser, CreditTypeID: testCreditType, Type: model.TransactionTypeIncome,
		Amount: 300, BusinessCode: "TASK_X", BusinessID: "t1", ExpiryTime: &past,
	})
	require.NoError(t, err)
	_, err = ledger.Execute(ctx, Operation{
		UserID: testUser, CreditTypeID: testCreditType, Type: model.TransactionTypeIncome,
		Amount: 200, BusinessCode: "TASK_X", BusinessID: "t2", ExpiryTime: &future,
	})
	require.NoError(t, err)

	expired, err := expiration.ProcessExpiredCredits(ctx, testUser, testCreditType, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(300), expired)

	acct := mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, int64(200), acct.Balance)
	assert.True(t, acct.CheckInvariants())

	// 重跑幂等：批次已核销，剩余为零，不再产生变化
	expired, err = expiration.ProcessExpiredCredits(ctx, testUser, testCreditType, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), expired)
	acct = mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, int64(200), acct.Balance)
}

func TestProcessExpiredPartialConsumption(t *testing.T) {
	expiration, ledger, store := newTestExpiration(t, fixedDaysCatalog(30))
	ctx := context.Background()

	// 批次 300 已过期，但其中 250 已经按先进先出被消耗掉
	past := time.Now().Add(-time.Hour)
	_, err := ledger.Execute(ctx, Operation{
		UserID: testUser, CreditTypeID: testCreditType, Type: model.TransactionTypeIncome,
		Amount: 300, BusinessCode: "TASK_X", BusinessID: "t1", ExpiryTime: &past,
	})
	require.NoError(t, err)
	_, err = ledger.DeductCredits(ctx, testUser, testCreditType, 250, "ORDER_PAY", "o1", "", nil)
	require.NoError(t, err)

	expired, err := expiration.ProcessExpiredCredits(ctx, testUser, testCreditType, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(50), expired, "只核销批次剩余部分")

	acct := mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, int64(0), acct.Balance)
}

func TestProcessExpiredFIFOAcrossLots(t *testing.T) {
	expiration, ledger, store := newTestExpiration(t, fixedDaysCatalog(30))
	ctx := context.Background()

	// 两个批次 100 + 200，消耗 150：按先进先出，第一批耗尽，第二批剩 150
	past := time.Now().Add(-time.Hour)
	_, err := ledger.Execute(ctx, Operation{
		UserID: testUser, CreditTypeID: testCreditType, Type: model.TransactionTypeIncome,
		Amount: 100, BusinessCode: "TASK_X", BusinessID: "t1", ExpiryTime: &past,
	})
	require.NoError(t, err)
	_, err = ledger.Execute(ctx, Operation{
		UserID: testUser, CreditTypeID: testCreditType, Type: model.TransactionTypeIncome,
		Amount: 200, BusinessCode: "TASK_X", BusinessID: "t2", ExpiryTime: &past,
	})
	require.NoError(t, err)
	_, err = ledger.DeductCredits(ctx, testUser, testCreditType, 150, "ORDER_PAY", "o1", "", nil)
	require.NoError(t, err)

	expired, err := expiration.ProcessExpiredCredits(ctx, testUser, testCreditType, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(150), expired)

	acct := mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, int64(0), acct.Balance)
}

func TestProcessExpiredSkipsFrozen(t *testing.T) {
	expiration, ledger, store := newTestExpiration(t, fixedDaysCatalog(30))
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	_, err := ledger.Execute(ctx, Operation{
		UserID: testUser, CreditTypeID: testCreditType, Type: model.TransactionTypeIncome,
		Amount: 100, BusinessCode: "TASK_X", BusinessID: "t1", ExpiryTime: &past,
	})
	require.NoError(t, err)
	_, err = ledger.FreezeCredits(ctx, testUser, testCreditType, 60, "ORDER_HOLD", "o1", "", nil)
	require.NoError(t, err)

	// 冻结中的 60 不能被过期，只核销可用的 40
	expired, err := expiration.ProcessExpiredCredits(ctx, testUser, testCreditType, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(40), expired)

	acct := mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, int64(60), acct.Balance)
	assert.Equal(t, int64(60), acct.FrozenAmount)
	assert.True(t, acct.CheckInvariants())
}

func TestProcessExpiredResidualAfterUnfreeze(t *testing.T) {
	expiration, ledger, store := newTestExpiration(t, fixedDaysCatalog(30))
	ctx := context.Background()

	// 批次 100，其中 60 冻结：首轮只能核销可用的 40
	past := time.Now().Add(-time.Hour)
	_, err := ledger.Execute(ctx, Operation{
		UserID: testUser, CreditTypeID: testCreditType, Type: model.TransactionTypeIncome,
		Amount: 100, BusinessCode: "TASK_X", BusinessID: "t1", ExpiryTime: &past,
	})
	require.NoError(t, err)
	_, err = ledger.FreezeCredits(ctx, testUser, testCreditType, 60, "ORDER_HOLD", "o1", "", nil)
	require.NoError(t, err)

	expired, err := expiration.ProcessExpiredCredits(ctx, testUser, testCreditType, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(40), expired)

	// 冻结未解除时重跑不产生变化，也不重复计数
	expired, err = expiration.ProcessExpiredCredits(ctx, testUser, testCreditType, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), expired)

	// 解冻之后残量 60 要能继续核销，不能被首轮的幂等键挡住
	_, err = ledger.UnfreezeCredits(ctx, testUser, testCreditType, 60, "ORDER_RELEASE", "o1", "", nil)
	require.NoError(t, err)

	expired, err = expiration.ProcessExpiredCredits(ctx, testUser, testCreditType, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(60), expired)

	acct := mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, int64(0), acct.Balance)
	assert.True(t, acct.CheckInvariants())

	// 核销彻底完成后重跑回到稳定的空转
	expired, err = expiration.ProcessExpiredCredits(ctx, testUser, testCreditType, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), expired)
	acct = mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, int64(0), acct.Balance)
}

func TestProcessExpiredDisabledAccountUntouched(t *testing.T) {
	expiration, ledger, store := newTestExpiration(t, fixedDaysCatalog(30))
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	_, err := ledger.Execute(ctx, Operation{
		UserID: testUser, CreditTypeID: testCreditType, Type: model.TransactionTypeIncome,
		Amount: 100, BusinessCode: "TASK_X", BusinessID: "t1", ExpiryTime: &past,
	})
	require.NoError(t, err)
	acct := mustAccount(t, store, testUser, testCreditType)
	require.NoError(t, store.Accounts().SetStatus(ctx, acct.ID, false, "停用"))

	expired, err := expiration.ProcessExpiredCredits(ctx, testUser, testCreditType, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), expired)

	acct = mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, int64(100), acct.Balance)
}

func TestProcessExpiredNeverExpireNoop(t *testing.T) {
	cat := catalog.StaticCatalog(&model.CreditType{
		ID: testCreditType, Code: "POINTS",
		ExpirationPolicy: model.PolicyNeverExpire, IsValid: true,
	})
	expiration, ledger, _ := newTestExpiration(t, cat)
	ctx := context.Background()

	_, err := ledger.AddCredits(ctx, testUser, testCreditType, 100, "TASK_X", "t1", "", nil)
	require.NoError(t, err)

	expired, err := expiration.ProcessExpiredCredits(ctx, testUser, testCreditType, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), expired)
}

func TestProcessExpiredUnknownAccount(t *testing.T) {
	expiration, _, _ := newTestExpiration(t, fixedDaysCatalog(30))

	expired, err := expiration.ProcessExpiredCredits(context.Background(), "nobody", testCreditType, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), expired)
}

func TestBatchProcessExpiredCredits(t *testing.T) {
	expiration, ledger, store := newTestExpiration(t, fixedDaysCatalog(30))
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	for i, user := range []string{"u1", "u2", "u3"} {
		_, err := ledger.Execute(ctx, Operation{
			UserID: user, CreditTypeID: testCreditType, Type: model.TransactionTypeIncome,
			Amount: int64(100 * (i + 1)), BusinessCode: "TASK_X", BusinessID: user, ExpiryTime: &past,
		})
		require.NoError(t, err)
	}

	accounts, total, err := expiration.BatchProcessExpiredCredits(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, accounts)
	assert.Equal(t, int64(600), total)

	// 扫描结束留一条汇总审计
	records := store.AuditRecords()
	var found bool
	for _, rec := range records {
		if rec.Action == model.AuditActionExpireScan {
			found = true
		}
	}
	assert.True(t, found)
}

func TestGetExpiringCredits(t *testing.T) {
	expiration, ledger, _ := newTestExpiration(t, fixedDaysCatalog(30))
	ctx := context.Background()

	soon := time.Now().Add(3 * 24 * time.Hour)
	later := time.Now().Add(30 * 24 * time.Hour)
	_, err := ledger.Execute(ctx, Operation{
		UserID: testUser, CreditTypeID: testCreditType, Type: model.TransactionTypeIncome,
		Amount: 100, BusinessCode: "TASK_X", BusinessID: "t1", ExpiryTime: &soon,
	})
	require.NoError(t, err)
	_, err = ledger.Execute(ctx, Operation{
		UserID: testUser, CreditTypeID: testCreditType, Type: model.TransactionTypeIncome,
		Amount: 200, BusinessCode: "TASK_X", BusinessID: "t2", ExpiryTime: &later,
	})
	require.NoError(t, err)

	lots, total, err := expiration.GetExpiringCredits(ctx, testUser, testCreditType, 7*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, int64(100), total)
	assert.Equal(t, int64(100), lots[0].Remaining)

	// 窗口放大到 60 天能看到两个批次
	lots, total, err = expiration.GetExpiringCredits(ctx, testUser, testCreditType, 60*24*time.Hour)
	require.NoError(t, err)
	assert.Len(t, lots, 2)
	assert.Equal(t, int64(300), total)
}
