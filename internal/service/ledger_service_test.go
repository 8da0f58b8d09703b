package service

import (
	"context"
	"fmt"
	"sync"
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
	"creditledger/pkg/crediterr"
	"creditledger/pkg/idgen"
)

func init() {
	idgen.Init(1)
}

const (
	testUser       = "user-1"
	testCreditType = "ct_points"
)

func testCatalog() catalog.CreditTypeCatalog {
	return catalog.StaticCatalog(
		&model.CreditType{
			ID: "ct_points", Code: "POINTS", Name: "通用积分",
			ExpirationPolicy: model.PolicyFixedDays, ValidityDays: 30, IsValid: true,
		},
		&model.CreditType{
			ID: "ct_coins", Code: "COINS", Name: "金币",
			ExpirationPolicy: model.PolicyNeverExpire, IsValid: true,
		},
		&model.CreditType{
			ID: "ct_legacy", Code: "LEGACY", Name: "旧积分",
			ExpirationPolicy: model.PolicyNeverExpire, IsValid: false,
		},
	)
}

func newTestLedger(t *testing.T) (*LedgerService, *memory.MemoryStore) {
	t.Helper()
	store := memory.NewMemoryStore()
	trail := audit.NewTrail(store.Audits())
	ledger := NewLedgerService(store, lock.NewLocalLocker(), testCatalog(), trail, nil, &config.LedgerConfig{
		LockTimeoutMs:     500,
		VersionRetryCount: 3,
	})
	return ledger, store
}

func mustAccount(t *testing.T, store *memory.MemoryStore, userID, creditTypeID string) *model.CreditAccount {
	t.Helper()
	acct, err := store.Accounts().Get(context.Background(), userID, creditTypeID)
	require.NoError(t, err)
	return acct
}

func TestAddCredits(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	txn, err := ledger.AddCredits(ctx, testUser, testCreditType, 1000, "TASK_REWARD", "task-1", "任务奖励", nil)
	require.NoError(t, err)

	assert.Equal(t, model.TransactionTypeIncome, txn.Type)
	assert.Equal(t, model.TransactionStatusCompleted, txn.Status)
	assert.Equal(t, int64(0), txn.BeforeBalance)
	assert.Equal(t, int64(1000), txn.AfterBalance)
	assert.NotEmpty(t, txn.TransactionNo)
	require.NotNil(t, txn.ExpiryTime, "fixed_days 策略应推导出有效期")
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), *txn.ExpiryTime, time.Minute)

	acct := mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, int64(1000), acct.Balance)
	assert.Equal(t, int64(1000), acct.TotalIncome)
	assert.Equal(t, int64(0), acct.TotalExpense)
	assert.Equal(t, int64(0), acct.FrozenAmount)
	assert.True(t, acct.CheckInvariants())
}

func TestIdempotentReplay(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	first, err := ledger.AddCredits(ctx, testUser, testCreditType, 500, "TASK_X", "t1", "", nil)
	require.NoError(t, err)

	// 相同业务键重复投递：返回原交易，不重复加钱
	second, err := ledger.AddCredits(ctx, testUser, testCreditType, 500, "TASK_X", "t1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, first.TransactionNo, second.TransactionNo)

	acct := mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, int64(500), acct.Balance)

	// 不同业务ID是新事件
	_, err = ledger.AddCredits(ctx, testUser, testCreditType, 500, "TASK_X", "t2", "", nil)
	require.NoError(t, err)
	acct = mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, int64(1000), acct.Balance)
}

func TestIdempotencySeparateBusinessCodes(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.AddCredits(ctx, testUser, testCreditType, 100, "SIGN_IN", "d1", "", nil)
	require.NoError(t, err)
	_, err = ledger.AddCredits(ctx, testUser, testCreditType, 100, "TASK_REWARD", "d1", "", nil)
	require.NoError(t, err)

	acct := mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, int64(200), acct.Balance, "业务码不同的相同业务ID互不去重")
}

func TestEmptyBusinessIDSkipsDedup(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.AddCredits(ctx, testUser, testCreditType, 100, "MANUAL_GRANT", "", "", nil)
	require.NoError(t, err)
	_, err = ledger.AddCredits(ctx, testUser, testCreditType, 100, "MANUAL_GRANT", "", "", nil)
	require.NoError(t, err)

	acct := mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, int64(200), acct.Balance)
}

func TestDeductInsufficientBalance(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.AddCredits(ctx, testUser, testCreditType, 100, "TASK_X", "t1", "", nil)
	require.NoError(t, err)

	_, err = ledger.DeductCredits(ctx, testUser, testCreditType, 200, "ORDER_PAY", "o1", "", nil)
	require.Error(t, err)
	assert.True(t, crediterr.IsCode(err, crediterr.CodeInsufficientBalance))

	// 结构化上下文携带缺口数据
	ectx := crediterr.ContextOf(err)
	require.NotNil(t, ectx)
	assert.Equal(t, int64(200), ectx["required"])
	assert.Equal(t, int64(100), ectx["available"])

	// 失败不留痕：余额不变，也没有新流水
	acct := mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, int64(100), acct.Balance)
	assert.Equal(t, int64(0), acct.TotalExpense)
	txns, err := store.Transactions().ListAllByAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestFreezeUnfreezeRoundTrip(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.AddCredits(ctx, testUser, testCreditType, 1000, "TASK_X", "t1", "", nil)
	require.NoError(t, err)

	// 余额 1000，冻结 200：可用 800
	frozenTxn, err := ledger.FreezeCredits(ctx, testUser, testCreditType, 200, "ORDER_HOLD", "o1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), frozenTxn.BeforeBalance, "冻结流水记录变动前冻结金额")
	assert.Equal(t, int64(200), frozenTxn.AfterBalance)

	acct := mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, int64(1000), acct.Balance, "冻结不动余额")
	assert.Equal(t, int64(200), acct.FrozenAmount)
	assert.Equal(t, int64(800), acct.AvailableBalance())

	// 可用 800，扣 900 必须失败
	_, err = ledger.DeductCredits(ctx, testUser, testCreditType, 900, "ORDER_PAY", "o2", "", nil)
	assert.True(t, crediterr.IsCode(err, crediterr.CodeInsufficientBalance))

	// 解冻后再扣就可以了
	_, err = ledger.UnfreezeCredits(ctx, testUser, testCreditType, 200, "ORDER_RELEASE", "o1", "", nil)
	require.NoError(t, err)
	_, err = ledger.DeductCredits(ctx, testUser, testCreditType, 900, "ORDER_PAY", "o3", "", nil)
	require.NoError(t, err)

	acct = mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, int64(100), acct.Balance)
	assert.Equal(t, int64(0), acct.FrozenAmount)
	assert.True(t, acct.CheckInvariants())
}

func TestUnfreezeMoreThanFrozen(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.AddCredits(ctx, testUser, testCreditType, 1000, "TASK_X", "t1", "", nil)
	require.NoError(t, err)
	_, err = ledger.FreezeCredits(ctx, testUser, testCreditType, 200, "ORDER_HOLD", "o1", "", nil)
	require.NoError(t, err)

	_, err = ledger.UnfreezeCredits(ctx, testUser, testCreditType, 300, "ORDER_RELEASE", "o1", "", nil)
	require.Error(t, err)
	assert.True(t, crediterr.IsCode(err, crediterr.CodeInsufficientFrozen))

	acct := mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, int64(200), acct.FrozenAmount)
}

func TestExpireRespectsFrozen(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.AddCredits(ctx, testUser, testCreditType, 100, "TASK_X", "t1", "", nil)
	require.NoError(t, err)
	_, err = ledger.FreezeCredits(ctx, testUser, testCreditType, 60, "ORDER_HOLD", "o1", "", nil)
	require.NoError(t, err)

	// 可用只有 40，核销 50 失败
	_, err = ledger.ExpireCredits(ctx, testUser, testCreditType, 50, model.BusinessCodeCreditsExpired, "lot-1", "", nil)
	require.Error(t, err)
	assert.True(t, crediterr.IsCode(err, crediterr.CodeCreditsExpired))

	_, err = ledger.ExpireCredits(ctx, testUser, testCreditType, 40, model.BusinessCodeCreditsExpired, "lot-2", "", nil)
	require.NoError(t, err)

	acct := mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, int64(60), acct.Balance)
	assert.Equal(t, int64(60), acct.FrozenAmount)
	assert.Equal(t, int64(40), acct.TotalExpense)
	assert.True(t, acct.CheckInvariants())
}

func TestDisabledAccountRejectsAllOperations(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.AddCredits(ctx, testUser, testCreditType, 100, "TASK_X", "t1", "", nil)
	require.NoError(t, err)
	acct := mustAccount(t, store, testUser, testCreditType)
	require.NoError(t, store.Accounts().SetStatus(ctx, acct.ID, false, "风控冻结"))

	cases := []model.TransactionType{
		model.TransactionTypeIncome,
		model.TransactionTypeExpense,
		model.TransactionTypeFrozen,
		model.TransactionTypeUnfrozen,
		model.TransactionTypeExpired,
	}
	for i, opType := range cases {
		_, err := ledger.Execute(ctx, Operation{
			UserID:       testUser,
			CreditTypeID: testCreditType,
			Type:         opType,
			Amount:       10,
			BusinessCode: "DISABLED_TEST",
			BusinessID:   fmt.Sprintf("op-%d", i),
		})
		assert.True(t, crediterr.IsCode(err, crediterr.CodeAccountDisabled), "操作类型 %s 应被拒绝", opType.Label())
	}

	acct = mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, int64(100), acct.Balance)
}

func TestValidation(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.AddCredits(ctx, testUser, testCreditType, 0, "TASK_X", "t1", "", nil)
	assert.True(t, crediterr.IsCode(err, crediterr.CodeInvalidParameter))

	_, err = ledger.AddCredits(ctx, testUser, testCreditType, -5, "TASK_X", "t1", "", nil)
	assert.True(t, crediterr.IsCode(err, crediterr.CodeInvalidParameter))

	_, err = ledger.AddCredits(ctx, "", testCreditType, 10, "TASK_X", "t1", "", nil)
	assert.True(t, crediterr.IsCode(err, crediterr.CodeInvalidParameter))

	_, err = ledger.AddCredits(ctx, testUser, testCreditType, 10, "", "t1", "", nil)
	assert.True(t, crediterr.IsCode(err, crediterr.CodeInvalidParameter))
}

func TestCreditTypeChecks(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.AddCredits(ctx, testUser, "ct_unknown", 10, "TASK_X", "t1", "", nil)
	assert.True(t, crediterr.IsCode(err, crediterr.CodeCreditTypeNotFound))

	_, err = ledger.AddCredits(ctx, testUser, "ct_legacy", 10, "TASK_X", "t1", "", nil)
	assert.True(t, crediterr.IsCode(err, crediterr.CodeCreditTypeDisabled))
}

func TestNeverExpireIncomeHasNoExpiry(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	txn, err := ledger.AddCredits(ctx, testUser, "ct_coins", 100, "TASK_X", "t1", "", nil)
	require.NoError(t, err)
	assert.Nil(t, txn.ExpiryTime)
}

func TestExplicitExpiryOverridesPolicy(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	expiry := time.Now().Add(48 * time.Hour)
	txn, err := ledger.Execute(ctx, Operation{
		UserID:       testUser,
		CreditTypeID: testCreditType,
		Type:         model.TransactionTypeIncome,
		Amount:       100,
		BusinessCode: "PROMO",
		BusinessID:   "p1",
		ExpiryTime:   &expiry,
	})
	require.NoError(t, err)
	require.NotNil(t, txn.ExpiryTime)
	assert.WithinDuration(t, expiry, *txn.ExpiryTime, time.Second)
}

func TestHasEnoughCredits(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	// 账户不存在按零余额处理
	enough, err := ledger.HasEnoughCredits(ctx, "nobody", testCreditType, 1)
	require.NoError(t, err)
	assert.False(t, enough)

	_, err = ledger.AddCredits(ctx, testUser, testCreditType, 100, "TASK_X", "t1", "", nil)
	require.NoError(t, err)
	_, err = ledger.FreezeCredits(ctx, testUser, testCreditType, 30, "ORDER_HOLD", "o1", "", nil)
	require.NoError(t, err)

	enough, err = ledger.HasEnoughCredits(ctx, testUser, testCreditType, 70)
	require.NoError(t, err)
	assert.True(t, enough)

	enough, err = ledger.HasEnoughCredits(ctx, testUser, testCreditType, 71)
	require.NoError(t, err)
	assert.False(t, enough, "冻结部分不算可用")

	_, err = ledger.HasEnoughCredits(ctx, testUser, testCreditType, 0)
	assert.True(t, crediterr.IsCode(err, crediterr.CodeInvalidParameter))
}

func TestConcurrentDeductNeverOverspends(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.AddCredits(ctx, testUser, testCreditType, 1000, "TASK_X", "t1", "", nil)
	require.NoError(t, err)

	// 20 个并发扣减各 100，只有 10 个能成功
	const attempts = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := ledger.DeductCredits(ctx, testUser, testCreditType, 100,
				"ORDER_PAY", fmt.Sprintf("order-%d", n), "", nil)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !crediterr.IsCode(err, crediterr.CodeInsufficientBalance) {
				t.Errorf("预期以外的错误: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	acct := mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, int64(0), acct.Balance)
	assert.Equal(t, int64(1000), acct.TotalExpense)
	assert.True(t, acct.CheckInvariants())
}

func TestConcurrentSameBusinessKeyExecutesOnce(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.AddCredits(ctx, testUser, testCreditType, 300, "TASK_X", "t1", "", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	acct := mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, int64(300), acct.Balance, "并发重复投递只生效一次")
	txns, err := store.Transactions().ListAllByAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestExecuteBatchPartialFailure(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.AddCredits(ctx, testUser, testCreditType, 100, "INIT", "i1", "", nil)
	require.NoError(t, err)

	result, err := ledger.ExecuteBatch(ctx, []Operation{
		{UserID: testUser, CreditTypeID: testCreditType, Type: model.TransactionTypeExpense,
			Amount: 50, BusinessCode: "BATCH_PAY", BusinessID: "b1"},
		{UserID: testUser, CreditTypeID: testCreditType, Type: model.TransactionTypeExpense,
			Amount: 500, BusinessCode: "BATCH_PAY", BusinessID: "b2"},
		{UserID: testUser, CreditTypeID: testCreditType, Type: model.TransactionTypeExpense,
			Amount: 20, BusinessCode: "BATCH_PAY", BusinessID: "b3"},
	})

	require.Error(t, err)
	assert.True(t, crediterr.IsCode(err, crediterr.CodeBatchPartialFailure))
	assert.Len(t, result.Succeeded, 2)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, 1, result.Failed[0].Index)
	assert.Equal(t, crediterr.CodeInsufficientBalance, result.Failed[0].Code)

	// 第2项失败不影响第1、3项
	acct := mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, int64(30), acct.Balance)
}

func TestExecuteBatchAllSucceed(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	result, err := ledger.ExecuteBatch(ctx, []Operation{
		{UserID: "u1", CreditTypeID: testCreditType, Type: model.TransactionTypeIncome,
			Amount: 10, BusinessCode: "BONUS", BusinessID: "x1"},
		{UserID: "u2", CreditTypeID: testCreditType, Type: model.TransactionTypeIncome,
			Amount: 20, BusinessCode: "BONUS", BusinessID: "x2"},
	})
	require.NoError(t, err)
	assert.Len(t, result.Succeeded, 2)
	assert.Empty(t, result.Failed)

	// 同一批次共享批次号
	assert.NotEmpty(t, result.Succeeded[0].BatchNo)
	assert.Equal(t, result.Succeeded[0].BatchNo, result.Succeeded[1].BatchNo)
}

func TestAuditRecordedForFailures(t *testing.T) {
	ledger, store := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.DeductCredits(ctx, testUser, testCreditType, 100, "ORDER_PAY", "o1", "", nil)
	require.Error(t, err)

	records := store.AuditRecords()
	require.NotEmpty(t, records)
	last := records[len(records)-1]
	assert.Equal(t, model.AuditActionExecute, last.Action)
	assert.Equal(t, "FAILURE", last.Result)
	assert.Equal(t, crediterr.CodeInsufficientBalance, last.ErrorCode)
}

func TestLockTimeout(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	locker := lock.NewLocalLocker()
	ledger.locker = locker

	// 占住账户锁不放，操作应在等锁超时后报 OperationLocked
	handle, err := locker.Acquire(ctx, testUser, testCreditType, time.Second)
	require.NoError(t, err)
	defer handle.Release(ctx)

	_, err = ledger.AddCredits(ctx, testUser, testCreditType, 10, "TASK_X", "t1", "", nil)
	require.Error(t, err)
	assert.True(t, crediterr.IsCode(err, crediterr.CodeOperationLocked))
}
