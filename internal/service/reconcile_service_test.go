package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditledger/internal/audit"
	"creditledger/internal/config"
	"creditledger/internal/infrastructure/lock"
	"creditledger/internal/model"
	"creditledger/internal/repository/memory"
	"creditledger/pkg/crediterr"
)

func newTestReconciler(t *testing.T) (*ReconcileService, *LedgerService, *memory.MemoryStore) {
	t.Helper()
	store := memory.NewMemoryStore()
	trail := audit.NewTrail(store.Audits())
	cfg := &config.LedgerConfig{LockTimeoutMs: 500, ReconcileBatchSize: 10}
	ledger := NewLedgerService(store, lock.NewLocalLocker(), testCatalog(), trail, nil, cfg)
	reconciler := NewReconcileService(store, trail, nil, cfg)
	return reconciler, ledger, store
}

func TestVerifyConsistentAccount(t *testing.T) {
	reconciler, ledger, _ := newTestReconciler(t)
	ctx := context.Background()

	_, err := ledger.AddCredits(ctx, testUser, testCreditType, 1000, "TASK_X", "t1", "", nil)
	require.NoError(t, err)
	_, err = ledger.DeductCredits(ctx, testUser, testCreditType, 300, "ORDER_PAY", "o1", "", nil)
	require.NoError(t, err)
	_, err = ledger.FreezeCredits(ctx, testUser, testCreditType, 100, "ORDER_HOLD", "h1", "", nil)
	require.NoError(t, err)

	report, err := reconciler.VerifyAccount(ctx, testUser, testCreditType)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(700), report.ExpectedBalance)
	assert.Equal(t, int64(100), report.ExpectedFrozen)
	assert.Equal(t, int64(1000), report.ExpectedTotalIncome)
	assert.Equal(t, int64(300), report.ExpectedTotalExpense)
}

func TestVerifyDetectsDriftWithoutMutating(t *testing.T) {
	reconciler, ledger, store := newTestReconciler(t)
	ctx := context.Background()

	_, err := ledger.AddCredits(ctx, testUser, testCreditType, 1000, "TASK_X", "t1", "", nil)
	require.NoError(t, err)

	// 人为制造脏数据
	acct := mustAccount(t, store, testUser, testCreditType)
	require.NoError(t, store.Accounts().UpdateWithVersion(ctx, acct.ID,
		map[string]interface{}{"balance": int64(1234)}, acct.Version))

	report, err := reconciler.VerifyAccount(ctx, testUser, testCreditType)
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Equal(t, int64(1234), report.Balance)
	assert.Equal(t, int64(1000), report.ExpectedBalance)

	// 只检测不纠正
	acct = mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, int64(1234), acct.Balance)

	// 不一致记入审计
	var found bool
	for _, rec := range store.AuditRecords() {
		if rec.Action == model.AuditActionDrift {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCorrectAccountRestoresLedgerTruth(t *testing.T) {
	reconciler, ledger, store := newTestReconciler(t)
	ctx := context.Background()

	_, err := ledger.AddCredits(ctx, testUser, testCreditType, 1000, "TASK_X", "t1", "", nil)
	require.NoError(t, err)
	_, err = ledger.DeductCredits(ctx, testUser, testCreditType, 400, "ORDER_PAY", "o1", "", nil)
	require.NoError(t, err)

	acct := mustAccount(t, store, testUser, testCreditType)
	require.NoError(t, store.Accounts().UpdateWithVersion(ctx, acct.ID,
		map[string]interface{}{"balance": int64(99)}, acct.Version))

	report, err := reconciler.CorrectAccount(ctx, testUser, testCreditType, "op-1")
	require.NoError(t, err)
	assert.False(t, report.Consistent, "报告里保留纠正前的状态")

	acct = mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, int64(600), acct.Balance)
	assert.Equal(t, int64(1000), acct.TotalIncome)
	assert.Equal(t, int64(400), acct.TotalExpense)
	assert.True(t, acct.CheckInvariants())

	// 纠正后复核一致
	report, err = reconciler.VerifyAccount(ctx, testUser, testCreditType)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}

func TestCorrectConsistentAccountIsNoop(t *testing.T) {
	reconciler, ledger, store := newTestReconciler(t)
	ctx := context.Background()

	_, err := ledger.AddCredits(ctx, testUser, testCreditType, 500, "TASK_X", "t1", "", nil)
	require.NoError(t, err)
	before := mustAccount(t, store, testUser, testCreditType)

	report, err := reconciler.CorrectAccount(ctx, testUser, testCreditType, "op-1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)

	after := mustAccount(t, store, testUser, testCreditType)
	assert.Equal(t, before.Version, after.Version, "一致的账户不产生写入")
}

func TestVerifyUnknownAccount(t *testing.T) {
	reconciler, _, _ := newTestReconciler(t)

	_, err := reconciler.VerifyAccount(context.Background(), "nobody", testCreditType)
	assert.True(t, crediterr.IsCode(err, crediterr.CodeAccountNotFound))
}

func TestBatchVerify(t *testing.T) {
	reconciler, ledger, store := newTestReconciler(t)
	ctx := context.Background()

	for _, user := range []string{"u1", "u2", "u3"} {
		_, err := ledger.AddCredits(ctx, user, testCreditType, 100, "TASK_X", user, "", nil)
		require.NoError(t, err)
	}

	// 弄脏其中一个账户
	acct := mustAccount(t, store, "u2", testCreditType)
	require.NoError(t, store.Accounts().UpdateWithVersion(ctx, acct.ID,
		map[string]interface{}{"balance": int64(9)}, acct.Version))

	checked, drifts, err := reconciler.BatchVerify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, checked)
	assert.Equal(t, 1, drifts)
}
