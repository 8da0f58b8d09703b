package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransactionTypeLabels(t *testing.T) {
	assert.Equal(t, "收入", TransactionTypeIncome.Label())
	assert.Equal(t, "支出", TransactionTypeExpense.Label())
	assert.Equal(t, "冻结", TransactionTypeFrozen.Label())
	assert.Equal(t, "解冻", TransactionTypeUnfrozen.Label())
	assert.Equal(t, "过期", TransactionTypeExpired.Label())

	assert.True(t, TransactionTypeIncome.Valid())
	assert.False(t, TransactionType(0).Valid())
	assert.False(t, TransactionType(6).Valid())
}

func TestStatusTransitions(t *testing.T) {
	// 待处理可以转到任一终态
	assert.True(t, TransactionStatusPending.CanTransitionTo(TransactionStatusCompleted))
	assert.True(t, TransactionStatusPending.CanTransitionTo(TransactionStatusFailed))
	assert.True(t, TransactionStatusPending.CanTransitionTo(TransactionStatusCancelled))

	// 终态不能再变
	assert.False(t, TransactionStatusCompleted.CanTransitionTo(TransactionStatusCancelled))
	assert.False(t, TransactionStatusFailed.CanTransitionTo(TransactionStatusCompleted))
	assert.False(t, TransactionStatusCancelled.CanTransitionTo(TransactionStatusPending))

	assert.False(t, TransactionStatusPending.IsTerminal())
	assert.True(t, TransactionStatusCompleted.IsTerminal())
	assert.True(t, TransactionStatusFailed.IsTerminal())
	assert.True(t, TransactionStatusCancelled.IsTerminal())
}

func TestMakeIdemKey(t *testing.T) {
	assert.Equal(t, "ORDER_PAY:o1", MakeIdemKey("ORDER_PAY", "o1", "CTX123"))
	// 没有业务ID时退化为流水号键，不参与去重
	assert.Equal(t, "no:CTX123", MakeIdemKey("ORDER_PAY", "", "CTX123"))
}

func TestReleaseIdemKey(t *testing.T) {
	txn := &CreditTransaction{
		TransactionNo: "CTX123",
		IdemKey:       "ORDER_PAY:o1",
	}
	txn.ReleaseIdemKey()
	assert.Equal(t, "ORDER_PAY:o1#cancelled#CTX123", txn.IdemKey)
}

func TestBalanceDelta(t *testing.T) {
	income := &CreditTransaction{Type: TransactionTypeIncome, Amount: 100}
	assert.Equal(t, int64(100), income.BalanceDelta())

	expense := &CreditTransaction{Type: TransactionTypeExpense, Amount: 100}
	assert.Equal(t, int64(-100), expense.BalanceDelta())

	expired := &CreditTransaction{Type: TransactionTypeExpired, Amount: 100}
	assert.Equal(t, int64(-100), expired.BalanceDelta())

	// 冻结解冻不动余额
	frozen := &CreditTransaction{Type: TransactionTypeFrozen, Amount: 100}
	assert.Equal(t, int64(0), frozen.BalanceDelta())
	unfrozen := &CreditTransaction{Type: TransactionTypeUnfrozen, Amount: 100}
	assert.Equal(t, int64(0), unfrozen.BalanceDelta())
}

func TestExtraDataRoundTrip(t *testing.T) {
	encoded := EncodeExtraData(map[string]interface{}{"order_no": "o1"})
	txn := &CreditTransaction{ExtraData: encoded}
	decoded := txn.DecodeExtraData()
	assert.Equal(t, "o1", decoded["order_no"])

	empty := &CreditTransaction{}
	assert.Empty(t, empty.DecodeExtraData())
	assert.Equal(t, "", EncodeExtraData(nil))
}

func TestAccountInvariants(t *testing.T) {
	ok := &CreditAccount{Balance: 1000, FrozenAmount: 200, TotalIncome: 1500, TotalExpense: 500}
	assert.True(t, ok.CheckInvariants())
	assert.Equal(t, int64(800), ok.AvailableBalance())

	badBalance := &CreditAccount{Balance: 900, TotalIncome: 1500, TotalExpense: 500}
	assert.False(t, badBalance.CheckInvariants())

	badFrozen := &CreditAccount{Balance: 100, FrozenAmount: 200, TotalIncome: 100}
	assert.False(t, badFrozen.CheckInvariants())

	negativeFrozen := &CreditAccount{Balance: 100, FrozenAmount: -1, TotalIncome: 100}
	assert.False(t, negativeFrozen.CheckInvariants())
}
