// Package memory 提供 repository.Store 的内存实现，用于测试和本地开发。
// 语义与 MySQL 实现对齐：幂等键唯一、版本守护写入、状态机流转。
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/pkg/crediterr"
)

type MemoryStore struct {
	mu sync.Mutex

	accounts   map[int64]*model.CreditAccount
	accountKey map[string]int64 // userID + "/" + creditTypeID -> account id
	nextAcctID int64

	txns       map[string]*model.CreditTransaction // transactionNo -> txn
	txnOrder   []string                            // 追加序
	idemIndex  map[string]string                   // idemKey -> transactionNo
	nextTxnID  int64

	audits      []*model.AuditRecord
	nextAuditID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   map[int64]*model.CreditAccount{},
		accountKey: map[string]int64{},
		txns:       map[string]*model.CreditTransaction{},
		idemIndex:  map[string]string{},
	}
}

func (s *MemoryStore) Accounts() repository.AccountStore       { return (*memAccounts)(s) }
func (s *MemoryStore) Transactions() repository.TransactionLog { return (*memTxns)(s) }
func (s *MemoryStore) Audits() repository.AuditLog             { return (*memAudits)(s) }

// Atomic 内存实现以全局互斥量近似事务：fn 持锁执行，失败时回滚快照
func (s *MemoryStore) Atomic(_ context.Context, fn func(repository.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshotLocked()
	if err := fn(&lockedView{s}); err != nil {
		s.restoreLocked(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	accounts  map[int64]model.CreditAccount
	txns      map[string]model.CreditTransaction
	txnOrder  []string
	idemIndex map[string]string
}

func (s *MemoryStore) snapshotLocked() memSnapshot {
	snap := memSnapshot{
		accounts:  make(map[int64]model.CreditAccount, len(s.accounts)),
		txns:      make(map[string]model.CreditTransaction, len(s.txns)),
		txnOrder:  append([]string(nil), s.txnOrder...),
		idemIndex: make(map[string]string, len(s.idemIndex)),
	}
	for id, a := range s.accounts {
		snap.accounts[id] = *a
	}
	for no, t := range s.txns {
		snap.txns[no] = *t
	}
	for k, v := range s.idemIndex {
		snap.idemIndex[k] = v
	}
	return snap
}

func (s *MemoryStore) restoreLocked(snap memSnapshot) {
	s.accounts = map[int64]*model.CreditAccount{}
	for id, a := range snap.accounts {
		a := a
		s.accounts[id] = &a
	}
	s.txns = map[string]*model.CreditTransaction{}
	for no, t := range snap.txns {
		t := t
		s.txns[no] = &t
	}
	s.txnOrder = snap.txnOrder
	s.idemIndex = snap.idemIndex
}

// lockedView 传给 Atomic 回调的视图，操作不再抢锁
type lockedView struct{ s *MemoryStore }

func (v *lockedView) Accounts() repository.AccountStore       { return (*lockedAccounts)(v.s) }
func (v *lockedView) Transactions() repository.TransactionLog { return (*lockedTxns)(v.s) }
func (v *lockedView) Audits() repository.AuditLog             { return (*lockedAudits)(v.s) }
func (v *lockedView) Atomic(_ context.Context, fn func(repository.Store) error) error {
	return fn(v)
}

// ============================================================================
// 账户
// ============================================================================

type memAccounts MemoryStore

func (m *memAccounts) lock() func() {
	s := (*MemoryStore)(m)
	s.mu.Lock()
	return s.mu.Unlock
}

func acctKey(userID, creditTypeID string) string { return userID + "/" + creditTypeID }

func copyAccount(a *model.CreditAccount) *model.CreditAccount {
	c := *a
	return &c
}

func (m *memAccounts) Get(_ context.Context, userID, creditTypeID string) (*model.CreditAccount, error) {
	defer m.lock()()
	return (*lockedAccounts)(m).getLocked(userID, creditTypeID)
}

func (m *memAccounts) GetByID(_ context.Context, id int64) (*model.CreditAccount, error) {
	defer m.lock()()
	return (*lockedAccounts)(m).getByIDLocked(id)
}

func (m *memAccounts) GetOrCreate(_ context.Context, userID, creditTypeID string) (*model.CreditAccount, error) {
	defer m.lock()()
	return (*lockedAccounts)(m).getOrCreateLocked(userID, creditTypeID)
}

func (m *memAccounts) ListByUser(_ context.Context, userID string) ([]*model.CreditAccount, error) {
	defer m.lock()()
	var out []*model.CreditAccount
	for _, a := range m.accounts {
		if a.UserID == userID {
			out = append(out, copyAccount(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreditTypeID < out[j].CreditTypeID })
	return out, nil
}

func (m *memAccounts) ListByCreditType(_ context.Context, creditTypeID string, page, pageSize int) ([]*model.CreditAccount, int64, error) {
	defer m.lock()()
	var all []*model.CreditAccount
	for _, a := range m.accounts {
		if a.CreditTypeID == creditTypeID {
			all = append(all, copyAccount(a))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	total := int64(len(all))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (m *memAccounts) ListActive(_ context.Context, afterID int64, limit int) ([]*model.CreditAccount, error) {
	defer m.lock()()
	var out []*model.CreditAccount
	for _, a := range m.accounts {
		if a.IsActive && a.ID > afterID {
			out = append(out, copyAccount(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memAccounts) SaveBalances(_ context.Context, acct *model.CreditAccount) error {
	defer m.lock()()
	return (*lockedAccounts)(m).saveBalancesLocked(acct)
}

func (m *memAccounts) UpdateWithVersion(_ context.Context, id int64, changes map[string]interface{}, version int) error {
	defer m.lock()()
	return (*lockedAccounts)(m).updateWithVersionLocked(id, changes, version)
}

func (m *memAccounts) SetStatus(_ context.Context, id int64, active bool, reason string) error {
	defer m.lock()()
	a, ok := m.accounts[id]
	if !ok {
		return crediterr.AccountNotFound(fmt.Sprintf("id=%d", id))
	}
	a.IsActive = active
	a.Remark = reason
	a.UpdatedAt = time.Now()
	return nil
}

// lockedAccounts Atomic 回调内使用，不抢锁
type lockedAccounts MemoryStore

func (m *lockedAccounts) getLocked(userID, creditTypeID string) (*model.CreditAccount, error) {
	id, ok := m.accountKey[acctKey(userID, creditTypeID)]
	if !ok {
		return nil, crediterr.AccountNotFound(fmt.Sprintf("%s/%s", userID, creditTypeID))
	}
	return copyAccount(m.accounts[id]), nil
}

func (m *lockedAccounts) getByIDLocked(id int64) (*model.CreditAccount, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, crediterr.AccountNotFound(fmt.Sprintf("id=%d", id))
	}
	return copyAccount(a), nil
}

func (m *lockedAccounts) getOrCreateLocked(userID, creditTypeID string) (*model.CreditAccount, error) {
	if a, err := m.getLocked(userID, creditTypeID); err == nil {
		return a, nil
	}
	m.nextAcctID++
	now := time.Now()
	a := &model.CreditAccount{
		ID:           m.nextAcctID,
		UserID:       userID,
		CreditTypeID: creditTypeID,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.accounts[a.ID] = a
	m.accountKey[acctKey(userID, creditTypeID)] = a.ID
	return copyAccount(a), nil
}

func (m *lockedAccounts) saveBalancesLocked(acct *model.CreditAccount) error {
	stored, ok := m.accounts[acct.ID]
	if !ok {
		return crediterr.AccountNotFound(fmt.Sprintf("id=%d", acct.ID))
	}
	if stored.Version != acct.Version {
		return crediterr.VersionConflict(fmt.Sprintf("account:%d", acct.ID), acct.Version)
	}
	stored.Balance = acct.Balance
	stored.FrozenAmount = acct.FrozenAmount
	stored.TotalIncome = acct.TotalIncome
	stored.TotalExpense = acct.TotalExpense
	stored.Version++
	stored.UpdatedAt = time.Now()
	acct.Version = stored.Version
	return nil
}

func (m *lockedAccounts) updateWithVersionLocked(id int64, changes map[string]interface{}, version int) error {
	stored, ok := m.accounts[id]
	if !ok {
		return crediterr.AccountNotFound(fmt.Sprintf("id=%d", id))
	}
	if stored.Version != version {
		return crediterr.VersionConflict(fmt.Sprintf("account:%d", id), version)
	}
	for k, v := range changes {
		switch k {
		case "balance":
			stored.Balance = toInt64(v)
		case "frozen_amount":
			stored.FrozenAmount = toInt64(v)
		case "total_income":
			stored.TotalIncome = toInt64(v)
		case "total_expense":
			stored.TotalExpense = toInt64(v)
		case "level":
			stored.Level = int(toInt64(v))
		case "remark":
			if s, ok := v.(string); ok {
				stored.Remark = s
			}
		case "is_active":
			if b, ok := v.(bool); ok {
				stored.IsActive = b
			}
		}
	}
	stored.Version++
	stored.UpdatedAt = time.Now()
	return nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func (m *lockedAccounts) Get(ctx context.Context, userID, creditTypeID string) (*model.CreditAccount, error) {
	return m.getLocked(userID, creditTypeID)
}
func (m *lockedAccounts) GetByID(ctx context.Context, id int64) (*model.CreditAccount, error) {
	return m.getByIDLocked(id)
}
func (m *lockedAccounts) GetOrCreate(ctx context.Context, userID, creditTypeID string) (*model.CreditAccount, error) {
	return m.getOrCreateLocked(userID, creditTypeID)
}
func (m *lockedAccounts) ListByUser(ctx context.Context, userID string) ([]*model.CreditAccount, error) {
	var out []*model.CreditAccount
	for _, a := range m.accounts {
		if a.UserID == userID {
			out = append(out, copyAccount(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreditTypeID < out[j].CreditTypeID })
	return out, nil
}
func (m *lockedAccounts) ListByCreditType(ctx context.Context, creditTypeID string, page, pageSize int) ([]*model.CreditAccount, int64, error) {
	return nil, 0, crediterr.SystemError("事务内不支持分页扫描")
}
func (m *lockedAccounts) ListActive(ctx context.Context, afterID int64, limit int) ([]*model.CreditAccount, error) {
	return nil, crediterr.SystemError("事务内不支持游标扫描")
}
func (m *lockedAccounts) SaveBalances(ctx context.Context, acct *model.CreditAccount) error {
	return m.saveBalancesLocked(acct)
}
func (m *lockedAccounts) UpdateWithVersion(ctx context.Context, id int64, changes map[string]interface{}, version int) error {
	return m.updateWithVersionLocked(id, changes, version)
}
func (m *lockedAccounts) SetStatus(ctx context.Context, id int64, active bool, reason string) error {
	a, ok := m.accounts[id]
	if !ok {
		return crediterr.AccountNotFound(fmt.Sprintf("id=%d", id))
	}
	a.IsActive = active
	a.Remark = reason
	return nil
}

// ============================================================================
// 交易流水
// ============================================================================

type memTxns MemoryStore

func (m *memTxns) lock() func() {
	s := (*MemoryStore)(m)
	s.mu.Lock()
	return s.mu.Unlock
}

func copyTxn(t *model.CreditTransaction) *model.CreditTransaction {
	c := *t
	return &c
}

func (m *memTxns) Append(ctx context.Context, txn *model.CreditTransaction) error {
	defer m.lock()()
	return (*lockedTxns)(m).appendLocked(txn)
}

func (m *memTxns) GetByNo(ctx context.Context, transactionNo string) (*model.CreditTransaction, error) {
	defer m.lock()()
	return (*lockedTxns)(m).getByNoLocked(transactionNo)
}

func (m *memTxns) FindByBusiness(ctx context.Context, businessCode, businessID string) (*model.CreditTransaction, error) {
	defer m.lock()()
	return (*lockedTxns)(m).findByBusinessLocked(businessCode, businessID)
}

func (m *memTxns) ListByAccount(ctx context.Context, accountID int64, filter repository.TxnFilter) ([]*model.CreditTransaction, int64, error) {
	defer m.lock()()
	var all []*model.CreditTransaction
	for _, no := range m.txnOrder {
		t := m.txns[no]
		if t.AccountID != accountID {
			continue
		}
		if filter.Type != nil && t.Type != *filter.Type {
			continue
		}
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		if filter.StartTime != nil && t.CreatedAt.Before(*filter.StartTime) {
			continue
		}
		if filter.EndTime != nil && !t.CreatedAt.Before(*filter.EndTime) {
			continue
		}
		all = append(all, copyTxn(t))
	}
	// 倒序分页，与 MySQL 实现一致
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	total := int64(len(all))
	page, pageSize := filter.Page, filter.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (m *memTxns) ListAllByAccount(ctx context.Context, accountID int64) ([]*model.CreditTransaction, error) {
	defer m.lock()()
	return (*lockedTxns)(m).listAllLocked(accountID)
}

func (m *memTxns) ListIncomeExpiring(ctx context.Context, accountID int64, before time.Time) ([]*model.CreditTransaction, error) {
	defer m.lock()()
	var out []*model.CreditTransaction
	for _, no := range m.txnOrder {
		t := m.txns[no]
		if t.AccountID != accountID || t.Type != model.TransactionTypeIncome || t.Status != model.TransactionStatusCompleted {
			continue
		}
		if t.ExpiryTime == nil || t.ExpiryTime.After(before) {
			continue
		}
		out = append(out, copyTxn(t))
	}
	return out, nil
}

func (m *memTxns) UpdateStatus(ctx context.Context, transactionNo string, target model.TransactionStatus, remark string) error {
	defer m.lock()()
	t, ok := m.txns[transactionNo]
	if !ok {
		return crediterr.TransactionNotFound(transactionNo)
	}
	if !t.Status.CanTransitionTo(target) {
		return crediterr.InvalidTransactionStatus(transactionNo, t.Status.Label(), target.Label())
	}
	if target == model.TransactionStatusCancelled {
		delete(m.idemIndex, t.IdemKey)
		t.ReleaseIdemKey()
		m.idemIndex[t.IdemKey] = t.TransactionNo
	}
	if target == model.TransactionStatusCompleted {
		now := time.Now()
		t.CompleteTime = &now
	}
	t.Status = target
	if remark != "" {
		t.Remark = remark
	}
	return nil
}

// lockedTxns Atomic 回调内使用
type lockedTxns MemoryStore

func (m *lockedTxns) appendLocked(txn *model.CreditTransaction) error {
	if txn.IdemKey == "" {
		txn.IdemKey = model.MakeIdemKey(txn.BusinessCode, txn.BusinessID, txn.TransactionNo)
	}
	if _, exists := m.idemIndex[txn.IdemKey]; exists {
		return crediterr.TransactionExists(txn.BusinessCode, txn.BusinessID)
	}
	if _, exists := m.txns[txn.TransactionNo]; exists {
		return crediterr.TransactionExists(txn.BusinessCode, txn.BusinessID)
	}
	m.nextTxnID++
	txn.ID = m.nextTxnID
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}
	stored := copyTxn(txn)
	m.txns[stored.TransactionNo] = stored
	m.txnOrder = append(m.txnOrder, stored.TransactionNo)
	m.idemIndex[stored.IdemKey] = stored.TransactionNo
	return nil
}

func (m *lockedTxns) getByNoLocked(transactionNo string) (*model.CreditTransaction, error) {
	t, ok := m.txns[transactionNo]
	if !ok {
		return nil, crediterr.TransactionNotFound(transactionNo)
	}
	return copyTxn(t), nil
}

func (m *lockedTxns) findByBusinessLocked(businessCode, businessID string) (*model.CreditTransaction, error) {
	if businessID == "" {
		return nil, nil
	}
	no, ok := m.idemIndex[model.MakeIdemKey(businessCode, businessID, "")]
	if !ok {
		return nil, nil
	}
	t := m.txns[no]
	if t == nil || t.Status == model.TransactionStatusCancelled {
		return nil, nil
	}
	return copyTxn(t), nil
}

func (m *lockedTxns) listAllLocked(accountID int64) ([]*model.CreditTransaction, error) {
	var out []*model.CreditTransaction
	for _, no := range m.txnOrder {
		t := m.txns[no]
		if t.AccountID == accountID {
			out = append(out, copyTxn(t))
		}
	}
	return out, nil
}

func (m *lockedTxns) Append(ctx context.Context, txn *model.CreditTransaction) error {
	return m.appendLocked(txn)
}
func (m *lockedTxns) GetByNo(ctx context.Context, transactionNo string) (*model.CreditTransaction, error) {
	return m.getByNoLocked(transactionNo)
}
func (m *lockedTxns) FindByBusiness(ctx context.Context, businessCode, businessID string) (*model.CreditTransaction, error) {
	return m.findByBusinessLocked(businessCode, businessID)
}
func (m *lockedTxns) ListByAccount(ctx context.Context, accountID int64, filter repository.TxnFilter) ([]*model.CreditTransaction, int64, error) {
	return nil, 0, crediterr.SystemError("事务内不支持分页扫描")
}
func (m *lockedTxns) ListAllByAccount(ctx context.Context, accountID int64) ([]*model.CreditTransaction, error) {
	return m.listAllLocked(accountID)
}
func (m *lockedTxns) ListIncomeExpiring(ctx context.Context, accountID int64, before time.Time) ([]*model.CreditTransaction, error) {
	return nil, crediterr.SystemError("事务内不支持过期扫描")
}
func (m *lockedTxns) UpdateStatus(ctx context.Context, transactionNo string, target model.TransactionStatus, remark string) error {
	t, ok := m.txns[transactionNo]
	if !ok {
		return crediterr.TransactionNotFound(transactionNo)
	}
	if !t.Status.CanTransitionTo(target) {
		return crediterr.InvalidTransactionStatus(transactionNo, t.Status.Label(), target.Label())
	}
	if target == model.TransactionStatusCancelled {
		delete(m.idemIndex, t.IdemKey)
		t.ReleaseIdemKey()
		m.idemIndex[t.IdemKey] = t.TransactionNo
	}
	t.Status = target
	return nil
}

// ============================================================================
// 审计
// ============================================================================

type memAudits MemoryStore

func (m *memAudits) lock() func() {
	s := (*MemoryStore)(m)
	s.mu.Lock()
	return s.mu.Unlock
}

func (m *memAudits) Append(ctx context.Context, rec *model.AuditRecord) error {
	defer m.lock()()
	return (*lockedAudits)(m).appendLocked(rec)
}

func (m *memAudits) ListPending(ctx context.Context, limit int) ([]*model.AuditRecord, error) {
	defer m.lock()()
	var out []*model.AuditRecord
	for _, r := range m.audits {
		if r.Status == model.AuditStatusPending {
			c := *r
			out = append(out, &c)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memAudits) MarkSent(ctx context.Context, id int64) error {
	defer m.lock()()
	return (*lockedAudits)(m).setStatusLocked(id, model.AuditStatusSent)
}

func (m *memAudits) MarkFailed(ctx context.Context, id int64) error {
	defer m.lock()()
	return (*lockedAudits)(m).setStatusLocked(id, model.AuditStatusFailed)
}

func (m *memAudits) IncrementRetry(ctx context.Context, id int64) error {
	defer m.lock()()
	for _, r := range m.audits {
		if r.ID == id {
			r.RetryCount++
			return nil
		}
	}
	return nil
}

// Records 测试辅助：返回全部审计记录
func (m *memAudits) Records() []*model.AuditRecord {
	defer m.lock()()
	out := make([]*model.AuditRecord, 0, len(m.audits))
	for _, r := range m.audits {
		c := *r
		out = append(out, &c)
	}
	return out
}

type lockedAudits MemoryStore

func (m *lockedAudits) appendLocked(rec *model.AuditRecord) error {
	m.nextAuditID++
	rec.ID = m.nextAuditID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	c := *rec
	m.audits = append(m.audits, &c)
	return nil
}

func (m *lockedAudits) setStatusLocked(id int64, status string) error {
	for _, r := range m.audits {
		if r.ID == id {
			r.Status = status
			return nil
		}
	}
	return nil
}

func (m *lockedAudits) Append(ctx context.Context, rec *model.AuditRecord) error {
	return m.appendLocked(rec)
}
func (m *lockedAudits) ListPending(ctx context.Context, limit int) ([]*model.AuditRecord, error) {
	return nil, crediterr.SystemError("事务内不支持审计扫描")
}
func (m *lockedAudits) MarkSent(ctx context.Context, id int64) error {
	return m.setStatusLocked(id, model.AuditStatusSent)
}
func (m *lockedAudits) MarkFailed(ctx context.Context, id int64) error {
	return m.setStatusLocked(id, model.AuditStatusFailed)
}
func (m *lockedAudits) IncrementRetry(ctx context.Context, id int64) error {
	for _, r := range m.audits {
		if r.ID == id {
			r.RetryCount++
		}
	}
	return nil
}

// AuditRecords 测试辅助：从 Store 根对象读取全部审计记录
func (s *MemoryStore) AuditRecords() []*model.AuditRecord {
	return (*memAudits)(s).Records()
}
