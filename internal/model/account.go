package model

import (
	"time"
)

// CreditAccount 积分账户表
// 每个 (用户, 积分类型) 一条记录，是整个积分系统的核心数据
//
// 账簿不变式（每次成功提交后必须成立）：
//  1. Balance == TotalIncome - TotalExpense
//  2. 0 <= FrozenAmount <= Balance
type CreditAccount struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       string    `gorm:"type:varchar(64);uniqueIndex:uk_user_credit_type;not null" json:"user_id"`        // 用户ID，业务方传入的不透明引用
	CreditTypeID string    `gorm:"type:varchar(64);uniqueIndex:uk_user_credit_type;not null" json:"credit_type_id"` // 积分类型ID
	Balance      int64     `gorm:"not null;default:0" json:"balance"`                                               // 当前余额
	FrozenAmount int64     `gorm:"not null;default:0" json:"frozen_amount"`                                         // 冻结积分
	TotalIncome  int64     `gorm:"not null;default:0" json:"total_income"`                                          // 累计收入（只增不减）
	TotalExpense int64     `gorm:"not null;default:0" json:"total_expense"`                                         // 累计支出（只增不减）
	Version      int       `gorm:"not null;default:0" json:"version"`                                               // 乐观锁版本号
	IsActive     bool      `gorm:"not null;default:true" json:"is_active"`                                          // 账户状态，禁用后不再物理删除
	Level        int       `gorm:"not null;default:0" json:"level"`                                                 // 账户等级
	Remark       string    `gorm:"type:varchar(256)" json:"remark"`                                                 // 备注
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CreditAccount) TableName() string {
	return "credit_account"
}

// AvailableBalance 可用积分 = 余额 - 冻结积分
func (a *CreditAccount) AvailableBalance() int64 {
	return a.Balance - a.FrozenAmount
}

// CheckInvariants 校验账簿不变式，正常提交后的账户永远满足
func (a *CreditAccount) CheckInvariants() bool {
	if a.Balance != a.TotalIncome-a.TotalExpense {
		return false
	}
	if a.FrozenAmount < 0 || a.FrozenAmount > a.Balance {
		return false
	}
	return true
}

// AccountSnapshot 账户快照，用于审计和对账的时间点状态
type AccountSnapshot struct {
	AccountID    int64     `json:"account_id"`
	UserID       string    `json:"user_id"`
	CreditTypeID string    `json:"credit_type_id"`
	Balance      int64     `json:"balance"`
	FrozenAmount int64     `json:"frozen_amount"`
	Available    int64     `json:"available"`
	TotalIncome  int64     `json:"total_income"`
	TotalExpense int64     `json:"total_expense"`
	Version      int       `json:"version"`
	IsActive     bool      `json:"is_active"`
	TakenAt      time.Time `json:"taken_at"`
}

// Snapshot 生成账户当前状态的快照
func (a *CreditAccount) Snapshot() *AccountSnapshot {
	return &AccountSnapshot{
		AccountID:    a.ID,
		UserID:       a.UserID,
		CreditTypeID: a.CreditTypeID,
		Balance:      a.Balance,
		FrozenAmount: a.FrozenAmount,
		Available:    a.AvailableBalance(),
		TotalIncome:  a.TotalIncome,
		TotalExpense: a.TotalExpense,
		Version:      a.Version,
		IsActive:     a.IsActive,
		TakenAt:      time.Now(),
	}
}
