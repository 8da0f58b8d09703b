package model

import (
	"fmt"
	"time"
)

// ============================================================================
// 积分过期策略
// ============================================================================

// ExpirationPolicy 积分过期策略
type ExpirationPolicy string

const (
	PolicyNeverExpire  ExpirationPolicy = "never_expire"   // 永不过期
	PolicyFixedDays    ExpirationPolicy = "fixed_days"     // 获得后固定天数过期
	PolicyFixedDate    ExpirationPolicy = "fixed_date"     // 指定日期过期
	PolicyEndOfMonth   ExpirationPolicy = "end_of_month"   // 获得当月月底过期
	PolicyEndOfQuarter ExpirationPolicy = "end_of_quarter" // 获得当季度末过期
	PolicyEndOfYear    ExpirationPolicy = "end_of_year"    // 获得当年年底过期
	PolicyFIFO         ExpirationPolicy = "fifo"           // 先进先出，最早获得的积分最先消耗/过期
)

var expirationPolicyLabels = map[ExpirationPolicy]string{
	PolicyNeverExpire:  "永不过期",
	PolicyFixedDays:    "固定天数后过期",
	PolicyFixedDate:    "固定日期过期",
	PolicyEndOfMonth:   "月底过期",
	PolicyEndOfQuarter: "季度末过期",
	PolicyEndOfYear:    "年底过期",
	PolicyFIFO:         "先进先出过期",
}

func (p ExpirationPolicy) Valid() bool {
	_, ok := expirationPolicyLabels[p]
	return ok
}

func (p ExpirationPolicy) Label() string {
	if label, ok := expirationPolicyLabels[p]; ok {
		return label
	}
	return fmt.Sprintf("未知(%s)", string(p))
}

// ============================================================================
// 积分类型
// ============================================================================

// CreditType 积分类型
// 只读参考数据，由外部目录系统维护，账本引擎和过期引擎只消费不修改
type CreditType struct {
	ID               string           `json:"id"`
	Code             string           `json:"code"`
	Name             string           `json:"name"`
	UnitName         string           `json:"unit_name"`
	ExpirationPolicy ExpirationPolicy `json:"expiration_policy"`
	ValidityDays     int              `json:"validity_days"` // fixed_days / fifo 策略的有效天数，0 表示未设置
	ExpireDate       *time.Time       `json:"expire_date"`   // fixed_date 策略的过期日期
	IsValid          bool             `json:"is_valid"`
	Description      string           `json:"description"`
}
