package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// 交易类型
// ============================================================================

// TransactionType 积分交易类型
type TransactionType int

const (
	TransactionTypeIncome   TransactionType = 1 // 收入
	TransactionTypeExpense  TransactionType = 2 // 支出
	TransactionTypeFrozen   TransactionType = 3 // 冻结
	TransactionTypeUnfrozen TransactionType = 4 // 解冻
	TransactionTypeExpired  TransactionType = 5 // 过期
)

// 展示文案表，保持在引擎核心之外，由接口层查表使用
var transactionTypeLabels = map[TransactionType]string{
	TransactionTypeIncome:   "收入",
	TransactionTypeExpense:  "支出",
	TransactionTypeFrozen:   "冻结",
	TransactionTypeUnfrozen: "解冻",
	TransactionTypeExpired:  "过期",
}

func (t TransactionType) Valid() bool {
	_, ok := transactionTypeLabels[t]
	return ok
}

func (t TransactionType) Label() string {
	if label, ok := transactionTypeLabels[t]; ok {
		return label
	}
	return fmt.Sprintf("未知(%d)", int(t))
}

// ============================================================================
// 交易状态
// ============================================================================

// TransactionStatus 积分交易状态
type TransactionStatus int

const (
	TransactionStatusPending   TransactionStatus = 0 // 待处理
	TransactionStatusCompleted TransactionStatus = 1 // 已完成
	TransactionStatusFailed    TransactionStatus = 2 // 失败
	TransactionStatusCancelled TransactionStatus = 3 // 已取消
)

var transactionStatusLabels = map[TransactionStatus]string{
	TransactionStatusPending:   "待处理",
	TransactionStatusCompleted: "已完成",
	TransactionStatusFailed:    "失败",
	TransactionStatusCancelled: "已取消",
}

// 状态机：只允许 Pending 流向终态，终态之间不允许再流转
var validStatusTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusPending: {TransactionStatusCompleted, TransactionStatusFailed, TransactionStatusCancelled},
}

func (s TransactionStatus) Valid() bool {
	_, ok := transactionStatusLabels[s]
	return ok
}

func (s TransactionStatus) Label() string {
	if label, ok := transactionStatusLabels[s]; ok {
		return label
	}
	return fmt.Sprintf("未知(%d)", int(s))
}

// CanTransitionTo 判断状态是否允许流转到目标状态
func (s TransactionStatus) CanTransitionTo(target TransactionStatus) bool {
	for _, allowed := range validStatusTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsTerminal 是否终态
func (s TransactionStatus) IsTerminal() bool {
	return len(validStatusTransitions[s]) == 0 && s.Valid()
}

// ============================================================================
// 积分交易实体
// ============================================================================

// 过期引擎发出过期交易时使用的业务码，业务ID 为来源收入交易的流水号，
// 二者构成幂等键，保证同一笔积分不会被重复过期
const BusinessCodeCreditsExpired = "CREDITS_EXPIRED"

// CreditTransaction 积分交易流水表
// 记录账户的每一笔积分变动，是对账的核心依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除，状态字段是唯一例外（Pending -> 终态）
// 2. (BusinessCode, BusinessID) 构成幂等键，靠 IdemKey 唯一索引在插入边界兜底，
//    而不是先查后插 —— 先查后插在并发下有竞态窗口
// 3. 记录交易前后余额，冻结/解冻记录的是前后冻结金额 —— 便于审计对称
type CreditTransaction struct {
	ID            int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string            `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 流水号（全局唯一）
	AccountID     int64             `gorm:"index;not null" json:"account_id"`                            // 积分账户ID
	UserID        string            `gorm:"type:varchar(64);index;not null" json:"user_id"`              // 用户ID
	CreditTypeID  string            `gorm:"type:varchar(64);not null" json:"credit_type_id"`             // 积分类型ID
	Type          TransactionType   `gorm:"not null" json:"type"`                                        // 交易类型
	Amount        int64             `gorm:"not null" json:"amount"`                                      // 金额（恒为正数，方向由类型决定）
	BeforeBalance int64             `gorm:"not null" json:"before_balance"`                              // 交易前余额（冻结/解冻为交易前冻结金额）
	AfterBalance  int64             `gorm:"not null" json:"after_balance"`                               // 交易后余额（冻结/解冻为交易后冻结金额）
	BusinessCode  string            `gorm:"type:varchar(64);index;not null" json:"business_code"`        // 业务码，标识积分来源/使用场景
	BusinessID    string            `gorm:"type:varchar(64)" json:"business_id"`                         // 业务ID，关联的具体业务数据
	IdemKey       string            `gorm:"type:varchar(140);uniqueIndex" json:"-"`                      // 幂等键，见 MakeIdemKey
	Status        TransactionStatus `gorm:"not null;default:0" json:"status"`                            // 交易状态
	OperatorID    string            `gorm:"type:varchar(64)" json:"operator_id"`                         // 操作者ID
	BatchNo       string            `gorm:"type:varchar(64);index" json:"batch_no"`                      // 批次号
	Remark        string            `gorm:"type:varchar(256)" json:"remark"`                             // 备注
	ExtraData     string            `gorm:"type:text" json:"extra_data"`                                 // 额外数据，JSON
	ExpiryTime    *time.Time        `gorm:"index" json:"expiry_time"`                                    // 积分有效期，仅收入交易有意义
	CompleteTime  *time.Time        `json:"complete_time"`                                               // 完成时间
	CreatedAt     time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
}

func (CreditTransaction) TableName() string {
	return "credit_transaction"
}

// MakeIdemKey 构造幂等键
// 业务ID为空的交易不参与幂等去重，退化为流水号保证唯一
func MakeIdemKey(businessCode, businessID, transactionNo string) string {
	if businessID == "" {
		return "no:" + transactionNo
	}
	return businessCode + ":" + businessID
}

// ReleaseIdemKey 取消交易时重写幂等键，释放 (业务码, 业务ID) 供重试使用
// 重写后的键仍然唯一（带流水号后缀），但不会再与新插入冲突
func (t *CreditTransaction) ReleaseIdemKey() {
	t.IdemKey = t.IdemKey + "#cancelled#" + t.TransactionNo
}

// BalanceDelta 该笔交易对余额的影响（冻结/解冻不影响余额）
func (t *CreditTransaction) BalanceDelta() int64 {
	switch t.Type {
	case TransactionTypeIncome:
		return t.Amount
	case TransactionTypeExpense, TransactionTypeExpired:
		return -t.Amount
	default:
		return 0
	}
}

// DecodeExtraData 解析额外数据
func (t *CreditTransaction) DecodeExtraData() map[string]interface{} {
	if t.ExtraData == "" {
		return map[string]interface{}{}
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal([]byte(t.ExtraData), &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

// EncodeExtraData 序列化额外数据
func EncodeExtraData(data map[string]interface{}) string {
	if len(data) == 0 {
		return ""
	}
	b, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return string(b)
}
