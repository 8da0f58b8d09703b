package model

import (
	"time"
)

const (
	AuditStatusPending = "PENDING"
	AuditStatusSent    = "SENT"
	AuditStatusFailed  = "FAILED"
)

// 审计动作
const (
	AuditActionExecute        = "EXECUTE"         // 账本操作（含失败）
	AuditActionCorrectBalance = "CORRECT_BALANCE" // 管理员校正余额
	AuditActionSetStatus      = "SET_STATUS"      // 启用/禁用账户
	AuditActionDrift          = "BALANCE_DRIFT"   // 对账发现余额漂移
	AuditActionExpireScan     = "EXPIRE_SCAN"     // 过期扫描结果
)

// AuditRecord 审计流水表
// 每次改变状态的调用、每次发现的不一致都落一条记录，只写不读，
// 由后台任务投递到外部审计消息流（Kafka），投递失败重试，绝不阻塞主链路
type AuditRecord struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AuditNo      string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"audit_no"`
	Action       string    `gorm:"type:varchar(32);index;not null" json:"action"`
	UserID       string    `gorm:"type:varchar(64);index" json:"user_id"`
	CreditTypeID string    `gorm:"type:varchar(64)" json:"credit_type_id"`
	TxnNo        string    `gorm:"type:varchar(64)" json:"txn_no"`    // 关联交易流水号，可为空
	Result       string    `gorm:"type:varchar(16)" json:"result"`    // SUCCESS / FAILURE
	ErrorCode    int       `gorm:"not null;default:0" json:"error_code"`
	Detail       string    `gorm:"type:text" json:"detail"`           // JSON 详情
	Status       string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount   int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AuditRecord) TableName() string {
	return "credit_audit_record"
}
