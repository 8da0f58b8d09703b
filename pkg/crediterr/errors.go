package crediterr

import (
	"errors"
	"fmt"
)

// ============================================================================
// 积分服务错误码
// ============================================================================
//
// 错误码是稳定契约的一部分，调用方依赖错误码 + 上下文数据做展示和重试决策，
// 不允许解析错误文案。新增错误码只能追加，不能复用已有编号。

const (
	CodeGeneral              = 10000 // 通用错误
	CodeAccountNotFound      = 10001 // 账户不存在
	CodeAccountDisabled      = 10002 // 账户已禁用
	CodeInsufficientBalance  = 10003 // 余额不足
	CodeCreditTypeNotFound   = 10004 // 积分类型不存在
	CodeCreditTypeDisabled   = 10005 // 积分类型已禁用
	CodeTransactionNotFound  = 10009 // 交易不存在
	CodeTransactionStatus    = 10010 // 交易状态错误
	CodeInsufficientFrozen   = 10017 // 冻结积分不足
	CodeInvalidParameter     = 10018 // 参数错误
	CodeDatabase             = 10019 // 数据库错误
	CodeSystem               = 10020 // 系统错误
	CodeBusinessCodeConflict = 10021 // 业务码与业务ID冲突
	CodeTransactionExists    = 10022 // 交易已存在
	CodeBatchPartialFailure  = 10023 // 批量操作部分失败
	CodeOperationLocked      = 10024 // 操作被锁定
	CodeVersionConflict      = 10025 // 版本冲突
	CodeCreditsExpired       = 10026 // 积分已过期
)

// Error 积分服务统一错误类型
//
// Context 携带机器可读的上下文数据（如 required/available），
// 上层渲染提示语时直接取字段，不做字符串解析。
type Error struct {
	Code    int
	Message string
	Context map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause 附加底层错误，保留错误码和上下文
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// New 创建指定错误码的错误
func New(code int, message string) *Error {
	return &Error{Code: code, Message: message, Context: map[string]interface{}{}}
}

// CodeOf 提取错误码，非积分服务错误返回 CodeSystem
func CodeOf(err error) int {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeSystem
}

// IsCode 判断错误是否为指定错误码
func IsCode(err error, code int) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// ContextOf 提取错误上下文，非积分服务错误返回 nil
func ContextOf(err error) map[string]interface{} {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Context
	}
	return nil
}

// ============================================================================
// 构造函数
// ============================================================================

// InsufficientBalance 余额不足
func InsufficientBalance(required, available int64) *Error {
	return &Error{
		Code:    CodeInsufficientBalance,
		Message: fmt.Sprintf("积分余额不足，需要%d积分，当前可用%d积分", required, available),
		Context: map[string]interface{}{"required": required, "available": available},
	}
}

// InsufficientFrozen 冻结积分不足
func InsufficientFrozen(accountID string, required, frozen int64) *Error {
	return &Error{
		Code:    CodeInsufficientFrozen,
		Message: fmt.Sprintf("冻结积分不足，账户: %s，需要%d积分，当前冻结%d积分", accountID, required, frozen),
		Context: map[string]interface{}{"account_id": accountID, "required": required, "available": frozen},
	}
}

// AccountNotFound 账户不存在
func AccountNotFound(identifier string) *Error {
	return &Error{
		Code:    CodeAccountNotFound,
		Message: fmt.Sprintf("积分账户不存在: %s", identifier),
		Context: map[string]interface{}{"identifier": identifier},
	}
}

// AccountDisabled 账户已禁用
func AccountDisabled(accountID string) *Error {
	return &Error{
		Code:    CodeAccountDisabled,
		Message: fmt.Sprintf("积分账户已禁用: %s", accountID),
		Context: map[string]interface{}{"account_id": accountID},
	}
}

// CreditTypeNotFound 积分类型不存在
func CreditTypeNotFound(creditTypeID string) *Error {
	return &Error{
		Code:    CodeCreditTypeNotFound,
		Message: fmt.Sprintf("积分类型不存在: %s", creditTypeID),
		Context: map[string]interface{}{"credit_type_id": creditTypeID},
	}
}

// CreditTypeDisabled 积分类型已禁用
func CreditTypeDisabled(creditTypeID string) *Error {
	return &Error{
		Code:    CodeCreditTypeDisabled,
		Message: fmt.Sprintf("积分类型已禁用: %s", creditTypeID),
		Context: map[string]interface{}{"credit_type_id": creditTypeID},
	}
}

// TransactionNotFound 交易不存在
func TransactionNotFound(transactionNo string) *Error {
	return &Error{
		Code:    CodeTransactionNotFound,
		Message: fmt.Sprintf("交易记录不存在: %s", transactionNo),
		Context: map[string]interface{}{"transaction_no": transactionNo},
	}
}

// InvalidTransactionStatus 交易状态错误（非法状态流转）
func InvalidTransactionStatus(transactionNo, current, target string) *Error {
	return &Error{
		Code:    CodeTransactionStatus,
		Message: fmt.Sprintf("交易状态错误: %s，当前状态: %s，目标状态: %s", transactionNo, current, target),
		Context: map[string]interface{}{
			"transaction_no": transactionNo,
			"current_status": current,
			"target_status":  target,
		},
	}
}

// TransactionExists 交易已存在（幂等键冲突）
func TransactionExists(businessCode, businessID string) *Error {
	return &Error{
		Code:    CodeTransactionExists,
		Message: fmt.Sprintf("交易已存在，业务码: %s，业务ID: %s", businessCode, businessID),
		Context: map[string]interface{}{"business_code": businessCode, "business_id": businessID},
	}
}

// InvalidParameter 参数错误
func InvalidParameter(paramName, reason string) *Error {
	return &Error{
		Code:    CodeInvalidParameter,
		Message: fmt.Sprintf("参数错误: %s, 原因: %s", paramName, reason),
		Context: map[string]interface{}{"param_name": paramName, "reason": reason},
	}
}

// OperationLocked 操作被锁定（获取账户锁超时）
func OperationLocked(resourceID string) *Error {
	return &Error{
		Code:    CodeOperationLocked,
		Message: fmt.Sprintf("操作被锁定，资源ID: %s", resourceID),
		Context: map[string]interface{}{"resource_id": resourceID},
	}
}

// VersionConflict 乐观锁版本冲突
func VersionConflict(resourceID string, expectedVersion int) *Error {
	return &Error{
		Code:    CodeVersionConflict,
		Message: fmt.Sprintf("版本冲突，资源ID: %s，期望版本: %d", resourceID, expectedVersion),
		Context: map[string]interface{}{"resource_id": resourceID, "expected_version": expectedVersion},
	}
}

// CreditsExpired 积分已过期
func CreditsExpired(accountID string) *Error {
	return &Error{
		Code:    CodeCreditsExpired,
		Message: fmt.Sprintf("积分已过期，账户ID: %s", accountID),
		Context: map[string]interface{}{"account_id": accountID},
	}
}

// DatabaseError 数据库错误
func DatabaseError(err error) *Error {
	return &Error{
		Code:    CodeDatabase,
		Message: "数据库操作错误",
		Context: map[string]interface{}{},
		cause:   err,
	}
}

// SystemError 系统错误
func SystemError(message string) *Error {
	return &Error{
		Code:    CodeSystem,
		Message: fmt.Sprintf("系统错误: %s", message),
		Context: map[string]interface{}{},
	}
}

// BatchFailure 批量操作中单项失败的描述
type BatchFailure struct {
	Index int    `json:"index"`
	Key   string `json:"key"`
	Code  int    `json:"code"`
	Error string `json:"error"`
}

// BatchPartialFailure 批量操作部分失败
//
// 汇总错误，不代表整体回滚：成功项已各自提交。
func BatchPartialFailure(failed []BatchFailure) *Error {
	return &Error{
		Code:    CodeBatchPartialFailure,
		Message: fmt.Sprintf("批量操作部分失败，失败项数量: %d", len(failed)),
		Context: map[string]interface{}{"failed_items": failed},
	}
}
