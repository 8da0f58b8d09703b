package audit

import (
	"context"
	"encoding/json"
	"log"

	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/pkg/crediterr"
	"creditledger/pkg/idgen"
)

// Trail 审计流水记录器
//
// 每次改变状态的调用（成功或失败）、每次对账发现的不一致都记一条。
// 只进不出：写入失败打日志返回，绝不把错误传回主链路，
// 审计不可用不能影响账本操作
type Trail struct {
	audits repository.AuditLog
}

func NewTrail(audits repository.AuditLog) *Trail {
	return &Trail{audits: audits}
}

// Entry 一条审计内容
type Entry struct {
	Action       string
	UserID       string
	CreditTypeID string
	TxnNo        string
	Err          error                  // 操作失败时携带
	Detail       map[string]interface{} // 机器可读详情
}

// Record 落一条审计记录，失败只打日志
func (t *Trail) Record(ctx context.Context, e Entry) {
	if t == nil || t.audits == nil {
		return
	}

	result := "SUCCESS"
	errorCode := 0
	detail := e.Detail
	if detail == nil {
		detail = map[string]interface{}{}
	}
	if e.Err != nil {
		result = "FAILURE"
		errorCode = crediterr.CodeOf(e.Err)
		detail["error"] = e.Err.Error()
	}

	payload, err := json.Marshal(detail)
	if err != nil {
		payload = []byte("{}")
	}

	rec := &model.AuditRecord{
		AuditNo:      idgen.GenerateAuditNo(),
		Action:       e.Action,
		UserID:       e.UserID,
		CreditTypeID: e.CreditTypeID,
		TxnNo:        e.TxnNo,
		Result:       result,
		ErrorCode:    errorCode,
		Detail:       string(payload),
		Status:       model.AuditStatusPending,
	}

	if err := t.audits.Append(ctx, rec); err != nil {
		log.Printf("[AuditTrail] 审计记录写入失败: action=%s, user=%s, err=%v", e.Action, e.UserID, err)
	}
}
