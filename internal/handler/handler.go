package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"creditledger/internal/catalog"
	"creditledger/internal/config"
	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/internal/service"
	"creditledger/pkg/response"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	ledger     *service.LedgerService
	accounts   *service.AccountService
	expiration *service.ExpirationService
	reconciler *service.ReconcileService
	catalog    catalog.CreditTypeCatalog

	expiringSoonDays int
}

// NewHandler 创建处理器实例
func NewHandler(
	ledger *service.LedgerService,
	accounts *service.AccountService,
	expiration *service.ExpirationService,
	reconciler *service.ReconcileService,
	cat catalog.CreditTypeCatalog,
	cfg *config.LedgerConfig,
) *Handler {
	expiringSoonDays := 7
	if cfg != nil && cfg.ExpiringSoonDays > 0 {
		expiringSoonDays = cfg.ExpiringSoonDays
	}
	return &Handler{
		ledger:           ledger,
		accounts:         accounts,
		expiration:       expiration,
		reconciler:       reconciler,
		catalog:          cat,
		expiringSoonDays: expiringSoonDays,
	}
}

// ============================================================
// 积分操作接口
// ============================================================

// CreditOpRequest 积分操作请求
type CreditOpRequest struct {
	UserID       string                 `json:"user_id" binding:"required"`
	CreditTypeID string                 `json:"credit_type_id" binding:"required"`
	Amount       int64                  `json:"amount" binding:"required,gt=0"`
	BusinessCode string                 `json:"business_code" binding:"required"`
	BusinessID   string                 `json:"business_id"`
	Remark       string                 `json:"remark"`
	OperatorID   string                 `json:"operator_id"`
	ExtraData    map[string]interface{} `json:"extra_data"`
}

func (h *Handler) executeOp(c *gin.Context, opType model.TransactionType) {
	var req CreditOpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	txn, err := h.ledger.Execute(c.Request.Context(), service.Operation{
		UserID:       req.UserID,
		CreditTypeID: req.CreditTypeID,
		Type:         opType,
		Amount:       req.Amount,
		BusinessCode: req.BusinessCode,
		BusinessID:   req.BusinessID,
		Remark:       req.Remark,
		OperatorID:   req.OperatorID,
		ExtraData:    req.ExtraData,
	})
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, txn)
}

// AddCredits 增加积分
// POST /api/v1/credits/add
func (h *Handler) AddCredits(c *gin.Context) {
	h.executeOp(c, model.TransactionTypeIncome)
}

// DeductCredits 扣减积分
// POST /api/v1/credits/deduct
func (h *Handler) DeductCredits(c *gin.Context) {
	h.executeOp(c, model.TransactionTypeExpense)
}

// FreezeCredits 冻结积分
// POST /api/v1/credits/freeze
func (h *Handler) FreezeCredits(c *gin.Context) {
	h.executeOp(c, model.TransactionTypeFrozen)
}

// UnfreezeCredits 解冻积分
// POST /api/v1/credits/unfreeze
func (h *Handler) UnfreezeCredits(c *gin.Context) {
	h.executeOp(c, model.TransactionTypeUnfrozen)
}

// BatchOpItem 批量操作中的单项
type BatchOpItem struct {
	UserID       string                 `json:"user_id" binding:"required"`
	CreditTypeID string                 `json:"credit_type_id" binding:"required"`
	Type         int                    `json:"type" binding:"required"`
	Amount       int64                  `json:"amount" binding:"required,gt=0"`
	BusinessCode string                 `json:"business_code" binding:"required"`
	BusinessID   string                 `json:"business_id"`
	Remark       string                 `json:"remark"`
	ExtraData    map[string]interface{} `json:"extra_data"`
}

// BatchRequest 批量操作请求
type BatchRequest struct {
	OperatorID string        `json:"operator_id"`
	Items      []BatchOpItem `json:"items" binding:"required,min=1"`
}

// ExecuteBatch 批量执行积分操作，单项隔离，部分失败返回汇总
// POST /api/v1/credits/batch
func (h *Handler) ExecuteBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	ops := make([]service.Operation, 0, len(req.Items))
	for _, item := range req.Items {
		ops = append(ops, service.Operation{
			UserID:       item.UserID,
			CreditTypeID: item.CreditTypeID,
			Type:         model.TransactionType(item.Type),
			Amount:       item.Amount,
			BusinessCode: item.BusinessCode,
			BusinessID:   item.BusinessID,
			Remark:       item.Remark,
			OperatorID:   req.OperatorID,
			ExtraData:    item.ExtraData,
		})
	}

	result, err := h.ledger.ExecuteBatch(c.Request.Context(), ops)
	if err != nil {
		response.FailWithData(c, err, gin.H{
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
		})
		return
	}
	response.Success(c, gin.H{"succeeded": result.Succeeded})
}

// CheckCredits 判断可用余额是否足够
// GET /api/v1/credits/check?user_id=xxx&credit_type_id=xxx&amount=100
func (h *Handler) CheckCredits(c *gin.Context) {
	amount, err := strconv.ParseInt(c.Query("amount"), 10, 64)
	if err != nil {
		response.ParamError(c, "amount 参数错误")
		return
	}

	enough, err := h.ledger.HasEnoughCredits(c.Request.Context(), c.Query("user_id"), c.Query("credit_type_id"), amount)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, gin.H{"enough": enough})
}

// ============================================================
// 账户接口
// ============================================================

// GetBalance 查询账户余额
// GET /api/v1/account/balance?user_id=xxx&credit_type_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	snap, err := h.accounts.Snapshot(c.Request.Context(), c.Query("user_id"), c.Query("credit_type_id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, snap)
}

// ListAccounts 查询用户的全部积分账户
// GET /api/v1/account/list?user_id=xxx
func (h *Handler) ListAccounts(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ParamError(c, "user_id 不能为空")
		return
	}
	accounts, err := h.accounts.ListAccounts(c.Request.Context(), userID)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, accounts)
}

// GetAccountByID 按主键查询账户，运营排查用
// GET /api/v1/admin/account/detail?id=123
func (h *Handler) GetAccountByID(c *gin.Context) {
	id, err := strconv.ParseInt(c.Query("id"), 10, 64)
	if err != nil {
		response.ParamError(c, "id 参数错误")
		return
	}
	acct, err := h.accounts.GetAccountByID(c.Request.Context(), id)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, acct)
}

// ListAccountsByCreditType 分页列出某积分类型下的账户
// GET /api/v1/admin/account/by-type?credit_type_id=xxx&page=1&page_size=20
func (h *Handler) ListAccountsByCreditType(c *gin.Context) {
	creditTypeID := c.Query("credit_type_id")
	if creditTypeID == "" {
		response.ParamError(c, "credit_type_id 不能为空")
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	accounts, total, err := h.accounts.ListAccountsByCreditType(c.Request.Context(), creditTypeID, page, pageSize)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":  accounts,
		"total": total,
	})
}

// AccountStatusRequest 账户启停请求
type AccountStatusRequest struct {
	UserID       string `json:"user_id" binding:"required"`
	CreditTypeID string `json:"credit_type_id" binding:"required"`
	Active       *bool  `json:"active" binding:"required"`
	Reason       string `json:"reason"`
	OperatorID   string `json:"operator_id"`
}

// SetAccountStatus 启用/停用账户
// POST /api/v1/account/status
func (h *Handler) SetAccountStatus(c *gin.Context) {
	var req AccountStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	err := h.accounts.SetAccountStatus(c.Request.Context(), req.UserID, req.CreditTypeID, *req.Active, req.Reason, req.OperatorID)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, nil)
}

// CorrectBalanceRequest 余额纠偏请求
type CorrectBalanceRequest struct {
	UserID       string                 `json:"user_id" binding:"required"`
	CreditTypeID string                 `json:"credit_type_id" binding:"required"`
	Changes      map[string]interface{} `json:"changes" binding:"required"`
	Version      int                    `json:"version"`
	Reason       string                 `json:"reason" binding:"required"`
	OperatorID   string                 `json:"operator_id" binding:"required"`
}

// CorrectBalance 管理员改写余额字段，乐观锁校验版本
// POST /api/v1/admin/account/correct
func (h *Handler) CorrectBalance(c *gin.Context) {
	var req CorrectBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	err := h.accounts.CorrectBalance(c.Request.Context(), req.UserID, req.CreditTypeID, req.Changes, req.Version, req.Reason, req.OperatorID)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, nil)
}

// ============================================================
// 交易流水接口
// ============================================================

// GetTransaction 查询单笔交易
// GET /api/v1/transaction/detail?transaction_no=xxx
func (h *Handler) GetTransaction(c *gin.Context) {
	no := c.Query("transaction_no")
	if no == "" {
		response.ParamError(c, "transaction_no 不能为空")
		return
	}
	txn, err := h.accounts.GetTransaction(c.Request.Context(), no)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, txn)
}

// ListTransactions 分页查询账户流水
// GET /api/v1/transaction/list?user_id=xxx&credit_type_id=xxx&type=1&status=1&page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	filter := repository.TxnFilter{}
	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))

	if v := c.Query("type"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || !model.TransactionType(n).Valid() {
			response.ParamError(c, "type 参数错误")
			return
		}
		t := model.TransactionType(n)
		filter.Type = &t
	}
	if v := c.Query("status"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			response.ParamError(c, "status 参数错误")
			return
		}
		st := model.TransactionStatus(n)
		filter.Status = &st
	}
	if v := c.Query("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			response.ParamError(c, "start_time 参数错误")
			return
		}
		filter.StartTime = &t
	}
	if v := c.Query("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			response.ParamError(c, "end_time 参数错误")
			return
		}
		filter.EndTime = &t
	}

	txns, total, err := h.accounts.ListTransactions(c.Request.Context(), c.Query("user_id"), c.Query("credit_type_id"), filter)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":  txns,
		"total": total,
	})
}

// TxnStatusRequest 交易状态更新请求
type TxnStatusRequest struct {
	TransactionNo  string   `json:"transaction_no"`
	TransactionNos []string `json:"transaction_nos"`
	Status         int      `json:"status" binding:"required"`
	Remark         string   `json:"remark"`
}

// UpdateTransactionStatus 更新交易状态
// POST /api/v1/transaction/status
func (h *Handler) UpdateTransactionStatus(c *gin.Context) {
	var req TxnStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if req.TransactionNo == "" {
		response.ParamError(c, "transaction_no 不能为空")
		return
	}

	err := h.accounts.UpdateTransactionStatus(c.Request.Context(), req.TransactionNo, model.TransactionStatus(req.Status), req.Remark)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, nil)
}

// BatchUpdateTransactionStatus 批量更新交易状态
// POST /api/v1/transaction/status/batch
func (h *Handler) BatchUpdateTransactionStatus(c *gin.Context) {
	var req TxnStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if len(req.TransactionNos) == 0 {
		response.ParamError(c, "transaction_nos 不能为空")
		return
	}

	failed, err := h.accounts.BatchUpdateTransactionStatus(c.Request.Context(), req.TransactionNos, model.TransactionStatus(req.Status), req.Remark)
	if err != nil {
		response.FailWithData(c, err, gin.H{"failed": failed})
		return
	}
	response.Success(c, nil)
}

// ============================================================
// 过期接口
// ============================================================

// GetExpiringCredits 查询即将过期的积分批次
// GET /api/v1/credits/expiring?user_id=xxx&credit_type_id=xxx&days=7
func (h *Handler) GetExpiringCredits(c *gin.Context) {
	days := h.expiringSoonDays
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.ParamError(c, "days 参数错误")
			return
		}
		days = n
	}

	lots, total, err := h.expiration.GetExpiringCredits(c.Request.Context(),
		c.Query("user_id"), c.Query("credit_type_id"), time.Duration(days)*24*time.Hour)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"lots":  lots,
		"total": total,
	})
}

// ExpireRequest 过期核销请求
type ExpireRequest struct {
	UserID       string `json:"user_id" binding:"required"`
	CreditTypeID string `json:"credit_type_id" binding:"required"`
}

// ProcessExpired 立即核销某账户的到期积分
// POST /api/v1/admin/credits/expire
func (h *Handler) ProcessExpired(c *gin.Context) {
	var req ExpireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	total, err := h.expiration.ProcessExpiredCredits(c.Request.Context(), req.UserID, req.CreditTypeID, time.Now())
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, gin.H{"expired": total})
}

// ============================================================
// 对账接口
// ============================================================

// VerifyAccount 核对账户余额与流水，只读
// GET /api/v1/admin/reconcile/verify?user_id=xxx&credit_type_id=xxx
func (h *Handler) VerifyAccount(c *gin.Context) {
	report, err := h.reconciler.VerifyAccount(c.Request.Context(), c.Query("user_id"), c.Query("credit_type_id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, report)
}

// ReconcileCorrectRequest 对账纠正请求
type ReconcileCorrectRequest struct {
	UserID       string `json:"user_id" binding:"required"`
	CreditTypeID string `json:"credit_type_id" binding:"required"`
	OperatorID   string `json:"operator_id" binding:"required"`
}

// CorrectAccount 把账户余额纠正为流水折算值
// POST /api/v1/admin/reconcile/correct
func (h *Handler) CorrectAccount(c *gin.Context) {
	var req ReconcileCorrectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	report, err := h.reconciler.CorrectAccount(c.Request.Context(), req.UserID, req.CreditTypeID, req.OperatorID)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, report)
}

// ============================================================
// 积分类型接口
// ============================================================

// ListCreditTypes 查询积分类型目录
// GET /api/v1/credit-type/list?only_valid=true
func (h *Handler) ListCreditTypes(c *gin.Context) {
	onlyValid := c.DefaultQuery("only_valid", "true") == "true"
	response.Success(c, h.catalog.List(onlyValid))
}

// GetCreditType 查询单个积分类型
// GET /api/v1/credit-type/detail?id=xxx
func (h *Handler) GetCreditType(c *gin.Context) {
	ct, err := h.catalog.GetByID(c.Query("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Success(c, ct)
}
