package handler

import (
	"github.com/gin-gonic/gin"

	"creditledger/internal/metrics"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, collector *metrics.Collector) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 积分操作
		credits := api.Group("/credits")
		{
			credits.POST("/add", h.AddCredits)
			credits.POST("/deduct", h.DeductCredits)
			credits.POST("/freeze", h.FreezeCredits)
			credits.POST("/unfreeze", h.UnfreezeCredits)
			credits.POST("/batch", h.ExecuteBatch)
			credits.GET("/check", h.CheckCredits)
			credits.GET("/expiring", h.GetExpiringCredits)
		}

		// 账户
		account := api.Group("/account")
		{
			account.GET("/balance", h.GetBalance)
			account.GET("/list", h.ListAccounts)
			account.POST("/status", h.SetAccountStatus)
		}

		// 交易流水
		transaction := api.Group("/transaction")
		{
			transaction.GET("/detail", h.GetTransaction)
			transaction.GET("/list", h.ListTransactions)
			transaction.POST("/status", h.UpdateTransactionStatus)
			transaction.POST("/status/batch", h.BatchUpdateTransactionStatus)
		}

		// 积分类型目录
		creditType := api.Group("/credit-type")
		{
			creditType.GET("/list", h.ListCreditTypes)
			creditType.GET("/detail", h.GetCreditType)
		}

		// 运营管理
		admin := api.Group("/admin")
		{
			admin.GET("/account/detail", h.GetAccountByID)
			admin.GET("/account/by-type", h.ListAccountsByCreditType)
			admin.POST("/account/correct", h.CorrectBalance)
			admin.POST("/credits/expire", h.ProcessExpired)
			admin.GET("/reconcile/verify", h.VerifyAccount)
			admin.POST("/reconcile/correct", h.CorrectAccount)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Prometheus 指标
	if collector != nil {
		r.GET("/metrics", gin.WrapH(collector.Handler()))
	}

	return r
}
