package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"creditledger/pkg/crediterr"
)

const CodeSuccess = 0

// Response 统一响应信封
//
// code 为 0 表示成功；非 0 时是积分错误码，context 携带结构化的
// 错误上下文（缺口金额、资源ID、期望版本等），调用方照此处理
type Response struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Data    interface{}            `json:"data,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Fail 把错误翻译成响应信封，HTTP 层始终返回 200
func Fail(c *gin.Context, err error) {
	var ce *crediterr.Error
	if errors.As(err, &ce) {
		c.JSON(http.StatusOK, Response{
			Code:    ce.Code,
			Message: ce.Message,
			Context: ce.Context,
		})
		return
	}
	c.JSON(http.StatusOK, Response{
		Code:    crediterr.CodeSystem,
		Message: err.Error(),
	})
}

// FailWithData 错误响应同时附带数据，批量部分失败时返回成功明细用
func FailWithData(c *gin.Context, err error, data interface{}) {
	var ce *crediterr.Error
	if errors.As(err, &ce) {
		c.JSON(http.StatusOK, Response{
			Code:    ce.Code,
			Message: ce.Message,
			Data:    data,
			Context: ce.Context,
		})
		return
	}
	c.JSON(http.StatusOK, Response{
		Code:    crediterr.CodeSystem,
		Message: err.Error(),
		Data:    data,
	})
}

func ParamError(c *gin.Context, message string) {
	Fail(c, crediterr.InvalidParameter("request", message))
}
