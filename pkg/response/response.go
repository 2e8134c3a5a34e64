package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 标准响应结构
// 字段顺序：code -> msg -> data
// 仅用于非协议端点（健康检查等），CAS 协议端点按协议返回 XML 或纯文本
type Response struct {
	Code int         `json:"code"` // 业务状态码，0 表示成功
	Msg  string      `json:"msg"`  // 响应消息（中文）
	Data interface{} `json:"data"` // 响应数据
}

// 业务错误码
const (
	CodeSuccess = 0 // 操作成功

	// 参数错误 10xxx
	CodeInvalidRequest = 10001 // 请求参数无效
	CodeMissingParam   = 10002 // 必填参数缺失

	// 认证错误 20xxx
	CodeInvalidCredentials = 20001 // 用户名或密码错误
	CodeAccountLocked      = 20002 // 账户已被锁定
	CodeAccountDisabled    = 20003 // 账户已被禁用

	// 票据错误 30xxx
	CodeInvalidTicket  = 30001 // 票据无效
	CodeExpiredTicket  = 30002 // 票据已过期
	CodeInvalidService = 30003 // 服务未授权

	// 服务器错误 90xxx
	CodeServerError = 90001 // 服务器内部错误
	CodeUnavailable = 90002 // 服务暂时不可用
)

// 错误码对应的消息
var codeMessages = map[int]string{
	CodeSuccess:            "操作成功",
	CodeInvalidRequest:     "请求参数无效",
	CodeMissingParam:       "必填参数缺失",
	CodeInvalidCredentials: "用户名或密码错误",
	CodeAccountLocked:      "账户已被锁定，请稍后重试",
	CodeAccountDisabled:    "账户已被禁用",
	CodeInvalidTicket:      "票据无效",
	CodeExpiredTicket:      "票据已过期",
	CodeInvalidService:     "服务未授权",
	CodeServerError:        "服务器内部错误，请稍后重试",
	CodeUnavailable:        "服务暂时不可用",
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code: CodeSuccess,
		Msg:  codeMessages[CodeSuccess],
		Data: data,
	})
}

// Error 错误响应
func Error(c *gin.Context, code int) {
	msg, ok := codeMessages[code]
	if !ok {
		msg = "未知错误"
	}
	c.JSON(codeToHTTPStatus(code), Response{
		Code: code,
		Msg:  msg,
		Data: nil,
	})
}

// ErrorWithMsg 错误响应（自定义消息）
func ErrorWithMsg(c *gin.Context, code int, msg string) {
	c.JSON(codeToHTTPStatus(code), Response{
		Code: code,
		Msg:  msg,
		Data: nil,
	})
}

// codeToHTTPStatus 业务错误码转 HTTP 状态码
func codeToHTTPStatus(code int) int {
	switch {
	case code == CodeSuccess:
		return http.StatusOK
	case code >= 10000 && code < 20000:
		return http.StatusBadRequest
	case code >= 20000 && code < 30000:
		if code == CodeInvalidCredentials {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case code >= 30000 && code < 40000:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
