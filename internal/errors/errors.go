package errors

import (
	"errors"
	"fmt"
)

// AppError 同步引擎错误类型
// 错误码用于让 UI 区分"可重试的写失败"与"过期结果"等不同情况
type AppError struct {
	Code    int    // 错误码
	Message string // 用户可见的错误消息
	Err     error  // 原始错误（可选，用于调试）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewError 创建新错误
func NewError(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装原始错误
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
	}
}

// Is 判断是否为指定错误
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// GetCode 获取错误码，如果不是 AppError 返回默认错误码
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeServerError
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "服务器内部错误"
}

// ============== 错误码定义 ==============

const (
	CodeSuccess = 0

	// 参数相关 11000-11999
	CodeUnauthorized  = 11001
	CodeInvalidParams = 11002
	CodeUnknownAction = 11003

	// 消息相关 20000-20999
	CodeSendFailed      = 20001
	CodeEditFailed      = 20002
	CodeMessageNotFound = 20003

	// 同步相关 21000-21999
	CodeFetchFailed     = 21001
	CodeSubscribeFailed = 21002
	CodeChannelClosed   = 21003
	CodeStaleResult     = 21004
	CodeSessionClosed   = 21005

	// 系统错误 50000-50999
	CodeServerError = 50001
	CodeDBError     = 50002
)

// ============== 预定义错误 ==============

// 参数相关
var (
	ErrUnauthorized  = NewError(CodeUnauthorized, "未授权")
	ErrInvalidParams = NewError(CodeInvalidParams, "参数校验失败")
	ErrUnknownAction = NewError(CodeUnknownAction, "未知操作")
)

// 消息相关
var (
	ErrSendFailed      = NewError(CodeSendFailed, "消息发送失败")
	ErrEditFailed      = NewError(CodeEditFailed, "消息编辑失败")
	ErrMessageNotFound = NewError(CodeMessageNotFound, "消息不存在")
)

// 同步相关
var (
	ErrFetchFailed     = NewError(CodeFetchFailed, "数据加载失败")
	ErrSubscribeFailed = NewError(CodeSubscribeFailed, "实时订阅失败")
	ErrChannelClosed   = NewError(CodeChannelClosed, "广播频道已关闭")
	ErrStaleResult     = NewError(CodeStaleResult, "结果已过期")
	ErrSessionClosed   = NewError(CodeSessionClosed, "会话已关闭")
)

// 系统相关
var (
	ErrServerError = NewError(CodeServerError, "服务器内部错误")
	ErrDBError     = NewError(CodeDBError, "数据库错误")
)
