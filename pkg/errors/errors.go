// Package errors 撮合核心统一错误码
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

const (
	CodeOK                  Code = "OK"
	CodeUnknown             Code = "UNKNOWN"
	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeOrderNotFound       Code = "ORDER_NOT_FOUND"
	CodeDuplicateRequest    Code = "DUPLICATE_REQUEST"
	CodeInvariantViolation  Code = "INVARIANT_VIOLATION"
	CodeInternal            Code = "INTERNAL"
	CodeUnavailable         Code = "UNAVAILABLE"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is 按错误码比较，便于 errors.Is(err, ErrOrderNotFound)
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// CodeOf 提取错误码，非业务错误视为 INTERNAL
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

func isRetryable(code Code) bool {
	switch code {
	case CodeUnavailable:
		return true
	default:
		return false
	}
}

func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidRequest, CodeInsufficientBalance:
		return http.StatusBadRequest
	case CodeOrderNotFound:
		return http.StatusNotFound
	case CodeDuplicateRequest:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidRequest      = New(CodeInvalidRequest, "invalid request")
	ErrInsufficientBalance = New(CodeInsufficientBalance, "insufficient balance")
	ErrOrderNotFound       = New(CodeOrderNotFound, "order not found")
	ErrDuplicateRequest    = New(CodeDuplicateRequest, "duplicate request")
	ErrInvariantViolation  = New(CodeInvariantViolation, "invariant violation")
)
