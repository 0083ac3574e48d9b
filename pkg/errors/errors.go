// Package errors 提供统一的错误定义
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode 错误码类型
type ErrorCode string

// 预定义错误码
const (
	// 通用错误 (1xxx)
	CodeSuccess            ErrorCode = "0"
	CodeUnknown            ErrorCode = "1000"
	CodeInvalidParam       ErrorCode = "1001"
	CodeUnauthorized       ErrorCode = "1002"
	CodeForbidden          ErrorCode = "1003"
	CodeNotFound           ErrorCode = "1004"
	CodeConflict           ErrorCode = "1005"
	CodeTooManyRequests    ErrorCode = "1006"
	CodeInternalError      ErrorCode = "1007"
	CodeServiceUnavailable ErrorCode = "1008"

	// 资源错误 (2xxx)
	CodeDocumentNotFound     ErrorCode = "2001"
	CodeChunkNotFound        ErrorCode = "2002"
	CodeProjectNotFound      ErrorCode = "2003"
	CodeConversationNotFound ErrorCode = "2004"
	CodeUserNotFound         ErrorCode = "2005"

	// 业务错误 (3xxx)
	CodeIngestionBusy    ErrorCode = "3001"
	CodeIngestionFailed  ErrorCode = "3002"
	CodeEmbeddingFailed  ErrorCode = "3003"
	CodeGenerationFailed ErrorCode = "3004"
	CodeRetrievalFailed  ErrorCode = "3005"
	CodeExtractionFailed ErrorCode = "3006"

	// 外部服务错误 (4xxx)
	CodeDatabaseError ErrorCode = "4001"
	CodeCacheError    ErrorCode = "4002"
	CodeVectorDBError ErrorCode = "4003"
)

// AppError 应用错误
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Detail     string    `json:"detail,omitempty"`
	HTTPStatus int       `json:"-"`
	Err        error     `json:"-"`
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 返回底层错误
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 按错误码判定相等，使 errors.Is 可以匹配预定义错误
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail 添加详细信息
func (e *AppError) WithDetail(detail string) *AppError {
	clone := *e
	clone.Detail = detail
	return &clone
}

// WithError 添加底层错误
func (e *AppError) WithError(err error) *AppError {
	clone := *e
	clone.Err = err
	return &clone
}

// New 创建新的应用错误
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
		Err:        err,
	}
}

// codeToHTTPStatus 错误码转 HTTP 状态码
func codeToHTTPStatus(code ErrorCode) int {
	switch code {
	case CodeSuccess:
		return http.StatusOK
	case CodeInvalidParam:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound, CodeDocumentNotFound, CodeChunkNotFound,
		CodeProjectNotFound, CodeConversationNotFound, CodeUserNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeIngestionBusy:
		return http.StatusConflict
	case CodeTooManyRequests:
		return http.StatusTooManyRequests
	case CodeServiceUnavailable, CodeVectorDBError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam       = New(CodeInvalidParam, "invalid parameter")
	ErrUnauthorized       = New(CodeUnauthorized, "unauthorized")
	ErrForbidden          = New(CodeForbidden, "forbidden")
	ErrNotFound           = New(CodeNotFound, "resource not found")
	ErrConflict           = New(CodeConflict, "resource conflict")
	ErrInternalError      = New(CodeInternalError, "internal server error")
	ErrServiceUnavailable = New(CodeServiceUnavailable, "service unavailable")
	ErrTooManyRequests    = New(CodeTooManyRequests, "too many requests")

	ErrDocumentNotFound     = New(CodeDocumentNotFound, "document not found")
	ErrChunkNotFound        = New(CodeChunkNotFound, "chunk not found")
	ErrProjectNotFound      = New(CodeProjectNotFound, "project not found")
	ErrConversationNotFound = New(CodeConversationNotFound, "conversation not found")
	ErrUserNotFound         = New(CodeUserNotFound, "user not found")

	// ErrIngestionBusy 表示同一文档已有一次摄取在途；调用方应稍后重试而不是排队等待
	ErrIngestionBusy = New(CodeIngestionBusy, "ingestion already in flight for this document")

	ErrEmbeddingUnavailable   = New(CodeEmbeddingFailed, "embedding provider unavailable")
	ErrGenerationUnavailable  = New(CodeGenerationFailed, "generation provider unavailable")
	ErrVectorIndexUnavailable = New(CodeVectorDBError, "vector index unavailable")
)

// IsAppError 检查是否为 AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// AsAppError 将错误转换为 AppError
func AsAppError(err error) *AppError {
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return Wrap(err, CodeUnknown, "unknown error")
}
