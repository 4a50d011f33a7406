package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode string

// 管道错误码
const (
	ErrCodeUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrCodeExtractionFailed  ErrorCode = "EXTRACTION_FAILED"
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"
	ErrCodeEmbeddingFailed   ErrorCode = "EMBEDDING_FAILED"
	ErrCodeIndexFailed       ErrorCode = "INDEX_FAILED"
	ErrCodeResourceNotFound  ErrorCode = "RESOURCE_NOT_FOUND"

	// 外部协作方
	ErrCodeDatabaseError    ErrorCode = "DATABASE_ERROR"
	ErrCodeGenerationFailed ErrorCode = "GENERATION_FAILED"
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// ErrorType 错误类型
type ErrorType int

const (
	ErrorTypeSystem ErrorType = iota
	ErrorTypeBusiness
	ErrorTypeValidation
	ErrorTypeExternal
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeBusiness:
		return "business"
	case ErrorTypeValidation:
		return "validation"
	case ErrorTypeExternal:
		return "external"
	default:
		return "system"
	}
}

// AppError 应用错误结构体
type AppError struct {
	Code      ErrorCode   `json:"code"`
	Message   string      `json:"message"`
	Type      ErrorType   `json:"type"`
	Details   interface{} `json:"details,omitempty"`
	Cause     error       `json:"-"`
	Transient bool        `json:"-"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap 返回底层错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails 添加错误详情
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// WithCause 添加错误原因
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// AsTransient 标记为瞬时错误（允许重试）
func (e *AppError) AsTransient() *AppError {
	e.Transient = true
	return e
}

func newError(code ErrorCode, typ ErrorType, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Type:    typ,
	}
}

// NewUnsupportedFormatError 声明的格式不在支持集合内
func NewUnsupportedFormatError(format string) *AppError {
	return newError(ErrCodeUnsupportedFormat, ErrorTypeValidation, "unsupported format: %q", format).
		WithDetails(map[string]string{"format": format})
}

// NewExtractionError 文本抽取失败
func NewExtractionError(format string, args ...interface{}) *AppError {
	return newError(ErrCodeExtractionFailed, ErrorTypeBusiness, format, args...)
}

// NewValidationError 创建验证错误
func NewValidationError(format string, args ...interface{}) *AppError {
	return newError(ErrCodeValidationFailed, ErrorTypeValidation, format, args...)
}

// NewEmbeddingError 向量化失败
func NewEmbeddingError(format string, args ...interface{}) *AppError {
	return newError(ErrCodeEmbeddingFailed, ErrorTypeExternal, format, args...)
}

// NewIndexError 向量索引读写失败
func NewIndexError(format string, args ...interface{}) *AppError {
	return newError(ErrCodeIndexFailed, ErrorTypeExternal, format, args...)
}

// NewNotFoundError 创建资源未找到错误
func NewNotFoundError(resource string, id interface{}) *AppError {
	return newError(ErrCodeResourceNotFound, ErrorTypeBusiness, "%s not found: %v", resource, id)
}

// NewDatabaseError 分块存储错误
func NewDatabaseError(format string, args ...interface{}) *AppError {
	return newError(ErrCodeDatabaseError, ErrorTypeSystem, format, args...)
}

// NewGenerationError 生成调用失败
func NewGenerationError(format string, args ...interface{}) *AppError {
	return newError(ErrCodeGenerationFailed, ErrorTypeExternal, format, args...)
}

// NewSystemError 创建系统错误
func NewSystemError(format string, args ...interface{}) *AppError {
	return newError(ErrCodeInternal, ErrorTypeSystem, format, args...)
}

// GetAppError 从错误链中取出AppError，非AppError包装为系统错误
func GetAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return NewSystemError("%s", err.Error()).WithCause(err)
}

// IsCode 判断错误链中是否包含指定错误码
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf 返回错误码，未知错误返回 INTERNAL_ERROR
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return GetAppError(err).Code
}

// IsRetryable 判断错误是否值得退避重试
func IsRetryable(err error) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	switch appErr.Code {
	case ErrCodeEmbeddingFailed, ErrCodeIndexFailed, ErrCodeDatabaseError:
		return true
	case ErrCodeExtractionFailed:
		return appErr.Transient
	default:
		return false
	}
}
