package services

import (
	"errors"
	"fmt"
)

// ErrorKind 是业务错误的分类标签。
// 调用方（HTTP handler、测试）用 KindOf 判断类别，而不是匹配错误文本。
type ErrorKind string

const (
	KindValidation ErrorKind = "validation" // 输入不合法
	KindForbidden  ErrorKind = "forbidden"  // 无权执行该操作
	KindNotFound   ErrorKind = "not_found"  // 目标不存在或对调用者不可见
	KindConflict   ErrorKind = "conflict"   // 与当前状态冲突
)

// Error 是带分类标签的业务错误。
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error // 可选的底层错误
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 返回底层错误，支持 errors.Is / errors.As 链。
func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError 创建一个输入校验错误。
func NewValidationError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewForbiddenError 创建一个权限错误。
func NewForbiddenError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError 创建一个目标不存在错误。
func NewNotFoundError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewConflictError 创建一个状态冲突错误。
func NewConflictError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// WrapError 把底层错误包装为带分类的业务错误。
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf 返回错误的分类标签。
// 非业务错误返回空串和 false。
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind 判断错误是否属于给定分类。
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
