// Package errors provides the application error model shared by service and
// handler layers. An ApplicationError carries an HTTP status code, a stable
// machine-readable reason, a human-readable message and optional metadata.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// UnknownCode is reported for errors that are not ApplicationErrors.
const UnknownCode = http.StatusInternalServerError

// UnknownReason is reported for errors that are not ApplicationErrors.
const UnknownReason = "UNKNOWN"

// ApplicationError 为统一的业务错误类型。
type ApplicationError struct {
	Code     int               `json:"code"`
	Reason   string            `json:"reason"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`

	cause error
}

func (e *ApplicationError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("error: code = %d reason = %s message = %s cause = %v", e.Code, e.Reason, e.Message, e.cause)
	}
	return fmt.Sprintf("error: code = %d reason = %s message = %s", e.Code, e.Reason, e.Message)
}

// Unwrap 返回底层错误，支持 errors.Is/As 链式匹配。
func (e *ApplicationError) Unwrap() error { return e.cause }

// Is 按 code+reason 匹配，使 WithMetadata/WithCause 派生值仍命中哨兵错误。
func (e *ApplicationError) Is(target error) bool {
	if te := new(ApplicationError); errors.As(target, &te) {
		return te.Code == e.Code && te.Reason == e.Reason
	}
	return false
}

// WithCause 返回携带底层错误的副本。
func (e *ApplicationError) WithCause(cause error) *ApplicationError {
	err := e.clone()
	err.cause = cause
	return err
}

// WithMetadata 返回携带 metadata 的副本。
func (e *ApplicationError) WithMetadata(md map[string]string) *ApplicationError {
	err := e.clone()
	err.Metadata = md
	return err
}

func (e *ApplicationError) clone() *ApplicationError {
	if e == nil {
		return nil
	}
	metadata := make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		metadata[k] = v
	}
	return &ApplicationError{
		Code:     e.Code,
		Reason:   e.Reason,
		Message:  e.Message,
		Metadata: metadata,
		cause:    e.cause,
	}
}

// New 构造指定 HTTP 状态码的 ApplicationError。
func New(code int, reason, message string) *ApplicationError {
	return &ApplicationError{Code: code, Reason: reason, Message: message}
}

// Newf New(code, reason, fmt.Sprintf(format, a...))
func Newf(code int, reason, format string, a ...any) *ApplicationError {
	return New(code, reason, fmt.Sprintf(format, a...))
}

func BadRequest(reason, message string) *ApplicationError {
	return New(http.StatusBadRequest, reason, message)
}

func Unauthorized(reason, message string) *ApplicationError {
	return New(http.StatusUnauthorized, reason, message)
}

func Forbidden(reason, message string) *ApplicationError {
	return New(http.StatusForbidden, reason, message)
}

func NotFound(reason, message string) *ApplicationError {
	return New(http.StatusNotFound, reason, message)
}

func Conflict(reason, message string) *ApplicationError {
	return New(http.StatusConflict, reason, message)
}

func TooManyRequests(reason, message string) *ApplicationError {
	return New(http.StatusTooManyRequests, reason, message)
}

func InternalServer(reason, message string) *ApplicationError {
	return New(http.StatusInternalServerError, reason, message)
}

func ServiceUnavailable(reason, message string) *ApplicationError {
	return New(http.StatusServiceUnavailable, reason, message)
}

// Code 返回错误对应的 HTTP 状态码；非 ApplicationError 返回 500。
func Code(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return FromError(err).Code
}

// Reason 返回错误的 reason；非 ApplicationError 返回 UNKNOWN。
func Reason(err error) string {
	if err == nil {
		return ""
	}
	return FromError(err).Reason
}

// FromError 将任意 error 归一化为 ApplicationError。
func FromError(err error) *ApplicationError {
	if err == nil {
		return nil
	}
	if ae := new(ApplicationError); errors.As(err, &ae) {
		return ae
	}
	return New(UnknownCode, UnknownReason, err.Error())
}
