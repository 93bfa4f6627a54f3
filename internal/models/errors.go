package models

import (
	"errors"
	"fmt"
)

// ErrorKind is the coarse failure class surfaced to callers.
type ErrorKind string

const (
	KindValidation     ErrorKind = "ValidationError"
	KindNotFound       ErrorKind = "ResourceNotFound"
	KindUpstream       ErrorKind = "UpstreamServiceError"
	KindConsistency    ErrorKind = "ConsistencyViolation"
	KindPartialFailure ErrorKind = "PartialFailure"
)

// ErrorCode narrows a kind down to the operation that produced it.
type ErrorCode string

const (
	CodeInvalidParameter  ErrorCode = "InvalidParameter"
	CodeInvalidTemplate   ErrorCode = "InvalidTemplate"
	CodeInsufficientInput ErrorCode = "InsufficientInput"
	CodeNotFound          ErrorCode = "NotFound"
	CodeDuplicateArtifact ErrorCode = "DuplicateArtifact"
	CodeDuplicateTemplate ErrorCode = "DuplicateTemplate"
	CodeTypeMismatch      ErrorCode = "TypeMismatch"
	CodeStageRegression   ErrorCode = "StageRegression"
	CodeInProgress        ErrorCode = "InProgress"
	CodeLanguageModel     ErrorCode = "LanguageModel"
	CodeToolchain         ErrorCode = "Toolchain"
	CodeGenerationFailed  ErrorCode = "GenerationFailed"
	CodeDispatch          ErrorCode = "Dispatch"
)

// Error is the structured error returned by every engine operation.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, or by kind when the target has no code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	return t.Kind != "" && e.Kind == t.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrDuplicateArtifact = &Error{Code: CodeDuplicateArtifact}
	ErrDuplicateTemplate = &Error{Code: CodeDuplicateTemplate}
	ErrInvalidTemplate   = &Error{Code: CodeInvalidTemplate}
	ErrTypeMismatch      = &Error{Code: CodeTypeMismatch}
	ErrInsufficientInput = &Error{Code: CodeInsufficientInput}
	ErrStageRegression   = &Error{Code: CodeStageRegression}
	ErrInProgress        = &Error{Code: CodeInProgress}
)

func newError(kind ErrorKind, code ErrorCode, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(code ErrorCode, format string, args ...any) *Error {
	return newError(KindValidation, code, nil, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, CodeNotFound, nil, format, args...)
}

func Upstream(code ErrorCode, err error, format string, args ...any) *Error {
	return newError(KindUpstream, code, err, format, args...)
}

func Consistency(code ErrorCode, format string, args ...any) *Error {
	return newError(KindConsistency, code, nil, format, args...)
}

func PartialFailure(format string, args ...any) *Error {
	return newError(KindPartialFailure, CodeGenerationFailed, nil, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsValidation(err error) bool     { return KindOf(err) == KindValidation }
func IsNotFound(err error) bool       { return KindOf(err) == KindNotFound }
func IsUpstream(err error) bool       { return KindOf(err) == KindUpstream }
func IsConsistency(err error) bool    { return KindOf(err) == KindConsistency }
func IsPartialFailure(err error) bool { return KindOf(err) == KindPartialFailure }

// Retryable reports whether an error may succeed when the same call is repeated.
func Retryable(err error) bool {
	return IsUpstream(err)
}
