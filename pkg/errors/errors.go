package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

// Error codes follow HTTP status semantics so handlers can map them directly.
const (
	CodeInvalid  = http.StatusBadRequest
	CodeNotFound = http.StatusNotFound
	CodeConflict = http.StatusConflict
	CodeStorage  = http.StatusServiceUnavailable
	CodeInternal = http.StatusInternalServerError
)

var (
	// ErrConflict guard already engaged, report already in progress or terminal.
	ErrConflict = sentinel(CodeConflict, "conflict")
	// ErrStorage the store adapter failed; the operation can be retried.
	ErrStorage  = sentinel(CodeStorage, "storage unavailable")
	ErrNotFound = sentinel(CodeNotFound, "not found")
	ErrInvalid  = sentinel(CodeInvalid, "invalid request")
)

// Error represents a custom error with stack trace
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Err     error      `json:"-"` // 原始错误，不序列化
	Stack   string     `json:"stack,omitempty"`
	Context []KeyValue `json:"context,omitempty"`
}

// KeyValue represents a key-value pair for context
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func sentinel(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Error implements the error interface
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return "unknown error"
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithCode creates a new error with code
func WithCode(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Stack:   captureStack(),
	}
}

// WithCodef creates a new error with code and formatted message
func WithCodef(code int, format string, args ...interface{}) *Error {
	return WithCode(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an error with message. The code of the wrapped error is inherited.
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    GetCode(err),
		Message: message,
		Err:     err,
		Stack:   captureStack(),
	}
}

// Wrapf wraps an error with formatted message
func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// Storage marks err as a storage failure, keeping the cause in the chain.
func Storage(err error, op string) error {
	if err == nil {
		return nil
	}
	if Is(err, ErrStorage) || Is(err, ErrConflict) || Is(err, ErrNotFound) || Is(err, ErrInvalid) {
		return err
	}
	return &Error{
		Code:    CodeStorage,
		Message: op,
		Err:     &chain{cause: err, kind: ErrStorage},
		Stack:   captureStack(),
	}
}

// Conflictf returns an error matching ErrConflict with a descriptive message.
func Conflictf(format string, args ...interface{}) error {
	return Wrapf(ErrConflict, format, args...)
}

// NotFoundf returns an error matching ErrNotFound with a descriptive message.
func NotFoundf(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// chain lets an error match both its cause and a sentinel kind.
type chain struct {
	cause error
	kind  error
}

func (c *chain) Error() string   { return c.cause.Error() }
func (c *chain) Unwrap() []error { return []error{c.kind, c.cause} }

// New creates a new error
func New(message string) *Error {
	return &Error{
		Message: message,
		Stack:   captureStack(),
	}
}

// Errorf creates a new formatted error
func Errorf(format string, args ...interface{}) *Error {
	return New(fmt.Sprintf(format, args...))
}

// WithContext adds context to an error
func (e *Error) WithContext(key, value string) *Error {
	if e == nil {
		return nil
	}

	newErr := &Error{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Stack:   e.Stack,
		Context: make([]KeyValue, len(e.Context), len(e.Context)+1),
	}
	copy(newErr.Context, e.Context)
	newErr.Context = append(newErr.Context, KeyValue{Key: key, Value: value})
	return newErr
}

// captureStack captures the current stack trace
func captureStack() string {
	buf := make([]byte, 1024)
	n := runtime.Stack(buf, false)
	stack := string(buf[:n])

	// 移除顶部几行（captureStack 和构造函数本身）
	lines := strings.Split(stack, "\n")
	if len(lines) > 6 {
		stack = strings.Join(lines[6:], "\n")
	}

	return strings.TrimSpace(stack)
}

// GetCode returns the first non-zero code in the chain.
func GetCode(err error) int {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return 0
		}
		if e.Code != 0 {
			return e.Code
		}
		err = e.Err
	}
	return 0
}

// GetMessage returns the error message
func GetMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// GetStack returns the error stack trace
func GetStack(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Stack
	}
	return ""
}

// Is reports whether target is in err's chain.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// IsRetriable storage failures may succeed on retry; conflicts never do.
func IsRetriable(err error) bool {
	return Is(err, ErrStorage)
}

// Cause returns the innermost error
func Cause(err error) error {
	for err != nil {
		if c, ok := err.(*chain); ok {
			err = c.cause
			continue
		}
		next := stderrors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
	return err
}

// Format implements fmt.Formatter
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "%s", e.Error())
			if e.Stack != "" {
				fmt.Fprintf(s, "\n%s", e.Stack)
			}
			return
		}
		fallthrough
	case 's':
		fmt.Fprintf(s, "%s", e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}
