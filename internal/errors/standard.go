// Package errors provides standardized error messaging for the memory core.
package errors

import (
	"fmt"
	"runtime"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryMemory     ErrorCategory = "MEMORY"
	CategoryValidation ErrorCategory = "VALIDATION"
	CategorySystem     ErrorCategory = "SYSTEM"
	CategoryInvariant  ErrorCategory = "INVARIANT"
)

// Error codes shared across the memory core.
const (
	CodeOutOfMemory        = "OUT_OF_MEMORY"
	CodeOutOfVirtualSpace  = "OUT_OF_VIRTUAL_SPACE"
	CodeInvalidSize        = "INVALID_SIZE"
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeRegionNotFound     = "REGION_NOT_FOUND"
	CodeUnsupportedVersion = "UNSUPPORTED_VERSION"
	CodeInvariantViolation = "INVARIANT_VIOLATION"
)

// Sentinels for errors.Is. Only Category and Code take part in matching.
var (
	ErrOutOfMemory       = &StandardError{Category: CategoryMemory, Code: CodeOutOfMemory}
	ErrOutOfVirtualSpace = &StandardError{Category: CategoryMemory, Code: CodeOutOfVirtualSpace}
	ErrInvalidSize       = &StandardError{Category: CategoryValidation, Code: CodeInvalidSize}
	ErrInvalidArgument   = &StandardError{Category: CategoryValidation, Code: CodeInvalidArgument}
	ErrRegionNotFound    = &StandardError{Category: CategoryMemory, Code: CodeRegionNotFound}
)

// StandardError provides a consistent error format
type StandardError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Context  map[string]interface{}
	Caller   string
}

// Error implements the error interface
func (e *StandardError) Error() string {
	if e.Caller == "" {
		return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s:%s] %s (caller: %s)", e.Category, e.Code, e.Message, e.Caller)
}

// Is reports whether target carries the same category and code.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// NewStandardError creates a new standardized error
func NewStandardError(category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	return newStandardError(2, category, code, message, context)
}

func newStandardError(skip int, category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	pc, _, _, ok := runtime.Caller(skip)
	caller := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}

	return &StandardError{
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   caller,
	}
}

// OutOfMemory reports that no physical frame could be produced for operation.
func OutOfMemory(operation string, pages int) *StandardError {
	return newStandardError(2, CategoryMemory, CodeOutOfMemory,
		fmt.Sprintf("out of physical memory in %s (%d pages requested)", operation, pages),
		map[string]interface{}{"operation": operation, "pages": pages})
}

// OutOfVirtualSpace reports that no gap of size bytes exists in an address space.
func OutOfVirtualSpace(size uint64) *StandardError {
	return newStandardError(2, CategoryMemory, CodeOutOfVirtualSpace,
		fmt.Sprintf("no free virtual range of %d bytes", size),
		map[string]interface{}{"size": size})
}

func InvalidSize(size uint64, context string) *StandardError {
	return newStandardError(2, CategoryValidation, CodeInvalidSize,
		fmt.Sprintf("Invalid size %d in %s", size, context),
		map[string]interface{}{"size": size, "context": context})
}

func InvalidArgument(format string, args ...interface{}) *StandardError {
	return newStandardError(2, CategoryValidation, CodeInvalidArgument,
		fmt.Sprintf(format, args...), nil)
}

func RegionNotFound(addr uint64) *StandardError {
	return newStandardError(2, CategoryMemory, CodeRegionNotFound,
		fmt.Sprintf("no region at 0x%x", addr),
		map[string]interface{}{"address": addr})
}

func UnsupportedVersion(got, want string) *StandardError {
	return newStandardError(2, CategorySystem, CodeUnsupportedVersion,
		fmt.Sprintf("unsupported version %q (want %s)", got, want),
		map[string]interface{}{"version": got, "constraint": want})
}

// Invariant builds the value a caller panics with when memory bookkeeping is
// found corrupt. It is never returned as an ordinary error.
func Invariant(format string, args ...interface{}) *StandardError {
	return newStandardError(2, CategoryInvariant, CodeInvariantViolation,
		fmt.Sprintf(format, args...), nil)
}

// IsInvariant reports whether a recovered panic value is an invariant violation.
func IsInvariant(v interface{}) bool {
	e, ok := v.(*StandardError)
	return ok && e.Category == CategoryInvariant
}
