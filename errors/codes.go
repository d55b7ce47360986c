package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how a failure is handled by the engine.
const (
	// CategoryTransient indicates temporary failures where the next loop tick may succeed.
	// Examples: store unreachable during claim, heartbeat write timeout.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: unknown workflow, missing model configuration, invalid task input.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates exhaustion of a shared budget.
	// Examples: provider rate limit, outbound call budget.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or recovered panics.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Queue-level
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE" // Task store unreachable
	ErrCodeTimeout          ErrorCode = "TIMEOUT"           // Operation timed out
	ErrCodeUnavailable      ErrorCode = "UNAVAILABLE"       // Upstream service unavailable

	// Dispatch and handler
	ErrCodeUnknownWorkflow ErrorCode = "UNKNOWN_WORKFLOW" // No handler registered for workflow
	ErrCodeHandlerFailed   ErrorCode = "HANDLER_FAILED"   // Handler reported or raised a failure
	ErrCodeMaxSteps        ErrorCode = "MAX_STEPS"        // Agent loop hit its step cap
	ErrCodeNotConfigured   ErrorCode = "LLM_NOT_CONFIGURED"

	// Permanent
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrCodeForbidden     ErrorCode = "FORBIDDEN"
	ErrCodeDecryptFailed ErrorCode = "DECRYPT_FAILED"
	ErrCodeCanceled      ErrorCode = "CANCELED"

	// Resource
	ErrCodeRateLimit ErrorCode = "RATE_LIMITED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL"
	ErrCodePanic    ErrorCode = "PANIC"
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeStoreUnavailable, ErrCodeTimeout, ErrCodeUnavailable:
		return CategoryTransient

	case ErrCodeUnknownWorkflow, ErrCodeHandlerFailed, ErrCodeMaxSteps, ErrCodeNotConfigured,
		ErrCodeNotFound, ErrCodeInvalidInput, ErrCodeForbidden, ErrCodeDecryptFailed,
		ErrCodeCanceled:
		return CategoryPermanent

	case ErrCodeRateLimit:
		return CategoryResource

	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeStoreUnavailable: "task store unavailable",
	ErrCodeTimeout:          "operation timed out",
	ErrCodeUnavailable:      "service temporarily unavailable",
	ErrCodeUnknownWorkflow:  "unknown workflow",
	ErrCodeHandlerFailed:    "workflow handler failed",
	ErrCodeMaxSteps:         "agent step limit reached",
	ErrCodeNotConfigured:    "language model not configured",
	ErrCodeNotFound:         "resource not found",
	ErrCodeInvalidInput:     "invalid input provided",
	ErrCodeForbidden:        "access denied",
	ErrCodeDecryptFailed:    "credential decryption failed",
	ErrCodeCanceled:         "operation canceled",
	ErrCodeRateLimit:        "rate limit exceeded",
	ErrCodeInternal:         "internal error",
	ErrCodePanic:            "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
