package providers

import (
	"errors"
	"fmt"

	"github.com/aurorastudio/imageforge/pkg/model"
)

// ProviderError wraps an error from a provider call with a declared
// classification, so the pipeline never has to pattern-match error strings.
type ProviderError struct {
	Kind    model.ErrorKind
	Message string
	Cause   error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError constructs a classified provider error.
func NewProviderError(kind model.ErrorKind, message string, cause error) *ProviderError {
	return &ProviderError{Kind: kind, Message: message, Cause: cause}
}

// ClassifyGeneric recovers the declared classification from an error
// produced by this package, defaulting to provider_transient for unknown
// errors so a surprising failure mode is retried rather than silently
// dropped.
func ClassifyGeneric(err error) model.ErrorKind {
	if err == nil {
		return ""
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return model.ErrorProviderTransient
}
