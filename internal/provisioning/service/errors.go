package service

import (
	"errors"
	"fmt"

	"provisioner/internal/provisioning/models"
	"provisioner/internal/provisioning/providers"
	dErrors "provisioner/pkg/domainerrors"
)

// Failure kinds reported alongside the provider kinds.
const (
	KindOrderNotEligible  = "order_not_eligible"
	KindInvalidOrder      = "invalid_order"
	KindInProgress        = "provisioning_in_progress"
	KindNameTaken         = "name_taken"
	KindPersistenceFailed = "persistence_failed"
	KindCancelled         = "cancelled"
	KindInternal          = "internal"
)

// StepError reports a failed run: the step that failed and every step that
// had completed before it, reused artifacts included.
type StepError struct {
	Domain string
	Step   string
	Steps  models.Steps
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s step failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Kind classifies the failure for callers deciding whether to re-invoke.
func (e *StepError) Kind() string {
	if kind, ok := providers.GetKind(e.Err); ok {
		return string(kind)
	}
	if dErrors.HasCode(e.Err, dErrors.CodeValidation) {
		return KindInvalidOrder
	}
	if dErrors.HasCode(e.Err, dErrors.CodeTimeout) && e.Step != models.StepDatabase {
		return KindCancelled
	}
	if e.Step == models.StepDatabase {
		return KindPersistenceFailed
	}
	return KindInternal
}

// Retryable reports whether re-invoking with the same order id may succeed
// without outside intervention.
func (e *StepError) Retryable() bool {
	if _, ok := providers.GetKind(e.Err); ok {
		return providers.IsRetryable(e.Err)
	}
	return e.Kind() == KindPersistenceFailed || e.Kind() == KindCancelled
}

// RejectedError is a run refused before any step started, for a domain that
// is already known: an unpaid order, a held lock or a name owned by another
// order.
type RejectedError struct {
	Domain string
	Err    error
}

func (e *RejectedError) Error() string {
	return e.Err.Error()
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// DomainOf returns the fully qualified name a Provision error concerns, or ""
// when the order could not be loaded.
func DomainOf(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Domain
	}
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Domain
	}
	return ""
}

// ErrorKind classifies any error returned by Provision.
func ErrorKind(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind()
	}
	switch {
	case dErrors.HasCode(err, dErrors.CodePrecondition):
		return KindOrderNotEligible
	case dErrors.HasCode(err, dErrors.CodeConflict):
		if errors.Is(err, errNameTaken) {
			return KindNameTaken
		}
		return KindInProgress
	case dErrors.HasCode(err, dErrors.CodeUnavailable):
		return KindPersistenceFailed
	case dErrors.HasCode(err, dErrors.CodeBadRequest):
		return KindInvalidOrder
	}
	return KindInternal
}

// IsRetryable reports whether a Provision error may clear on re-invocation.
func IsRetryable(err error) bool {
	var se *StepError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return dErrors.HasCode(err, dErrors.CodeConflict) && !errors.Is(err, errNameTaken) ||
		dErrors.HasCode(err, dErrors.CodeUnavailable)
}

var errNameTaken = errors.New("name is provisioned for another order")
