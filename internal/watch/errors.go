package watch

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotFound          = errors.New("watch record not found")
	ErrAlreadyActive     = errors.New("watch already active")
	ErrAuth              = errors.New("credential invalid or expired")
	ErrTransient         = errors.New("transient provider error")
	ErrTransform         = errors.New("message transform failed")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Kind classifies the outcome of a provider call.
type Kind int

const (
	KindOK Kind = iota
	KindNotFound
	KindAuth
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindNotFound:
		return "not_found"
	case KindAuth:
		return "auth_failure"
	case KindTransient:
		return "transient"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ProviderError is a failed provider call along with its
// classification.
type ProviderError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is maps the classification onto the package sentinels so callers can
// use errors.Is(err, ErrAuth) and friends.
func (e *ProviderError) Is(target error) bool {
	switch e.Kind {
	case KindAuth:
		return target == ErrAuth
	case KindTransient:
		return target == ErrTransient
	case KindNotFound:
		return target == ErrNotFound
	}
	return false
}

// NewProviderError wraps err with a classification.  A nil err yields
// nil.
func NewProviderError(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Kind: kind, Op: op, Err: err}
}

// KindOf classifies err.  Unclassified errors, including context
// expiry, are transient; nil is KindOK.
func KindOf(err error) Kind {
	if err == nil {
		return KindOK
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	return KindTransient
}
