// Package fault is the error taxonomy shared by the planners and the dispatcher.
//
// Expected outcomes (a disk that does not exist yet, a machine that has to be
// created) are never errors; they are tagged results of the component that
// produced them. Everything that reaches the dispatcher as an error is
// classified into one of the kinds below and reported as a single detail
// string.
package fault

import (
	"fmt"

	"gitlab.com/tozd/go/errors"
)

type Kind string

const (
	KindUnknown        Kind = "unknown"
	KindConnectivity   Kind = "connectivity"
	KindValidation     Kind = "validation"
	KindPartialResult  Kind = "partial-result"
	KindCleanup        Kind = "cleanup"
	KindCapability     Kind = "capability"
	KindStaleReference Kind = "stale-reference"
	KindNotFound       Kind = "not-found"
)

var (
	// ErrConnectivity marks a broken session or an unreachable endpoint. The
	// session that produced it must be invalidated, never returned to the pool.
	ErrConnectivity = errors.Base("endpoint connectivity failure")
	// ErrValidation marks a request the endpoint or guest cannot support. It is
	// always raised before any mutating remote call.
	ErrValidation = errors.Base("validation failed")
	// ErrPartialResult marks a secondary step that failed after the primary
	// step was applied. There is no rollback.
	ErrPartialResult = errors.Base("partially applied")
	// ErrCleanup marks a failed teardown of a temporary resource.
	ErrCleanup = errors.Base("cleanup failed")
	// ErrCapability marks a feature the endpoint, guest OS or API level does
	// not offer and that cannot be safely downgraded.
	ErrCapability = errors.Base("unsupported capability")
	// ErrStaleReference marks a volume reference that no longer resolves to a
	// backing file on the endpoint.
	ErrStaleReference = errors.Base("stale reference")
	// ErrNotFound marks a missing remote object.
	ErrNotFound = errors.Base("not found")
)

var ordered = []struct {
	err  error
	kind Kind
}{
	{ErrValidation, KindValidation},
	{ErrCapability, KindCapability},
	{ErrStaleReference, KindStaleReference},
	{ErrConnectivity, KindConnectivity},
	{ErrPartialResult, KindPartialResult},
	{ErrCleanup, KindCleanup},
	{ErrNotFound, KindNotFound},
}

// Classify returns the kind of the first sentinel found in err's chain.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	for _, o := range ordered {
		if errors.Is(err, o.err) {
			return o.kind
		}
	}
	return KindUnknown
}

func Validationf(format string, args ...any) error {
	return errors.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Capabilityf(format string, args ...any) error {
	return errors.Errorf("%w: %s", ErrCapability, fmt.Sprintf(format, args...))
}

func StaleReferencef(format string, args ...any) error {
	return errors.Errorf("%w: %s", ErrStaleReference, fmt.Sprintf(format, args...))
}

func NotFoundf(format string, args ...any) error {
	return errors.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

type kindError struct {
	base error
	err  error
}

func (e *kindError) Error() string {
	return e.base.Error() + ": " + e.err.Error()
}

func (e *kindError) Unwrap() []error {
	return []error{e.base, e.err}
}

func wrap(base, err error) error {
	if err == nil || errors.Is(err, base) {
		return err
	}
	return &kindError{base: base, err: err}
}

// Connectivity wraps err as a connectivity fault unless it already is one.
// The original error stays reachable through errors.Is and errors.As.
func Connectivity(err error) error {
	return wrap(ErrConnectivity, err)
}

// Cleanup wraps err as a cleanup fault.
func Cleanup(err error) error {
	return wrap(ErrCleanup, err)
}

// PartialResult wraps err as a partial-result fault.
func PartialResult(err error) error {
	return wrap(ErrPartialResult, err)
}
