// Package tpmerr defines the error kinds shared by every tpm component and
// the mapping from errors to process exit codes.
//
// Components return *Error values so the CLI layer can react to the kind
// (exit code, retry hints) while messages stay human-readable. Wrapping with
// fmt.Errorf("...: %w", err) preserves the kind through call chains.
package tpmerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the failure categories tpm reports.
type Kind int

const (
	KindUnknown Kind = iota
	KindUsage              // malformed tool id, bad arguments
	KindUnsupported        // unsupported architecture or archive format
	KindNotFound           // repo, release, asset, or installed tool missing
	KindAlreadyExists      // tool already installed without --force
	KindBusy               // another invocation holds the lock
	KindNetwork            // connection failure, timeout, non-2xx response
	KindRateLimited        // release host rate limit exhausted
	KindIntegrity          // checksum mismatch, corrupt archive
	KindFilesystem         // permission, no space, link creation failure
	KindTransactionAborted // wraps the triggering error after rollback
	KindInternal           // invariant violation, reported as a bug
)

// Error carries a kind, a human-readable context string, and an optional
// wrapped cause. RateLimited errors additionally carry the wait in seconds;
// TransactionAborted errors carry the number of rollback steps that failed.
type Error struct {
	Kind        Kind
	Msg         string
	WaitSeconds int
	FailedSteps int
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two *Error values by kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newf(kind Kind, format string, a ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, a...)}
}

func Usagef(format string, a ...any) *Error       { return newf(KindUsage, format, a...) }
func Unsupportedf(format string, a ...any) *Error { return newf(KindUnsupported, format, a...) }
func NotFoundf(format string, a ...any) *Error    { return newf(KindNotFound, format, a...) }
func Existsf(format string, a ...any) *Error      { return newf(KindAlreadyExists, format, a...) }
func Busyf(format string, a ...any) *Error        { return newf(KindBusy, format, a...) }
func Networkf(format string, a ...any) *Error     { return newf(KindNetwork, format, a...) }
func Integrityf(format string, a ...any) *Error   { return newf(KindIntegrity, format, a...) }
func Filesystemf(format string, a ...any) *Error  { return newf(KindFilesystem, format, a...) }
func Internalf(format string, a ...any) *Error    { return newf(KindInternal, format, a...) }

// RateLimited reports an exhausted rate limit and how long to wait.
func RateLimited(waitSeconds int) *Error {
	e := newf(KindRateLimited, "rate limited, retry in %ds", waitSeconds)
	e.WaitSeconds = waitSeconds
	return e
}

// TransactionAborted wraps the error that triggered a rollback, recording
// how many rollback steps failed (zero means the rollback was clean).
func TransactionAborted(inner error, failedSteps int) *Error {
	return &Error{
		Kind:        KindTransactionAborted,
		Msg:         "transaction aborted",
		FailedSteps: failedSteps,
		Err:         inner,
	}
}

// Wrap attaches a kind and context to an existing error.
func Wrap(kind Kind, err error, format string, a ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, a...), Err: err}
}

// KindOf extracts the kind from err, looking through wrapping. A
// TransactionAborted error reports the kind of its inner cause when that
// cause is itself typed, so exit codes reflect the root failure.
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return KindUnknown
	}
	if e.Kind == KindTransactionAborted && e.Err != nil {
		if inner := KindOf(e.Err); inner != KindUnknown {
			return inner
		}
	}
	return e.Kind
}

// ExitCode maps an error to the documented process exit codes:
// 0 success, 1 generic failure, 2 usage, 3 rate-limited, 4 network,
// 5 unsupported arch.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindUsage:
		return 2
	case KindRateLimited:
		return 3
	case KindNetwork:
		return 4
	case KindUnsupported:
		return 5
	default:
		return 1
	}
}
