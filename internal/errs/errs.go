// Package errs defines the failure taxonomy shared by backup and
// restore operations. Every failure is classified by Kind and tagged
// with the stage that was executing when it occurred, so callers can
// both branch on the class (errors.Is with a Kind sentinel) and report
// the exact stage to the user.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindIO covers disk and permission failures.
	KindIO Kind = iota + 1
	// KindIntegrity covers checksum mismatches and malformed manifests.
	KindIntegrity
	// KindCrypto covers decrypt failures attributable to a wrong
	// password or corrupted ciphertext.
	KindCrypto
	// KindVersion means a manifest format newer than this build supports.
	KindVersion
	// KindLock means the source or destination is already held by
	// another operation.
	KindLock
	// KindFatal is reserved for rollback failure: neither the old nor
	// the new live state is guaranteed intact and manual intervention
	// is required.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindIntegrity:
		return "integrity"
	case KindCrypto:
		return "crypto"
	case KindVersion:
		return "version"
	case KindLock:
		return "lock"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries the kind, the stage that was running, and the cause.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error in stage %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match against a bare *Error holding only a Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Stage == "" || t.Stage == e.Stage)
}

// Sentinels for errors.Is checks.
var (
	IO        = &Error{Kind: KindIO}
	Integrity = &Error{Kind: KindIntegrity}
	Crypto    = &Error{Kind: KindCrypto}
	Version   = &Error{Kind: KindVersion}
	Lock      = &Error{Kind: KindLock}
	Fatal     = &Error{Kind: KindFatal}
)

// New wraps err with a kind and stage. Returns nil if err is nil.
func New(kind Kind, stage string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, stage, format string, args ...any) error {
	return &Error{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the Kind of err, or zero if err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// StageOf reports the stage recorded on err, if any.
func StageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}
