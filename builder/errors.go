package builder

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a build failure the way §7 of the contract does, so
// hosts and tests can branch/substring-match on a stable taxonomy without
// parsing prose.
type Kind int

const (
	// KindInput covers malformed Dockerfiles: empty, missing, oversized,
	// unknown instructions, FROM not first, bad argument counts.
	KindInput Kind = iota
	KindForbiddenPath
	KindNotFound
	KindBadShellSubstitution
	KindUnconsumedBuildArg
	KindExecFailure
	KindTaskFailure
	KindNotImplemented
)

// Error is the concrete error type returned by every exported builder
// operation; its Error() string is part of the compatibility surface (§7)
// and must not be reworded once a test or host depends on a substring.
type Error struct {
	Kind Kind
	msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.msg + ": " + e.Err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), Err: err}
}

// ForbiddenPath builds the §7 ForbiddenPath error, whose message is a
// stable prefix tests match against verbatim.
func ForbiddenPath(attempted string) *Error {
	return newError(KindForbiddenPath, "Forbidden path outside the build context: %s", attempted)
}

// NotFound builds the §7 NotFound error for a missing ADD/COPY source.
func NotFound(origPath string) *Error {
	return newError(KindNotFound, "stat %s: no such file or directory", origPath)
}

// ExecFailure builds the §7 ExecFailure error for a non-zero RUN exit code.
func ExecFailure(cmd []string, code int) *Error {
	return newError(KindExecFailure, "The command %q returned a non-zero code: %d", cmd, code)
}

// NotImplemented builds the §7 NotImplemented error.
func NotImplemented(what string) *Error {
	return newError(KindNotImplemented, "%s is not implemented", what)
}

// IsKind reports whether err is a builder *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}
