// Package fault maps arbitrary errors onto the closed set of failure kinds
// the rest of gemi reasons about. Classify is the only place retryability
// is decided.
package fault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Kind is a closed failure category.
type Kind int

const (
	Unknown Kind = iota
	Network
	Server
	AuthRequired
	Corrupted
	DiskSpace
	Timeout
	Cancelled
)

// Kinds lists every Kind in declaration order.
var Kinds = []Kind{Unknown, Network, Server, AuthRequired, Corrupted, DiskSpace, Timeout, Cancelled}

func (k Kind) String() string {
	switch k {
	case Network:
		return "network"
	case Server:
		return "server"
	case AuthRequired:
		return "auth_required"
	case Corrupted:
		return "corrupted"
	case DiskSpace:
		return "disk_space"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String. Unrecognised names map to Unknown.
func ParseKind(s string) Kind {
	for _, k := range Kinds {
		if k.String() == s {
			return k
		}
	}
	return Unknown
}

// Message is the user-facing description paired with every surfaced error.
func (k Kind) Message() string {
	switch k {
	case Network:
		return "The network connection was interrupted. Check your connection and try again."
	case Server:
		return "The server had a problem handling the request. Try again in a moment."
	case AuthRequired:
		return "This model requires an access token. Add a token and try again."
	case Corrupted:
		return "The downloaded model files are damaged. Clear the model cache and download again."
	case DiskSpace:
		return "There is not enough free disk space to store the model."
	case Timeout:
		return "The request took too long to complete."
	case Cancelled:
		return "The operation was cancelled."
	default:
		return "Something unexpected went wrong."
	}
}

// Retryable reports the default retry policy for errors of this kind.
func (k Kind) Retryable() bool {
	switch k {
	case Network, Server, Timeout:
		return true
	default:
		return false
	}
}

// Error is an error that already knows its kind. Producers that have more
// context than the classifier (integrity checks, preflight, explicit HTTP
// status handling) wrap their cause in it.
type Error struct {
	Kind      Kind
	Transient bool
	Code      int    // HTTP status, when one was involved
	File      string // bundle file, when one was involved
	Op        string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.File != "" {
		msg += " (" + e.File + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error of the given kind wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Transient: kind == Network}
}

// Corrupt reports an integrity failure for file.
func Corrupt(file string, format string, args ...any) *Error {
	return &Error{Kind: Corrupted, File: file, Op: "verify", Err: fmt.Errorf(format, args...)}
}

// StatusError is a non-2xx HTTP response that was not otherwise handled.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Classification is the result of Classify.
type Classification struct {
	Kind      Kind
	Retryable bool
	Transient bool
	Code      int
	File      string
}

// Classify maps err to a Kind. It is deterministic and performs no I/O.
// A nil error classifies as Unknown.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: Unknown}
	}

	if errors.Is(err, context.Canceled) {
		return Classification{Kind: Cancelled}
	}

	var fe *Error
	if errors.As(err, &fe) {
		c := Classification{Kind: fe.Kind, Retryable: fe.Kind.Retryable(), Transient: fe.Transient, Code: fe.Code, File: fe.File}
		if c.Kind == Unknown && fe.Err != nil {
			inner := Classify(fe.Err)
			inner.File = firstNonEmpty(c.File, inner.File)
			return inner
		}
		return c
	}

	// Dial and HTTP client timeouts also match context.DeadlineExceeded but
	// describe the connection, not the caller's deadline.
	if connTimeout(err) {
		return Classification{Kind: Network, Retryable: true, Transient: true}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Kind: Timeout, Retryable: true}
	}

	var se *StatusError
	if errors.As(err, &se) {
		return classifyStatus(se.Code)
	}

	if errors.Is(err, syscall.ENOSPC) {
		return Classification{Kind: DiskSpace}
	}

	if isNetwork(err) {
		return Classification{Kind: Network, Retryable: true, Transient: true}
	}

	return Classification{Kind: Unknown}
}

// Retryable is the shouldRetry predicate shared by every retry loop.
func Retryable(err error) bool {
	return Classify(err).Retryable
}

// KindOf is shorthand for Classify(err).Kind.
func KindOf(err error) Kind {
	return Classify(err).Kind
}

func classifyStatus(code int) Classification {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return Classification{Kind: Server, Retryable: true, Code: code}
	case http.StatusUnauthorized, http.StatusForbidden:
		return Classification{Kind: AuthRequired, Code: code}
	default:
		return Classification{Kind: Unknown, Code: code}
	}
}

var networkErrnos = []syscall.Errno{
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.ENETUNREACH,
	syscall.EHOSTUNREACH,
	syscall.EPIPE,
}

func isNetwork(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	for _, errno := range networkErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// connTimeout reports a timeout raised below the caller: some error in the
// chain reports Timeout() and the innermost cause is not the bare
// context.DeadlineExceeded of an expired caller context.
func connTimeout(err error) bool {
	timeout := false
	var inner error
	for e := err; e != nil; e = errors.Unwrap(e) {
		if t, ok := e.(interface{ Timeout() bool }); ok && t.Timeout() && e != context.DeadlineExceeded {
			timeout = true
		}
		inner = e
	}
	return timeout && inner != context.DeadlineExceeded
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
