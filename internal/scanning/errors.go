package scanning

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinels matched with errors.Is against *Error.
var (
	// ErrAuth means the credentials were refused. It is fatal for a batch.
	ErrAuth = errors.New("authentication failed")
	// ErrTransient covers timeouts, rate limiting and 5xx responses.
	ErrTransient = errors.New("transient service error")
	// ErrSchemaViolation means the model answered but nothing usable could be parsed.
	ErrSchemaViolation = errors.New("schema violation")
	// ErrRejected means the service refused this particular request.
	ErrRejected = errors.New("request rejected")
)

// Kind classifies an extraction failure.
type Kind int

const (
	KindTransient Kind = iota + 1
	KindAuth
	KindSchema
	KindRejected
)

func (k Kind) sentinel() error {
	switch k {
	case KindAuth:
		return ErrAuth
	case KindSchema:
		return ErrSchemaViolation
	case KindRejected:
		return ErrRejected
	default:
		return ErrTransient
	}
}

func (k Kind) String() string {
	return k.sentinel().Error()
}

// Error is the typed failure returned by providers and the Client.
type Error struct {
	Kind Kind
	// Status is the HTTP status code when the failure came from a response.
	Status   int
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// KindOf returns the kind of a scanning error, or 0 for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsFatal reports whether err must abort the whole batch.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuth)
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// classifyStatus maps a non-2xx HTTP response onto an error kind.
func classifyStatus(status int, body []byte) *Error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	kind := KindRejected
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		kind = KindTransient
	}
	return &Error{Kind: kind, Status: status, Err: errors.New(msg)}
}
