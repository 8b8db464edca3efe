package imap

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// ErrorKind classifies gateway failures so the job queue can report them
// without inspecting error strings.
type ErrorKind string

const (
	KindAuthFailure       ErrorKind = "auth_failure"
	KindConnectionTimeout ErrorKind = "connection_timeout"
	KindDNSFailure        ErrorKind = "dns_failure"
	KindConnectionRefused ErrorKind = "connection_refused"
	KindOther             ErrorKind = "other"
)

// Error wraps a gateway failure with its kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the error kind of a gateway error, or KindOther for any
// other error.
func KindOf(err error) ErrorKind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return KindOther
}

// classifyConnectError maps a dial failure to a typed gateway error.
func classifyConnectError(err error) *Error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Kind: KindDNSFailure, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindConnectionTimeout, Err: err}
	}
	if os.IsTimeout(err) {
		return &Error{Kind: KindConnectionTimeout, Err: err}
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return &Error{Kind: KindConnectionRefused, Err: err}
	}

	return &Error{Kind: KindOther, Err: err}
}

// classifyLoginError maps a LOGIN failure to a typed gateway error. IMAP
// servers report bad credentials as a NO response, which go-imap surfaces as
// a plain error, so everything at this stage counts as an auth failure.
func classifyLoginError(err error) *Error {
	return &Error{Kind: KindAuthFailure, Err: err}
}
