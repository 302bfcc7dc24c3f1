package resilience

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/sony/gobreaker"
)

// Class is a closed error taxonomy driving recovery decisions.
type Class int

const (
	Unknown Class = iota
	Connection
	Timeout
	Authentication
	Permission
	Configuration
	Resource
	Validation
	ExternalService
)

var classNames = map[Class]string{
	Unknown:         "unknown",
	Connection:      "connection",
	Timeout:         "timeout",
	Authentication:  "authentication",
	Permission:      "permission",
	Configuration:   "configuration",
	Resource:        "resource",
	Validation:      "validation",
	ExternalService: "external_service",
}

func (c Class) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return "unknown"
}

// ErrOpen is returned without calling the dependency while its breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// Error carries a class decided where the failure originated.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with class. It returns nil for a nil err.
func Wrap(class Class, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Op: op, Err: err}
}

// Errorf creates a classified error.
func Errorf(class Class, format string, args ...interface{}) error {
	return &Error{Class: class, Err: fmt.Errorf(format, args...)}
}

// HTTPStatusClass maps an HTTP response status to an error class.
func HTTPStatusClass(status int) Class {
	switch {
	case status == 401:
		return Authentication
	case status == 403:
		return Permission
	case status == 408 || status == 504:
		return Timeout
	case status == 429 || status == 413:
		return Resource
	case status == 404:
		return Configuration
	case status == 400 || status == 422:
		return Validation
	case status >= 500:
		return ExternalService
	}
	return Unknown
}

type keywordRule struct {
	class    Class
	keywords []string
}

// order matters: "invalid api key" must be authentication, not validation
var keywordRules = []keywordRule{
	{Timeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{Connection, []string{"connection refused", "connection reset", "connection closed", "no such host", "network is unreachable", "broken pipe", "dial tcp", "server selection error", "connection"}},
	{Authentication, []string{"unauthorized", "unauthenticated", "authentication", "invalid api key", "api key", "credential"}},
	{Permission, []string{"forbidden", "permission", "access denied", "not allowed"}},
	{Resource, []string{"out of memory", "cannot allocate memory", "no space left", "disk full", "quota", "rate limit", "too many requests", "resource exhausted"}},
	{Configuration, []string{"configuration", "not configured", "unsupported driver", "dimension mismatch", "collection mismatch"}},
	{ExternalService, []string{"service unavailable", "bad gateway", "internal server error", "upstream", "api error"}},
	{Validation, []string{"validation", "invalid", "malformed", "empty text", "no text", "required"}},
}

// Classify maps err to a Class. Typed errors are preferred; message keywords are the fallback.
func Classify(err error) Class {
	if err == nil {
		return Unknown
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Class
	}
	switch {
	case errors.Is(err, ErrOpen), errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return ExternalService
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return Timeout
	case errors.Is(err, syscall.ENOMEM), errors.Is(err, syscall.ENOSPC):
		return Resource
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE),
		errors.Is(err, driver.ErrBadConn), errors.Is(err, io.ErrUnexpectedEOF):
		return Connection
	case errors.Is(err, os.ErrPermission):
		return Permission
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Connection
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Connection
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.class
			}
		}
	}
	return Unknown
}

// IsDependencyFailure reports whether err should count against a dependency's breaker.
func IsDependencyFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch Classify(err) {
	case Connection, Timeout, ExternalService, Resource, Unknown:
		return true
	}
	return false
}
