package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/iXsystems/truenas-iscsi/pkg/wire"
)

// ErrorClass is the retry-relevant category of a failed call.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassTransient
	ClassRateLimited
	ClassAuth
	ClassNotFound
	ClassValidation
	ClassNotSupported
	ClassCanceled
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "ok"
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassAuth:
		return "auth"
	case ClassNotFound:
		return "not_found"
	case ClassValidation:
		return "validation"
	case ClassNotSupported:
		return "not_supported"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Retryable reports whether another attempt may succeed.
func (c ErrorClass) Retryable() bool {
	return c == ClassTransient || c == ClassRateLimited
}

var (
	authMarkers      = []string{"not authorized", "unauthorized", "permission denied", "forbidden", "eacces", "eperm", "authentication"}
	rateLimitMarkers = []string{"rate limit", "too many requests", "throttl"}
	transientMarkers = []string{"eagain", "ebusy", "etimedout", "timed out", "timeout", "try again", "connection reset", "connection refused", "broken pipe", "temporarily unavailable"}
)

// Classify maps an error returned by any transport onto an ErrorClass.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	if errors.Is(err, ErrNotSupported) || errors.Is(err, ErrNoRESTRoute) {
		return ClassNotSupported
	}
	if errors.Is(err, ErrAuthFailed) {
		return ClassAuth
	}

	var hsErr *wire.HandshakeError
	if errors.As(err, &hsErr) {
		switch hsErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return ClassAuth
		case http.StatusTooManyRequests:
			return ClassRateLimited
		}
		return ClassTransient
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return classifyHTTP(httpErr)
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return classifyRPC(rpcErr)
	}

	if errors.Is(err, ErrNotFound) {
		return ClassNotFound
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return ClassValidation
	}

	if isNetworkError(err) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, rateLimitMarkers):
		return ClassRateLimited
	case containsAny(msg, authMarkers):
		return ClassAuth
	case containsAny(msg, transientMarkers):
		return ClassTransient
	}
	return ClassValidation
}

func classifyHTTP(e *HTTPError) ErrorClass {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return ClassRateLimited
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return ClassAuth
	case e.StatusCode == http.StatusNotImplemented:
		return ClassNotSupported
	case e.StatusCode >= 500:
		return ClassTransient
	case IsNotFoundError(e):
		return ClassNotFound
	}
	return ClassValidation
}

func classifyRPC(e *RPCError) ErrorClass {
	switch e.Code {
	case rpcErrCodeNoMethod:
		return ClassNotSupported
	case rpcErrCodeConnectionLost:
		return ClassTransient
	case rpcErrCodeNotFound:
		return ClassNotFound
	}

	text := e.text()
	switch {
	case containsAny(text, rateLimitMarkers):
		return ClassRateLimited
	case containsAny(text, authMarkers):
		return ClassAuth
	case containsAny(text, notFoundMarkers):
		return ClassNotFound
	case containsAny(text, transientMarkers):
		return ClassTransient
	}
	return ClassValidation
}

// isNetworkError covers timeouts, resets, TLS failures and truncated streams.
func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, ErrNotConnected) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var protoErr *wire.ProtocolError
	if errors.As(err, &protoErr) {
		return true
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return true
	}
	return IsConnectionError(err)
}

// isTransportFailure reports whether the WebSocket leg failed below the
// JSON-RPC layer, which is what makes a REST retry of the same call useful.
func isTransportFailure(err error) bool {
	return IsConnectionError(err) && Classify(err) == ClassTransient
}
