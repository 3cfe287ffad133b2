package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"syscall"
	"testing"

	"github.com/iXsystems/truenas-iscsi/pkg/wire"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{name: "nil", err: nil, want: ClassNone},
		{name: "canceled", err: fmt.Errorf("call: %w", context.Canceled), want: ClassCanceled},
		{name: "deadline", err: context.DeadlineExceeded, want: ClassTransient},
		{name: "eof", err: &ConnectionError{Op: "read", Err: io.EOF}, want: ClassTransient},
		{name: "reset", err: &ConnectionError{Op: "dial", Err: syscall.ECONNRESET}, want: ClassTransient},
		{name: "protocol", err: &ConnectionError{Op: "read", Err: &wire.ProtocolError{Opcode: 0x9, Reason: "ping"}}, want: ClassTransient},
		{name: "handshake 503", err: &ConnectionError{Op: "handshake", Err: &wire.HandshakeError{StatusCode: 503}}, want: ClassTransient},
		{name: "handshake 401", err: &ConnectionError{Op: "handshake", Err: &wire.HandshakeError{StatusCode: 401}}, want: ClassAuth},
		{name: "login rejected", err: &ConnectionError{Op: "auth", Err: ErrAuthFailed}, want: ClassAuth},
		{name: "http 500", err: &HTTPError{StatusCode: 500, Message: "boom"}, want: ClassTransient},
		{name: "http 429", err: &HTTPError{StatusCode: http.StatusTooManyRequests}, want: ClassRateLimited},
		{name: "http 403", err: &HTTPError{StatusCode: http.StatusForbidden}, want: ClassAuth},
		{name: "http 404", err: &HTTPError{StatusCode: http.StatusNotFound}, want: ClassNotFound},
		{name: "http 422 missing", err: &HTTPError{StatusCode: 422, Message: "tank/x does not exist"}, want: ClassNotFound},
		{name: "http 422", err: &HTTPError{StatusCode: 422, Message: "volsize: invalid"}, want: ClassValidation},
		{name: "http 501", err: &HTTPError{StatusCode: http.StatusNotImplemented}, want: ClassNotSupported},
		{name: "rpc enoent", err: &RPCError{Code: rpcErrCodeNotFound, Message: "gone"}, want: ClassNotFound},
		{name: "rpc instance not found", err: &RPCError{Code: 22, Message: "Error", Data: json.RawMessage(`{"errname":"InstanceNotFound"}`)}, want: ClassNotFound},
		{name: "rpc no method", err: &RPCError{Code: rpcErrCodeNoMethod, Message: "Method does not exist"}, want: ClassNotSupported},
		{name: "rpc connection lost", err: &RPCError{Code: rpcErrCodeConnectionLost, Message: "connection lost"}, want: ClassTransient},
		{name: "rpc busy", err: &RPCError{Code: 16, Message: "[EBUSY] dataset is busy"}, want: ClassTransient},
		{name: "rpc rate limit", err: &RPCError{Code: 1, Message: "Rate limit exceeded"}, want: ClassRateLimited},
		{name: "rpc not authorized", err: &RPCError{Code: 13, Message: "Not authorized"}, want: ClassAuth},
		{name: "rpc validation", err: &RPCError{Code: 22, Message: "[EINVAL] lunid: LUN ID is already being used"}, want: ClassValidation},
		{name: "wrapped not found", err: fmt.Errorf("dataset x: %w", ErrNotFound), want: ClassNotFound},
		{name: "not supported", err: fmt.Errorf("snapshot: %w", ErrNotSupported), want: ClassNotSupported},
		{name: "no rest route", err: fmt.Errorf("x: %w", ErrNoRESTRoute), want: ClassNotSupported},
		{name: "request validation", err: &ValidationError{Field: "lun", Reason: "bad"}, want: ClassValidation},
		{name: "unknown", err: errors.New("something odd"), want: ClassValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err), "class %s", Classify(tt.err))
		})
	}
}

func TestIsNotFoundError(t *testing.T) {
	assert.True(t, IsNotFoundError(fmt.Errorf("x: %w", ErrNotFound)))
	assert.True(t, IsNotFoundError(&RPCError{Code: 22, Message: "[ENOENT] extent 4 does not exist"}))
	assert.True(t, IsNotFoundError(&HTTPError{StatusCode: 404}))
	assert.False(t, IsNotFoundError(&RPCError{Code: 22, Message: "invalid"}))
	assert.False(t, IsNotFoundError(nil))
}

func TestIsTransportFailure(t *testing.T) {
	assert.True(t, isTransportFailure(&ConnectionError{Op: "read", Err: io.EOF}))
	assert.False(t, isTransportFailure(&ConnectionError{Op: "auth", Err: ErrAuthFailed}))
	assert.False(t, isTransportFailure(&RPCError{Code: 22, Message: "invalid"}))
	assert.False(t, isTransportFailure(&ConnectionError{Op: "read", Err: context.Canceled}))
}
