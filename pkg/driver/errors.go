package driver

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/iXsystems/truenas-iscsi/pkg/client"
	"github.com/iXsystems/truenas-iscsi/pkg/iscsi"
	"github.com/iXsystems/truenas-iscsi/pkg/provisioner"
)

// toStatus wraps err in a gRPC status whose code follows the provisioner
// and client error taxonomy. msg prefixes the status message.
func toStatus(err error, msg string) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), fmt.Sprintf("%s: %v", msg, err))
}

func codeOf(err error) codes.Code {
	var pe *provisioner.PreflightError
	if errors.As(err, &pe) {
		switch {
		case pe.Failed(provisioner.CheckRequest):
			return codes.InvalidArgument
		case pe.Failed(provisioner.CheckSpace):
			return codes.ResourceExhausted
		case pe.Failed(provisioner.CheckReachable):
			return codes.Unavailable
		}
		return codes.FailedPrecondition
	}

	var ce *provisioner.CheckError
	if errors.As(err, &ce) {
		switch ce.Check {
		case provisioner.CheckRequest:
			return codes.InvalidArgument
		case provisioner.CheckSpace:
			return codes.ResourceExhausted
		}
		return codes.FailedPrecondition
	}

	var dn *iscsi.DeviceNotReadyError
	if errors.As(err, &dn) {
		return codes.Unavailable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return codes.DeadlineExceeded
	}
	var ve *client.ValidationError
	if errors.As(err, &ve) {
		return codes.InvalidArgument
	}

	switch client.Classify(err) {
	case client.ClassNotFound:
		return codes.NotFound
	case client.ClassNotSupported:
		return codes.Unimplemented
	case client.ClassAuth:
		return codes.PermissionDenied
	case client.ClassTransient, client.ClassRateLimited:
		return codes.Unavailable
	case client.ClassCanceled:
		return codes.Canceled
	}
	if client.IsNotFoundError(err) {
		return codes.NotFound
	}
	return codes.Internal
}

func isNotFound(err error) bool {
	return errors.Is(err, client.ErrNotFound) || client.IsNotFoundError(err)
}
