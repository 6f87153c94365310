package server

import (
	"net/http"

	"EscrowVault/internal/core"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// codeOf maps the engine error taxonomy onto gRPC codes.
func codeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	switch core.Classify(err) {
	case core.ErrNotFound:
		return codes.NotFound
	case core.ErrUnauthorized:
		return codes.PermissionDenied
	case core.ErrInvalidArgument:
		return codes.InvalidArgument
	case core.ErrTransferFailed:
		return codes.Unavailable
	case core.ErrAlreadyInProgress:
		return codes.Aborted
	case core.ErrGoalNotActive:
		return codes.FailedPrecondition
	}
	return codes.Internal
}

// toStatus converts an engine error to a gRPC status error, keeping the
// diagnostic message.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

// httpStatusOf maps an error to the gateway's HTTP status. Transfer failures
// are upstream errors (502) and goal state conflicts are 412; everything else
// follows the gateway's standard code table.
func httpStatusOf(err error) int {
	switch codeOf(err) {
	case codes.Unavailable:
		return http.StatusBadGateway
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	}
	return runtime.HTTPStatusFromCode(codeOf(err))
}

// messageOf returns the diagnostic text of err without the status prefix.
func messageOf(err error) string {
	if s, ok := status.FromError(err); ok {
		return s.Message()
	}
	return err.Error()
}
