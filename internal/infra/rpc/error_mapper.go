package rpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"mgmtagent/internal/domain"
)

func statusFromError(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Errorf(codes.DeadlineExceeded, "%s: deadline exceeded", op)
	case errors.Is(err, context.Canceled):
		return status.Errorf(codes.Canceled, "%s: canceled", op)
	}

	if code, ok := domain.CodeFrom(err); ok {
		return statusFromCode(op, code, err)
	}
	return statusFromCode(op, domain.CodeInternal, err)
}

func statusFromCode(op string, code domain.ErrorCode, err error) error {
	grpcCode := grpcCodeFromDomain(code)
	msg := err.Error()
	if op != "" {
		msg = fmt.Sprintf("%s: %v", op, err)
	}
	return status.Error(grpcCode, msg)
}

func grpcCodeFromDomain(code domain.ErrorCode) codes.Code {
	switch code {
	case domain.CodeInvalidArgument, domain.CodeMalformedAddress:
		return codes.InvalidArgument
	case domain.CodeNotFound:
		return codes.NotFound
	case domain.CodeUnavailable:
		return codes.Unavailable
	case domain.CodeFailedPrecond:
		return codes.FailedPrecondition
	case domain.CodePermissionDenied:
		return codes.PermissionDenied
	case domain.CodeMalformedCredentials, domain.CodeAuthenticationFailed:
		return codes.Unauthenticated
	case domain.CodeInternal:
		return codes.Internal
	default:
		return codes.Internal
	}
}

// errorFromStatus converts a remote failure back into a domain error so
// callers can match the taxonomy with errors.Is.
func errorFromStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var code domain.ErrorCode
	switch st.Code() {
	case codes.Unauthenticated:
		code = domain.CodeAuthenticationFailed
	case codes.InvalidArgument:
		code = domain.CodeInvalidArgument
	case codes.NotFound:
		code = domain.CodeNotFound
	case codes.Unavailable:
		code = domain.CodeUnavailable
	case codes.FailedPrecondition:
		code = domain.CodeFailedPrecond
	case codes.PermissionDenied:
		code = domain.CodePermissionDenied
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
	case codes.Canceled:
		return fmt.Errorf("%s: %w", op, context.Canceled)
	default:
		code = domain.CodeInternal
	}
	return domain.E(code, op, st.Message(), err)
}
