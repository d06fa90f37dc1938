package domain

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ToGRPCStatus maps an error from the renewal engine onto a gRPC status
// without exposing internal details.
func ToGRPCStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}

	domainErr := GetDomainError(err)
	if domainErr == nil {
		return status.New(codes.Internal, "internal server error")
	}

	switch domainErr.Code {
	case ErrCodeInvalidInput, ErrCodeCreation:
		return status.New(codes.InvalidArgument, domainErr.Message)
	case ErrCodeNotFound:
		return status.New(codes.NotFound, domainErr.Message)
	case ErrCodeInvalidTransition:
		return status.New(codes.FailedPrecondition, domainErr.Message)
	case ErrCodeRecordUnavailable:
		return status.New(codes.Unavailable, domainErr.Message)
	default:
		return status.New(codes.Internal, "internal server error")
	}
}

// SanitizeError converts any error to a gRPC error
func SanitizeError(err error) error {
	if err == nil {
		return nil
	}
	return ToGRPCStatus(err).Err()
}
