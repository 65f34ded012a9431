package syncer

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/draft-keeper/internal/errs"
)

// Class is the retry class of a remote-save failure.
type Class int

// Failure classes.
const (
	Transient Class = iota
	Permanent
	Auth
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Auth:
		return "auth"
	default:
		return "unknown"
	}
}

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	HTTPStatus() int
}

// Classify decides whether err may be retried.
// Unrecognised errors are treated as transient.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}
	if errors.Is(err, errs.ErrUnauthorized) {
		return Auth
	}
	if errors.Is(err, errs.ErrVersionConflict) {
		return Permanent
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return classifyHTTP(sc.HTTPStatus())
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		return classifyGRPC(st.Code())
	}
	// timeouts, net.Error and anything unrecognised
	return Transient
}

func classifyHTTP(code int) Class {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return Auth
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return Transient
	case code >= 500:
		return Transient
	case code >= 400:
		return Permanent
	default:
		return Transient
	}
}

func classifyGRPC(c codes.Code) Class {
	switch c {
	case codes.Unauthenticated, codes.PermissionDenied:
		return Auth
	case codes.NotFound, codes.InvalidArgument, codes.FailedPrecondition,
		codes.AlreadyExists, codes.OutOfRange, codes.Unimplemented:
		return Permanent
	default:
		// Unavailable, DeadlineExceeded, ResourceExhausted, Aborted, Internal, Unknown, Canceled
		return Transient
	}
}
