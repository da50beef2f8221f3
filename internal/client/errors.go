package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/aws/smithy-go"
)

var (
	// ErrObjectNotFound is returned when a storage object does not exist
	ErrObjectNotFound = errors.New("object not found")

	// ErrMalformedResponse marks a successful reply whose body is unusable
	ErrMalformedResponse = errors.New("malformed response")
)

// ServiceError is a non-2xx answer from an HTTP collaborator
type ServiceError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s error (status %d): %s", e.Service, e.StatusCode, e.Body)
}

// throttling codes reported by AWS APIs
var throttlingCodes = map[string]bool{
	"ThrottlingException":                    true,
	"Throttling":                             true,
	"ProvisionedThroughputExceededException": true,
	"RequestLimitExceeded":                   true,
	"SlowDown":                               true,
}

// IsTransient reports whether err is worth retrying: network failures,
// throttling and server-side faults. Rejections of the request itself
// (bad input, quota, unsupported media) and unusable replies are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrMalformedResponse) || errors.Is(err, ErrObjectNotFound) {
		return false
	}

	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.StatusCode >= http.StatusInternalServerError ||
			svcErr.StatusCode == http.StatusTooManyRequests
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if throttlingCodes[apiErr.ErrorCode()] {
			return true
		}
		return apiErr.ErrorFault() == smithy.FaultServer
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
