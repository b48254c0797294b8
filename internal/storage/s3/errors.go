package s3

import (
	"context"
	stderr "errors"
	"net/http"
	"strings"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/objectfs/tilecache/pkg/errors"
)

// translateError maps an SDK failure onto a classified TileCacheError
func (s *Store) translateError(err error, operation, key string) error {
	if err == nil {
		return nil
	}

	code, msg := classify(err)
	if code == errors.ErrCodeBucketNotFound {
		msg = "bucket not found: " + s.bucket
	}

	return errors.NewError(code, msg).
		WithComponent("s3").
		WithOperation(operation).
		WithKey(key).
		WithCause(err)
}

func classify(err error) (errors.ErrorCode, string) {
	switch {
	case stderr.Is(err, context.Canceled), stderr.Is(err, context.DeadlineExceeded):
		return errors.ErrCodeOperationCanceled, "request canceled"
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		return errors.ErrCodeObjectNotFound, "object not found"
	case isErrorType[*s3types.NoSuchBucket](err):
		return errors.ErrCodeBucketNotFound, "bucket not found"
	}

	var apiErr smithy.APIError
	if stderr.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return errors.ErrCodeObjectNotFound, "object not found"
		case "NoSuchBucket":
			return errors.ErrCodeBucketNotFound, "bucket not found"
		case "AccessDenied", "Forbidden", "AllAccessDisabled":
			return errors.ErrCodeAccessDenied, "access denied"
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return errors.ErrCodeCredentialsMissing, "credentials rejected"
		case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout":
			return errors.ErrCodeServiceUnavailable, "service unavailable"
		}
	}

	var respErr *awshttp.ResponseError
	if stderr.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		switch {
		case status == http.StatusNotFound:
			return errors.ErrCodeObjectNotFound, "object not found"
		case status == http.StatusForbidden:
			return errors.ErrCodeAccessDenied, "access denied"
		case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
			return errors.ErrCodeServiceUnavailable, "service unavailable"
		}
	}

	// credential resolution fails before any request is sent
	if strings.Contains(err.Error(), "credentials") {
		return errors.ErrCodeCredentialsMissing, "no usable credentials"
	}

	return errors.ErrCodeNetworkError, "request failed"
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderr.As(err, &target)
}
