package pipeline

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/aws/smithy-go"

	"github.com/you/lexbatch/internal/domain"
	"github.com/you/lexbatch/internal/ocr"
)

var (
	errEmptyText   = errors.New("empty document: no text detected")
	errUnsupported = errors.New("unsupported format")
)

// ErrorType names the kind of failure err is, for error records and
// categorization.
func ErrorType(err error) string {
	var (
		apiErr    *anthropic.Error
		smithyErr smithy.APIError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrNotFound):
		return "DocumentNotFound"
	case errors.Is(err, errEmptyText):
		return "EmptyDocument"
	case errors.Is(err, errUnsupported):
		return "UnsupportedFormat"
	case errors.Is(err, ocr.ErrJobFailed):
		return "OCRJobFailed"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.As(err, &apiErr):
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return "RateLimitExceeded"
		case http.StatusUnauthorized, http.StatusForbidden:
			return "AuthenticationError"
		}
		if apiErr.StatusCode >= 500 {
			return "ServiceUnavailable"
		}
		return "APIError"
	case errors.As(err, &smithyErr):
		return smithyErr.ErrorCode()
	case strings.Contains(err.Error(), "invalid format"):
		return "InvalidFormat"
	}
	return "StageError"
}
