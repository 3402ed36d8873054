package youtube

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/kapu/outlier-scout-go/pkg/errors"
	"google.golang.org/api/googleapi"
)

const serviceName = "youtube"

var quotaReasons = map[string]bool{
	"quotaExceeded":      true,
	"dailyLimitExceeded": true,
}

// mapError turns a raw platform failure into the error taxonomy. Quota
// rejections by the platform itself count as exhaustion; throttling, server
// errors, timeouts and network failures are transient; other client errors are
// terminal.
func mapError(operation string, err error, resetAt time.Time) error {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewTransientError("call timed out", operation, err)
	}
	if stderrors.Is(err, context.Canceled) {
		return errors.NewTransientError("call aborted", operation, err)
	}

	var apiErr *googleapi.Error
	if !stderrors.As(err, &apiErr) {
		return errors.NewTransientError("network failure", operation, err)
	}

	switch {
	case apiErr.Code == http.StatusForbidden && hasQuotaReason(apiErr):
		quotaErr := errors.NewQuotaExhaustedError(operation, 0, 0, resetAt)
		quotaErr.Cause = err
		return quotaErr
	case apiErr.Code == http.StatusTooManyRequests:
		return errors.NewTransientError("rate limited", operation, err)
	case apiErr.Code >= http.StatusInternalServerError:
		return errors.NewTransientError("upstream server error", operation, err)
	default:
		return errors.NewServiceError(apiErr.Message, serviceName, operation, err)
	}
}

func hasQuotaReason(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if quotaReasons[item.Reason] {
			return true
		}
	}
	return false
}
