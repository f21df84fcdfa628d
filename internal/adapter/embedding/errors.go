package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"catrec/internal/domain"
)

// statusError maps an HTTP status from a provider to a coded error.
func statusError(status int, msg string, cause error, retryAfter time.Duration) error {
	switch {
	case status == http.StatusTooManyRequests:
		e := domain.NewError(domain.CodeRateLimited, msg, cause)
		e.RetryAfter = retryAfter
		return e
	case status == 0, status == http.StatusRequestTimeout, status >= 500:
		return domain.NewError(domain.CodeProviderUnavailable, msg, cause)
	default:
		return domain.NewError(domain.CodeProviderRejected, msg, cause)
	}
}

// transportError classifies a failure that produced no HTTP response.
func transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return domain.NewError(domain.CodeProviderUnavailable, "embedding request failed", err)
}

// parseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func countMismatch(got, want int) error {
	return domain.NewError(domain.CodeProviderUnavailable,
		fmt.Sprintf("provider returned %d vectors for %d inputs", got, want), nil)
}
