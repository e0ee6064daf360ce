package moderation

import (
	"net/http"
	"time"
)

// RetryPolicy bounds the number of moderation attempts and the wait between
// them. The wait before retry n (0-based) is Base * 2^n, capped at Max when
// Max is set.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, Base: 400 * time.Millisecond, Max: 5 * time.Second}
}

// Retries is the number of attempts after the first one.
func (p RetryPolicy) Retries() int {
	if p.MaxAttempts <= 1 {
		return 0
	}
	return p.MaxAttempts - 1
}

func (p RetryPolicy) Backoff(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := p.Base
	for i := 0; i < retry; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// backoff adapts the policy to the retryablehttp.Backoff signature.
func (p RetryPolicy) backoff(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
	return p.Backoff(attemptNum)
}
