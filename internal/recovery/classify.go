package recovery

import (
	"strings"

	"github.com/you/lexbatch/internal/domain"
)

// Keyword lists are matched case-insensitively against "<type> <message>".
// Order matters: the first category with a hit wins.
var keywords = []struct {
	category domain.ErrorCategory
	words    []string
}{
	{domain.CategoryRateLimit, []string{"rate limit", "ratelimit", "rate_limit", "429", "quota", "throttl", "too many requests"}},
	{domain.CategoryConfiguration, []string{"auth", "credential", "permission", "forbidden", "401", "403", "api key", "access denied", "invalid key", "not configured"}},
	{domain.CategoryResource, []string{"memory", "oom", "disk", "no space", "resource exhausted", "too large"}},
	{domain.CategoryData, []string{"corrupt", "invalid format", "malformed", "unsupported", "cannot decode", "parse error", "encoding", "empty document"}},
	{domain.CategoryTransient, []string{"timeout", "timed out", "deadline", "connection", "network", "temporar", "unavailable", "reset", "refused", "502", "503", "504", "eof"}},
}

// Categorize maps an error to a recovery category. Unmatched errors are permanent.
func Categorize(message, errorType string) domain.ErrorCategory {
	s := strings.ToLower(errorType + " " + message)
	for _, k := range keywords {
		for _, w := range k.words {
			if strings.Contains(s, w) {
				return k.category
			}
		}
	}
	return domain.CategoryPermanent
}

const maxRateLimitDelay = 3600

// Strategy picks the retry strategy and delay in seconds for a document that
// has already been retried retryCount times. It is a pure function.
func Strategy(category domain.ErrorCategory, retryCount int) (domain.RetryStrategy, int) {
	n := max(retryCount, 0)
	switch category {
	case domain.CategoryTransient:
		switch {
		case n < 3:
			return domain.RetryImmediate, 0
		case n < 6:
			return domain.RetryExponential, 1 << (n - 2)
		}
		return domain.RetryManual, 0
	case domain.CategoryResource:
		return domain.RetryLinear, 60 * (n + 1)
	case domain.CategoryRateLimit:
		if n >= 6 {
			return domain.RetryExponential, maxRateLimitDelay
		}
		return domain.RetryExponential, min(maxRateLimitDelay, 60*(1<<n))
	}
	return domain.RetryManual, 0
}
