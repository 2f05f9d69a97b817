package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spherical/batch-extractor/internal/domain"
)

var (
	statusPattern     = regexp.MustCompile(`(?i)(?:error|status|http|code)[\s:=]*(\d{3})\b`)
	retryDelayPattern = regexp.MustCompile(`(?i)retry_?delay"?\s*[:=]\s*"?(\d+(?:\.\d+)?)s`)
	retryInPattern    = regexp.MustCompile(`(?i)retry in (\d+(?:\.\d+)?)\s*s`)
)

var (
	quotaPhrases = []string{
		"rate limit", "ratelimit", "rate_limit", "quota", "resource_exhausted",
		"resource exhausted", "exhausted", "too many requests",
	}
	dailyPhrases = []string{
		"per day", "per-day", "perday", "per_day", "daily",
	}
	invalidKeyPhrases = []string{
		"api key not valid", "api_key_invalid", "invalid api key", "invalid_api_key",
		"permission denied", "permission_denied", "unauthenticated", "unauthorized",
	}
	permanentPhrases = []string{
		"image too large", "invalid argument", "invalid_argument", "unsupported mime",
		"safety", "blocked",
	}
	transientPhrases = []string{
		"timeout", "timed out", "deadline", "connection", "unavailable", "eof",
		"reset by peer", "overloaded", "internal error", "try again",
	}
)

// ClassifyStatus maps an HTTP failure to the recognition error taxonomy.
func ClassifyStatus(status int, body string, retryAfter time.Duration) error {
	cause := domain.APIError("HTTP "+strconv.Itoa(status)+": "+truncate(body, 300), nil)
	lower := strings.ToLower(body)

	if retryAfter == 0 {
		retryAfter = retryDelayFromText(body)
	}

	switch {
	case status == http.StatusTooManyRequests:
		return &domain.QuotaError{Scope: quotaScope(lower), RetryAfter: retryAfter, Err: cause}
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return &domain.PermanentError{Reason: "credential rejected", InvalidCredential: true, Err: cause}
	case status == http.StatusPaymentRequired:
		// OpenRouter answers 402 when the key's credits are spent.
		return &domain.QuotaError{Scope: domain.QuotaScopeDay, RetryAfter: retryAfter, Err: cause}
	case status == http.StatusRequestTimeout, status >= 500:
		return &domain.TransientError{Err: cause}
	case status >= 400:
		if containsAny(lower, quotaPhrases) {
			return &domain.QuotaError{Scope: quotaScope(lower), RetryAfter: retryAfter, Err: cause}
		}
		if containsAny(lower, invalidKeyPhrases) {
			return &domain.PermanentError{Reason: "credential rejected", InvalidCredential: true, Err: cause}
		}
		return &domain.PermanentError{Reason: "request rejected", Err: cause}
	}
	return &domain.TransientError{Err: cause}
}

// Classify maps a provider or transport error to the taxonomy. Errors that
// are already classified, and context cancellation, pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := domain.AsQuota(err); ok {
		return err
	}
	if _, ok := domain.AsPermanent(err); ok {
		return err
	}
	if domain.IsTransient(err) || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.TransientError{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &domain.TransientError{Err: err}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)

	if m := statusPattern.FindStringSubmatch(msg); m != nil {
		if status, convErr := strconv.Atoi(m[1]); convErr == nil && status >= 400 && status < 600 {
			classified := ClassifyStatus(status, msg, 0)
			return rewrap(classified, err)
		}
	}

	switch {
	case containsAny(lower, quotaPhrases):
		return &domain.QuotaError{Scope: quotaScope(lower), RetryAfter: retryDelayFromText(msg), Err: err}
	case containsAny(lower, invalidKeyPhrases):
		return &domain.PermanentError{Reason: "credential rejected", InvalidCredential: true, Err: err}
	case containsAny(lower, permanentPhrases):
		return &domain.PermanentError{Reason: "request rejected", Err: err}
	case containsAny(lower, transientPhrases):
		return &domain.TransientError{Err: err}
	}
	return &domain.TransientError{Err: err}
}

// rewrap keeps the classification of c but carries the original error.
func rewrap(c error, orig error) error {
	switch e := c.(type) {
	case *domain.QuotaError:
		e.Err = orig
	case *domain.PermanentError:
		e.Err = orig
	case *domain.TransientError:
		e.Err = orig
	}
	return c
}

// ParseRetryAfter reads a Retry-After header value in seconds or HTTP date.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func retryDelayFromText(text string) time.Duration {
	for _, re := range []*regexp.Regexp{retryDelayPattern, retryInPattern} {
		if m := re.FindStringSubmatch(text); m != nil {
			if secs, err := strconv.ParseFloat(m[1], 64); err == nil && secs > 0 {
				return time.Duration(secs * float64(time.Second))
			}
		}
	}
	return 0
}

func quotaScope(lower string) domain.QuotaScope {
	if containsAny(lower, dailyPhrases) {
		return domain.QuotaScopeDay
	}
	return domain.QuotaScopeMinute
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
