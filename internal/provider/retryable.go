package provider

import "strings"

// transientMarkers classifies upstream failures that are worth
// retrying: rate limits, server errors, timeouts, and network resets.
var transientMarkers = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"429",
	"500",
	"502",
	"503",
	"504",
	"overloaded",
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
}

// isTransient reports whether an upstream error is retryable.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
