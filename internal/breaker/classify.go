package breaker

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// Class is the failure classification assigned to every recorded error.
// Classification drives both retry decisions and immediate breaker trips.
type Class string

const (
	ClassTemporary      Class = "temporary"
	ClassPermanent      Class = "permanent"
	ClassRateLimit      Class = "rate_limit"
	ClassAuthentication Class = "authentication"
	ClassNotFound       Class = "not_found"
	ClassServerError    Class = "server_error"
	ClassClientError    Class = "client_error"
	ClassNetworkError   Class = "network_error"
	ClassTimeout        Class = "timeout"
	ClassUnknown        Class = "unknown"
)

// statusCoder is implemented by provider errors that carry an upstream HTTP
// status (the adapters' ProviderError types).
type statusCoder interface {
	HTTPStatus() int
}

var embeddedStatusRe = regexp.MustCompile(`\b([1-5]\d{2})\b`)

// Classify maps an error to a Class.
//
// Errors carrying an HTTP status are classified by status code. Everything
// else is classified by message substring (case-insensitive); as a last
// resort the first embedded 3-digit status code found in the message is used.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTimeout
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		return ClassifyStatus(sc.HTTPStatus())
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "aborted"):
		return ClassTimeout
	case strings.Contains(msg, "network"), strings.Contains(msg, "connection"), strings.Contains(msg, "fetch"):
		return ClassNetworkError
	}

	if m := embeddedStatusRe.FindString(msg); m != "" {
		if code, err := strconv.Atoi(m); err == nil {
			if c := ClassifyStatus(code); c != ClassUnknown {
				return c
			}
		}
	}

	return ClassUnknown
}

// ClassifyStatus maps an upstream HTTP status code to a Class.
func ClassifyStatus(status int) Class {
	switch status {
	case 400:
		return ClassClientError
	case 401, 403:
		return ClassAuthentication
	case 404:
		return ClassNotFound
	case 408:
		return ClassTimeout
	case 429:
		return ClassRateLimit
	case 500, 502, 503, 505:
		return ClassServerError
	case 504:
		return ClassTimeout
	}
	switch {
	case status >= 400 && status < 500:
		return ClassClientError
	case status >= 500 && status < 600:
		return ClassServerError
	}
	return ClassUnknown
}

// Retryable reports whether an error of the given class is worth retrying
// against another provider (or the same provider after a backoff).
func Retryable(c Class) bool {
	switch c {
	case ClassTemporary, ClassServerError, ClassTimeout, ClassNetworkError, ClassRateLimit, ClassClientError:
		return true
	}
	return false
}

// TripsImmediately reports whether a single error of the given class should
// open the breaker without waiting for the error-rate threshold.
func TripsImmediately(c Class) bool {
	return c == ClassNotFound || c == ClassAuthentication
}
