// Package middleware wraps the HTTP clients used to reach OAuth and mail
// provider endpoints.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/mailproof/mailproof/internal/logger"
)

// RoundTripperFunc adapts a function to http.RoundTripper
type RoundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip implements http.RoundTripper
func (f RoundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// Logging logs every outgoing request. Query strings are never logged
// since they may carry tokens or authorization codes.
func Logging(next http.RoundTripper, log *logger.Logger) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
		start := time.Now()
		resp, err := next.RoundTrip(r)

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		log.HTTPCall(r.Method, r.URL.Host, r.URL.Path, status, time.Since(start), err)
		return resp, err
	})
}

// Recover turns a panic inside next into an error so one bad response
// cannot take down a running campaign
func Recover(next http.RoundTripper, log *logger.Logger) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return RoundTripperFunc(func(r *http.Request) (resp *http.Response, err error) {
		defer func() {
			if p := recover(); p != nil {
				log.Error().
					Interface("error", p).
					Str("stack", string(debug.Stack())).
					Str("host", r.URL.Host).
					Str("path", r.URL.Path).
					Msg("panic recovered")
				resp, err = nil, fmt.Errorf("http transport panic: %v", p)
			}
		}()
		return next.RoundTrip(r)
	})
}

// Client returns an HTTP client with recovery and logging installed
func Client(timeout time.Duration, log *logger.Logger) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: Logging(Recover(http.DefaultTransport, log), log),
	}
}
