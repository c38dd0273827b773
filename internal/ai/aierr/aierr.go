// Package aierr classifies text-generation failures. It has no provider
// dependencies so callers that only need the classes stay light.
package aierr

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Generation failure classes.
var (
	ErrAuth      = errors.New("generation auth error")
	ErrRateLimit = errors.New("generation rate limit error")
	ErrNetwork   = errors.New("generation network error")
	ErrUnknown   = errors.New("generation error")
)

var (
	authMarkers = []string{"api key", "api_key", "apikey", "unauthorized", "unauthenticated", "permission denied", "401", "403"}
	rateMarkers = []string{"rate limit", "ratelimit", "too many requests", "429", "quota", "resource_exhausted"}
	netMarkers  = []string{"network", "timeout", "timed out", "connection refused", "connection reset", "no such host", "eof", "unavailable"}
)

// Classify returns the failure class sentinel for err, or nil for a nil error.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrAuth, ErrRateLimit, ErrNetwork, ErrUnknown} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, authMarkers):
		return ErrAuth
	case containsAny(msg, rateMarkers):
		return ErrRateLimit
	case containsAny(msg, netMarkers):
		return ErrNetwork
	default:
		return ErrUnknown
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
