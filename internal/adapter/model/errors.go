package model

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/xiaot623/aiva/internal/domain"
)

// classifyStatus maps a non-2xx HTTP response to the shared taxonomy.
func classifyStatus(op string, status int, body []byte, header http.Header) error {
	msg := fmt.Sprintf("backend returned status %d: %s", status, truncate(string(body), 300))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.E(domain.KindBackendAuthFailed, op, msg, nil)
	case status == http.StatusTooManyRequests:
		e := domain.E(domain.KindBackendRateLimited, op, msg, nil)
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
		return e
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return domain.E(domain.KindBackendTimeout, op, msg, nil)
	case status >= 500:
		return domain.E(domain.KindBackendUnavailable, op, msg, nil)
	case status == http.StatusNotFound:
		return domain.E(domain.KindBackendUnavailable, op, msg, nil)
	default:
		return domain.E(domain.KindBackendMalformedResponse, op, msg, nil)
	}
}

// classifyTransport maps a request-level error to the shared taxonomy.
func classifyTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return domain.E(domain.KindBackendTimeout, op, "request canceled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.E(domain.KindBackendTimeout, op, "request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.E(domain.KindBackendTimeout, op, "request timed out", err)
	}
	return domain.E(domain.KindBackendUnavailable, op, "backend unreachable", err)
}

// classifyMessage classifies SDK errors that only expose a message.
func classifyMessage(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return classifyTransport(op, err)
	}
	lower := strings.ToLower(err.Error())
	switch {
	case containsAny(lower, "429", "rate limit", "resource_exhausted", "too many requests", "quota"):
		return domain.E(domain.KindBackendRateLimited, op, "", err)
	case containsAny(lower, "401", "403", "unauthenticated", "permission_denied", "api key not valid", "invalid api key"):
		return domain.E(domain.KindBackendAuthFailed, op, "", err)
	case containsAny(lower, "deadline", "timeout", "timed out"):
		return domain.E(domain.KindBackendTimeout, op, "", err)
	case containsAny(lower, "500", "502", "503", "unavailable", "overloaded", "connection refused", "no such host"):
		return domain.E(domain.KindBackendUnavailable, op, "", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return classifyTransport(op, err)
	}
	return domain.E(domain.KindBackendMalformedResponse, op, "", err)
}

// malformed wraps a decoding failure.
func malformed(op string, err error) error {
	return domain.E(domain.KindBackendMalformedResponse, op, "undecodable response", err)
}

// isTransientNetwork reports whether err happened before any response byte
// and is worth one immediate retry.
func isTransientNetwork(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return false
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
