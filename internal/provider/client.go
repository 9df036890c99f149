// Package provider implements the upstream vendor clients consumed by
// the dispatcher. Each client builds the real HTTP request for its
// vendor and maps the outcome onto the dispatcher's error taxonomy.
package provider

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"keywarden/internal/dispatch"
)

// maxBodyBytes caps how much of an upstream response is read. Error
// bodies larger than this are truncated in the reported message.
const maxBodyBytes = 4 << 20

const errMessageBytes = 2048

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// categorize maps an upstream HTTP status onto a failure category.
func categorize(status int) dispatch.Category {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return dispatch.CategoryAuth
	case status == http.StatusTooManyRequests:
		return dispatch.CategoryRateLimited
	case status == http.StatusRequestTimeout:
		return dispatch.CategoryTimeout
	case status >= 500:
		return dispatch.CategoryTransient
	default:
		return dispatch.CategoryFatal
	}
}

// transportError classifies a failure that produced no HTTP response.
func transportError(err error) *dispatch.CallError {
	category := dispatch.CategoryTransient
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		category = dispatch.CategoryTimeout
	}
	return &dispatch.CallError{Category: category, Err: err}
}

// statusError builds the CallError for a non-200 response, carrying a
// truncated, printable slice of the body for the operator.
func statusError(status int, body []byte) *dispatch.CallError {
	msg := body
	if len(msg) > errMessageBytes {
		msg = msg[:errMessageBytes]
	}
	text := strings.TrimSpace(string(msg))
	if !utf8.ValidString(text) {
		text = "(non-UTF-8 body)"
	}
	return &dispatch.CallError{Category: categorize(status), Status: status, Message: text}
}

func readBody(res *http.Response) ([]byte, error) {
	defer res.Body.Close()
	return io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
}
