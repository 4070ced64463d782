// Package classify maps raw failures to the agent's fixed error taxonomy.
package classify

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os/exec"
	"strings"
	"syscall"

	"github.com/halcyonvault/halcyon/pkg/models"
)

// StatusError carries an HTTP response status through call sites so the
// classifier can map it without holding on to the response itself.
type StatusError struct {
	Code int
	Body string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("server returned HTTP %d: %s", e.Code, e.Body)
}

// ToolError is a subprocess failure from one of the external sync tools.
type ToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	msg := e.Tool + " failed"
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Unwrap returns the underlying exec error.
func (e *ToolError) Unwrap() error { return e.Err }

// transientSubstrings are error-text fragments treated as transient by the
// fallback heuristic.
var transientSubstrings = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"timeout",
	"timed out",
	"temporary failure",
	"too many requests",
	"service unavailable",
	"try again",
	"eof",
}

// Classify maps any error to exactly one category from the closed taxonomy.
// It never panics; a nil error classifies as unknown/not retriable.
func Classify(err error) models.ErrorClassification {
	if err == nil {
		return models.ErrorClassification{
			Category:    models.ErrorUnknown,
			UserMessage: "An unknown error occurred.",
			Retriable:   false,
		}
	}

	// 1. Missing external dependency: tool not found on PATH.
	var toolErr *ToolError
	if errors.Is(err, exec.ErrNotFound) {
		return models.ErrorClassification{
			Category:    models.ErrorMissingDependency,
			UserMessage: "A required backup tool is not installed on this machine.",
			Retriable:   false,
		}
	}
	if errors.As(err, &toolErr) {
		if errors.Is(toolErr.Err, exec.ErrNotFound) {
			return models.ErrorClassification{
				Category:    models.ErrorMissingDependency,
				UserMessage: "The " + toolErr.Tool + " tool is not installed on this machine.",
				Retriable:   false,
			}
		}
		return models.ErrorClassification{
			Category:    models.ErrorMissingDependency,
			UserMessage: "The " + toolErr.Tool + " tool reported an error.",
			Retriable:   false,
		}
	}

	// 2. Filesystem errors.
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return models.ErrorClassification{
			Category:    models.ErrorFilesystem,
			UserMessage: "A backup source path does not exist.",
			Retriable:   false,
		}
	case errors.Is(err, fs.ErrPermission):
		return models.ErrorClassification{
			Category:    models.ErrorFilesystem,
			UserMessage: "Permission denied while reading a backup source.",
			Retriable:   false,
		}
	case errors.Is(err, syscall.ENOSPC):
		return models.ErrorClassification{
			Category:    models.ErrorFilesystem,
			UserMessage: "The disk is out of space.",
			Retriable:   false,
		}
	}

	// 3. Network errors.
	if isNetworkError(err) {
		return models.ErrorClassification{
			Category:    models.ErrorNetwork,
			UserMessage: "Could not reach the backup server. The agent will retry.",
			Retriable:   true,
		}
	}

	// 4. HTTP status.
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code == 401 || statusErr.Code == 403:
			return models.ErrorClassification{
				Category:    models.ErrorAuthentication,
				UserMessage: "The server rejected this agent's credentials.",
				Retriable:   false,
			}
		case statusErr.Code == 404:
			return models.ErrorClassification{
				Category:    models.ErrorNotFound,
				UserMessage: "The requested resource was not found on the server.",
				Retriable:   false,
			}
		case statusErr.Code == 413:
			return models.ErrorClassification{
				Category:    models.ErrorSize,
				UserMessage: "The backup is too large for the server to accept.",
				Retriable:   false,
			}
		case statusErr.Code >= 500:
			return models.ErrorClassification{
				Category:    models.ErrorServer,
				UserMessage: "The backup server reported an internal error. The agent will retry.",
				Retriable:   true,
			}
		}
	}

	// 5. Fallback.
	return models.ErrorClassification{
		Category:    models.ErrorUnknown,
		UserMessage: "The backup failed with an unexpected error.",
		Retriable:   IsTransient(err),
	}
}

// IsRetriable is the predicate the retry engine defaults to.
func IsRetriable(err error) bool {
	return Classify(err).Retriable
}

// IsTransient applies the generic transient-error heuristic: retriable HTTP
// statuses (429, 408, 5xx except 501) and well-known transient error text.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		code := statusErr.Code
		if code == 429 || code == 408 {
			return true
		}
		if code >= 500 && code != 501 {
			return true
		}
		return false
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// isNetworkError reports whether err is a connection, DNS, or timeout failure.
func isNetworkError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}
