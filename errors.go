package moltgate

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConfigured is returned while the backend has no usable
// configuration. Requests are sent to the setup surface instead.
var ErrNotConfigured = errors.New("gateway not configured")

// SpawnError reports that the backend process could not be created, or
// that it exited before it became ready.
type SpawnError struct {
	Err error
	// Exit is set when the process started but exited during startup.
	Exit *ExitStatus
}

func (e *SpawnError) Error() string {
	if e.Exit != nil {
		return fmt.Sprintf("gateway exited during startup (%s)", e.Exit)
	}
	return fmt.Sprintf("gateway spawn failed: %v", e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ReadinessTimeoutError reports that the backend was spawned but never
// answered on its endpoint before the deadline.
type ReadinessTimeoutError struct {
	Endpoint Endpoint
	Timeout  time.Duration
}

func (e *ReadinessTimeoutError) Error() string {
	return fmt.Sprintf("gateway did not become ready on %s within %s", e.Endpoint, e.Timeout)
}

// ProxyUnavailableError reports that a request was forwarded to a backend
// that was believed ready but the connection failed.
type ProxyUnavailableError struct {
	Err error
}

func (e *ProxyUnavailableError) Error() string {
	return fmt.Sprintf("gateway not available: %v", e.Err)
}

func (e *ProxyUnavailableError) Unwrap() error { return e.Err }
