// Package errs is the manager-client error taxonomy. Generalized from a
// single apiError{url, status} type into a small typed family so callers
// can branch on errors.As instead of re-inspecting status codes at every call site.
package errs

import "fmt"

// NotFoundError means the referenced resource no longer exists upstream. Benign for
// stale references: callers drop the item rather than treat it as a failure.
type NotFoundError struct {
	URL string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("not found: %s", e.URL) }

// AuthError means the manager rejected the API key. Fatal at startup, and aborts the
// current scan when the engine sees it. The webhook receiver's own auth check answers
// 401 directly and does not use this type.
type AuthError struct {
	URL    string
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("unauthorized: %s (status %d)", e.URL, e.Status)
}

// TransientError means the failure is likely to clear on its own: connection errors,
// timeouts, 5xx, 429. The retry layer retries these; if retries are exhausted the
// engine defers the item to the next scan rather than treating it as a hard failure.
type TransientError struct {
	URL string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %s: %v", e.URL, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentServerError means the manager returned a 5xx that retries already
// exhausted. The engine logs it and leaves the item for the next scan; unlike
// TransientError it does not schedule a retry task.
type PermanentServerError struct {
	URL    string
	Status int
}

func (e *PermanentServerError) Error() string {
	return fmt.Sprintf("permanent server error: %s (status %d)", e.URL, e.Status)
}

// MalformedError means the response body could not be decoded into the expected
// shape, or the manager answered with a 4xx status that has no type of its own
// here. Logged and skipped; never retried.
type MalformedError struct {
	URL string
	Err error
}

func (e *MalformedError) Error() string { return fmt.Sprintf("malformed response: %s: %v", e.URL, e.Err) }
func (e *MalformedError) Unwrap() error { return e.Err }

// ConflictError means the manager reports a state that makes the requested mutation
// moot (e.g. the queue item is already gone before remove). Treated as success by
// the caller.
type ConflictError struct {
	URL string
}

func (e *ConflictError) Error() string { return fmt.Sprintf("conflict: %s", e.URL) }
