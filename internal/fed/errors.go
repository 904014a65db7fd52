// Package fed is the federation engine: resolving remote actors and
// objects, planning delivery audiences, dispatching inbound activities
// and delivering outbound ones with retry.
package fed

import (
	"errors"
	"fmt"
)

// Resolver failure classes. Callers branch on these to decide between
// 404s, retries and hard errors.
var (
	// ErrRemoteObjectNotFound: the remote host answered 404 or 410.
	ErrRemoteObjectNotFound = errors.New("remote object not found")

	// ErrMalformedRemoteResponse: the remote host answered but the
	// document was not usable.
	ErrMalformedRemoteResponse = errors.New("malformed remote response")

	// ErrRemoteDown: network failure or 5xx from the remote host.
	ErrRemoteDown = errors.New("remote host unavailable")

	// ErrResolveDepth: a reply chain exceeded the configured fetch depth.
	ErrResolveDepth = errors.New("resolve depth limit exceeded")

	// ErrNotLocal: an operation that needs a local user got a remote one.
	ErrNotLocal = errors.New("user is not local")
)

// InboxError is a dispatch failure mapped to an HTTP status for the
// inbox endpoint.
type InboxError struct {
	Status int
	Msg    string
}

func (e *InboxError) Error() string {
	return fmt.Sprintf("inbox: %d %s", e.Status, e.Msg)
}

func inboxErr(status int, format string, args ...any) *InboxError {
	return &InboxError{Status: status, Msg: fmt.Sprintf(format, args...)}
}
