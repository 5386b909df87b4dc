// Package resolver turns opaque backend file identifiers into directly
// fetchable, time-limited upstream URLs. One implementation exists per
// backend kind; the HTTP layer selects the implementation once per request.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind identifies a remote backend type.
type Kind string

const (
	KindRelay Kind = "relay"
	KindDrive Kind = "drive"
	KindVideo Kind = "video"
)

// FileRef identifies a remote audio source. Immutable; created by the caller
// requesting playback and never persisted here.
type FileRef struct {
	Kind    Kind
	ID      string
	Quality string // video backend only; "high" when empty

	// UserID scopes credential lookup for the cloud-drive backend.
	UserID int
	// Service names the cloud provider ("google").
	Service string
}

// Resolved is a directly fetchable upstream location.
type Resolved struct {
	URL     string
	Headers map[string]string // extra request headers for the upstream fetch

	// TTL is how long the resolved URL may be memoized. Zero means the
	// result is single-use and must not outlive the current request.
	TTL time.Duration
}

// Resolver resolves a FileRef into a fetchable upstream location.
type Resolver interface {
	Kind() Kind
	Resolve(ctx context.Context, ref FileRef) (*Resolved, error)
}

// Sentinel errors, mapped to HTTP statuses by the API layer.
var (
	// ErrNotFound means the backend does not know the identifier (stale or
	// invalid file id), as opposed to a transient failure.
	ErrNotFound = errors.New("file not found")

	// ErrNotConnected means no stored credential exists for the user and
	// service; the caller must run the authorization flow first.
	ErrNotConnected = errors.New("service not connected")

	// ErrCredentialExpired means the stored refresh credential was rejected;
	// the caller must re-run the authorization flow.
	ErrCredentialExpired = errors.New("credential expired")

	// ErrNoPlayableSource means every extraction candidate failed to produce
	// a playable audio URL.
	ErrNoPlayableSource = errors.New("no playable source")
)

// UpstreamError reports a non-success status from a resolved source or a
// backend API. It is never retried by this package.
type UpstreamError struct {
	Backend Kind
	Status  int
	Detail  string
}

func (e *UpstreamError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s upstream returned %d: %s", e.Backend, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s upstream returned %d", e.Backend, e.Status)
}
