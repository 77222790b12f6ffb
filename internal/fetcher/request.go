package fetcher

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Request describes a single artifact fetch. Construct it once and do not
// mutate it afterwards; Fetch never modifies it.
type Request struct {
	// SourceURL is the http(s) URL of the remote artifact
	SourceURL string

	// DestinationPath is the local path the artifact is published to
	DestinationPath string

	// ExpectedSHA256 is an optional lowercase hex digest of the full artifact
	ExpectedSHA256 string

	// MaxRetries is the number of additional attempts after the first
	MaxRetries int

	// TimeoutPerAttempt is the inactivity window per attempt; an attempt is
	// aborted when no bytes arrive within it. Zero disables the watchdog.
	TimeoutPerAttempt time.Duration
}

// Validate checks that the request is well formed
func (r *Request) Validate() error {
	if r.SourceURL == "" {
		return NewError(ErrInvalidRequest, fmt.Errorf("source URL is required"))
	}
	u, err := url.Parse(r.SourceURL)
	if err != nil {
		return NewError(ErrInvalidRequest, fmt.Errorf("malformed source URL: %w", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return NewError(ErrInvalidRequest, fmt.Errorf("unsupported URL scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return NewError(ErrInvalidRequest, fmt.Errorf("source URL has no host"))
	}
	if r.DestinationPath == "" {
		return NewError(ErrInvalidRequest, fmt.Errorf("destination path is required"))
	}
	if r.MaxRetries < 0 {
		return NewError(ErrInvalidRequest, fmt.Errorf("max retries must be >= 0, got %d", r.MaxRetries))
	}
	if r.TimeoutPerAttempt < 0 {
		return NewError(ErrInvalidRequest, fmt.Errorf("timeout per attempt must be >= 0"))
	}
	if r.ExpectedSHA256 != "" {
		if err := validateDigest(r.ExpectedSHA256); err != nil {
			return NewError(ErrInvalidRequest, err)
		}
	}
	return nil
}

// validateDigest checks for a 64-character lowercase hex SHA-256 digest
func validateDigest(digest string) error {
	if len(digest) != 64 {
		return fmt.Errorf("sha256 digest must be 64 hex characters, got %d", len(digest))
	}
	for _, c := range digest {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return fmt.Errorf("sha256 digest contains invalid character %q", c)
		}
	}
	return nil
}

// Result describes a completed fetch
type Result struct {
	// FinalPath is the published destination path
	FinalPath string

	// BytesWritten is the total size of the published artifact
	BytesWritten int64

	// Checksum is the SHA-256 hex digest of the published artifact
	Checksum string

	// AttemptsUsed is the number of attempts actually made
	AttemptsUsed int

	// AlreadyCached indicates the destination already held the artifact
	// and no network transfer happened
	AlreadyCached bool

	// Resumed indicates the final attempt continued a previous partial
	Resumed bool

	// ResumedFrom is the byte offset the final attempt resumed from
	ResumedFrom int64
}
