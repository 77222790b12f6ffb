package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/deepair-ml/fetch-artifact/internal/fs"
	"github.com/deepair-ml/fetch-artifact/internal/util/ratelimiter"
	"go.uber.org/zap"
)

// Config tunes fetch behavior shared across requests
type Config struct {
	// BaseBackoff is the delay before the first retry; it doubles each
	// subsequent retry
	BaseBackoff time.Duration

	// MaxBackoff caps the retry delay
	MaxBackoff time.Duration

	// BufferSize is the copy buffer size in bytes
	BufferSize int

	// ProgressInterval throttles progress log lines
	ProgressInterval time.Duration
}

// Fetcher downloads remote artifacts into the local cache
type Fetcher struct {
	cfg    Config
	src    source
	fs     *fs.Manager
	logger *zap.Logger
}

// New creates a new Fetcher
func New(cfg Config, logger *zap.Logger) *Fetcher {
	f := newWithSource(cfg, newHTTPSource(logger), logger)
	return f
}

// newWithSource creates a Fetcher with an injected transfer source
func newWithSource(cfg Config, src source, logger *zap.Logger) *Fetcher {
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024 * 1024
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 5 * time.Second
	}
	return &Fetcher{
		cfg:    cfg,
		src:    src,
		fs:     fs.NewManager(),
		logger: logger,
	}
}

// Fetch retrieves the artifact described by req. The destination is either
// absent or a complete, verified artifact at every point in time; partial
// bytes live only in the sibling partial file. Transient failures are
// retried with doubling, capped backoff until the retry budget runs out.
func (f *Fetcher) Fetch(ctx context.Context, req *Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if res, ok, err := f.existing(req); err != nil {
		return nil, err
	} else if ok {
		f.logger.Info("artifact already cached",
			zap.String("path", res.FinalPath),
			zap.Int64("size", res.BytesWritten))
		return res, nil
	}

	if err := f.fs.EnsureParent(req.DestinationPath); err != nil {
		return nil, NewError(ErrFilesystem, err)
	}

	maxAttempts := req.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := f.attempt(ctx, req)
		if err == nil {
			res.AttemptsUsed = attempt
			f.logger.Info("artifact fetched",
				zap.String("url", req.SourceURL),
				zap.String("path", res.FinalPath),
				zap.Int64("size", res.BytesWritten),
				zap.Int("attempts", attempt),
				zap.Bool("resumed", res.Resumed))
			return res, nil
		}
		lastErr = err

		var fe *Error
		if errors.As(err, &fe) {
			// Non-retryable: caller error or broken local environment
			return nil, fe
		}
		if ctx.Err() != nil {
			return nil, finalError(err)
		}
		if attempt == maxAttempts {
			break
		}

		delay := backoffDelay(f.cfg.BaseBackoff, f.cfg.MaxBackoff, attempt-1)
		f.logger.Warn("attempt failed, backing off",
			zap.String("url", req.SourceURL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, finalError(lastErr)
		}
	}

	return nil, finalError(lastErr)
}

// existing returns a Result for an already-published destination when it
// can be reused, making a repeated fetch a no-op.
func (f *Fetcher) existing(req *Request) (*Result, bool, error) {
	if !f.fs.FileExists(req.DestinationPath) {
		return nil, false, nil
	}

	sum, err := fileSHA256(req.DestinationPath)
	if err != nil {
		return nil, false, NewError(ErrFilesystem, err)
	}
	if req.ExpectedSHA256 != "" && sum != req.ExpectedSHA256 {
		f.logger.Warn("existing artifact does not match expected checksum, refetching",
			zap.String("path", req.DestinationPath),
			zap.String("expected", req.ExpectedSHA256),
			zap.String("actual", sum))
		return nil, false, nil
	}

	size, err := f.fs.FileSize(req.DestinationPath)
	if err != nil {
		return nil, false, NewError(ErrFilesystem, err)
	}
	return &Result{
		FinalPath:     req.DestinationPath,
		BytesWritten:  size,
		Checksum:      sum,
		AttemptsUsed:  1,
		AlreadyCached: true,
	}, true, nil
}

// attempt performs one transfer attempt, resuming from any existing partial
func (f *Fetcher) attempt(ctx context.Context, req *Request) (*Result, error) {
	dest := req.DestinationPath

	offset, err := f.fs.PartialSize(dest)
	if err != nil {
		return nil, NewError(ErrFilesystem, err)
	}
	if offset > 0 {
		f.logger.Info("resuming download",
			zap.String("url", req.SourceURL),
			zap.Int64("from_byte", offset))
	}

	body, length, resumed, err := f.src.Get(ctx, req.SourceURL, offset)
	if errors.Is(err, errRangeNotSatisfiable) {
		// Partial is longer than the remote object; it cannot be trusted
		f.logger.Warn("partial file exceeds remote size, restarting",
			zap.String("url", req.SourceURL),
			zap.Int64("partial_size", offset))
		if err := f.fs.DeletePartial(dest); err != nil {
			return nil, NewError(ErrFilesystem, err)
		}
		offset = 0
		body, length, resumed, err = f.src.Get(ctx, req.SourceURL, 0)
	}
	if err != nil {
		return nil, err
	}
	defer body.Close()

	if offset > 0 && !resumed {
		// Range support is a runtime-discovered fact; the server sent the
		// whole object, so partial bytes are discarded
		f.logger.Info("server does not support range requests, restarting",
			zap.String("url", req.SourceURL))
		offset = 0
	}

	part, err := f.fs.OpenPartial(dest, offset > 0)
	if err != nil {
		return nil, NewError(ErrFilesystem, err)
	}

	wd := newWatchdog(body, req.TimeoutPerAttempt)
	defer wd.Stop()

	pr := &progressReader{
		reader:  body,
		wd:      wd,
		limiter: ratelimiter.New(f.cfg.ProgressInterval),
		logger:  f.logger,
		url:     req.SourceURL,
		offset:  offset,
		total:   length,
	}

	buf := make([]byte, f.cfg.BufferSize)
	written, copyErr := io.CopyBuffer(part, pr, buf)
	closeErr := part.Close()

	if copyErr != nil {
		if wd.Expired() {
			return nil, newRetryableError(fmt.Errorf("%w after %d bytes", errStalled, offset+written))
		}
		var pathErr *os.PathError
		if errors.As(copyErr, &pathErr) {
			return nil, NewError(ErrFilesystem, copyErr)
		}
		return nil, newRetryableError(fmt.Errorf("stream interrupted: %w", copyErr))
	}
	if closeErr != nil {
		return nil, NewError(ErrFilesystem, closeErr)
	}
	if length >= 0 && written != length {
		return nil, newRetryableError(fmt.Errorf("truncated body: got %d of %d bytes", written, length))
	}

	sum, err := fileSHA256(f.fs.PartialPath(dest))
	if err != nil {
		return nil, NewError(ErrFilesystem, err)
	}
	if req.ExpectedSHA256 != "" && sum != req.ExpectedSHA256 {
		// Resumed bytes may be the corrupt part, so the next attempt must
		// start from scratch
		if err := f.fs.DeletePartial(dest); err != nil {
			return nil, NewError(ErrFilesystem, err)
		}
		return nil, newRetryableError(&ChecksumError{Expected: req.ExpectedSHA256, Actual: sum})
	}

	if err := f.fs.Publish(dest); err != nil {
		return nil, NewError(ErrFilesystem, err)
	}

	return &Result{
		FinalPath:    dest,
		BytesWritten: offset + written,
		Checksum:     sum,
		Resumed:      offset > 0,
		ResumedFrom:  offset,
	}, nil
}

// backoffDelay returns the delay before retry number retry (0-based),
// doubling from base and capped at max
func backoffDelay(base, max time.Duration, retry int) time.Duration {
	delay := base
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// progressReader wraps the response body to feed the inactivity watchdog
// and emit throttled progress logs
type progressReader struct {
	reader  io.Reader
	wd      *watchdog
	limiter *ratelimiter.Limiter
	logger  *zap.Logger
	url     string
	offset  int64
	total   int64
	read    int64
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.wd.Touch()
		r.read += int64(n)

		if ok, _ := r.limiter.Allow(); ok {
			expected := int64(-1)
			if r.total >= 0 {
				expected = r.offset + r.total
			}
			r.logger.Debug("download progress",
				zap.String("url", r.url),
				zap.Int64("bytes", r.offset+r.read),
				zap.Int64("expected", expected))
		}
	}
	return n, err
}
