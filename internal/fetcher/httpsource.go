package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const userAgent = "fetch-artifact"

// errRangeNotSatisfiable signals that the local partial is already longer
// than the remote object; the caller discards it and restarts from zero.
var errRangeNotSatisfiable = errors.New("requested range not satisfiable")

// source issues the actual transfer requests. It exists as an interface so
// tests can inject failing transports without a listener.
type source interface {
	Get(ctx context.Context, rawURL string, offset int64) (body io.ReadCloser, length int64, resumed bool, err error)
}

// httpSource downloads over plain HTTP(S). The client carries no overall
// timeout: large artifacts stream for a long time, and stalls are handled by
// the per-attempt inactivity watchdog instead.
type httpSource struct {
	client *http.Client
	logger *zap.Logger
}

// newHTTPSource creates a new httpSource
func newHTTPSource(logger *zap.Logger) *httpSource {
	return &httpSource{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		logger: logger,
	}
}

// Get issues a GET for rawURL, resuming from offset when offset > 0.
// resumed reports whether the server honored the range request; length is
// the number of body bytes the server intends to send, or -1 if unknown.
func (s *httpSource) Get(ctx context.Context, rawURL string, offset int64) (io.ReadCloser, int64, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, false, NewError(ErrInvalidRequest, fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("User-Agent", userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, false, newRetryableError(fmt.Errorf("request failed: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, resp.ContentLength, false, nil
	case resp.StatusCode == http.StatusPartialContent:
		return resp.Body, resp.ContentLength, offset > 0, nil
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return nil, 0, false, errRangeNotSatisfiable
	case retryableStatus(resp.StatusCode):
		resp.Body.Close()
		s.logger.Debug("transient status from server",
			zap.String("url", rawURL),
			zap.Int("status", resp.StatusCode))
		return nil, 0, false, newRetryableError(&statusError{Status: resp.StatusCode})
	default:
		resp.Body.Close()
		return nil, 0, false, NewError(ErrInvalidRequest, &statusError{Status: resp.StatusCode})
	}
}

// retryableStatus reports whether a response status is worth another attempt
func retryableStatus(status int) bool {
	return status >= 500 ||
		status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout
}
