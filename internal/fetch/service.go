// Package fetch performs the pipeline's HTTP requests. Every attempt is
// given browser-like headers, optionally routed through a proxy, classified
// against the error taxonomy, and recorded as an audit row.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pricepulse/catalog-crawler/internal/catalog"
	"github.com/pricepulse/catalog-crawler/internal/metrics"
)

// maxBodyBytes caps how much of a response is read into memory.
const maxBodyBytes = 16 << 20

// ProxyPicker hands out proxies and collects per-request outcomes.
// Implemented by proxy.Pool; nil disables proxy routing.
type ProxyPicker interface {
	Pick(ctx context.Context) (catalog.Proxy, error)
	Report(ctx context.Context, proxyID int64, success bool, httpStatus int)
}

// Archiver stores raw response bodies out of band. Optional.
type Archiver interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Service implements catalog.Fetcher.
type Service struct {
	fetches        catalog.FetchStore
	proxies        ProxyPicker
	archive        Archiver
	archivePrefix  string
	hostLimit      *HostLimiter
	hasher         catalog.Hasher
	clock          catalog.Clock
	logger         *zap.Logger
	defaultTimeout time.Duration

	// transport is shared by all direct attempts so idle connections are
	// pooled instead of leaking one transport per request.
	transport *http.Transport
}

// Option configures a Service.
type Option func(*Service)

// WithProxies routes requests through proxies from the picker.
func WithProxies(p ProxyPicker) Option {
	return func(s *Service) { s.proxies = p }
}

// WithHostLimit throttles requests per target host.
func WithHostLimit(l *HostLimiter) Option {
	return func(s *Service) { s.hostLimit = l }
}

// WithArchive stores successful response bodies under prefix.
func WithArchive(a Archiver, prefix string) Option {
	return func(s *Service) {
		s.archive = a
		s.archivePrefix = prefix
	}
}

// NewService constructs the fetch service.
func NewService(
	fetches catalog.FetchStore,
	hasher catalog.Hasher,
	clock catalog.Clock,
	logger *zap.Logger,
	defaultTimeout time.Duration,
	opts ...Option,
) *Service {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	s := &Service{
		fetches:        fetches,
		hasher:         hasher,
		clock:          clock,
		logger:         logger,
		defaultTimeout: defaultTimeout,
		transport:      &http.Transport{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch performs one HTTP attempt. Transport failures, timeouts, and
// blocking come back inside the result; the error return is reserved for
// malformed input. Exactly one audit row is written per call.
func (s *Service) Fetch(ctx context.Context, runID int64, rawURL string, opts catalog.FetchOptions) (catalog.FetchResult, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	var body io.Reader
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequest(method, rawURL, body)
	if err != nil {
		return catalog.FetchResult{}, fmt.Errorf("build request for %q: %w", rawURL, err)
	}

	headers := defaultHeaders()
	for key, values := range opts.Headers {
		headers.Del(key)
		for _, v := range values {
			headers.Add(key, v)
		}
	}
	req.Header = headers

	if s.hostLimit != nil {
		if werr := s.hostLimit.Wait(ctx, rawURL); werr != nil {
			result := catalog.FetchResult{
				URL:          rawURL,
				FinalURL:     rawURL,
				ErrorClass:   classifyTransportError(ctx, werr),
				ErrorMessage: werr.Error(),
			}
			s.finish(ctx, runID, rawURL, 0, &result, s.clock.Now())
			return result, nil
		}
	}

	var proxyID int64
	transport := s.transport
	if s.proxies != nil {
		p, perr := s.proxies.Pick(ctx)
		switch {
		case perr == nil:
			proxyID = p.ID
			// Proxies rotate per attempt, so proxied transports are
			// throwaway and must not hold idle connections open.
			pt := &http.Transport{Proxy: http.ProxyURL(p.URL())}
			defer pt.CloseIdleConnections()
			transport = pt
		default:
			// Direct fetches are better than none when the pool is empty.
			s.logger.Warn("proceeding without proxy",
				zap.Int64("run_id", runID),
				zap.Error(perr),
			)
		}
	}

	client := &http.Client{Transport: transport}
	if opts.NoFollowRedirect {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req = req.WithContext(reqCtx)

	started := s.clock.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(started)

	result := catalog.FetchResult{
		URL:      rawURL,
		FinalURL: rawURL,
		Duration: elapsed,
	}

	if err != nil {
		result.ErrorClass = classifyTransportError(reqCtx, err)
		result.ErrorMessage = err.Error()
		s.finish(ctx, runID, rawURL, proxyID, &result, started)
		return result, nil
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if readErr != nil {
		result.StatusCode = resp.StatusCode
		result.ResponseHeaders = resp.Header
		result.ErrorClass = classifyTransportError(reqCtx, readErr)
		result.ErrorMessage = readErr.Error()
		s.finish(ctx, runID, rawURL, proxyID, &result, started)
		return result, nil
	}

	result.StatusCode = resp.StatusCode
	result.ContentType = resp.Header.Get("Content-Type")
	result.ResponseHeaders = resp.Header
	result.Body = data
	if resp.Request != nil && resp.Request.URL != nil {
		result.FinalURL = resp.Request.URL.String()
	}
	if digest, herr := s.hasher.Hash(data); herr == nil {
		result.BodySHA256 = digest
	}
	if Blocked(resp.StatusCode, data) {
		result.Blocked = true
		result.ErrorClass = catalog.ErrorClassBlocked
		result.ErrorMessage = fmt.Sprintf("blocked response (status %d)", resp.StatusCode)
	}

	s.finish(ctx, runID, rawURL, proxyID, &result, started)
	return result, nil
}

// finish archives, records the audit row, reports the proxy outcome, and
// emits metrics for one attempt.
func (s *Service) finish(ctx context.Context, runID int64, rawURL string, proxyID int64, result *catalog.FetchResult, started time.Time) {
	rec := catalog.FetchRecord{
		RunID:           runID,
		URL:             rawURL,
		FinalURL:        result.FinalURL,
		HTTPStatus:      result.StatusCode,
		ContentType:     result.ContentType,
		ResponseHeaders: result.ResponseHeaders,
		DurationMs:      result.Duration.Milliseconds(),
		BodySHA256:      result.BodySHA256,
		BodyBytes:       int64(len(result.Body)),
		ErrorClass:      result.ErrorClass,
		ErrorMessage:    result.ErrorMessage,
		Blocked:         result.Blocked,
		FetchedAt:       started,
	}

	if s.archive != nil && result.OK() && len(result.Body) > 0 {
		key := fmt.Sprintf("%s/run-%d/%s.html", s.archivePrefix, runID, result.BodySHA256)
		uri, aerr := s.archive.PutObject(ctx, key, result.ContentType, result.Body)
		if aerr != nil {
			s.logger.Warn("failed to archive response body",
				zap.Int64("run_id", runID),
				zap.String("url", rawURL),
				zap.Error(aerr),
			)
		} else {
			rec.BodyStorageKey = uri
		}
	}

	id, err := s.fetches.RecordFetch(ctx, rec)
	if err != nil {
		s.logger.Error("failed to record fetch audit row",
			zap.Int64("run_id", runID),
			zap.String("url", rawURL),
			zap.Error(err),
		)
	} else {
		result.FetchID = id
	}

	if s.proxies != nil && proxyID != 0 {
		s.proxies.Report(ctx, proxyID, !rec.Failed(), result.StatusCode)
	}

	outcome := "ok"
	if result.Blocked {
		outcome = "blocked"
		metrics.ObserveBlocked(rawURL)
	} else if result.ErrorClass != "" {
		outcome = string(result.ErrorClass)
	}
	metrics.ObserveFetch(rawURL, outcome, rec.BodyBytes, result.Duration)
}

// classifyTransportError maps a client error onto the taxonomy. The
// request context distinguishes our own deadline from other failures.
func classifyTransportError(reqCtx context.Context, err error) catalog.ErrorClass {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return catalog.ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return catalog.ErrorClassTimeout
	}
	return catalog.ErrorClassNetwork
}
