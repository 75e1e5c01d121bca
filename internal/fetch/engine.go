// Package fetch implements the queued, rate-limited HTTP fetch primitive
// used by crawl adapters. Every request goes through admission control
// (bounded concurrency plus a token-bucket interval cap), a randomized
// human-like delay, identity rotation, and jittered exponential retry.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shelfwatch/harvester/internal/progress"
)

// Archiver optionally persists raw response bodies for later reconciliation.
type Archiver interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Config controls engine behavior. Zero values fall back to conservative
// defaults suitable for a polite crawl.
type Config struct {
	// SourceID labels archived bodies and log lines.
	SourceID string
	// MaxConcurrent bounds in-flight requests (default 2).
	MaxConcurrent int
	// RequestsPerInterval and Interval cap request starts per window
	// (default 10 per 10s).
	RequestsPerInterval int
	Interval            time.Duration
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// RetryBase and RetryMaxDelay shape the exponential backoff.
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DelayMin/DelayMax bound the randomized pre-request delay. The delay is
	// a deliberate stealth/throughput tradeoff; set both to zero in tests.
	DelayMin time.Duration
	DelayMax time.Duration
	// RotateEvery rotates the identity after this many requests (default 25).
	RotateEvery int
	// Timeout is the per-request timeout (default 15s).
	Timeout time.Duration
	// Emitter, when set, receives one FETCH_DONE event per physical request
	// so fetch telemetry counts retries individually.
	Emitter progress.Emitter
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.RequestsPerInterval <= 0 {
		c.RequestsPerInterval = 10
	}
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 250 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RotateEvery <= 0 {
		c.RotateEvery = 25
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// Options carries per-call request knobs.
type Options struct {
	// Headers are added after the identity's own header set.
	Headers http.Header
	// Archive stores the response body through the configured Archiver.
	Archive bool
}

// Engine is the queued fetch primitive. It is safe for concurrent use; one
// Engine is built per source so the caps apply per source.
type Engine struct {
	cfg           Config
	sem           chan struct{}
	limiter       *rate.Limiter
	rotator       *Rotator
	baseCollector *colly.Collector
	archiver      Archiver
	logger        *zap.Logger
	requests      atomic.Int64
}

// New builds an Engine. archiver and logger may be nil.
func New(cfg Config, rotator *Rotator, archiver Archiver, logger *zap.Logger) *Engine {
	cfg = cfg.withDefaults()
	if rotator == nil {
		rotator = NewRotator(nil, cfg.RotateEvery)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())

	perSecond := float64(cfg.RequestsPerInterval) / cfg.Interval.Seconds()
	return &Engine{
		cfg:           cfg,
		sem:           make(chan struct{}, cfg.MaxConcurrent),
		limiter:       rate.NewLimiter(rate.Limit(perSecond), cfg.RequestsPerInterval),
		rotator:       rotator,
		baseCollector: c,
		archiver:      archiver,
		logger:        logger,
	}
}

// Requests returns the number of physical requests issued so far.
func (e *Engine) Requests() int64 { return e.requests.Load() }

// Fetch retrieves url and returns the response body. Retryable failures are
// retried up to MaxRetries times with rotated identity and jittered
// exponential backoff; the original error surfaces once retries exhaust.
func (e *Engine) Fetch(ctx context.Context, url string, opts Options) ([]byte, error) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch queue wait: %w", ctx.Err())
	}
	defer func() { <-e.sem }()

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			e.rotator.Rotate()
			if err := sleep(ctx, backoff(attempt-1, e.cfg.RetryBase, e.cfg.RetryMaxDelay)); err != nil {
				return nil, err
			}
		}
		body, err := e.doFetch(ctx, url, opts)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !Retryable(err) {
			return nil, err
		}
		e.logger.Debug("retryable fetch failure",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

func (e *Engine) doFetch(ctx context.Context, url string, opts Options) ([]byte, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	if err := e.humanDelay(ctx); err != nil {
		return nil, err
	}
	e.requests.Add(1)

	identity := e.rotator.Current()
	var (
		body       []byte
		fetchErr   error
		statusCode int
	)
	collector := e.baseCollector.Clone()
	collector.UserAgent = identity.UserAgent
	collector.IgnoreRobotsTxt = true
	// Retries and freshness re-crawls hit the same URL again; colly's
	// visited-URL dedupe would reject them.
	collector.AllowURLRevisit = true
	collector.SetRequestTimeout(e.cfg.Timeout)

	collector.OnRequest(func(r *colly.Request) {
		copyHeaders(identity.Headers, r)
		copyHeaders(opts.Headers, r)
	})
	collector.OnResponse(func(r *colly.Response) {
		statusCode = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			statusCode = r.StatusCode
			fetchErr = &HTTPError{StatusCode: r.StatusCode, URL: url}
			return
		}
		fetchErr = err
	})

	started := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		e.emitFetch(statusCode, len(body), time.Since(started))
		if fetchErr != nil {
			return nil, fetchErr
		}
		if err != nil {
			return nil, fmt.Errorf("visit %s: %w", url, err)
		}
	}

	if opts.Archive && e.archiver != nil {
		e.archive(ctx, body)
	}
	return body, nil
}

// emitFetch reports one completed physical request. Transport errors carry no
// status code and classify as "other".
func (e *Engine) emitFetch(statusCode, size int, dur time.Duration) {
	if e.cfg.Emitter == nil {
		return
	}
	e.cfg.Emitter.Emit(progress.Event{
		SourceID:    e.cfg.SourceID,
		TS:          time.Now().UTC(),
		Stage:       progress.StageFetch,
		Bytes:       int64(size),
		StatusClass: progress.ClassifyStatus(statusCode),
		Dur:         dur,
	})
}

func (e *Engine) archive(ctx context.Context, body []byte) {
	sum := sha256.Sum256(body)
	path := fmt.Sprintf("%s/%s.html", e.cfg.SourceID, hex.EncodeToString(sum[:]))
	if _, err := e.archiver.PutObject(ctx, path, "text/html; charset=utf-8", body); err != nil {
		e.logger.Warn("archive response body failed", zap.String("path", path), zap.Error(err))
	}
}

func (e *Engine) humanDelay(ctx context.Context) error {
	if e.cfg.DelayMax <= 0 || e.cfg.DelayMax < e.cfg.DelayMin {
		return nil
	}
	return sleep(ctx, e.cfg.DelayMin+randomJitter(e.cfg.DelayMax-e.cfg.DelayMin))
}

func copyHeaders(src http.Header, r *colly.Request) {
	for key, values := range src {
		for _, v := range values {
			r.Headers.Set(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
