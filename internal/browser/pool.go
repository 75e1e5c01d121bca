// Package browser manages a bounded pool of long-lived headless browser
// processes shared by all crawl adapters that need JavaScript rendering.
// The pool, not the adapter, enforces the process cap: at capacity with no
// idle handle, Acquire blocks until a handle is released.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Acquire after Shutdown.
var ErrPoolClosed = errors.New("browser pool closed")

// Handle wraps one browser process. Handles are owned by the pool; callers
// borrow them between Acquire and Release and must not retain them past one
// logical unit of work.
type Handle struct {
	ctx       context.Context
	cancel    context.CancelFunc
	createdAt time.Time
}

// Context returns the browser-level context for issuing CDP actions.
func (h *Handle) Context() context.Context { return h.ctx }

// CreatedAt reports when the underlying process was launched.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// Alive reports whether the browser process is still usable. The context is
// canceled when the process exits or the pool shuts down.
func (h *Handle) Alive() bool { return h.ctx.Err() == nil }

func (h *Handle) close() { h.cancel() }

// Page is one tab created on a pooled browser. The caller that opened a page
// is responsible for closing it; the pool only manages process lifetime.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Context returns the page-level context for chromedp actions.
func (p *Page) Context() context.Context { return p.ctx }

// Close disposes of the tab.
func (p *Page) Close() { p.cancel() }

type launchFunc func(parent context.Context) (*Handle, error)

type newPageFunc func(h *Handle) (*Page, error)

// Config controls pool sizing and browser launch behavior.
type Config struct {
	// MaxBrowsers bounds concurrent browser processes (default 2).
	MaxBrowsers int
	// ExecPath optionally pins the Chrome binary.
	ExecPath string
	// UserAgent overrides the browser user agent at launch when set.
	UserAgent string
}

// Pool hands out browser handles up to a fixed cap, reusing idle processes.
type Pool struct {
	cfg         Config
	launch      launchFunc
	newPage     newPageFunc
	allocator   context.Context
	allocCancel context.CancelFunc
	slots       chan struct{}
	idle        chan *Handle
	stopCh      chan struct{}
	closeOnce   sync.Once
	logger      *zap.Logger
}

// New builds a chromedp-backed Pool. Browsers launch lazily on first
// Acquire, never eagerly.
func New(cfg Config, logger *zap.Logger) *Pool {
	allocator, allocCancel := newAllocator(cfg)
	p := newPool(cfg, launchChromedp, newChromedpPage, logger)
	p.allocator = allocator
	p.allocCancel = allocCancel
	return p
}

func newPool(cfg Config, launch launchFunc, newPage newPageFunc, logger *zap.Logger) *Pool {
	if cfg.MaxBrowsers <= 0 {
		cfg.MaxBrowsers = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	allocator, allocCancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:         cfg,
		launch:      launch,
		newPage:     newPage,
		allocator:   allocator,
		allocCancel: allocCancel,
		slots:       make(chan struct{}, cfg.MaxBrowsers),
		idle:        make(chan *Handle, cfg.MaxBrowsers),
		stopCh:      make(chan struct{}),
		logger:      logger,
	}
}

// Acquire returns an idle handle if one exists, launches a new browser if
// the pool is below its cap, and otherwise blocks until a handle frees up or
// ctx is done. Dead idle handles are discarded, freeing capacity.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	for {
		select {
		case <-p.stopCh:
			return nil, ErrPoolClosed
		default:
		}

		// Prefer reuse over launching.
		select {
		case h := <-p.idle:
			if h.Alive() {
				return h, nil
			}
			p.discard(h)
			continue
		default:
		}

		select {
		case h := <-p.idle:
			if h.Alive() {
				return h, nil
			}
			p.discard(h)
		case p.slots <- struct{}{}:
			h, err := p.launch(p.allocator)
			if err != nil {
				<-p.slots
				return nil, fmt.Errorf("launch browser: %w", err)
			}
			p.logger.Debug("browser launched", zap.Time("created_at", h.createdAt))
			return h, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("browser pool wait: %w", ctx.Err())
		case <-p.stopCh:
			return nil, ErrPoolClosed
		}
	}
}

// Release returns a handle to the idle set without closing it. A handle that
// failed its liveness check is destroyed instead, so a fresh browser can be
// launched on the next Acquire.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	select {
	case <-p.stopCh:
		p.discard(h)
		return
	default:
	}
	if !h.Alive() {
		p.logger.Warn("discarding dead browser handle", zap.Time("created_at", h.createdAt))
		p.discard(h)
		return
	}
	select {
	case p.idle <- h:
	default:
		// Idle buffer is sized to the cap; overflow means double release.
		p.discard(h)
	}
}

// CreatePage opens a new tab on the given handle. The caller must Close it.
func (p *Pool) CreatePage(h *Handle) (*Page, error) {
	if h == nil || !h.Alive() {
		return nil, errors.New("browser handle is not alive")
	}
	page, err := p.newPage(h)
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	return page, nil
}

// Shutdown closes every pooled browser and rejects further acquisitions.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closeOnce.Do(func() {
		close(p.stopCh)
	})
	for {
		select {
		case h := <-p.idle:
			p.discard(h)
		case <-ctx.Done():
			p.allocCancel()
			return fmt.Errorf("browser pool shutdown: %w", ctx.Err())
		default:
			p.allocCancel()
			return nil
		}
	}
}

func (p *Pool) discard(h *Handle) {
	h.close()
	select {
	case <-p.slots:
	default:
	}
}
