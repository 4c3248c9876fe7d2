package agentclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/rankhub/internal/fleet"
	"github.com/JakeFAU/rankhub/internal/policy/ratelimit"
)

// ChromedpConfig controls the browser-backed scraper.
type ChromedpConfig struct {
	SearchURL         string
	UserAgent         string
	Headless          bool
	PageSize          int
	MaxParallel       int
	NavigationTimeout time.Duration
	// PagesPerSecond paces navigations per host; zero disables pacing.
	PagesPerSecond float64
	PageBurst      int
}

// ChromedpScraper implements Scraper by rendering search pages in Chrome.
type ChromedpScraper struct {
	pageWalker
	cfg         ChromedpConfig
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a scraper backed by chromedp. The browser starts lazily on first use.
func NewChromedp(cfg ChromedpConfig, logger *zap.Logger) (*ChromedpScraper, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.SearchURL == "" {
		return nil, errors.New("search url is required")
	}
	if _, err := url.Parse(cfg.SearchURL); err != nil {
		return nil, fmt.Errorf("parse search url: %w", err)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 72
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	headless := any(false)
	if cfg.Headless {
		headless = "new"
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &ChromedpScraper{
		pageWalker: pageWalker{
			searchBase: cfg.SearchURL,
			pageSize:   cfg.PageSize,
			pacer:      ratelimit.New(ratelimit.Config{PagesPerSecond: cfg.PagesPerSecond, Burst: cfg.PageBurst}),
			detector:   NewBlockDetector(0),
			logger:     logger.Named("scraper"),
		},
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (s *ChromedpScraper) Close() {
	s.allocCancel()
}

// Search renders result pages in a fresh tab until the product is found or pages run out.
func (s *ChromedpScraper) Search(ctx context.Context, params fleet.TaskParams) (fleet.RankResult, error) {
	if err := s.acquire(ctx); err != nil {
		return fleet.RankResult{}, err
	}
	defer s.release()

	taskCtx, taskCancel := chromedp.NewContext(s.allocator)
	defer taskCancel()
	// The tab hangs off the allocator, so tie it to ctx by hand.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	meta := newPageMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	return s.walk(ctx, params, func(ctx context.Context, target string) (fetchedPage, error) {
		meta.reset()
		html, finalURL, err := s.render(taskCtx, target)
		if err != nil {
			return fetchedPage{}, s.classify(ctx, meta, err)
		}
		return fetchedPage{status: meta.status(), finalURL: finalURL, body: []byte(html)}, nil
	})
}

func (s *ChromedpScraper) render(ctx context.Context, target string) (string, string, error) {
	navCtx, cancel := context.WithTimeout(ctx, s.navTimeout())
	defer cancel()
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		s.networkSetupAction(),
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(navCtx, actions...); err != nil {
		return "", finalURL, fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (s *ChromedpScraper) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (s *ChromedpScraper) classify(ctx context.Context, meta *pageMeta, err error) error {
	if failure := meta.failure(); NetworkBlocked(failure) || NetworkBlocked(err.Error()) {
		return &SearchError{Kind: fleet.FailureBlocked, Message: err.Error(), BlockReason: BlockNetwork}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &SearchError{Kind: fleet.FailureTimeout, Message: "Timeout: " + err.Error()}
	}
	return &SearchError{Kind: fleet.FailureNavigation, Message: err.Error()}
}

func (s *ChromedpScraper) acquire(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	select {
	case s.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (s *ChromedpScraper) release() {
	if s.limiter == nil {
		return
	}
	select {
	case <-s.limiter:
	default:
	}
}

func (s *ChromedpScraper) navTimeout() time.Duration {
	if s.cfg.NavigationTimeout > 0 {
		return s.cfg.NavigationTimeout
	}
	return 30 * time.Second
}

// pageMeta tracks the main document's response status and load failures.
type pageMeta struct {
	mu         sync.RWMutex
	statusCode int
	errorText  string
}

func newPageMeta() *pageMeta {
	return &pageMeta{}
}

func (m *pageMeta) captureEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		if e.Type != network.ResourceTypeDocument || e.Response == nil {
			return
		}
		m.mu.Lock()
		m.statusCode = int(e.Response.Status)
		m.mu.Unlock()
	case *network.EventLoadingFailed:
		if e.Type != network.ResourceTypeDocument {
			return
		}
		m.mu.Lock()
		m.errorText = e.ErrorText
		m.mu.Unlock()
	}
}

func (m *pageMeta) reset() {
	m.mu.Lock()
	m.statusCode = 0
	m.errorText = ""
	m.mu.Unlock()
}

func (m *pageMeta) status() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusCode
}

func (m *pageMeta) failure() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errorText
}
