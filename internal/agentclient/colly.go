package agentclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/rankhub/internal/fleet"
	"github.com/JakeFAU/rankhub/internal/policy/ratelimit"
)

// CollyConfig controls the plain-HTTP scraper.
type CollyConfig struct {
	SearchURL      string
	UserAgent      string
	PageSize       int
	Timeout        time.Duration
	PagesPerSecond float64
	PageBurst      int
}

// CollyScraper implements Scraper with plain HTTP requests through colly. It does not run
// page scripts, so it only works against targets that render results server side.
type CollyScraper struct {
	pageWalker
	cfg  CollyConfig
	base *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewColly builds a colly-backed scraper.
func NewColly(cfg CollyConfig, logger *zap.Logger) (*CollyScraper, error) {
	if cfg.SearchURL == "" {
		return nil, errors.New("search url is required")
	}
	if _, err := url.Parse(cfg.SearchURL); err != nil {
		return nil, fmt.Errorf("parse search url: %w", err)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 72
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	// Blocked pages come back as 403/429 and still need to reach the detector.
	c.ParseHTTPErrorResponse = true
	c.WithTransport(newHTTPTransport())
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)

	return &CollyScraper{
		pageWalker: pageWalker{
			searchBase: cfg.SearchURL,
			pageSize:   cfg.PageSize,
			pacer:      ratelimit.New(ratelimit.Config{PagesPerSecond: cfg.PagesPerSecond, Burst: cfg.PageBurst}),
			detector:   NewBlockDetector(0),
			logger:     logger.Named("scraper"),
		},
		cfg:  cfg,
		base: c,
	}, nil
}

// Search fetches result pages until the product is found or pages run out.
func (s *CollyScraper) Search(ctx context.Context, params fleet.TaskParams) (fleet.RankResult, error) {
	return s.walk(ctx, params, s.fetch)
}

func (s *CollyScraper) fetch(ctx context.Context, target string) (fetchedPage, error) {
	var (
		loaded   fetchedPage
		fetchErr error
	)
	collector := s.base.Clone()
	collector.SetRequestTimeout(s.cfg.Timeout)
	configureHooks(collector, &loaded, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fetchedPage{}, &SearchError{Kind: fleet.FailureTimeout, Message: "Timeout: " + ctx.Err().Error()}
	case err := <-done:
		if err == nil {
			err = fetchErr
		}
		if err != nil {
			return fetchedPage{}, classifyHTTPError(err)
		}
		return loaded, nil
	}
}

func configureHooks(hooks collectorHooks, loaded *fetchedPage, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*loaded = fetchedPage{
			status:   r.StatusCode,
			finalURL: r.Request.URL.String(),
			body:     append([]byte(nil), r.Body...),
		}
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func classifyHTTPError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &SearchError{Kind: fleet.FailureTimeout, Message: "Timeout: " + err.Error()}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &SearchError{Kind: fleet.FailureBlocked, Message: err.Error(), BlockReason: BlockNetwork}
	}
	return &SearchError{Kind: fleet.FailureNavigation, Message: err.Error()}
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
