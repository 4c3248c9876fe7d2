package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rankhub/internal/fleet"
)

const batchPath = "/api/v1/internal/batch"

// HubError is a non-2xx answer from the hub.
type HubError struct {
	Status  int
	Code    string
	Message string
}

func (e *HubError) Error() string {
	return fmt.Sprintf("hub returned %d %s: %s", e.Status, e.Code, e.Message)
}

// BatchAPI is the hub's batch claim surface as seen by a worker.
type BatchAPI struct {
	base   string
	apiKey string
	http   *http.Client
}

// NewBatchAPI builds a client for the hub at hubURL.
func NewBatchAPI(hubURL, apiKey string, client *http.Client) (*BatchAPI, error) {
	u, err := url.Parse(strings.TrimRight(hubURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("hub url %q: unsupported scheme", hubURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &BatchAPI{base: u.String() + batchPath, apiKey: apiKey, http: client}, nil
}

// ResultReport is a successful scrape sent to the hub.
type ResultReport struct {
	Keyword      string   `json:"keyword"`
	ProductCode  string   `json:"productCode"`
	Rank         int      `json:"rank"`
	AgentID      string   `json:"agentId"`
	Browser      string   `json:"browser,omitempty"`
	ProductName  string   `json:"productName,omitempty"`
	ThumbnailURL string   `json:"thumbnailUrl,omitempty"`
	Rating       *float64 `json:"rating,omitempty"`
	ReviewCount  *int     `json:"reviewCount,omitempty"`
}

// FailureReport is a failed scrape sent to the hub.
type FailureReport struct {
	Keyword     string            `json:"keyword"`
	ProductCode string            `json:"productCode"`
	Error       string            `json:"error"`
	ErrorType   fleet.FailureKind `json:"errorType,omitempty"`
	AgentID     string            `json:"agentId"`
	Browser     string            `json:"browser,omitempty"`
}

// Claim leases up to limit units.
func (b *BatchAPI) Claim(ctx context.Context, agentID string, limit int) ([]fleet.WorkUnit, error) {
	var out struct {
		Keywords []fleet.WorkUnit `json:"keywords"`
	}
	err := b.post(ctx, "/claim", map[string]any{"agentId": agentID, "limit": limit}, &out)
	return out.Keywords, err
}

// Renew extends the agent's leases and returns the renewed keys.
func (b *BatchAPI) Renew(ctx context.Context, agentID string, units []fleet.WorkUnit) ([]string, error) {
	var out struct {
		Renewed []string `json:"renewed"`
	}
	err := b.post(ctx, "/renew", map[string]any{"agentId": agentID, "keywords": units}, &out)
	return out.Renewed, err
}

// ReportResult saves a rank and returns its check number.
func (b *BatchAPI) ReportResult(ctx context.Context, report ResultReport) (int, error) {
	var out struct {
		CheckNumber int `json:"checkNumber"`
	}
	err := b.post(ctx, "/result", report, &out)
	return out.CheckNumber, err
}

// ReportFailure logs a failure and reports whether the hub stored it.
func (b *BatchAPI) ReportFailure(ctx context.Context, report FailureReport) (bool, error) {
	var out struct {
		Logged bool `json:"logged"`
	}
	err := b.post(ctx, "/failure", report, &out)
	return out.Logged, err
}

func (b *BatchAPI) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("X-API-Key", b.apiKey)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode/100 != 2 {
		herr := &HubError{Status: resp.StatusCode}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil {
			herr.Code = envelope.Error.Code
			herr.Message = envelope.Error.Message
		}
		return herr
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// Hub is what the batch runner needs from the hub.
type Hub interface {
	Claim(ctx context.Context, agentID string, limit int) ([]fleet.WorkUnit, error)
	Renew(ctx context.Context, agentID string, units []fleet.WorkUnit) ([]string, error)
	ReportResult(ctx context.Context, report ResultReport) (int, error)
	ReportFailure(ctx context.Context, report FailureReport) (bool, error)
}

// RunnerConfig tunes the batch loop.
type RunnerConfig struct {
	AgentID       string
	Browser       string
	ClaimLimit    int
	Pages         int
	IdleWait      time.Duration
	RenewInterval time.Duration
	ScrapeTimeout time.Duration
}

// Runner claims units, scrapes them and reports back until its context ends.
type Runner struct {
	cfg     RunnerConfig
	hub     Hub
	scraper Scraper
	logger  *zap.Logger
}

// NewRunner builds a Runner. RenewInterval should be half the hub's lease duration.
func NewRunner(cfg RunnerConfig, hub Hub, scraper Scraper, logger *zap.Logger) (*Runner, error) {
	if hub == nil || scraper == nil {
		return nil, errors.New("batch runner requires a hub and a scraper")
	}
	if strings.TrimSpace(cfg.AgentID) == "" {
		return nil, errors.New("batch runner requires an agent id")
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = 1
	}
	if cfg.Pages <= 0 {
		cfg.Pages = 1
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 5 * time.Second
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = 10 * time.Second
	}
	if cfg.ScrapeTimeout <= 0 {
		cfg.ScrapeTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, hub: hub, scraper: scraper, logger: logger.Named("batch")}, nil
}

// Run loops until ctx is done. Claim errors and empty claims back off for IdleWait.
func (r *Runner) Run(ctx context.Context) error {
	for {
		processed, err := r.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			r.logger.Warn("claim failed", zap.Error(err))
		}
		if err != nil || processed == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.cfg.IdleWait):
			}
		}
	}
}

// RunOnce claims one batch and works through it. It returns how many units were processed.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	units, err := r.hub.Claim(ctx, r.cfg.AgentID, r.cfg.ClaimLimit)
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}
	if len(units) == 0 {
		return 0, nil
	}

	pending := make([]fleet.WorkUnit, len(units))
	copy(pending, units)
	renewCtx, stopRenew := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	progress := make(chan int, len(units))
	go func() {
		defer close(renewDone)
		r.renewLoop(renewCtx, pending, progress)
	}()

	processed := 0
	for i, unit := range units {
		if ctx.Err() != nil {
			break
		}
		r.process(ctx, unit)
		processed++
		progress <- i + 1
	}
	stopRenew()
	<-renewDone
	return processed, nil
}

// renewLoop renews the leases of units not yet reported. progress carries how many are done.
func (r *Runner) renewLoop(ctx context.Context, units []fleet.WorkUnit, progress <-chan int) {
	ticker := time.NewTicker(r.cfg.RenewInterval)
	defer ticker.Stop()
	done := 0
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-progress:
			done = n
		case <-ticker.C:
			remaining := units[done:]
			if len(remaining) == 0 {
				continue
			}
			renewed, err := r.hub.Renew(ctx, r.cfg.AgentID, remaining)
			if err != nil {
				r.logger.Warn("lease renewal failed", zap.Error(err))
				continue
			}
			if len(renewed) < len(remaining) {
				r.logger.Warn("some leases were not renewed",
					zap.Int("requested", len(remaining)),
					zap.Int("renewed", len(renewed)),
				)
			}
		}
	}
}

func (r *Runner) process(ctx context.Context, unit fleet.WorkUnit) {
	logger := r.logger.With(zap.String("keyword", unit.Keyword), zap.String("code", unit.ProductCode))
	scrapeCtx, cancel := context.WithTimeout(ctx, r.cfg.ScrapeTimeout)
	rank, err := r.scraper.Search(scrapeCtx, fleet.TaskParams{
		Keyword:     unit.Keyword,
		ProductCode: unit.ProductCode,
		Pages:       r.cfg.Pages,
	})
	cancel()

	if err != nil {
		report := FailureReport{
			Keyword:     unit.Keyword,
			ProductCode: unit.ProductCode,
			Error:       err.Error(),
			AgentID:     r.cfg.AgentID,
			Browser:     r.cfg.Browser,
		}
		var serr *SearchError
		if errors.As(err, &serr) {
			report.Error = serr.Message
			report.ErrorType = serr.Kind
		}
		logged, rerr := r.hub.ReportFailure(ctx, report)
		if rerr != nil || !logged {
			logger.Warn("failure report not stored", zap.Error(rerr))
		}
		logger.Info("unit failed", zap.String("error_type", string(report.ErrorType)), zap.String("error", report.Error))
		return
	}

	// Batch checks record the organic position, ads excluded.
	position := rank.RealRank
	if position == 0 {
		position = rank.Rank
	}
	report := ResultReport{
		Keyword:     unit.Keyword,
		ProductCode: unit.ProductCode,
		Rank:        position,
		AgentID:     r.cfg.AgentID,
		Browser:     r.cfg.Browser,
	}
	if p := rank.Product; p != nil {
		report.ProductName = p.Name
		report.ThumbnailURL = p.Thumbnail
		if p.Rating > 0 {
			rating := p.Rating
			report.Rating = &rating
		}
		if p.ReviewCount > 0 {
			reviews := p.ReviewCount
			report.ReviewCount = &reviews
		}
	}
	checkNumber, err := r.hub.ReportResult(ctx, report)
	if err != nil {
		logger.Warn("result report failed", zap.Error(err))
		return
	}
	logger.Info("unit checked", zap.Int("rank", position), zap.Int("check_number", checkNumber))
}
