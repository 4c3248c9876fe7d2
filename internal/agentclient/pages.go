package agentclient

import (
	"bytes"
	"context"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/rankhub/internal/fleet"
	"github.com/JakeFAU/rankhub/internal/policy/ratelimit"
)

// fetchedPage is one loaded search results page.
type fetchedPage struct {
	status   int
	finalURL string
	body     []byte
}

// pageFetcher loads target. Returned errors must already be classified as *SearchError.
type pageFetcher func(ctx context.Context, target string) (fetchedPage, error)

// pageWalker holds the paging logic shared by every Scraper backend.
type pageWalker struct {
	searchBase string
	pageSize   int
	pacer      *ratelimit.Limiter
	detector   *BlockDetector
	logger     *zap.Logger
}

// walk fetches result pages until the product is found or pages run out. A product that is
// not listed yields a zero rank.
func (w *pageWalker) walk(ctx context.Context, params fleet.TaskParams, fetch pageFetcher) (fleet.RankResult, error) {
	pages := max(params.Pages, 1)
	for page := 1; page <= pages; page++ {
		target := w.searchURL(params.Keyword, page)
		waited, err := w.pacer.Wait(ctx, target)
		if err != nil {
			return fleet.RankResult{}, &SearchError{Kind: fleet.FailureTimeout, Message: "Timeout: " + err.Error()}
		}
		if waited > 0 {
			w.logger.Debug("page load paced", zap.Duration("waited", waited))
		}
		loaded, err := fetch(ctx, target)
		if err != nil {
			return fleet.RankResult{}, err
		}
		if reason := w.detector.Detect(loaded.status, loaded.finalURL, loaded.body); reason != "" {
			return fleet.RankResult{}, &SearchError{Kind: fleet.FailureBlocked, Message: "blocked on page " + strconv.Itoa(page), BlockReason: reason}
		}

		result, err := ParseSearchPage(bytes.NewReader(loaded.body), page, w.pageSize)
		if err != nil {
			return fleet.RankResult{}, &SearchError{Kind: fleet.FailureSearch, Message: err.Error()}
		}
		if result.NoResults && page == 1 {
			w.logger.Info("no search results", zap.String("keyword", params.Keyword))
			return fleet.RankResult{}, nil
		}
		for _, listing := range result.Listings {
			if listing.Matches(params.ProductCode) {
				w.logger.Info("target found",
					zap.String("keyword", params.Keyword),
					zap.String("code", params.ProductCode),
					zap.Int("rank", listing.RealRank),
				)
				return listing.Result(), nil
			}
		}
		w.logger.Debug("page scanned", zap.Int("page", page), zap.Int("listings", len(result.Listings)))
		if !result.HasNext {
			break
		}
	}
	return fleet.RankResult{}, nil
}

func (w *pageWalker) searchURL(keyword string, page int) string {
	u, _ := url.Parse(w.searchBase)
	q := u.Query()
	q.Set("q", keyword)
	q.Set("channel", "user")
	q.Set("failRedirectApp", "true")
	q.Set("page", strconv.Itoa(page))
	q.Set("listSize", strconv.Itoa(w.pageSize))
	u.RawQuery = q.Encode()
	return u.String()
}
