package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/rankhub/internal/fleet"
	"github.com/JakeFAU/rankhub/internal/store"
)

const insertHistorySQL = `
INSERT INTO v3_coupang_ranking_history (
	api_key, keyword, product_code, rank, real_rank,
	product_name, price, thumbnail_url, rating, review_count,
	pages_searched, browser_type, vm_id, browser_version,
	execution_time_ms, success, error_message
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

// processQuerySQL reports inserted=true only for the first query of the day.
const processQuerySQL = `
INSERT INTO v3_coupang_billing_usage (api_key, keyword, product_code, date, billing_amount)
VALUES ($1, $2, $3, CURRENT_DATE, $4)
ON CONFLICT (api_key, keyword, product_code, date) DO UPDATE SET
	request_count = v3_coupang_billing_usage.request_count + 1,
	last_request_at = NOW()
RETURNING (xmax = 0) AS inserted`

const (
	countSuccessSQL = `
UPDATE v3_coupang_billing_usage SET success_count = success_count + 1
WHERE api_key = $1 AND keyword = $2 AND product_code = $3 AND date = CURRENT_DATE`
	countErrorSQL = `
UPDATE v3_coupang_billing_usage SET error_count = error_count + 1
WHERE api_key = $1 AND keyword = $2 AND product_code = $3 AND date = CURRENT_DATE`
)

// SaveHistory implements store.HistoryStore.
func (s *Store) SaveHistory(ctx context.Context, e store.HistoryEntry) error {
	var (
		name, thumbnail string
		price           *int64
		rating          *float64
		reviews         *int
	)
	if p := e.Product; p != nil {
		name, thumbnail = p.Name, p.Thumbnail
		if p.Price > 0 {
			price = &p.Price
		}
		if p.Rating > 0 {
			rating = &p.Rating
		}
		if p.ReviewCount > 0 {
			reviews = &p.ReviewCount
		}
	}
	if _, err := s.pool.Exec(ctx, insertHistorySQL,
		e.Requester, e.Unit.Keyword, e.Unit.ProductCode, e.Rank, e.RealRank,
		name, price, thumbnail, rating, reviews,
		e.PagesSearched, e.Browser, e.VMID, e.BrowserVersion,
		e.ExecutionTime.Milliseconds(), e.Success, e.ErrorMessage,
	); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// ProcessQuery implements store.BillingStore.
func (s *Store) ProcessQuery(ctx context.Context, apiKey string, unit fleet.WorkUnit) (bool, error) {
	var inserted bool
	if err := s.pool.QueryRow(ctx, processQuerySQL,
		apiKey, unit.Keyword, unit.ProductCode, s.billingAmount,
	).Scan(&inserted); err != nil {
		return false, fmt.Errorf("process billing query: %w", err)
	}
	return inserted, nil
}

// UpdateRequestResult implements store.BillingStore.
func (s *Store) UpdateRequestResult(ctx context.Context, apiKey string, unit fleet.WorkUnit, success bool) error {
	query := countErrorSQL
	if success {
		query = countSuccessSQL
	}
	tag, err := s.pool.Exec(ctx, query, apiKey, unit.Keyword, unit.ProductCode)
	if err != nil {
		return fmt.Errorf("update billing result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
