package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/rankhub/internal/fleet"
	"github.com/JakeFAU/rankhub/internal/store"
)

const ensureCheckRowSQL = `
INSERT INTO v3_keyword_ranking_checks (keyword, product_code, check_date)
VALUES ($1, $2, CURRENT_DATE)
ON CONFLICT (keyword, product_code, check_date) DO NOTHING`

const selectChecksSQL = `
SELECT id, check_1, check_2, check_3, check_4, check_5, check_6, check_7, check_8, check_9, check_10
FROM v3_keyword_ranking_checks
WHERE keyword = $1 AND product_code = $2 AND check_date = CURRENT_DATE`

// updateCheckSQL is formatted with the 1-based slot number.
const updateCheckSQL = `
UPDATE v3_keyword_ranking_checks
SET check_%[1]d = $2,
	check_time_%[1]d = NOW(),
	last_check_at = NOW(),
	rating = COALESCE($3, rating),
	review_count = COALESCE($4, review_count),
	total_checks = total_checks + 1,
	found_count = found_count + CASE WHEN $2 > 0 THEN 1 ELSE 0 END,
	min_rank = $5,
	max_rank = $6,
	avg_rank = $7,
	is_completed = is_completed OR $8,
	completed_at_check = CASE WHEN $8 THEN $9 ELSE completed_at_check END,
	processing_at = NULL,
	updated_at = NOW()
WHERE id = $1`

const clearProcessingSQL = `
UPDATE v3_keyword_ranking_checks
SET processing_at = NULL, updated_at = NOW()
WHERE keyword = $1 AND product_code = $2 AND check_date = CURRENT_DATE`

const insertFailureSQL = `
INSERT INTO v3_keyword_check_failures (check_date, check_number, keyword, product_code, error_type, error_message)
VALUES (CURRENT_DATE, $1, $2, $3, $4, $5)`

const updateProductInfoSQL = `
UPDATE v3_keyword_list
SET product_name = COALESCE(NULLIF($1, ''), product_name),
	thumbnail_url = COALESCE(NULLIF($2, ''), thumbnail_url),
	product_info_updated_at = NOW(),
	updated_at = NOW()
WHERE keyword = $3 AND product_code = $4`

const upsertAgentStatsSQL = `
INSERT INTO v3_agent_stats (agent_id, agent_ip, browser, stat_date,
	total_requests, successful_searches, failed_searches, blocked_count, ranks_found, products_not_found)
VALUES ($1, $2, $3, CURRENT_DATE, 1, $4, $5, $6, $7, $8)
ON CONFLICT (agent_id, stat_date) DO UPDATE SET
	total_requests = v3_agent_stats.total_requests + 1,
	successful_searches = v3_agent_stats.successful_searches + $4,
	failed_searches = v3_agent_stats.failed_searches + $5,
	blocked_count = v3_agent_stats.blocked_count + $6,
	ranks_found = v3_agent_stats.ranks_found + $7,
	products_not_found = v3_agent_stats.products_not_found + $8,
	updated_at = NOW()`

const upsertAgentHealthSQL = `
INSERT INTO v3_agent_health (agent_id, agent_ip, browser,
	last_success_at, last_error_at, consecutive_errors, consecutive_blocks,
	total_lifetime_requests, total_lifetime_blocks)
VALUES ($1, $2, $3,
	CASE WHEN $4 THEN NOW() END, CASE WHEN $4 THEN NULL ELSE NOW() END,
	CASE WHEN $4 THEN 0 ELSE 1 END, $5, 1, $5)
ON CONFLICT (agent_id) DO UPDATE SET
	agent_ip = EXCLUDED.agent_ip,
	browser = EXCLUDED.browser,
	last_success_at = COALESCE(EXCLUDED.last_success_at, v3_agent_health.last_success_at),
	last_error_at = COALESCE(EXCLUDED.last_error_at, v3_agent_health.last_error_at),
	consecutive_errors = CASE WHEN $4 THEN 0 ELSE v3_agent_health.consecutive_errors + 1 END,
	consecutive_blocks = CASE WHEN $5 = 1 THEN v3_agent_health.consecutive_blocks + 1
		WHEN $4 THEN 0 ELSE v3_agent_health.consecutive_blocks END,
	total_lifetime_requests = v3_agent_health.total_lifetime_requests + 1,
	total_lifetime_blocks = v3_agent_health.total_lifetime_blocks + $5,
	status = CASE WHEN $5 = 1 AND v3_agent_health.consecutive_blocks >= 2 THEN 'BLOCKED'
		WHEN v3_agent_health.consecutive_errors >= 5 THEN 'WARNING'
		WHEN $4 THEN 'ACTIVE' ELSE v3_agent_health.status END,
	updated_at = NOW()`

const insertAgentErrorSQL = `
INSERT INTO v3_agent_errors (agent_id, agent_ip, browser, error_type, error_message, keyword, product_code)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

type agentOutcome struct {
	id, ip, browser string
	success         bool
	blocked         bool
	found           bool
}

// SaveResult implements store.ResultStore.
func (s *Store) SaveResult(ctx context.Context, res store.CheckResult) (int, error) {
	var slot int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, ensureCheckRowSQL, res.Unit.Keyword, res.Unit.ProductCode); err != nil {
			return fmt.Errorf("ensure check row: %w", err)
		}
		id, checks, err := scanChecks(tx.QueryRow(ctx, selectChecksSQL+" FOR UPDATE", res.Unit.Keyword, res.Unit.ProductCode))
		if err != nil {
			return fmt.Errorf("load checks: %w", notFound(err))
		}
		slot = checks.NextSlot()
		if slot == 0 {
			return store.ErrCheckSlotsFull
		}
		rank := res.Rank
		checks[slot-1] = &rank
		stats := checks.Stats()
		completedAt := checks.CompletedAt()

		if _, err := tx.Exec(ctx, fmt.Sprintf(updateCheckSQL, slot),
			id, rank, res.Rating, res.ReviewCount,
			stats.Min, stats.Max, stats.Avg,
			completedAt > 0, completedAt,
		); err != nil {
			return fmt.Errorf("update check slot: %w", err)
		}
		if err := upsertAgent(ctx, tx, agentOutcome{
			id: res.AgentID, ip: res.AgentIP, browser: res.Browser, success: true, found: rank > 0,
		}); err != nil {
			return err
		}
		if rank > 0 && (res.ProductName != "" || res.ThumbnailURL != "") {
			if _, err := tx.Exec(ctx, updateProductInfoSQL,
				res.ProductName, res.ThumbnailURL, res.Unit.Keyword, res.Unit.ProductCode,
			); err != nil {
				return fmt.Errorf("update product info: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return slot, nil
}

// SaveFailure implements store.ResultStore.
func (s *Store) SaveFailure(ctx context.Context, rec store.FailureRecord) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, clearProcessingSQL, rec.Unit.Keyword, rec.Unit.ProductCode); err != nil {
			return fmt.Errorf("clear processing: %w", err)
		}
		checkNumber := 1
		_, checks, err := scanChecks(tx.QueryRow(ctx, selectChecksSQL, rec.Unit.Keyword, rec.Unit.ProductCode))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("load checks: %w", err)
		default:
			checkNumber = checks.NextSlot()
			if checkNumber == 0 {
				checkNumber = store.MaxChecksPerDay
			}
		}
		if _, err := tx.Exec(ctx, insertFailureSQL,
			checkNumber, rec.Unit.Keyword, rec.Unit.ProductCode, string(rec.Kind), rec.Message,
		); err != nil {
			return fmt.Errorf("insert failure: %w", err)
		}
		if err := upsertAgent(ctx, tx, agentOutcome{
			id: rec.AgentID, ip: rec.AgentIP, browser: rec.Browser, blocked: rec.Blocked,
		}); err != nil {
			return err
		}
		if rec.AgentID != "" {
			if _, err := tx.Exec(ctx, insertAgentErrorSQL,
				rec.AgentID, rec.AgentIP, rec.Browser, string(rec.Kind), rec.Message,
				rec.Unit.Keyword, rec.Unit.ProductCode,
			); err != nil {
				return fmt.Errorf("insert agent error: %w", err)
			}
		}
		return nil
	})
}

// CheckInfo implements store.ResultStore.
func (s *Store) CheckInfo(ctx context.Context, unit fleet.WorkUnit) (store.CheckInfo, error) {
	id, checks, err := scanChecks(s.pool.QueryRow(ctx, selectChecksSQL, unit.Keyword, unit.ProductCode))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.CheckInfo{NextCheckNumber: 1, PreviousChecks: []int{}}, nil
	}
	if err != nil {
		return store.CheckInfo{}, fmt.Errorf("load checks: %w", err)
	}
	return store.CheckInfo{
		ID:              &id,
		NextCheckNumber: checks.NextSlot(),
		TodayChecks:     checks.Count(),
		PreviousChecks:  checks.Leading(store.PreviousChecksShown),
	}, nil
}

func upsertAgent(ctx context.Context, tx pgx.Tx, o agentOutcome) error {
	if o.id == "" {
		return nil
	}
	blocked := boolInt(o.blocked)
	if _, err := tx.Exec(ctx, upsertAgentStatsSQL,
		o.id, o.ip, o.browser,
		boolInt(o.success), boolInt(!o.success), blocked,
		boolInt(o.success && o.found), boolInt(o.success && !o.found),
	); err != nil {
		return fmt.Errorf("upsert agent stats: %w", err)
	}
	if _, err := tx.Exec(ctx, upsertAgentHealthSQL, o.id, o.ip, o.browser, o.success, blocked); err != nil {
		return fmt.Errorf("upsert agent health: %w", err)
	}
	return nil
}

func scanChecks(row pgx.Row) (int64, store.Checks, error) {
	var (
		id     int64
		checks store.Checks
	)
	dest := make([]any, 0, 1+store.MaxChecksPerDay)
	dest = append(dest, &id)
	for i := range checks {
		dest = append(dest, &checks[i])
	}
	if err := row.Scan(dest...); err != nil {
		return 0, store.Checks{}, err
	}
	return id, checks, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
