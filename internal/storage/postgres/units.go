package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/rankhub/internal/fleet"
	"github.com/JakeFAU/rankhub/internal/store"
)

const eligibleUnitsSQL = `
SELECT kl.keyword, kl.product_code
FROM v3_keyword_list kl
LEFT JOIN v3_keyword_ranking_checks krc
	ON krc.keyword = kl.keyword
	AND krc.product_code = kl.product_code
	AND krc.check_date = CURRENT_DATE
WHERE kl.is_active = TRUE
	AND kl.last_sync_at > NOW() - make_interval(secs => $2)
	AND (
		krc.id IS NULL
		OR (
			COALESCE(krc.is_completed, FALSE) = FALSE
			AND krc.check_10 IS NULL
			AND (krc.processing_at IS NULL OR krc.processing_at <= NOW() - make_interval(secs => $3))
			AND (krc.last_check_at IS NULL OR krc.last_check_at <= NOW() - make_interval(secs => $4))
		)
	)
ORDER BY COALESCE(krc.total_checks, 0) ASC, krc.last_check_at ASC NULLS FIRST, RANDOM()
LIMIT $1`

const markProcessingSQL = `
UPDATE v3_keyword_ranking_checks
SET processing_at = NOW(), updated_at = NOW()
WHERE check_date = CURRENT_DATE
	AND (keyword, product_code) IN (SELECT * FROM unnest($1::text[], $2::text[]))`

// EligibleUnits implements store.UnitProvider.
func (s *Store) EligibleUnits(ctx context.Context, q store.UnitQuery) ([]fleet.WorkUnit, error) {
	rows, err := s.pool.Query(ctx, eligibleUnitsSQL,
		q.Limit,
		q.SyncTimeLimit.Seconds(),
		q.ProcessingTTL.Seconds(),
		q.MinCheckInterval.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("query eligible units: %w", err)
	}
	units, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (fleet.WorkUnit, error) {
		var u fleet.WorkUnit
		err := row.Scan(&u.Keyword, &u.ProductCode)
		return u, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan eligible units: %w", err)
	}
	return units, nil
}

// MarkProcessing implements store.UnitProvider.
func (s *Store) MarkProcessing(ctx context.Context, units []fleet.WorkUnit) error {
	if len(units) == 0 {
		return nil
	}
	keywords := make([]string, len(units))
	codes := make([]string, len(units))
	for i, u := range units {
		keywords[i] = u.Keyword
		codes[i] = u.ProductCode
	}
	if _, err := s.pool.Exec(ctx, markProcessingSQL, keywords, codes); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}
