// Package agentclient is the reference agent: it connects to the hub's control channel,
// runs searches through a Scraper, and drives the batch claim loop.
package agentclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/rankhub/internal/fleet"
)

// Scraper runs one ranked search. A failed search returns a *SearchError.
type Scraper interface {
	Search(ctx context.Context, params fleet.TaskParams) (fleet.RankResult, error)
}

// SearchError is a classified scrape failure.
type SearchError struct {
	Kind        fleet.FailureKind
	Message     string
	BlockReason string
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Blocked reports whether the target refused the agent.
func (e *SearchError) Blocked() bool {
	return e.Kind == fleet.FailureBlocked
}

// outcomeFor turns a Search result into the outcome reported to the hub.
func outcomeFor(rank fleet.RankResult, err error) (fleet.TaskOutcome, error) {
	if err == nil {
		payload, encErr := encodeRank(rank)
		if encErr != nil {
			return fleet.TaskOutcome{}, encErr
		}
		return fleet.TaskOutcome{Success: true, Result: payload}, nil
	}
	var serr *SearchError
	if !errors.As(err, &serr) {
		serr = &SearchError{Kind: fleet.ClassifyFailure(err.Error()), Message: err.Error()}
	}
	return fleet.TaskOutcome{
		Success:     false,
		Error:       serr.Message,
		ErrorType:   serr.Kind,
		Blocked:     serr.Blocked(),
		BlockReason: serr.BlockReason,
	}, nil
}
