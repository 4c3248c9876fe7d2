package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/rankhub/internal/fleet"
	"github.com/JakeFAU/rankhub/internal/store"
)

// StoreRecorder writes billing counters and ranking history for every lookup.
type StoreRecorder struct {
	History store.HistoryStore
	Billing store.BillingStore
}

// BeginLookup marks the query billable when it is the first for the key and unit today.
func (r StoreRecorder) BeginLookup(ctx context.Context, req LookupRequest) (bool, error) {
	if r.Billing == nil {
		return false, nil
	}
	billable, err := r.Billing.ProcessQuery(ctx, req.Requester, unitOf(req))
	if err != nil {
		return false, fmt.Errorf("process query: %w", err)
	}
	return billable, nil
}

// FinishLookup bumps the billing counters and appends a history row.
func (r StoreRecorder) FinishLookup(ctx context.Context, rec LookupRecord) error {
	var errs []error
	if r.Billing != nil {
		if err := r.Billing.UpdateRequestResult(ctx, rec.Request.Requester, unitOf(rec.Request), rec.Success); err != nil {
			errs = append(errs, fmt.Errorf("update request result: %w", err))
		}
	}
	if r.History != nil {
		if err := r.History.SaveHistory(ctx, historyEntry(rec)); err != nil {
			errs = append(errs, fmt.Errorf("save history: %w", err))
		}
	}
	return errors.Join(errs...)
}

func unitOf(req LookupRequest) fleet.WorkUnit {
	return fleet.WorkUnit{Keyword: req.Keyword, ProductCode: req.ProductCode}
}

func historyEntry(rec LookupRecord) store.HistoryEntry {
	entry := store.HistoryEntry{
		Requester:      rec.Request.Requester,
		Unit:           unitOf(rec.Request),
		PagesSearched:  rec.Request.Pages,
		Browser:        string(rec.Agent.Capability),
		VMID:           rec.Agent.VMID,
		BrowserVersion: rec.Agent.Version,
		ExecutionTime:  rec.Duration,
		Success:        rec.Success,
	}
	if entry.PagesSearched <= 0 {
		entry.PagesSearched = 1
	}
	if entry.Browser == "" {
		entry.Browser = string(rec.Request.Capability)
	}
	if rec.Success {
		entry.Rank = rec.Rank.Rank
		entry.RealRank = rec.Rank.RealRank
		entry.Product = rec.Rank.Product
	}
	if rec.Err != nil {
		entry.ErrorMessage = rec.Err.Error()
	}
	return entry
}
