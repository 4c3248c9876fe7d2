package api

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rankhub/internal/batch"
	"github.com/JakeFAU/rankhub/internal/fleet"
	"github.com/JakeFAU/rankhub/internal/lease"
	"github.com/JakeFAU/rankhub/internal/store"
)

func TestBatch_Claim(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.batch.claimed = []fleet.WorkUnit{{Keyword: "mouse", ProductCode: "42"}}

	rec := f.do(t, http.MethodPost, "/api/v1/internal/batch/claim", `{"agentId":"worker-1","limit":5}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.JSONEq(t, `{"success":true,"keywords":[{"keyword":"mouse","product_code":"42"}]}`, rec.Body.String())
	require.Equal(t, 5, f.batch.lastLimit)
}

func TestBatch_ClaimRequiresAgent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/v1/internal/batch/claim", `{"limit":5}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, codeValidation, errorCode(t, rec))
}

func TestBatch_ClaimStoreError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.batch.claimErr = fmt.Errorf("fetch eligible units: %w", store.ErrNotFound)
	rec := f.do(t, http.MethodPost, "/api/v1/internal/batch/claim", `{"agentId":"worker-1"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestBatch_Renew(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/v1/internal/batch/renew",
		`{"agentId":"worker-1","keywords":[{"keyword":"mouse","product_code":"42"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"success":true,"renewed":["mouse|42"]}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/v1/internal/batch/renew", `{"keywords":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatch_Result(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.batch.checkNum = 3

	rec := f.do(t, http.MethodPost, "/api/v1/internal/batch/result",
		`{"keyword":"mouse","productCode":"42","rank":7,"agentId":"worker-1","browser":"chrome","rating":4.5,"reviewCount":120}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.JSONEq(t, `{"success":true,"checkNumber":3,"saved":true}`, rec.Body.String())

	require.Len(t, f.batch.results, 1)
	got := f.batch.results[0]
	require.Equal(t, fleet.WorkUnit{Keyword: "mouse", ProductCode: "42"}, got.Unit)
	require.Equal(t, 7, got.Rank)
	require.Equal(t, "192.0.2.1", got.AgentIP)
	require.NotNil(t, got.Rating)
	require.InDelta(t, 4.5, *got.Rating, 0.0001)
	require.Equal(t, 120, *got.ReviewCount)
}

func TestBatch_ResultZeroRankIsAccepted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.batch.checkNum = 1
	rec := f.do(t, http.MethodPost, "/api/v1/internal/batch/result",
		`{"keyword":"mouse","product_code":"42","rank":0,"agentId":"worker-1","agentIP":"10.1.1.1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "10.1.1.1", f.batch.results[0].AgentIP)
	require.Equal(t, "42", f.batch.results[0].Unit.ProductCode)
}

func TestBatch_ResultErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/v1/internal/batch/result", `{"keyword":"mouse","productCode":"42","agentId":"w"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, codeValidation, errorCode(t, rec))

	f.batch.resultErr = fmt.Errorf("save result: %w", store.ErrCheckSlotsFull)
	rec = f.do(t, http.MethodPost, "/api/v1/internal/batch/result", `{"keyword":"mouse","productCode":"42","rank":3,"agentId":"w"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, codeLimitExceeded, errorCode(t, rec))

	f.batch.resultErr = batch.ErrInvalidUnit
	rec = f.do(t, http.MethodPost, "/api/v1/internal/batch/result", `{"keyword":"mouse","rank":3,"agentId":"w"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, codeValidation, errorCode(t, rec))
}

func TestBatch_Failure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.batch.failure = batch.FailureReport{Kind: fleet.FailureBlocked, Logged: true}

	rec := f.do(t, http.MethodPost, "/api/v1/internal/batch/failure",
		`{"keyword":"mouse","productCode":"42","error":"HTTP 403","agentId":"worker-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"success":true,"logged":true,"errorType":"BLOCKED"}`, rec.Body.String())
	require.Equal(t, "HTTP 403", f.batch.failures[0].Message)
}

func TestBatch_FailureNotLoggedStillOK(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.batch.failure = batch.FailureReport{Kind: fleet.FailureTimeout, Logged: false}

	rec := f.do(t, http.MethodPost, "/api/v1/internal/batch/failure",
		`{"keyword":"mouse","productCode":"42","error":"Timeout","agentId":"worker-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"success":false,"logged":false,"errorType":"TIMEOUT"}`, rec.Body.String())
}

func TestBatch_CheckInfo(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.batch.info = store.CheckInfo{NextCheckNumber: 1}

	rec := f.do(t, http.MethodGet, "/api/v1/internal/batch/check-info?keyword=mouse&product_code=42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t,
		`{"success":true,"checkInfo":{"id":null,"nextCheckNumber":1,"todayChecks":0,"previousChecks":[]}}`,
		rec.Body.String())
	require.Equal(t, fleet.WorkUnit{Keyword: "mouse", ProductCode: "42"}, f.batch.infoUnit)

	rec = f.do(t, http.MethodGet, "/api/v1/internal/batch/check-info?keyword=mouse", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatch_Status(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.batch.leaseTable = lease.Status{
		Total:      1,
		DurationMs: 20000,
		Leases:     []lease.Info{{Key: "mouse|42", Holder: "worker-1"}},
	}

	rec := f.do(t, http.MethodGet, "/api/v1/internal/batch/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	locks := decode(t, rec)["locks"].(map[string]any)
	require.EqualValues(t, 1, locks["total"])
	require.EqualValues(t, 20000, locks["durationMs"])
}
