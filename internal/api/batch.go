package api

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/JakeFAU/rankhub/internal/fleet"
	"github.com/JakeFAU/rankhub/internal/store"
)

type claimRequest struct {
	AgentID string `json:"agentId"`
	Limit   int    `json:"limit"`
}

type renewRequest struct {
	AgentID  string           `json:"agentId"`
	Keywords []fleet.WorkUnit `json:"keywords"`
}

// unitFields accepts both productCode and product_code.
type unitFields struct {
	Keyword      string `json:"keyword"`
	ProductCode  string `json:"productCode"`
	ProductCode2 string `json:"product_code"`
}

func (u unitFields) unit() fleet.WorkUnit {
	code := u.ProductCode
	if code == "" {
		code = u.ProductCode2
	}
	return fleet.WorkUnit{Keyword: u.Keyword, ProductCode: code}
}

type resultRequest struct {
	unitFields
	Rank         *int     `json:"rank"`
	AgentID      string   `json:"agentId"`
	AgentIP      string   `json:"agentIP"`
	Browser      string   `json:"browser"`
	ProductName  string   `json:"productName"`
	ThumbnailURL string   `json:"thumbnailUrl"`
	Rating       *float64 `json:"rating"`
	ReviewCount  *int     `json:"reviewCount"`
}

type failureRequest struct {
	unitFields
	Error     string            `json:"error"`
	ErrorType fleet.FailureKind `json:"errorType"`
	AgentID   string            `json:"agentId"`
	AgentIP   string            `json:"agentIP"`
	Browser   string            `json:"browser"`
}

func (s *Server) batchClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDomainError(w, invalid("invalid JSON"))
		return
	}
	units, err := s.deps.Batch.ClaimUnits(r.Context(), req.AgentID, req.Limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "keywords": units})
}

func (s *Server) batchRenew(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDomainError(w, invalid("invalid JSON"))
		return
	}
	if req.AgentID == "" {
		writeDomainError(w, invalid("agentId is required"))
		return
	}
	renewed := s.deps.Batch.Renew(req.AgentID, req.Keywords)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "renewed": renewed})
}

func (s *Server) batchResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDomainError(w, invalid("invalid JSON"))
		return
	}
	if req.Rank == nil || req.AgentID == "" {
		writeDomainError(w, invalid("rank and agentId are required"))
		return
	}
	checkNumber, err := s.deps.Batch.ReportResult(r.Context(), store.CheckResult{
		Unit:         req.unit(),
		Rank:         *req.Rank,
		AgentID:      req.AgentID,
		AgentIP:      agentIP(req.AgentIP, r),
		Browser:      req.Browser,
		ProductName:  req.ProductName,
		ThumbnailURL: req.ThumbnailURL,
		Rating:       req.Rating,
		ReviewCount:  req.ReviewCount,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "checkNumber": checkNumber, "saved": true})
}

func (s *Server) batchFailure(w http.ResponseWriter, r *http.Request) {
	var req failureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDomainError(w, invalid("invalid JSON"))
		return
	}
	if req.AgentID == "" {
		writeDomainError(w, invalid("agentId is required"))
		return
	}
	report, err := s.deps.Batch.ReportFailure(r.Context(), store.FailureRecord{
		Unit:    req.unit(),
		AgentID: req.AgentID,
		AgentIP: agentIP(req.AgentIP, r),
		Browser: req.Browser,
		Kind:    req.ErrorType,
		Message: req.Error,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   report.Logged,
		"logged":    report.Logged,
		"errorType": report.Kind,
	})
}

func (s *Server) batchCheckInfo(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	unit := unitFields{
		Keyword:      q.Get("keyword"),
		ProductCode:  q.Get("productCode"),
		ProductCode2: q.Get("product_code"),
	}.unit()
	info, err := s.deps.Batch.CheckInfo(r.Context(), unit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if info.PreviousChecks == nil {
		info.PreviousChecks = []int{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "checkInfo": info})
}

func (s *Server) batchStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"locks":     s.deps.Batch.Status(),
		"timestamp": s.deps.Clock.Now().UTC(),
	})
}

// agentIP prefers the address the agent reports and falls back to the peer address.
func agentIP(reported string, r *http.Request) string {
	if reported != "" {
		return reported
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
