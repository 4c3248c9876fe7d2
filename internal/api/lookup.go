package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/rankhub/internal/coordinator"
	"github.com/JakeFAU/rankhub/internal/fleet"
	"github.com/JakeFAU/rankhub/internal/metrics"
)

const (
	platformName     = "coupang"
	maxKeywordLen    = 500
	maxCodeLen       = 255
	anonymousRequest = "anonymous"
)

type lookupRequest struct {
	Keyword string `json:"keyword"`
	Code    string `json:"code"`
	Pages   *int   `json:"pages"`
	Browser string `json:"browser"`
	Host    string `json:"host"`
}

type agentInfo struct {
	VMID           string `json:"vmId,omitempty"`
	BrowserVersion string `json:"browserVersion,omitempty"`
}

type lookupData struct {
	Platform  string           `json:"platform"`
	Keyword   string           `json:"keyword"`
	Code      string           `json:"code"`
	Rank      int              `json:"rank"`
	RealRank  int              `json:"realRank"`
	Product   *fleet.Product   `json:"product,omitempty"`
	Browser   fleet.Capability `json:"browser"`
	AgentInfo agentInfo        `json:"agentInfo"`
}

type lookupResponse struct {
	Success       bool       `json:"success"`
	Data          lookupData `json:"data"`
	Timestamp     time.Time  `json:"timestamp"`
	ExecutionTime float64    `json:"executionTime"`
}

func (s *Server) lookupQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := lookupRequest{
		Keyword: q.Get("keyword"),
		Code:    q.Get("code"),
		Browser: q.Get("browser"),
		Host:    q.Get("host"),
	}
	if raw := q.Get("pages"); raw != "" {
		pages, err := strconv.Atoi(raw)
		if err != nil {
			writeDomainError(w, invalid("pages must be an integer"))
			return
		}
		req.Pages = &pages
	}
	s.lookup(w, r, req)
}

func (s *Server) lookupBody(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDomainError(w, invalid("invalid JSON"))
		return
	}
	s.lookup(w, r, req)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request, body lookupRequest) {
	req, err := s.toLookupRequest(body)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	req.Requester = requestAPIKey(r)
	if req.Requester == "" {
		req.Requester = anonymousRequest
	}

	resp, err := s.deps.Lookups.SubmitLookup(r.Context(), req)
	if err != nil {
		_, code := statusFor(err)
		metrics.ObserveLookup(code, resp.Duration)
		s.logger.Warn("lookup failed",
			zap.String("keyword", req.Keyword),
			zap.String("code", req.ProductCode),
			zap.String("error_code", code),
			zap.Error(err),
		)
		writeDomainError(w, err)
		return
	}
	metrics.ObserveLookup("success", resp.Duration)

	writeJSON(w, http.StatusOK, lookupResponse{
		Success: true,
		Data: lookupData{
			Platform: platformName,
			Keyword:  req.Keyword,
			Code:     req.ProductCode,
			Rank:     resp.Rank.Rank,
			RealRank: resp.Rank.RealRank,
			Product:  resp.Rank.Product,
			Browser:  resp.Agent.Capability,
			AgentInfo: agentInfo{
				VMID:           resp.Agent.VMID,
				BrowserVersion: resp.Agent.Version,
			},
		},
		Timestamp:     s.deps.Clock.Now().UTC(),
		ExecutionTime: resp.Duration.Seconds(),
	})
}

// toLookupRequest validates a lookup and applies the page default.
func (s *Server) toLookupRequest(body lookupRequest) (coordinator.LookupRequest, error) {
	keyword := strings.TrimSpace(body.Keyword)
	code := strings.TrimSpace(body.Code)
	switch {
	case keyword == "":
		return coordinator.LookupRequest{}, invalid("keyword is required")
	case utf8.RuneCountInString(keyword) > maxKeywordLen:
		return coordinator.LookupRequest{}, invalid(fmt.Sprintf("keyword must be at most %d characters", maxKeywordLen))
	case code == "":
		return coordinator.LookupRequest{}, invalid("code is required")
	case utf8.RuneCountInString(code) > maxCodeLen:
		return coordinator.LookupRequest{}, invalid(fmt.Sprintf("code must be at most %d characters", maxCodeLen))
	}

	pages := s.cfg.Tasks.DefaultPages
	if pages <= 0 {
		pages = 1
	}
	if body.Pages != nil {
		pages = *body.Pages
	}
	maxPages := s.cfg.Tasks.MaxPages
	switch {
	case maxPages > 0 && (pages < 1 || pages > maxPages):
		return coordinator.LookupRequest{}, invalid(fmt.Sprintf("pages must be between 1 and %d", maxPages))
	case pages < 1:
		// Zero means no upper bound.
		return coordinator.LookupRequest{}, invalid("pages must be at least 1")
	}

	capability, err := fleet.ParseCapability(body.Browser)
	if err != nil {
		return coordinator.LookupRequest{}, s.browserUnavailable(body.Browser)
	}
	if capability != fleet.CapabilityAny && !s.browsers[capability] {
		return coordinator.LookupRequest{}, s.browserUnavailable(body.Browser)
	}

	return coordinator.LookupRequest{
		Keyword:     keyword,
		ProductCode: code,
		Pages:       pages,
		Capability:  capability,
		Pinned:      strings.TrimSpace(body.Host),
	}, nil
}

func (s *Server) browserUnavailable(raw string) error {
	return fmt.Errorf("%w: browser %q is not available; supported: %s",
		fleet.ErrUnsupportedCapability, raw, strings.Join(s.supported, ", "))
}
