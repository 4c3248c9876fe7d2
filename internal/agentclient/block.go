package agentclient

import (
	"bytes"
	"net/http"
	"strings"
)

// Block reasons reported alongside FailureBlocked.
const (
	BlockForbidden   = "HTTP_403_FORBIDDEN"
	BlockRateLimited = "HTTP_429_TOO_MANY_REQUESTS"
	BlockNetwork     = "NETWORK_LEVEL_BLOCK"
	BlockChallenge   = "CHALLENGE_PAGE"
)

// networkBlockErrors are browser load failures the target uses to refuse traffic.
var networkBlockErrors = []string{
	"net::ERR_BLOCKED_BY_CLIENT",
	"net::ERR_FAILED",
	"net::ERR_HTTP2_PROTOCOL_ERROR",
	"net::ERR_CONNECTION_REFUSED",
	"net::ERR_CONNECTION_RESET",
}

var challengeMarkers = [][]byte{
	[]byte("access denied"),
	[]byte("captcha"),
	[]byte("_incapsula_resource"),
	[]byte("cf-challenge"),
}

// BlockDetector decides whether a rendered page means the agent was refused.
type BlockDetector struct {
	// BodyLengthThreshold is the size below which a script-heavy page counts as a challenge.
	BodyLengthThreshold int
}

// NewBlockDetector creates a detector. A zero threshold uses 2048 bytes.
func NewBlockDetector(threshold int) *BlockDetector {
	if threshold == 0 {
		threshold = 2048
	}
	return &BlockDetector{BodyLengthThreshold: threshold}
}

// Detect returns a block reason for the page, or "" when the page looks like real results.
func (d *BlockDetector) Detect(status int, finalURL string, body []byte) string {
	switch {
	case status == http.StatusForbidden:
		return BlockForbidden
	case status == http.StatusTooManyRequests:
		return BlockRateLimited
	case strings.HasPrefix(finalURL, "chrome-error://"):
		return BlockNetwork
	}
	lower := bytes.ToLower(body)
	for _, marker := range challengeMarkers {
		if bytes.Contains(lower, marker) {
			return BlockChallenge
		}
	}
	if len(body) > 0 && len(body) < d.BodyLengthThreshold && scriptDensityHigh(body) {
		return BlockChallenge
	}
	return ""
}

// NetworkBlocked reports whether a browser load failure is one the target uses to refuse traffic.
func NetworkBlocked(errorText string) bool {
	for _, e := range networkBlockErrors {
		if strings.Contains(errorText, e) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Malformed tag; the rest of the document counts as script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
