// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RequestInfo captures the request attributes a flow may inspect. The
// HTTP layer fills it from the incoming request; it is persisted with
// the run so resumed executions see the original values.
type RequestInfo struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	Country   string `json:"country,omitempty"`
	City      string `json:"city,omitempty"`
}

// Signals is the output of a read_signals node.
type Signals struct {
	IP        string  `json:"ip,omitempty"`
	UserAgent string  `json:"userAgent,omitempty"`
	OS        string  `json:"os,omitempty"`
	Browser   string  `json:"browser,omitempty"`
	Country   string  `json:"country,omitempty"`
	City      string  `json:"city,omitempty"`
	RiskScore float64 `json:"riskScore"`
}

// CaptchaResult records a successful captcha verification.
type CaptchaResult struct {
	Provider string  `json:"provider"`
	Score    float64 `json:"score"`
}

// RunContext is the state threaded through a run's nodes and persisted
// with the FlowRun between steps.
type RunContext struct {
	UserID   string                       `json:"userId,omitempty"`
	Rid      string                       `json:"rid,omitempty"`
	Request  *RequestInfo                 `json:"request,omitempty"`
	Signals  *Signals                     `json:"signals,omitempty"`
	Prompts  map[string]map[string]string `json:"prompts"`
	Metadata map[string]map[string]any    `json:"metadata"`
	Captcha  *CaptchaResult               `json:"captcha,omitempty"`
	Extras   map[string]any               `json:"extras,omitempty"`
}

func newRunContext(userID, rid string, req *RequestInfo, extras map[string]any) *RunContext {
	return &RunContext{
		UserID:   userID,
		Rid:      rid,
		Request:  req,
		Prompts:  make(map[string]map[string]string),
		Metadata: make(map[string]map[string]any),
		Extras:   extras,
	}
}

func decodeRunContext(raw []byte) (*RunContext, error) {
	rc := &RunContext{}
	if err := json.Unmarshal(raw, rc); err != nil {
		return nil, fmt.Errorf("decoding run context: %w", err)
	}
	if rc.Prompts == nil {
		rc.Prompts = make(map[string]map[string]string)
	}
	if rc.Metadata == nil {
		rc.Metadata = make(map[string]map[string]any)
	}
	return rc, nil
}

func (rc *RunContext) encode() ([]byte, error) {
	return json.Marshal(rc)
}

// buildSignals derives device and risk signals from the recorded
// request. The risk score is a coarse heuristic: it flags absent or
// automated user agents and unknown geography, not a fraud model.
func buildSignals(req *RequestInfo) *Signals {
	s := &Signals{}
	if req == nil {
		s.RiskScore = 0.8
		return s
	}
	s.IP = req.IP
	s.UserAgent = req.UserAgent
	s.Country = req.Country
	s.City = req.City
	s.OS, s.Browser = parseUserAgent(req.UserAgent)

	switch {
	case req.UserAgent == "":
		s.RiskScore += 0.4
	case isAutomatedAgent(req.UserAgent):
		s.RiskScore += 0.5
	}
	if req.Country == "" {
		s.RiskScore += 0.2
	}
	if req.IP == "" {
		s.RiskScore += 0.2
	}
	if s.RiskScore > 1 {
		s.RiskScore = 1
	}
	return s
}

func parseUserAgent(ua string) (os, browser string) {
	lower := strings.ToLower(ua)
	switch {
	case strings.Contains(lower, "windows"):
		os = "Windows"
	case strings.Contains(lower, "android"):
		os = "Android"
	case strings.Contains(lower, "iphone"), strings.Contains(lower, "ipad"):
		os = "iOS"
	case strings.Contains(lower, "mac os"), strings.Contains(lower, "macintosh"):
		os = "macOS"
	case strings.Contains(lower, "linux"):
		os = "Linux"
	}
	// Order matters: Edge and Chrome both advertise Safari, Edge also
	// advertises Chrome.
	switch {
	case strings.Contains(lower, "edg/"):
		browser = "Edge"
	case strings.Contains(lower, "chrome/"):
		browser = "Chrome"
	case strings.Contains(lower, "firefox/"):
		browser = "Firefox"
	case strings.Contains(lower, "safari/"):
		browser = "Safari"
	}
	return os, browser
}

func isAutomatedAgent(ua string) bool {
	lower := strings.ToLower(ua)
	for _, marker := range []string{"bot", "crawler", "spider", "curl/", "wget/", "python-requests"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
