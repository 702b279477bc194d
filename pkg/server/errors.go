// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"

	"github.com/Volcar144/WayGate-sub000/pkg/logger"
	"github.com/Volcar144/WayGate-sub000/pkg/tokens"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warnw("writing response body", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, &tokens.OAuthError{Code: code, Description: description})
}

// writeOAuthError renders any error in the OIDC error body shape,
// mapping untyped errors to server_error.
func writeOAuthError(w http.ResponseWriter, err error) {
	oe := tokens.AsOAuthError(err)
	status := oe.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	if status >= 500 {
		logger.Errorw("request failed", "error", err)
		// Internal details stay in the log.
		oe = &tokens.OAuthError{Code: "server_error", Status: status}
	}
	if oe.Code == "invalid_client" {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	}
	writeJSON(w, status, oe)
}

func writeRateLimited(w http.ResponseWriter, retryAfter string) {
	if retryAfter != "" {
		w.Header().Set("Retry-After", retryAfter)
	}
	writeOAuthError(w, tokens.RateLimited())
}
