// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package proxy

import (
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Headers forwarded verbatim in both directions on pass-through calls.
var passthroughHeaders = []string{"x-api-key", "anthropic-version", "anthropic-beta", "Content-Type"}

// handlePassthrough forwards any other /v1/ path to the primary provider
// unchanged: method, body, and auth headers all pass through.
func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	url := strings.TrimSuffix(s.cfg.PrimaryEndpoint, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	for _, h := range passthroughHeaders {
		if v := r.Header.Get(h); v != "" {
			upstreamReq.Header.Set(h, v)
		}
	}
	if upstreamReq.Header.Get("x-api-key") == "" && s.cfg.PrimaryAPIKey != "" {
		upstreamReq.Header.Set("x-api-key", s.cfg.PrimaryAPIKey)
	}

	resp, err := s.client.Do(upstreamReq)
	if err != nil {
		s.logger.Error("pass-through request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusBadGateway, "upstream_error", "upstream request failed")
		return
	}
	defer resp.Body.Close()

	for _, h := range passthroughHeaders {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Warn("pass-through copy interrupted", zap.Error(err))
	}
}
