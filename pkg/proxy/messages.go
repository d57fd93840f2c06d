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
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/cruise/pkg/adapter"
	"github.com/teradata-labs/cruise/pkg/ledger"
	"github.com/teradata-labs/cruise/pkg/predict"
	"github.com/teradata-labs/cruise/pkg/router"
)

// handleMessages is the core proxied call: parse, route, forward, meter,
// account.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}
	native, err := adapter.ParseRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	prediction, err := s.engine.Predict(ctx, predict.DefaultWindowHours, native.Model)
	if err != nil {
		// Routing degrades to no-op; the request still goes through.
		s.logger.Warn("prediction failed", zap.Error(err))
	}
	decision := s.rt.Route(native.Model, prediction)

	apiKey := decision.APIKey
	if decision.ProviderType == router.ProviderPrimary {
		if apiKey == "" {
			apiKey = s.cfg.PrimaryAPIKey
		}
		if apiKey == "" {
			apiKey = r.Header.Get("x-api-key")
		}
		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "authentication_error", "no API key in request or configuration")
			return
		}
	}

	if decision.ShouldRoute {
		s.logger.Info("routing request",
			zap.String("from", native.Model),
			zap.String("to", decision.TargetModel),
			zap.String("provider", decision.Provider),
			zap.String("reason", decision.Reason))
	}

	target := adapter.Target{
		Endpoint: decision.Endpoint,
		APIKey:   apiKey,
		Model:    decision.TargetModel,
	}

	var upstreamReq *http.Request
	switch decision.ProviderType {
	case router.ProviderOpenAICompatible:
		upstreamReq, err = adapter.NewOpenAIRequest(ctx, target, native)
	case router.ProviderLocalChat:
		upstreamReq, err = adapter.NewLocalChatRequest(ctx, target, native)
	default:
		upstreamReq, err = adapter.NewAnthropicRequest(ctx, target, native, r.Header.Get("anthropic-beta"))
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	resp, err := s.client.Do(upstreamReq)
	if err != nil {
		s.logger.Error("upstream request failed",
			zap.String("provider", decision.Provider), zap.Error(err))
		writeError(w, http.StatusBadGateway, "upstream_error", "upstream request failed")
		s.account(native, decision, Usage{}, start, false, "transport_error")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		s.handleQuotaRejection(ctx, native.Model, resp.Header)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)

	var usage Usage
	var streamFailed bool
	var respBody []byte

	// Error responses arrive as plain JSON even on streaming requests;
	// buffering them keeps the upstream error.type for the ledger.
	if native.Stream && resp.StatusCode < 400 {
		usage, streamFailed = s.relayStream(w, resp.Body, decision.ProviderType)
	} else {
		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			s.logger.Warn("failed to read upstream body", zap.Error(err))
		}
		_, _ = w.Write(respBody)
		usage = ParseUsage(decision.ProviderType, respBody)
	}

	success := resp.StatusCode < 400 && !streamFailed
	errorType := ""
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		errorType = "rate_limit_exceeded"
	case resp.StatusCode >= 400:
		errorType = upstreamErrorType(respBody)
	case streamFailed:
		errorType = "stream_error"
	}

	// Alternate schemas can omit usage entirely; estimate the prompt so the
	// window still moves.
	if success && usage.empty() && decision.ProviderType != router.ProviderPrimary {
		usage.InputTokens = EstimateInputTokens(native)
		usage.OutputTokens = EstimateOutputTokens(decision.ProviderType, respBody)
	}

	s.account(native, decision, usage, start, success, errorType)
}

// relayStream copies upstream chunks to the client verbatim while the meter
// watches them. Returns the extracted usage and whether the stream failed
// mid-flight.
func (s *Server) relayStream(w http.ResponseWriter, upstream io.Reader, pt router.ProviderType) (Usage, bool) {
	meter := NewStreamMeter(pt)
	flusher, _ := w.(http.Flusher)

	buf := make([]byte, 32*1024)
	failed := false
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Client went away; abandon the upstream read.
				failed = true
				break
			}
			_, _ = meter.Write(buf[:n])
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			s.logger.Warn("upstream stream error", zap.Error(err))
			failed = true
			break
		}
	}
	return meter.Usage(), failed
}

// account writes the usage log and, when the request was routed, the
// routing decision. Ledger failures are logged, never surfaced.
func (s *Server) account(native *adapter.Request, decision router.Decision, usage Usage, start time.Time, success bool, errorType string) {
	// The client may be gone; accounting still has to land.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry := ledger.UsageLog{
		Model:            decision.TargetModel,
		Provider:         decision.Provider,
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		CacheReadTokens:  usage.CacheReadTokens,
		CacheWriteTokens: usage.CacheWriteTokens,
		LatencyMs:        time.Since(start).Milliseconds(),
		Success:          success,
		ErrorType:        errorType,
	}
	if decision.ShouldRoute {
		entry.RoutedFrom = native.Model
		entry.RoutingReason = decision.Reason
	}

	written, err := s.led.AddLog(ctx, entry)
	if err != nil {
		s.logger.Error("failed to write usage log", zap.Error(err))
	} else {
		s.publishUsage(written)
	}

	if decision.ShouldRoute {
		_, err := s.led.AddRoutingDecision(ctx, ledger.RoutingDecision{
			OriginalProvider: s.cfg.PrimaryName,
			RoutedProvider:   decision.Provider,
			RoutedModel:      decision.TargetModel,
			Reason:           decision.Reason,
			EstimatedSavings: decision.EstimatedSavings,
		})
		if err != nil {
			s.logger.Error("failed to write routing decision", zap.Error(err))
		}
	}
}

// handleQuotaRejection records a 429: the window's consumption feeds the
// limit learner and the router's sticky flag is armed.
func (s *Server) handleQuotaRejection(ctx context.Context, requestedModel string, headers http.Header) {
	var tokensUsed int64
	logs, err := s.led.GetWindowLogs(ctx, predict.DefaultWindowHours)
	if err != nil {
		s.logger.Error("failed to read usage window for rate limit event", zap.Error(err))
	} else {
		for _, log := range logs {
			tokensUsed += log.InputTokens + log.OutputTokens
		}
	}

	resetTime := parseResetTime(headers)
	if err := s.engine.RecordRateLimit(ctx, ledger.RateLimitEvent{
		Model:                 requestedModel,
		ErrorType:             "rate_limit_exceeded",
		ResetTime:             resetTime,
		TokensUsedBeforeLimit: tokensUsed,
		WindowHours:           predict.DefaultWindowHours,
	}); err != nil {
		s.logger.Error("failed to record rate limit event", zap.Error(err))
	}
	s.rt.RecordRateLimit(resetTime)
}

// parseResetTime extracts a reset instant (unix ms) from 429 response
// headers; 0 when neither header parses.
func parseResetTime(h http.Header) int64 {
	if v := h.Get("retry-after"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Now().UnixMilli() + secs*1000
		}
		if t, err := http.ParseTime(v); err == nil {
			return t.UnixMilli()
		}
	}
	if v := h.Get("anthropic-ratelimit-unified-reset"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			return secs * 1000
		}
	}
	return 0
}

// upstreamErrorType pulls the error.type out of a native error envelope.
func upstreamErrorType(body []byte) string {
	var envelope struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Type == "" {
		return "upstream_error"
	}
	return envelope.Error.Type
}
