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

// Package router selects the target provider and model for each request
// from the current prediction and a sticky rate-limited flag.
package router

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/cruise/pkg/predict"
	"github.com/teradata-labs/cruise/pkg/pricing"
)

// ProviderType distinguishes the three upstream schemas.
type ProviderType string

const (
	ProviderPrimary          ProviderType = "primary"
	ProviderOpenAICompatible ProviderType = "openai-compatible"
	ProviderLocalChat        ProviderType = "local-chat"
)

// Mode controls how aggressively the router redirects traffic.
type Mode string

const (
	ModeManual   Mode = "manual"
	ModeSemiAuto Mode = "semi-auto"
	ModeFullAuto Mode = "full-auto"
)

// Provider is one upstream target. Lower Priority sorts earlier during
// rate-limit fallback.
type Provider struct {
	Name     string
	Type     ProviderType
	Endpoint string
	APIKey   string
	Models   []string
	Enabled  bool
	Priority int
}

// Thresholds are usage-percent trip points for the routing cascade.
type Thresholds struct {
	SwitchToHaiku      float64
	SwitchToOpenRouter float64
	SwitchToLocal      float64
}

// DefaultThresholds returns the 70/85/95 cascade.
func DefaultThresholds() Thresholds {
	return Thresholds{SwitchToHaiku: 70, SwitchToOpenRouter: 85, SwitchToLocal: 95}
}

// Config is the router's mutable configuration.
type Config struct {
	Mode       Mode
	Enabled    bool
	Thresholds Thresholds
	Providers  []Provider
}

// Decision is the routing outcome for one request. ShouldRoute is true iff
// the target model differs from the requested model or the target provider
// is not the primary.
type Decision struct {
	Provider         string
	ProviderType     ProviderType
	Endpoint         string
	APIKey           string
	TargetModel      string
	Reason           string
	EstimatedSavings float64
	ShouldRoute      bool
}

// Status is the secret-free dashboard view of the router.
type Status struct {
	Mode               Mode             `json:"mode"`
	Enabled            bool             `json:"enabled"`
	IsRateLimited      bool             `json:"is_rate_limited"`
	RateLimitResetTime int64            `json:"rate_limit_reset_time,omitempty"`
	Providers          []ProviderStatus `json:"providers"`
}

type ProviderStatus struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Enabled   bool   `json:"enabled"`
	HasAPIKey bool   `json:"has_api_key"`
}

// minResetDelay floors the sticky-flag clear so a stale reset header can't
// clear it immediately.
const minResetDelay = time.Minute

// defaultResetDelay matches the provider's rolling window.
const defaultResetDelay = 5 * time.Hour

// Router holds shared mutable routing state. Safe for concurrent use.
type Router struct {
	mu            sync.RWMutex
	cfg           Config
	isRateLimited bool
	resetTime     time.Time
	resetTimer    *time.Timer
	logger        *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeFullAuto
	}
	return &Router{cfg: cfg, logger: logger}
}

// Route picks the target for requestedModel given the current prediction.
func (r *Router) Route(requestedModel string, p predict.Prediction) Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.cfg.Enabled || r.cfg.Mode == ModeManual {
		return r.noRoute(requestedModel)
	}

	if r.isRateLimited {
		if d, ok := r.rateLimitFallback(requestedModel); ok {
			return d
		}
		// No alternate to fail over to; never hand out a routed primary
		// decision while the flag is set.
		return r.noRoute(requestedModel)
	}

	th := r.cfg.Thresholds
	switch {
	case p.UsagePercent >= th.SwitchToLocal:
		if prov, ok := r.findEnabled(ProviderLocalChat); ok && len(prov.Models) > 0 {
			return r.decision(prov, prov.Models[0], requestedModel,
				fmt.Sprintf("usage at %.0f%%, switching to local model", p.UsagePercent))
		}
		fallthrough
	case p.UsagePercent >= th.SwitchToOpenRouter:
		if prov, ok := r.findEnabled(ProviderOpenAICompatible); ok && len(prov.Models) > 0 {
			return r.decision(prov, prov.Models[0], requestedModel,
				fmt.Sprintf("usage at %.0f%%, switching to alternate provider", p.UsagePercent))
		}
		fallthrough
	case p.UsagePercent >= th.SwitchToHaiku:
		if prov, ok := r.findEnabled(ProviderPrimary); ok {
			return r.decision(prov, haikuModel(prov), requestedModel,
				fmt.Sprintf("usage at %.0f%%, downgrading to cheaper model", p.UsagePercent))
		}
	}

	return r.noRoute(requestedModel)
}

// rateLimitFallback picks the highest-priority enabled non-primary provider.
func (r *Router) rateLimitFallback(requestedModel string) (Decision, bool) {
	candidates := make([]Provider, 0, len(r.cfg.Providers))
	for _, prov := range r.cfg.Providers {
		if prov.Enabled && prov.Type != ProviderPrimary && len(prov.Models) > 0 {
			candidates = append(candidates, prov)
		}
	}
	if len(candidates) == 0 {
		return Decision{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})
	prov := candidates[0]
	return r.decision(prov, prov.Models[0], requestedModel,
		"rate limited, failing over to "+prov.Name), true
}

func (r *Router) decision(prov Provider, targetModel, requestedModel, reason string) Decision {
	return Decision{
		Provider:         prov.Name,
		ProviderType:     prov.Type,
		Endpoint:         prov.Endpoint,
		APIKey:           prov.APIKey,
		TargetModel:      targetModel,
		Reason:           reason,
		EstimatedSavings: pricing.EstimatedSavings(requestedModel, targetModel),
		ShouldRoute:      targetModel != requestedModel || prov.Type != ProviderPrimary,
	}
}

// noRoute keeps the requested model on the primary provider.
func (r *Router) noRoute(requestedModel string) Decision {
	prov, _ := r.findEnabled(ProviderPrimary)
	return Decision{
		Provider:     prov.Name,
		ProviderType: ProviderPrimary,
		Endpoint:     prov.Endpoint,
		APIKey:       prov.APIKey,
		TargetModel:  requestedModel,
	}
}

// findEnabled returns the first enabled provider of the given type.
func (r *Router) findEnabled(t ProviderType) (Provider, bool) {
	for _, prov := range r.cfg.Providers {
		if prov.Enabled && prov.Type == t {
			return prov, true
		}
	}
	return Provider{}, false
}

// haikuModel returns the provider's Haiku-class model, or a known default.
func haikuModel(prov Provider) string {
	for _, m := range prov.Models {
		if strings.Contains(strings.ToLower(m), "haiku") {
			return m
		}
	}
	return "claude-3-5-haiku-20241022"
}

// RecordRateLimit flips the sticky flag and schedules its clearing after
// max(1 minute, resetTime - now), or 5 hours when no reset time is known.
// resetTime is a unix-millisecond instant; 0 means unknown.
func (r *Router) RecordRateLimit(resetTime int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delay := defaultResetDelay
	if resetTime != 0 {
		delay = time.Until(time.UnixMilli(resetTime))
	}
	if delay < minResetDelay {
		delay = minResetDelay
	}

	r.isRateLimited = true
	r.resetTime = time.Now().Add(delay)
	if r.resetTimer != nil {
		r.resetTimer.Stop()
	}
	r.resetTimer = time.AfterFunc(delay, r.clearRateLimit)

	r.logger.Warn("rate limited, sticky fallback armed",
		zap.Duration("reset_in", delay))
}

func (r *Router) clearRateLimit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.isRateLimited = false
	r.resetTime = time.Time{}
	r.logger.Info("rate limit cleared, primary provider restored")
}

// IsRateLimited reports the sticky flag.
func (r *Router) IsRateLimited() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isRateLimited
}

// SetMode switches the routing mode.
func (r *Router) SetMode(mode Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.Mode = mode
}

// SetEnabled toggles routing entirely.
func (r *Router) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.Enabled = enabled
}

// UpdateProvider replaces the provider with the same name, or appends it.
func (r *Router) UpdateProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.cfg.Providers {
		if r.cfg.Providers[i].Name == p.Name {
			r.cfg.Providers[i] = p
			return
		}
	}
	r.cfg.Providers = append(r.cfg.Providers, p)
}

// GetStatus returns a dashboard view without secrets.
func (r *Router) GetStatus() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Status{
		Mode:          r.cfg.Mode,
		Enabled:       r.cfg.Enabled,
		IsRateLimited: r.isRateLimited,
	}
	if !r.resetTime.IsZero() {
		s.RateLimitResetTime = r.resetTime.UnixMilli()
	}
	for _, prov := range r.cfg.Providers {
		s.Providers = append(s.Providers, ProviderStatus{
			Name:      prov.Name,
			Type:      string(prov.Type),
			Enabled:   prov.Enabled,
			HasAPIKey: prov.APIKey != "",
		})
	}
	return s
}

// Stop cancels any pending reset timer.
func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resetTimer != nil {
		r.resetTimer.Stop()
		r.resetTimer = nil
	}
}
