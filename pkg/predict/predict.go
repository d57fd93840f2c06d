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

// Package predict combines the ledger's usage window, the learned quota
// ceiling, and velocity stats into a single forward-looking Prediction.
package predict

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/cruise/pkg/ledger"
	"github.com/teradata-labs/cruise/pkg/limits"
	"github.com/teradata-labs/cruise/pkg/velocity"
)

// Action is what the router should do about the current trajectory.
type Action string

const (
	ActionContinue       Action = "continue"
	ActionSwitchModel    Action = "switch_model"
	ActionSwitchProvider Action = "switch_provider"
	ActionPause          Action = "pause"
)

// DefaultWindowHours matches the provider's rolling quota window.
const DefaultWindowHours = 5

// Prediction is one point-in-time projection for a model.
//
// MinutesUntilLimit is +Inf when the window shows no consumption; external
// surfaces that need a finite number substitute 999.
type Prediction struct {
	Model             string
	WindowHours       float64
	CurrentUsage      int64
	TokenLimit        int64
	UsagePercent      float64
	TokensRemaining   int64
	MinutesUntilLimit float64
	EstimatedLimit    time.Time // zero when MinutesUntilLimit is unbounded
	Confidence        int       // 0-100
	Velocity          velocity.Stats
	RecommendedAction Action
}

// Engine reads the ledger and learner; it owns no durable state itself.
type Engine struct {
	led     *ledger.Ledger
	learner *limits.Learner
	logger  *zap.Logger
}

func NewEngine(led *ledger.Ledger, learner *limits.Learner, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{led: led, learner: learner, logger: logger}
}

// Predict projects usage for model over the given rolling window. A
// windowHours of 0 uses the 5-hour default.
func (e *Engine) Predict(ctx context.Context, windowHours float64, model string) (Prediction, error) {
	if windowHours <= 0 {
		windowHours = DefaultWindowHours
	}

	logs, err := e.led.GetWindowLogs(ctx, windowHours)
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to read usage window: %w", err)
	}

	limit := e.learner.GetLearnedLimit(model)

	var currentUsage int64
	for _, log := range logs {
		currentUsage += log.InputTokens + log.OutputTokens
	}

	stats := velocity.Compute(logs, windowHours*60)

	p := Prediction{
		Model:        model,
		WindowHours:  windowHours,
		CurrentUsage: currentUsage,
		TokenLimit:   limit.TokenLimit,
		Velocity:     stats,
	}

	if limit.TokenLimit > 0 {
		p.UsagePercent = math.Min(100, float64(currentUsage)/float64(limit.TokenLimit)*100)
	} else if currentUsage > 0 {
		// A zero learned ceiling means any consumption is over it.
		p.UsagePercent = 100
	}
	if remaining := limit.TokenLimit - currentUsage; remaining > 0 {
		p.TokensRemaining = remaining
	}

	if stats.TokensPerMinute > 0 {
		p.MinutesUntilLimit = float64(p.TokensRemaining) / stats.TokensPerMinute
		p.EstimatedLimit = time.Now().Add(time.Duration(p.MinutesUntilLimit * float64(time.Minute)))
	} else {
		p.MinutesUntilLimit = math.Inf(1)
	}

	logConfidence := math.Min(100, float64(len(logs))*2)
	p.Confidence = int(math.Floor((float64(limit.Confidence) + logConfidence) / 2))

	p.RecommendedAction = recommend(p.UsagePercent, p.MinutesUntilLimit, stats.Pattern)

	e.logger.Debug("prediction computed",
		zap.String("model", model),
		zap.Float64("usage_percent", p.UsagePercent),
		zap.Float64("minutes_until_limit", p.MinutesUntilLimit),
		zap.String("pattern", string(stats.Pattern)),
		zap.String("action", string(p.RecommendedAction)))
	return p, nil
}

// recommend maps the trajectory to the action cascade.
func recommend(usagePercent, minutesUntilLimit float64, pattern velocity.Pattern) Action {
	switch {
	case minutesUntilLimit < 10 || usagePercent > 95:
		return ActionPause
	case usagePercent > 85 || (pattern == velocity.PatternBurst && usagePercent > 70):
		return ActionSwitchProvider
	case usagePercent > 70:
		return ActionSwitchModel
	default:
		return ActionContinue
	}
}

// RecordRateLimit forwards an observed quota rejection to the limit learner,
// which persists it and folds it into the model's ceiling estimate.
func (e *Engine) RecordRateLimit(ctx context.Context, ev ledger.RateLimitEvent) error {
	return e.learner.RecordRateLimit(ctx, ev)
}
