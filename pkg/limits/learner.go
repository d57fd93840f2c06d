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

// Package limits learns per-model quota ceilings from observed
// quota-rejection events. The in-memory map is transient and is rebuilt
// from the ledger's rate_limit_events on construction.
package limits

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/cruise/pkg/ledger"
)

// safetyFactor scales observed pre-limit usage down so routing kicks in
// before the provider's actual ceiling.
const safetyFactor = 0.95

// confidencePerEvent is how much one observed event adds, saturating at 100.
const confidencePerEvent = 20

// historyDays is how far back construction looks for prior events.
const historyDays = 30

// LearnedLimit is the running-average quota estimate for one model.
type LearnedLimit struct {
	Model       string
	TokenLimit  int64
	WindowHours float64
	Confidence  int // 0-100
	LastUpdated time.Time
	DataPoints  int
}

// Default ceilings used until an event has been observed for a model.
const (
	defaultSonnetLimit = 5_000_000
	defaultHaikuLimit  = 10_000_000
	defaultOpusLimit   = 2_000_000
	defaultWindowHours = 5
)

// Learner maintains the learned-limit map. Safe for concurrent use.
type Learner struct {
	mu     sync.RWMutex
	led    *ledger.Ledger
	limits map[string]*LearnedLimit
	logger *zap.Logger
}

// NewLearner builds a learner seeded from the last 30 days of events.
func NewLearner(led *ledger.Ledger, logger *zap.Logger) (*Learner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Learner{
		led:    led,
		limits: make(map[string]*LearnedLimit),
		logger: logger,
	}
	if err := l.load(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load rate limit history: %w", err)
	}
	return l, nil
}

// load rebuilds the map from persisted events, grouped by model.
func (l *Learner) load(ctx context.Context) error {
	events, err := l.led.GetRateLimitWindow(ctx, historyDays*24)
	if err != nil {
		return err
	}

	byModel := make(map[string][]ledger.RateLimitEvent)
	for _, ev := range events {
		byModel[ev.Model] = append(byModel[ev.Model], ev)
	}

	for model, evs := range byModel {
		var sum float64
		windowHours := float64(defaultWindowHours)
		var last int64
		for _, ev := range evs {
			sum += float64(ev.TokensUsedBeforeLimit) * safetyFactor
			// The newest event's window wins, as in RecordRateLimit.
			if ev.Timestamp > last {
				last = ev.Timestamp
				windowHours = ev.WindowHours
			}
		}
		l.limits[model] = &LearnedLimit{
			Model:       model,
			TokenLimit:  int64(math.Floor(sum / float64(len(evs)))),
			WindowHours: windowHours,
			Confidence:  confidence(len(evs)),
			LastUpdated: time.UnixMilli(last),
			DataPoints:  len(evs),
		}
	}

	if len(l.limits) > 0 {
		l.logger.Info("learned limits restored from ledger",
			zap.Int("models", len(l.limits)))
	}
	return nil
}

// RecordRateLimit persists the event through the ledger, then folds it into
// the model's running average, safety-scaled. The first event seeds the
// entry at floor(tokens * 0.95).
func (l *Learner) RecordRateLimit(ctx context.Context, ev ledger.RateLimitEvent) error {
	ev, err := l.led.AddRateLimitEvent(ctx, ev)
	if err != nil {
		return fmt.Errorf("failed to persist rate limit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	scaled := float64(ev.TokensUsedBeforeLimit) * safetyFactor
	existing, ok := l.limits[ev.Model]
	if !ok {
		l.limits[ev.Model] = &LearnedLimit{
			Model:       ev.Model,
			TokenLimit:  int64(math.Floor(scaled)),
			WindowHours: ev.WindowHours,
			Confidence:  confidence(1),
			LastUpdated: time.UnixMilli(ev.Timestamp),
			DataPoints:  1,
		}
	} else {
		existing.TokenLimit = int64(math.Floor(
			(float64(existing.TokenLimit)*float64(existing.DataPoints) + scaled) /
				float64(existing.DataPoints+1)))
		existing.DataPoints++
		existing.Confidence = confidence(existing.DataPoints)
		existing.WindowHours = ev.WindowHours
		existing.LastUpdated = time.UnixMilli(ev.Timestamp)
	}

	l.logger.Warn("quota rejection recorded",
		zap.String("model", ev.Model),
		zap.Int64("tokens_before_limit", ev.TokensUsedBeforeLimit),
		zap.Int64("learned_limit", l.limits[ev.Model].TokenLimit),
		zap.Int("data_points", l.limits[ev.Model].DataPoints))
	return nil
}

// GetLearnedLimit returns the learned entry for a model, or a default-table
// ceiling with zero confidence when no event has been observed.
func (l *Learner) GetLearnedLimit(model string) LearnedLimit {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if entry, ok := l.limits[model]; ok {
		return *entry
	}
	return LearnedLimit{
		Model:       model,
		TokenLimit:  defaultLimit(model),
		WindowHours: defaultWindowHours,
		Confidence:  0,
	}
}

// Models returns the models with at least one observed event.
func (l *Learner) Models() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	models := make([]string, 0, len(l.limits))
	for m := range l.limits {
		models = append(models, m)
	}
	return models
}

func confidence(dataPoints int) int {
	c := dataPoints * confidencePerEvent
	if c > 100 {
		return 100
	}
	return c
}

func defaultLimit(model string) int64 {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "haiku"):
		return defaultHaikuLimit
	case strings.Contains(lower, "opus"):
		return defaultOpusLimit
	}
	return defaultSonnetLimit
}
