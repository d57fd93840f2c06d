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
	"math"
	"net/http"

	"go.uber.org/zap"

	"github.com/teradata-labs/cruise/pkg/ledger"
	"github.com/teradata-labs/cruise/pkg/predict"
	"github.com/teradata-labs/cruise/pkg/router"
)

// unboundedMinutes is the sentinel external consumers get when the window
// shows no consumption.
const unboundedMinutes = 999

type statsUsage struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	SessionCost      float64 `json:"session_cost"`
	TodayCost        float64 `json:"today_cost"`
	WeekCost         float64 `json:"week_cost"`
	SavedByRouting   float64 `json:"saved_by_routing"`
}

type statsPrediction struct {
	UsagePercent      float64   `json:"usage_percent"`
	MinutesUntilLimit float64   `json:"minutes_until_limit"`
	Velocity          float64   `json:"velocity"` // tokens per hour
	Confidence        int       `json:"confidence"`
	Trend             []float64 `json:"trend"`
}

type statsSession struct {
	Requests int64 `json:"requests"`
}

type statsRouter struct {
	Mode               router.Mode             `json:"mode"`
	Enabled            bool                    `json:"enabled"`
	CurrentModel       string                  `json:"current_model"`
	IsRateLimited      bool                    `json:"is_rate_limited"`
	RateLimitResetTime int64                   `json:"rate_limit_reset_time,omitempty"`
	Providers          []router.ProviderStatus `json:"providers"`
}

type statsResponse struct {
	Usage      statsUsage      `json:"usage"`
	Prediction statsPrediction `json:"prediction"`
	Session    statsSession    `json:"session"`
	Router     statsRouter     `json:"router"`
}

// handleStats serves the aggregated dashboard view.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var out statsResponse

	session, err := s.led.GetTotalUsage(ctx, ledger.TimeframeSession)
	if err != nil {
		s.logger.Error("failed to aggregate session usage", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "api_error", "failed to read usage")
		return
	}
	out.Usage.InputTokens = session.InputTokens
	out.Usage.OutputTokens = session.OutputTokens
	out.Usage.SessionCost = session.TotalCost
	out.Session.Requests = session.RequestCount

	if today, err := s.led.GetTotalUsage(ctx, ledger.TimeframeToday); err == nil {
		out.Usage.TodayCost = today.TotalCost
	}
	if week, err := s.led.GetTotalUsage(ctx, ledger.TimeframeWeek); err == nil {
		out.Usage.WeekCost = week.TotalCost
	}
	if saved, err := s.led.GetRoutingSavings(ctx, ledger.TimeframeSession); err == nil {
		out.Usage.SavedByRouting = saved
	}

	model := s.cfg.DefaultModel
	sessionLogs, err := s.led.GetSessionLogs(ctx)
	if err == nil {
		for _, log := range sessionLogs {
			out.Usage.CacheReadTokens += log.CacheReadTokens
			out.Usage.CacheWriteTokens += log.CacheWriteTokens
		}
		if len(sessionLogs) > 0 {
			model = sessionLogs[0].Model
		}
	}

	prediction, err := s.engine.Predict(ctx, predict.DefaultWindowHours, model)
	if err != nil {
		s.logger.Warn("prediction failed for stats", zap.Error(err))
	}
	out.Prediction = statsPrediction{
		UsagePercent:      prediction.UsagePercent,
		MinutesUntilLimit: prediction.MinutesUntilLimit,
		Velocity:          prediction.Velocity.TokensPerHour,
		Confidence:        prediction.Confidence,
		Trend:             prediction.Velocity.Trend,
	}
	if math.IsInf(out.Prediction.MinutesUntilLimit, 1) {
		out.Prediction.MinutesUntilLimit = unboundedMinutes
	}
	if out.Prediction.Trend == nil {
		out.Prediction.Trend = []float64{}
	}

	status := s.rt.GetStatus()
	out.Router = statsRouter{
		Mode:               status.Mode,
		Enabled:            status.Enabled,
		CurrentModel:       s.rt.Route(model, prediction).TargetModel,
		IsRateLimited:      status.IsRateLimited,
		RateLimitResetTime: status.RateLimitResetTime,
		Providers:          status.Providers,
	}
	if out.Router.Providers == nil {
		out.Router.Providers = []router.ProviderStatus{}
	}

	writeJSON(w, http.StatusOK, out)
}
