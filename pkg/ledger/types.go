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
package ledger

// UsageLog is one row per upstream response. Timestamps are integer
// milliseconds since the Unix epoch throughout the store.
type UsageLog struct {
	ID               string
	Timestamp        int64
	SessionID        string
	Model            string // effective target model sent upstream
	Provider         string
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	CostUSD          float64
	LatencyMs        int64
	Success          bool
	ErrorType        string // empty when none
	ProjectPath      string
	RoutedFrom       string // original requested model, empty when not routed
	RoutingReason    string
}

// RateLimitEvent records one observed quota rejection. Model is the
// originally requested model, not the routed one.
type RateLimitEvent struct {
	ID                    string
	Timestamp             int64
	Model                 string
	ErrorType             string
	ResetTime             int64 // ms instant, 0 when the upstream gave none
	TokensUsedBeforeLimit int64
	WindowHours           float64
}

// RoutingDecision records one response that actually switched provider
// or model.
type RoutingDecision struct {
	ID               string
	Timestamp        int64
	SessionID        string
	OriginalProvider string
	RoutedProvider   string
	RoutedModel      string
	Reason           string
	EstimatedSavings float64
}

// Session is the process-lifetime accounting unit. Exactly one session is
// current per process; totals are maintained on every log insert.
type Session struct {
	SessionID   string
	StartedAt   int64
	EndedAt     int64 // 0 while the session is open
	TotalCost   float64
	TotalTokens int64
	ProjectPath string
}

// Timeframe selects an aggregation window for totals and savings queries.
type Timeframe string

const (
	TimeframeSession Timeframe = "session"
	TimeframeToday   Timeframe = "today"
	TimeframeWeek    Timeframe = "week"
)

// TotalUsage is the reduction of one timeframe's usage logs.
type TotalUsage struct {
	InputTokens  int64
	OutputTokens int64
	TotalCost    float64
	RequestCount int64
	AvgLatencyMs float64
}
