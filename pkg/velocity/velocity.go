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

// Package velocity computes windowed token-consumption rates, a 12-bucket
// trend, acceleration, and a usage-pattern classification from usage logs.
package velocity

import (
	"math"

	"github.com/teradata-labs/cruise/pkg/ledger"
)

// Pattern classifies recent consumption behavior.
type Pattern string

const (
	PatternBurst     Pattern = "burst"
	PatternSteady    Pattern = "steady"
	PatternDeclining Pattern = "declining"
)

// TrendBuckets is the fixed number of trend intervals.
const TrendBuckets = 12

// Stats is the windowed velocity summary for one set of usage logs.
type Stats struct {
	TokensPerMinute float64
	TokensPerHour   float64
	Trend           []float64 // always TrendBuckets long
	Acceleration    float64
	Pattern         Pattern
}

// Compute reduces the logs of a windowMinutes-minute window to velocity
// stats. Log order does not matter; bucketing uses each log's timestamp.
func Compute(logs []ledger.UsageLog, windowMinutes float64) Stats {
	stats := Stats{
		Trend:   make([]float64, TrendBuckets),
		Pattern: PatternSteady,
	}

	var total int64
	for _, log := range logs {
		total += log.InputTokens + log.OutputTokens
	}
	if windowMinutes > 0 {
		stats.TokensPerMinute = float64(total) / windowMinutes
	}
	stats.TokensPerHour = stats.TokensPerMinute * 60

	if len(logs) == 0 {
		return stats
	}

	oldest, newest := logs[0].Timestamp, logs[0].Timestamp
	for _, log := range logs {
		if log.Timestamp < oldest {
			oldest = log.Timestamp
		}
		if log.Timestamp > newest {
			newest = log.Timestamp
		}
	}

	filled := 0
	if newest == oldest {
		// All logs at one instant: spread the mean across every bucket.
		mean := float64(total) / float64(len(logs))
		for i := range stats.Trend {
			stats.Trend[i] = mean
		}
		filled = TrendBuckets
	} else {
		counts := make([]int, TrendBuckets)
		bucketSize := float64(newest-oldest) / TrendBuckets
		for _, log := range logs {
			idx := int(float64(log.Timestamp-oldest) / bucketSize)
			if idx > TrendBuckets-1 {
				idx = TrendBuckets - 1
			}
			stats.Trend[idx] += float64(log.InputTokens + log.OutputTokens)
			counts[idx]++
		}
		for _, c := range counts {
			if c > 0 {
				filled++
			}
		}
	}

	if filled >= 3 {
		n := TrendBuckets
		stats.Acceleration = (stats.Trend[n-1] - stats.Trend[n-2]) -
			(stats.Trend[n-2] - stats.Trend[n-3])
	}

	stats.Pattern = classify(stats.Trend, stats.Acceleration)
	return stats
}

// classify picks burst/declining/steady from the trend's spread and the
// acceleration relative to the trend mean.
func classify(trend []float64, acceleration float64) Pattern {
	mean := meanOf(trend)
	if stddevOf(trend, mean) > mean*0.5 {
		return PatternBurst
	}
	if acceleration < -mean*0.2 {
		return PatternDeclining
	}
	return PatternSteady
}

// Project predicts tokens consumed over the next minutesAhead minutes.
func Project(stats Stats, minutesAhead float64) float64 {
	switch stats.Pattern {
	case PatternDeclining:
		decay := 1 - 0.1*minutesAhead/60
		if decay < 0 {
			decay = 0
		}
		return stats.TokensPerMinute * minutesAhead * decay
	case PatternBurst:
		return stats.TokensPerMinute * minutesAhead * 1.2
	default:
		return (stats.TokensPerMinute + stats.Acceleration/2*minutesAhead/60) * minutesAhead
	}
}

func meanOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func stddevOf(vals []float64, mean float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(vals)))
}
