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

// Package pricing holds the static per-million-token price table and the
// cost function the ledger applies at insert time.
package pricing

import "strings"

// Price holds USD prices per million tokens for one model.
type Price struct {
	Input      float64
	Output     float64
	CacheRead  float64
	CacheWrite float64
}

// Exact-match entries. Models routed through OpenAI-compatible gateways use
// vendor-prefixed names and carry their own (slightly higher) prices.
var table = map[string]Price{
	// Anthropic direct
	"claude-sonnet-4-5-20250929": {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
	"claude-sonnet-4-5":          {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
	"claude-3-5-haiku-20241022":  {Input: 0.8, Output: 4, CacheRead: 0.08, CacheWrite: 1},
	"claude-3-5-haiku":           {Input: 0.8, Output: 4, CacheRead: 0.08, CacheWrite: 1},
	"claude-opus-4-1":            {Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75},

	// OpenRouter mirrors (cache tiers not offered there)
	"anthropic/claude-sonnet-4.5": {Input: 3.5, Output: 16},
	"anthropic/claude-3.5-haiku":  {Input: 1, Output: 5},

	// Local models are free
	"llama3.1":      {},
	"llama3.3":      {},
	"qwen2.5-coder": {},
}

// sonnetDefault is the fallback for unknown models.
var sonnetDefault = Price{Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75}

// Lookup returns the price entry for a model. Unknown models fall back by
// class (haiku/opus substring), then to Sonnet prices.
func Lookup(model string) Price {
	if p, ok := table[model]; ok {
		return p
	}
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "haiku"):
		return table["claude-3-5-haiku"]
	case strings.Contains(lower, "opus"):
		return table["claude-opus-4-1"]
	case strings.Contains(lower, "llama") || strings.Contains(lower, "qwen") ||
		strings.Contains(lower, "mistral") || strings.Contains(lower, "deepseek"):
		return Price{}
	}
	return sonnetDefault
}

// Cost computes the USD cost of one request against the table.
func Cost(model string, inputTokens, outputTokens, cacheReadTokens, cacheWriteTokens int64) float64 {
	p := Lookup(model)
	return float64(inputTokens)*p.Input/1_000_000 +
		float64(outputTokens)*p.Output/1_000_000 +
		float64(cacheReadTokens)*p.CacheRead/1_000_000 +
		float64(cacheWriteTokens)*p.CacheWrite/1_000_000
}

// nominalTokens is the request size used to estimate routing savings,
// split evenly between input and output.
const nominalTokens = 10_000

// EstimatedSavings returns the USD saved by serving a nominal 10,000-token
// request on target instead of original. Never negative: routing to a more
// expensive model reports zero savings.
func EstimatedSavings(originalModel, targetModel string) float64 {
	half := int64(nominalTokens / 2)
	saved := Cost(originalModel, half, half, 0, 0) - Cost(targetModel, half, half, 0, 0)
	if saved < 0 {
		return 0
	}
	return saved
}
