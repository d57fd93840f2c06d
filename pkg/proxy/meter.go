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
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"

	"github.com/teradata-labs/cruise/pkg/router"
)

// Usage is the token accounting extracted from one upstream response.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

func (u Usage) empty() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 &&
		u.CacheReadTokens == 0 && u.CacheWriteTokens == 0
}

// nativeUsage is the primary schema's usage block.
type nativeUsage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheReadTokens  int64 `json:"cache_read_input_tokens"`
	CacheWriteTokens int64 `json:"cache_creation_input_tokens"`
}

func (n nativeUsage) toUsage() Usage {
	return Usage{
		InputTokens:      n.InputTokens,
		OutputTokens:     n.OutputTokens,
		CacheReadTokens:  n.CacheReadTokens,
		CacheWriteTokens: n.CacheWriteTokens,
	}
}

// ParseUsage extracts token counts from a complete (non-streaming) response
// body. Missing fields yield zeros.
func ParseUsage(providerType router.ProviderType, body []byte) Usage {
	switch providerType {
	case router.ProviderOpenAICompatible:
		var resp struct {
			Usage struct {
				PromptTokens     int64 `json:"prompt_tokens"`
				CompletionTokens int64 `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return Usage{}
		}
		return Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}

	case router.ProviderLocalChat:
		var resp struct {
			PromptEvalCount int64 `json:"prompt_eval_count"`
			EvalCount       int64 `json:"eval_count"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return Usage{}
		}
		return Usage{InputTokens: resp.PromptEvalCount, OutputTokens: resp.EvalCount}

	default:
		var resp struct {
			Usage nativeUsage `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return Usage{}
		}
		return resp.Usage.toUsage()
	}
}

var (
	inputTokensRe  = regexp.MustCompile(`"input_tokens"\s*:\s*(\d+)`)
	outputTokensRe = regexp.MustCompile(`"output_tokens"\s*:\s*(\d+)`)
)

// StreamMeter accumulates usage from a streamed response without buffering
// it. Chunks are split into lines so fields split across chunk boundaries
// are still seen whole; structured event frames are authoritative, with a
// regex over raw lines as fallback. The last match wins either way.
type StreamMeter struct {
	providerType router.ProviderType
	partial      bytes.Buffer
	structured   Usage
	sawFrame     bool
	fallback     Usage
}

func NewStreamMeter(providerType router.ProviderType) *StreamMeter {
	return &StreamMeter{providerType: providerType}
}

// Write consumes one upstream chunk. It never fails; metering errors must
// not disturb the pass-through.
func (m *StreamMeter) Write(p []byte) (int, error) {
	m.partial.Write(p)
	for {
		data := m.partial.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, data[:idx])
		m.partial.Next(idx + 1)
		m.scanLine(bytes.TrimSuffix(line, []byte("\r")))
	}
	return len(p), nil
}

// Usage finishes the scan, consuming any trailing unterminated line.
func (m *StreamMeter) Usage() Usage {
	if m.partial.Len() > 0 {
		m.scanLine(m.partial.Bytes())
		m.partial.Reset()
	}
	if m.sawFrame {
		return m.structured
	}
	return m.fallback
}

func (m *StreamMeter) scanLine(line []byte) {
	payload := line
	if after, ok := bytes.CutPrefix(line, []byte("data:")); ok {
		payload = bytes.TrimSpace(after)
	}
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return
	}

	if m.scanFrame(payload) {
		m.sawFrame = true
	}

	if match := inputTokensRe.FindSubmatch(line); match != nil {
		if n, err := strconv.ParseInt(string(match[1]), 10, 64); err == nil {
			m.fallback.InputTokens = n
		}
	}
	if match := outputTokensRe.FindSubmatch(line); match != nil {
		if n, err := strconv.ParseInt(string(match[1]), 10, 64); err == nil {
			m.fallback.OutputTokens = n
		}
	}
}

// scanFrame parses one JSON event payload; returns true when it carried
// usage information.
func (m *StreamMeter) scanFrame(payload []byte) bool {
	switch m.providerType {
	case router.ProviderOpenAICompatible:
		var frame struct {
			Usage *struct {
				PromptTokens     int64 `json:"prompt_tokens"`
				CompletionTokens int64 `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil || frame.Usage == nil {
			return false
		}
		m.structured.InputTokens = frame.Usage.PromptTokens
		m.structured.OutputTokens = frame.Usage.CompletionTokens
		return true

	case router.ProviderLocalChat:
		var frame struct {
			Done            bool  `json:"done"`
			PromptEvalCount int64 `json:"prompt_eval_count"`
			EvalCount       int64 `json:"eval_count"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil || !frame.Done {
			return false
		}
		m.structured.InputTokens = frame.PromptEvalCount
		m.structured.OutputTokens = frame.EvalCount
		return true

	default:
		return m.scanNativeFrame(payload)
	}
}

// scanNativeFrame handles the primary schema's event stream: message_start
// carries the input and cache counts, the final message_delta carries the
// authoritative output count.
func (m *StreamMeter) scanNativeFrame(payload []byte) bool {
	var frame struct {
		Type    string `json:"type"`
		Message *struct {
			Usage nativeUsage `json:"usage"`
		} `json:"message"`
		Usage *nativeUsage `json:"usage"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil {
		return false
	}

	switch frame.Type {
	case "message_start":
		if frame.Message == nil {
			return false
		}
		u := frame.Message.Usage
		m.structured.InputTokens = u.InputTokens
		m.structured.CacheReadTokens = u.CacheReadTokens
		m.structured.CacheWriteTokens = u.CacheWriteTokens
		if u.OutputTokens > 0 {
			m.structured.OutputTokens = u.OutputTokens
		}
		return true
	case "message_delta", "message_stop":
		if frame.Usage == nil {
			return false
		}
		if frame.Usage.OutputTokens > 0 {
			m.structured.OutputTokens = frame.Usage.OutputTokens
		}
		if frame.Usage.InputTokens > 0 {
			m.structured.InputTokens = frame.Usage.InputTokens
		}
		return true
	default:
		return false
	}
}
