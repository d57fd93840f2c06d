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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/teradata-labs/cruise/pkg/router"
)

func TestParseUsage_Native(t *testing.T) {
	body := []byte(`{"id":"msg_1","usage":{"input_tokens":10,"output_tokens":20,"cache_read_input_tokens":5,"cache_creation_input_tokens":3}}`)
	u := ParseUsage(router.ProviderPrimary, body)

	assert.Equal(t, Usage{InputTokens: 10, OutputTokens: 20, CacheReadTokens: 5, CacheWriteTokens: 3}, u)
}

func TestParseUsage_OpenAI(t *testing.T) {
	body := []byte(`{"choices":[],"usage":{"prompt_tokens":15,"completion_tokens":25}}`)
	u := ParseUsage(router.ProviderOpenAICompatible, body)

	assert.Equal(t, Usage{InputTokens: 15, OutputTokens: 25}, u)
}

func TestParseUsage_LocalChat(t *testing.T) {
	body := []byte(`{"message":{"role":"assistant"},"prompt_eval_count":8,"eval_count":12}`)
	u := ParseUsage(router.ProviderLocalChat, body)

	assert.Equal(t, Usage{InputTokens: 8, OutputTokens: 12}, u)
}

func TestParseUsage_MissingFields(t *testing.T) {
	assert.True(t, ParseUsage(router.ProviderPrimary, []byte(`{"id":"msg_1"}`)).empty())
	assert.True(t, ParseUsage(router.ProviderPrimary, []byte(`not json`)).empty())
}

func TestStreamMeter_NativeFramesAuthoritative(t *testing.T) {
	m := NewStreamMeter(router.ProviderPrimary)

	chunks := []string{
		"event: message_start\n",
		`data: {"type":"message_start","message":{"usage":{"input_tokens":7,"output_tokens":1,"cache_read_input_tokens":2}}}` + "\n\n",
		`data: {"type":"content_block_delta","delta":{"text":"hi"}}` + "\n\n",
		// Intermediate output count superseded by the terminal delta.
		`data: {"type":"message_delta","usage":{"output_tokens":4}}` + "\n\n",
		`data: {"type":"message_delta","usage":{"output_tokens":11}}` + "\n\n",
		`data: {"type":"message_stop"}` + "\n\n",
	}
	for _, c := range chunks {
		_, _ = m.Write([]byte(c))
	}

	assert.Equal(t, Usage{InputTokens: 7, OutputTokens: 11, CacheReadTokens: 2}, m.Usage())
}

func TestStreamMeter_RegexFallback(t *testing.T) {
	m := NewStreamMeter(router.ProviderPrimary)

	// Non-SSE fragments: no frame parses, the line regex applies.
	_, _ = m.Write([]byte("some prefix \"input_tokens\":7 more\n"))
	_, _ = m.Write([]byte("tail \"output_tokens\":11 end\n"))

	assert.Equal(t, Usage{InputTokens: 7, OutputTokens: 11}, m.Usage())
}

func TestStreamMeter_FieldSplitAcrossChunks(t *testing.T) {
	m := NewStreamMeter(router.ProviderPrimary)

	// The field is split mid-token across two writes on one line.
	_, _ = m.Write([]byte(`x "input_tok`))
	_, _ = m.Write([]byte(`ens":7` + "\n"))
	_, _ = m.Write([]byte(`y "output_tokens":11`)) // unterminated final line

	assert.Equal(t, Usage{InputTokens: 7, OutputTokens: 11}, m.Usage())
}

func TestStreamMeter_LastMatchWins(t *testing.T) {
	m := NewStreamMeter(router.ProviderPrimary)

	_, _ = m.Write([]byte("\"output_tokens\":3\n"))
	_, _ = m.Write([]byte("\"output_tokens\":9\n"))

	assert.Equal(t, int64(9), m.Usage().OutputTokens)
}

func TestStreamMeter_OpenAIUsageFrame(t *testing.T) {
	m := NewStreamMeter(router.ProviderOpenAICompatible)

	_, _ = m.Write([]byte(`data: {"choices":[{"delta":{"content":"hi"}}]}` + "\n\n"))
	_, _ = m.Write([]byte(`data: {"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":9}}` + "\n\n"))
	_, _ = m.Write([]byte("data: [DONE]\n\n"))

	assert.Equal(t, Usage{InputTokens: 5, OutputTokens: 9}, m.Usage())
}

func TestStreamMeter_OllamaDoneFrame(t *testing.T) {
	m := NewStreamMeter(router.ProviderLocalChat)

	_, _ = m.Write([]byte(`{"message":{"content":"h"},"done":false}` + "\n"))
	_, _ = m.Write([]byte(`{"message":{"content":""},"done":true,"prompt_eval_count":6,"eval_count":14}` + "\n"))

	assert.Equal(t, Usage{InputTokens: 6, OutputTokens: 14}, m.Usage())
}

func TestStreamMeter_NoUsage(t *testing.T) {
	m := NewStreamMeter(router.ProviderPrimary)
	_, _ = m.Write([]byte("data: {\"type\":\"ping\"}\n\n"))
	assert.True(t, m.Usage().empty())
}
