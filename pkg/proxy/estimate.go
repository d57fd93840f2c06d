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
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/teradata-labs/cruise/pkg/adapter"
	"github.com/teradata-labs/cruise/pkg/router"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateInputTokens approximates the prompt size of a request for
// providers that omit usage fields. It tokenizes the flattened messages
// with cl100k_base; if the encoder is unavailable it falls back to the
// four-characters-per-token heuristic.
func EstimateInputTokens(native *adapter.Request) int64 {
	messages, err := native.ChatMessages()
	if err != nil {
		return 0
	}

	var text string
	for _, msg := range messages {
		text += msg.Role + "\n" + msg.Content + "\n"
	}

	return estimateTokens(text)
}

// EstimateOutputTokens approximates the completion size from a non-streamed
// response body when the provider omitted its usage block.
func EstimateOutputTokens(providerType router.ProviderType, body []byte) int64 {
	var text string
	switch providerType {
	case router.ProviderOpenAICompatible:
		var resp struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return 0
		}
		for _, c := range resp.Choices {
			text += c.Message.Content
		}
	case router.ProviderLocalChat:
		var resp struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return 0
		}
		text = resp.Message.Content
	default:
		return 0
	}
	if text == "" {
		return 0
	}
	return estimateTokens(text)
}

func estimateTokens(text string) int64 {
	encodingOnce.Do(func() {
		encoding, _ = tiktoken.GetEncoding("cl100k_base")
	})
	if encoding != nil {
		return int64(len(encoding.Encode(text, nil, nil)))
	}
	return int64(len(text) / 4)
}
