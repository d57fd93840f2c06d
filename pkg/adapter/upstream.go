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
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const anthropicVersion = "2023-06-01"

// Advertising headers some OpenAI-compatible gateways use for attribution.
const (
	refererHeader = "https://github.com/teradata-labs/cruise"
	titleHeader   = "cruise"
)

// Target identifies one upstream destination for a single request.
type Target struct {
	Endpoint string
	APIKey   string
	Model    string
}

// NewAnthropicRequest builds a native Messages call. The body is the
// client's, byte-preserved except for the model field. betaHeader passes
// the client's anthropic-beta value through; empty means none.
func NewAnthropicRequest(ctx context.Context, t Target, native *Request, betaHeader string) (*http.Request, error) {
	body, err := native.MarshalWithModel(t.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(t.Endpoint, "/")+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", t.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	if betaHeader != "" {
		req.Header.Set("anthropic-beta", betaHeader)
	}
	return req, nil
}

type openAIRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
	Stream    bool          `json:"stream"`
}

// NewOpenAIRequest builds a /chat/completions call with flattened messages.
func NewOpenAIRequest(ctx context.Context, t Target, native *Request) (*http.Request, error) {
	messages, err := native.ChatMessages()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(openAIRequest{
		Model:     t.Model,
		Messages:  messages,
		MaxTokens: native.MaxTokens,
		Stream:    native.Stream,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(t.Endpoint, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.APIKey)
	req.Header.Set("HTTP-Referer", refererHeader)
	req.Header.Set("X-Title", titleHeader)
	return req, nil
}

type localChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// NewLocalChatRequest builds an unauthenticated /api/chat call.
func NewLocalChatRequest(ctx context.Context, t Target, native *Request) (*http.Request, error) {
	messages, err := native.ChatMessages()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(localChatRequest{
		Model:    t.Model,
		Messages: messages,
		Stream:   native.Stream,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(t.Endpoint, "/")+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
