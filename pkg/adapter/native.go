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

// Package adapter bridges the native Messages schema to the upstream
// provider schemas. The native request keeps every field as raw JSON so
// forwarding to the primary provider preserves client bytes; only the
// model field is ever rewritten.
package adapter

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Request is a parsed native Messages-API request. Unrecognized top-level
// fields are retained verbatim in fields and survive re-marshaling.
type Request struct {
	Model     string
	Stream    bool
	MaxTokens int
	System    json.RawMessage   // absent when nil
	Messages  []json.RawMessage // each message's bytes untouched

	fields map[string]json.RawMessage
}

// ParseRequest decodes a native request body. The model and messages
// fields are required.
func ParseRequest(body []byte) (*Request, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}

	req := &Request{fields: fields}

	if raw, ok := fields["model"]; ok {
		if err := json.Unmarshal(raw, &req.Model); err != nil {
			return nil, fmt.Errorf("invalid model field: %w", err)
		}
	}
	if req.Model == "" {
		return nil, fmt.Errorf("missing model field")
	}

	if raw, ok := fields["messages"]; ok {
		if err := json.Unmarshal(raw, &req.Messages); err != nil {
			return nil, fmt.Errorf("invalid messages field: %w", err)
		}
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("missing messages field")
	}

	if raw, ok := fields["stream"]; ok {
		if err := json.Unmarshal(raw, &req.Stream); err != nil {
			return nil, fmt.Errorf("invalid stream field: %w", err)
		}
	}
	if raw, ok := fields["max_tokens"]; ok {
		if err := json.Unmarshal(raw, &req.MaxTokens); err != nil {
			return nil, fmt.Errorf("invalid max_tokens field: %w", err)
		}
	}
	req.System = fields["system"]

	return req, nil
}

// MarshalWithModel re-serializes the request with the model replaced.
// All other fields, message bytes included, pass through as received.
func (r *Request) MarshalWithModel(model string) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.fields))
	for k, v := range r.fields {
		out[k] = v
	}
	modelJSON, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	out["model"] = modelJSON
	return json.Marshal(out)
}

// ChatMessage is the flattened {role, content} shape shared by the
// OpenAI-compatible and local-chat schemas.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatMessages flattens the native messages, prepending the top-level
// system field as a system-role message when present.
func (r *Request) ChatMessages() ([]ChatMessage, error) {
	var out []ChatMessage

	if len(r.System) > 0 {
		content, err := FlattenContent(r.System)
		if err != nil {
			return nil, fmt.Errorf("invalid system field: %w", err)
		}
		out = append(out, ChatMessage{Role: "system", Content: content})
	}

	for i, raw := range r.Messages {
		var msg struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid message %d: %w", i, err)
		}
		content, err := FlattenContent(msg.Content)
		if err != nil {
			return nil, fmt.Errorf("invalid message %d content: %w", i, err)
		}
		out = append(out, ChatMessage{Role: msg.Role, Content: content})
	}
	return out, nil
}

// FlattenContent reduces a native content value to plain text. A string
// passes through; an array of parts joins the text fields with newlines.
func FlattenContent(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("content is neither string nor part array: %w", err)
	}

	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n"), nil
}
