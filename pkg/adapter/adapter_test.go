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
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4-5",
		"max_tokens": 256,
		"stream": true,
		"system": "be brief",
		"messages": [{"role":"user","content":"hi"}],
		"temperature": 0.7
	}`)

	req, err := ParseRequest(body)
	require.NoError(t, err)

	assert.Equal(t, "claude-sonnet-4-5", req.Model)
	assert.Equal(t, 256, req.MaxTokens)
	assert.True(t, req.Stream)
	assert.JSONEq(t, `"be brief"`, string(req.System))
	require.Len(t, req.Messages, 1)
}

func TestParseRequest_Invalid(t *testing.T) {
	cases := map[string]string{
		"not json":         `{`,
		"missing model":    `{"messages":[{"role":"user","content":"hi"}]}`,
		"missing messages": `{"model":"claude-sonnet-4-5"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRequest([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestMarshalWithModel_PreservesMessageBytes(t *testing.T) {
	// Unusual spacing and key ordering inside the message must survive.
	message := `{"role":"user","content":[{"type":"text","text":"keep  spacing"}],"extra":1}`
	body := []byte(`{"model":"claude-sonnet-4-5","messages":[` + message + `],"temperature":0.2}`)

	req, err := ParseRequest(body)
	require.NoError(t, err)

	out, err := req.MarshalWithModel("claude-3-5-haiku-20241022")
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &fields))
	assert.JSONEq(t, `"claude-3-5-haiku-20241022"`, string(fields["model"]))
	assert.Equal(t, `[`+message+`]`, string(fields["messages"]))
	assert.JSONEq(t, `0.2`, string(fields["temperature"]))
}

func TestFlattenContent(t *testing.T) {
	got, err := FlattenContent(json.RawMessage(`"plain"`))
	require.NoError(t, err)
	assert.Equal(t, "plain", got)

	got, err = FlattenContent(json.RawMessage(`[{"type":"text","text":"a"},{"type":"text","text":"b"}]`))
	require.NoError(t, err)
	assert.Equal(t, "a\nb", got)

	_, err = FlattenContent(json.RawMessage(`42`))
	assert.Error(t, err)
}

func TestChatMessages_SystemPrepended(t *testing.T) {
	body := []byte(`{"model":"claude-sonnet-4-5","system":"S","messages":[{"role":"user","content":"U"}]}`)
	req, err := ParseRequest(body)
	require.NoError(t, err)

	msgs, err := req.ChatMessages()
	require.NoError(t, err)
	assert.Equal(t, []ChatMessage{
		{Role: "system", Content: "S"},
		{Role: "user", Content: "U"},
	}, msgs)
}

func TestNewAnthropicRequest_Headers(t *testing.T) {
	req, err := ParseRequest([]byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)

	httpReq, err := NewAnthropicRequest(context.Background(), Target{
		Endpoint: "https://api.anthropic.com",
		APIKey:   "sk-ant-test",
		Model:    "claude-3-5-haiku-20241022",
	}, req, "prompt-caching-2024-07-31")
	require.NoError(t, err)

	assert.Equal(t, "https://api.anthropic.com/v1/messages", httpReq.URL.String())
	assert.Equal(t, "sk-ant-test", httpReq.Header.Get("x-api-key"))
	assert.Equal(t, "2023-06-01", httpReq.Header.Get("anthropic-version"))
	assert.Equal(t, "prompt-caching-2024-07-31", httpReq.Header.Get("anthropic-beta"))

	body, err := io.ReadAll(httpReq.Body)
	require.NoError(t, err)
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &fields))
	assert.JSONEq(t, `"claude-3-5-haiku-20241022"`, string(fields["model"]))
}

func TestNewOpenAIRequest_Body(t *testing.T) {
	req, err := ParseRequest([]byte(`{
		"model": "claude-sonnet-4-5",
		"system": "S",
		"max_tokens": 64,
		"stream": true,
		"messages": [{"role":"user","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}]
	}`))
	require.NoError(t, err)

	httpReq, err := NewOpenAIRequest(context.Background(), Target{
		Endpoint: "https://openrouter.ai/api/v1",
		APIKey:   "sk-or-test",
		Model:    "anthropic/claude-3.5-haiku",
	}, req)
	require.NoError(t, err)

	assert.Equal(t, "https://openrouter.ai/api/v1/chat/completions", httpReq.URL.String())
	assert.Equal(t, "Bearer sk-or-test", httpReq.Header.Get("Authorization"))
	assert.NotEmpty(t, httpReq.Header.Get("HTTP-Referer"))
	assert.NotEmpty(t, httpReq.Header.Get("X-Title"))

	body, err := io.ReadAll(httpReq.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"model": "anthropic/claude-3.5-haiku",
		"messages": [
			{"role":"system","content":"S"},
			{"role":"user","content":"a\nb"}
		],
		"max_tokens": 64,
		"stream": true
	}`, string(body))
}

func TestNewLocalChatRequest_Body(t *testing.T) {
	req, err := ParseRequest([]byte(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)

	httpReq, err := NewLocalChatRequest(context.Background(), Target{
		Endpoint: "http://localhost:11434",
		Model:    "llama3.1",
	}, req)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:11434/api/chat", httpReq.URL.String())
	assert.Empty(t, httpReq.Header.Get("Authorization"))

	body, err := io.ReadAll(httpReq.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"model": "llama3.1",
		"messages": [{"role":"user","content":"hi"}],
		"stream": false
	}`, string(body))
}
