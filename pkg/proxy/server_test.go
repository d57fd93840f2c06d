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
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/cruise/pkg/ledger"
	"github.com/teradata-labs/cruise/pkg/limits"
	"github.com/teradata-labs/cruise/pkg/predict"
	"github.com/teradata-labs/cruise/pkg/router"
)

const (
	testSonnet = "claude-sonnet-4-5-20250929"
	testHaiku  = "claude-3-5-haiku-20241022"
)

type env struct {
	led     *ledger.Ledger
	learner *limits.Learner
	rt      *router.Router
	srv     *Server
	ts      *httptest.Server
}

// newEnv builds a full proxy wired to fake upstreams. Nil handlers get a
// default that returns a usage block.
func newEnv(t *testing.T, primary, openrouter, ollama http.HandlerFunc) *env {
	t.Helper()

	defaultHandler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","usage":{"input_tokens":1,"output_tokens":1}}`))
	}
	if primary == nil {
		primary = defaultHandler
	}
	if openrouter == nil {
		openrouter = defaultHandler
	}
	if ollama == nil {
		ollama = defaultHandler
	}

	primarySrv := httptest.NewServer(primary)
	t.Cleanup(primarySrv.Close)
	openrouterSrv := httptest.NewServer(openrouter)
	t.Cleanup(openrouterSrv.Close)
	ollamaSrv := httptest.NewServer(ollama)
	t.Cleanup(ollamaSrv.Close)

	led, err := ledger.Open(filepath.Join(t.TempDir(), "usage.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	learner, err := limits.NewLearner(led, zaptest.NewLogger(t))
	require.NoError(t, err)
	engine := predict.NewEngine(led, learner, zaptest.NewLogger(t))

	rt := router.New(router.Config{
		Mode:    router.ModeFullAuto,
		Enabled: true,
		Providers: []router.Provider{
			{Name: "anthropic", Type: router.ProviderPrimary, Endpoint: primarySrv.URL,
				APIKey: "sk-ant-test", Models: []string{testSonnet, testHaiku}, Enabled: true, Priority: 0},
			{Name: "openrouter", Type: router.ProviderOpenAICompatible, Endpoint: openrouterSrv.URL,
				APIKey: "sk-or-test", Models: []string{"anthropic/claude-3.5-haiku"}, Enabled: true, Priority: 1},
			{Name: "ollama", Type: router.ProviderLocalChat, Endpoint: ollamaSrv.URL,
				Models: []string{"llama3.1"}, Enabled: true, Priority: 2},
		},
	}, zaptest.NewLogger(t))
	t.Cleanup(rt.Stop)

	srv := NewServer(Config{
		PrimaryEndpoint: primarySrv.URL,
		PrimaryAPIKey:   "sk-ant-test",
		DefaultModel:    testSonnet,
	}, led, engine, rt, zaptest.NewLogger(t))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &env{led: led, learner: learner, rt: rt, srv: srv, ts: ts}
}

// seedWindow writes logs totaling tokens at one instant inside the window.
func seedWindow(t *testing.T, led *ledger.Ledger, tokens int64) {
	t.Helper()
	ts := time.Now().UnixMilli()
	per := tokens / 4
	for i := 0; i < 4; i++ {
		_, err := led.AddLog(context.Background(), ledger.UsageLog{
			Timestamp: ts, Model: testSonnet, Provider: "anthropic",
			InputTokens: per / 2, OutputTokens: per - per/2, Success: true,
		})
		require.NoError(t, err)
	}
}

func (e *env) postMessages(t *testing.T, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.ts.URL+"/v1/messages", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestMessages_ColdStartPassthrough(t *testing.T) {
	upstreamBody := `{"id":"msg_1","content":[{"type":"text","text":"hello"}],"usage":{"input_tokens":10,"output_tokens":20}}`
	var gotModel, gotKey, gotVersion string

	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		var fields map[string]json.RawMessage
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &fields)
		_ = json.Unmarshal(fields["model"], &gotModel)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(upstreamBody))
	}, nil, nil)

	resp := e.postMessages(t, `{"model":"`+testSonnet+`","max_tokens":16,"messages":[{"role":"user","content":"hi"}]}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, upstreamBody, string(body))
	assert.Equal(t, testSonnet, gotModel)
	assert.Equal(t, "sk-ant-test", gotKey)
	assert.Equal(t, "2023-06-01", gotVersion)

	logs, err := e.led.GetSessionLogs(context.Background())
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, testSonnet, logs[0].Model)
	assert.Equal(t, "anthropic", logs[0].Provider)
	assert.Equal(t, int64(10), logs[0].InputTokens)
	assert.Equal(t, int64(20), logs[0].OutputTokens)
	assert.InDelta(t, 0.00033, logs[0].CostUSD, 1e-9)
	assert.True(t, logs[0].Success)
	assert.Empty(t, logs[0].RoutedFrom)
}

func TestMessages_ThresholdRoutesToHaiku(t *testing.T) {
	var gotModel string
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		var fields map[string]json.RawMessage
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &fields)
		_ = json.Unmarshal(fields["model"], &gotModel)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"usage":{"input_tokens":5,"output_tokens":5}}`))
	}, nil, nil)

	seedWindow(t, e.led, 3_600_000) // 72% of the 5M default ceiling

	resp := e.postMessages(t, `{"model":"`+testSonnet+`","max_tokens":16,"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, _ = io.ReadAll(resp.Body)

	assert.Equal(t, testHaiku, gotModel)

	logs, err := e.led.GetSessionLogs(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, testHaiku, logs[0].Model)
	assert.Equal(t, testSonnet, logs[0].RoutedFrom)
	assert.NotEmpty(t, logs[0].RoutingReason)

	saved, err := e.led.GetRoutingSavings(context.Background(), ledger.TimeframeSession)
	require.NoError(t, err)
	assert.Greater(t, saved, 0.0)
}

func TestMessages_QuotaRejectionStickyFallback(t *testing.T) {
	rejection := `{"type":"error","error":{"type":"rate_limit_exceeded","message":"quota exhausted"}}`
	openrouterHit := false

	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(rejection))
	}, func(w http.ResponseWriter, r *http.Request) {
		openrouterHit = true
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"usage":{"prompt_tokens":2,"completion_tokens":3}}`))
	}, nil)

	seedWindow(t, e.led, 4_000_000)

	resp := e.postMessages(t, `{"model":"`+testSonnet+`","max_tokens":16,"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, rejection, string(body))

	events, err := e.led.GetRateLimitHistory(context.Background(), testSonnet)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(4_000_000), events[0].TokensUsedBeforeLimit)
	assert.Equal(t, "rate_limit_exceeded", events[0].ErrorType)

	limit := e.learner.GetLearnedLimit(testSonnet)
	assert.Equal(t, int64(3_800_000), limit.TokenLimit)
	assert.True(t, e.rt.IsRateLimited())

	// The sticky flag sends the next request to the alternate provider.
	resp2 := e.postMessages(t, `{"model":"`+testSonnet+`","max_tokens":16,"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	_, _ = io.ReadAll(resp2.Body)
	assert.True(t, openrouterHit)
}

func TestMessages_StreamingUsageExtraction(t *testing.T) {
	chunks := []string{
		"some \"input_tok",
		"ens\":7 text\n",
		"tail \"output_tokens\":11\n",
	}

	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			_, _ = w.Write([]byte(c))
			flusher.Flush()
		}
	}, nil, nil)

	resp := e.postMessages(t, `{"model":"`+testSonnet+`","max_tokens":16,"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "some \"input_tokens\":7 text\ntail \"output_tokens\":11\n", string(body))

	logs, err := e.led.GetSessionLogs(context.Background())
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, int64(7), logs[0].InputTokens)
	assert.Equal(t, int64(11), logs[0].OutputTokens)
}

func TestMessages_StreamingRequestErrorKeepsErrorType(t *testing.T) {
	errBody := `{"type":"error","error":{"type":"overloaded_error","message":"try again later"}}`
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(errBody))
	}, nil, nil)

	resp := e.postMessages(t, `{"model":"`+testSonnet+`","max_tokens":16,"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, errBody, string(body))

	logs, err := e.led.GetSessionLogs(context.Background())
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
	assert.Equal(t, "overloaded_error", logs[0].ErrorType)
}

func TestMessages_OpenAICompatibleFlattening(t *testing.T) {
	var gotBody []byte
	var gotAuth string

	e := newEnv(t, nil, func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"usage":{"prompt_tokens":3,"completion_tokens":4}}`))
	}, nil)

	seedWindow(t, e.led, 4_350_000) // 87%, above the alternate-provider threshold

	resp := e.postMessages(t, `{
		"model": "`+testSonnet+`",
		"system": "S",
		"max_tokens": 64,
		"messages": [{"role":"user","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}]
	}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, _ = io.ReadAll(resp.Body)

	assert.Equal(t, "Bearer sk-or-test", gotAuth)
	assert.JSONEq(t, `{
		"model": "anthropic/claude-3.5-haiku",
		"messages": [
			{"role":"system","content":"S"},
			{"role":"user","content":"a\nb"}
		],
		"max_tokens": 64,
		"stream": false
	}`, string(gotBody))
}

func TestMessages_MissingAPIKey(t *testing.T) {
	e := newEnv(t, nil, nil, nil)
	e.srv.cfg.PrimaryAPIKey = ""
	e.rt.UpdateProvider(router.Provider{
		Name: "anthropic", Type: router.ProviderPrimary,
		Endpoint: e.srv.cfg.PrimaryEndpoint,
		Models:   []string{testSonnet, testHaiku}, Enabled: true,
	})

	resp := e.postMessages(t, `{"model":"`+testSonnet+`","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	logs, err := e.led.GetSessionLogs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestMessages_TransportError(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close() // connection refused from now on

	e := newEnv(t, nil, nil, nil)
	e.rt.UpdateProvider(router.Provider{
		Name: "anthropic", Type: router.ProviderPrimary, Endpoint: dead.URL,
		APIKey: "sk-ant-test", Models: []string{testSonnet, testHaiku}, Enabled: true,
	})

	resp := e.postMessages(t, `{"model":"`+testSonnet+`","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	logs, err := e.led.GetSessionLogs(context.Background())
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
	assert.Equal(t, "transport_error", logs[0].ErrorType)
}

func TestMessages_InvalidBody(t *testing.T) {
	e := newEnv(t, nil, nil, nil)
	resp := e.postMessages(t, `{"messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	e := newEnv(t, nil, nil, nil)

	resp, err := http.Get(e.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "ok", out["status"])
	assert.NotEmpty(t, out["version"])
}

func TestStats_EmptyLedger(t *testing.T) {
	e := newEnv(t, nil, nil, nil)

	resp, err := http.Get(e.ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out statsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	assert.Zero(t, out.Usage.InputTokens)
	assert.Zero(t, out.Session.Requests)
	assert.Equal(t, float64(unboundedMinutes), out.Prediction.MinutesUntilLimit)
	assert.Len(t, out.Prediction.Trend, 12)
	require.Len(t, out.Router.Providers, 3)
	assert.True(t, out.Router.Providers[0].HasAPIKey)
	assert.Equal(t, testSonnet, out.Router.CurrentModel)
}

func TestStats_AfterTraffic(t *testing.T) {
	e := newEnv(t, nil, nil, nil)
	resp := e.postMessages(t, `{"model":"`+testSonnet+`","messages":[{"role":"user","content":"hi"}]}`)
	_, _ = io.ReadAll(resp.Body)

	statsResp, err := http.Get(e.ts.URL + "/stats")
	require.NoError(t, err)
	defer statsResp.Body.Close()

	var out statsResponse
	require.NoError(t, json.NewDecoder(statsResp.Body).Decode(&out))
	assert.Equal(t, int64(1), out.Session.Requests)
	assert.Equal(t, int64(1), out.Usage.InputTokens)
	assert.Greater(t, out.Usage.SessionCost, 0.0)
}

func TestPassthrough(t *testing.T) {
	var gotPath, gotKey string
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}, nil, nil)

	resp, err := http.Get(e.ts.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/v1/models", gotPath)
	assert.Equal(t, "sk-ant-test", gotKey)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"data":[]}`, string(body))
}
