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

// Package proxy is the HTTP surface: the proxied message path with
// streaming pass-through and metering, the pass-through forwarder, and the
// read-only stats and event endpoints.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"github.com/teradata-labs/cruise/internal/version"
	"github.com/teradata-labs/cruise/pkg/ledger"
	"github.com/teradata-labs/cruise/pkg/predict"
	"github.com/teradata-labs/cruise/pkg/router"
)

// usageStream is the SSE stream name per-request usage events publish to.
const usageStream = "usage"

// Config is the proxy server's static configuration.
type Config struct {
	Port            int
	PrimaryName     string
	PrimaryEndpoint string
	PrimaryAPIKey   string
	DefaultModel    string
	DashboardPath   string
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 4141
	}
	if c.PrimaryName == "" {
		c.PrimaryName = "anthropic"
	}
	if c.PrimaryEndpoint == "" {
		c.PrimaryEndpoint = "https://api.anthropic.com"
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "claude-sonnet-4-5-20250929"
	}
}

// Server wires the ledger, prediction engine, and router behind the HTTP
// surface.
type Server struct {
	cfg    Config
	led    *ledger.Ledger
	engine *predict.Engine
	rt     *router.Router
	client *http.Client
	events *sse.Server
	logger *zap.Logger

	httpSrv *http.Server
}

func NewServer(cfg Config, led *ledger.Ledger, engine *predict.Engine, rt *router.Router, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	events := sse.New()
	events.AutoReplay = false
	events.CreateStream(usageStream)

	return &Server{
		cfg:    cfg,
		led:    led,
		engine: engine,
		rt:     rt,
		client: &http.Client{}, // upstream-imposed timeouts only
		events: events,
		logger: logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /events", s.events.ServeHTTP)
	mux.HandleFunc("POST /v1/messages", s.handleMessages)
	mux.HandleFunc("/v1/", s.handlePassthrough)
	return mux
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.Handler(),
	}
	s.logger.Info("proxy listening", zap.Int("port", s.cfg.Port))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes the event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.events.Close()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Get(),
	})
}

const fallbackDashboard = `<!DOCTYPE html>
<html><head><title>cruise</title></head>
<body><h1>cruise</h1><p>Usage proxy is running. See <a href="/stats">/stats</a>.</p></body></html>`

// handleDashboard serves the static dashboard if present, else a minimal
// inline page.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DashboardPath != "" {
		if _, err := os.Stat(s.cfg.DashboardPath); err == nil {
			http.ServeFile(w, r, s.cfg.DashboardPath)
			return
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, fallbackDashboard)
}

// publishUsage pushes one usage log to /events subscribers. Best effort.
func (s *Server) publishUsage(log ledger.UsageLog) {
	data, err := json.Marshal(map[string]interface{}{
		"timestamp":     log.Timestamp,
		"model":         log.Model,
		"provider":      log.Provider,
		"input_tokens":  log.InputTokens,
		"output_tokens": log.OutputTokens,
		"cost_usd":      log.CostUSD,
		"success":       log.Success,
	})
	if err != nil {
		return
	}
	s.events.Publish(usageStream, &sse.Event{Event: []byte("usage"), Data: data})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError mirrors the native error envelope.
func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]interface{}{
		"type": "error",
		"error": map[string]string{
			"type":    errType,
			"message": message,
		},
	})
}
