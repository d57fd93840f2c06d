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
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/teradata-labs/cruise/pkg/router"
)

// Default model identifiers on each provider.
const (
	DefaultSonnetModel     = "claude-sonnet-4-5-20250929"
	DefaultHaikuModel      = "claude-3-5-haiku-20241022"
	DefaultOpenRouterModel = "anthropic/claude-3.5-haiku"
	DefaultOllamaModel     = "llama3.1"
)

// Config is the resolved runtime configuration.
type Config struct {
	Port          int
	RetentionDays int
	DashboardPath string

	Mode           router.Mode
	RoutingEnabled bool
	Thresholds     router.Thresholds

	AnthropicEndpoint string
	AnthropicAPIKey   string
	OpenRouterAPIKey  string
	OllamaEnabled     bool
	OllamaEndpoint    string
}

// Load reads config.yaml from the data directory (optional), then applies
// CRUISE_-prefixed environment variables, then provider credential env vars.
func Load() (*Config, error) {
	v := viper.New()
	v.SetDefault("port", 4141)
	v.SetDefault("retention_days", 30)
	v.SetDefault("dashboard_path", "")
	v.SetDefault("routing.mode", string(router.ModeFullAuto))
	v.SetDefault("routing.enabled", true)
	v.SetDefault("thresholds.switch_to_haiku", 70)
	v.SetDefault("thresholds.switch_to_openrouter", 85)
	v.SetDefault("thresholds.switch_to_local", 95)
	v.SetDefault("anthropic.endpoint", "https://api.anthropic.com")
	v.SetDefault("ollama.endpoint", "http://localhost:11434")

	dataDir, err := DataDir()
	if err != nil {
		return nil, err
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dataDir)

	v.SetEnvPrefix("CRUISE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		Port:              v.GetInt("port"),
		RetentionDays:     v.GetInt("retention_days"),
		DashboardPath:     v.GetString("dashboard_path"),
		Mode:              router.Mode(v.GetString("routing.mode")),
		RoutingEnabled:    v.GetBool("routing.enabled"),
		AnthropicEndpoint: v.GetString("anthropic.endpoint"),
		OllamaEndpoint:    v.GetString("ollama.endpoint"),
		Thresholds: router.Thresholds{
			SwitchToHaiku:      v.GetFloat64("thresholds.switch_to_haiku"),
			SwitchToOpenRouter: v.GetFloat64("thresholds.switch_to_openrouter"),
			SwitchToLocal:      v.GetFloat64("thresholds.switch_to_local"),
		},
	}

	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.OpenRouterAPIKey = os.Getenv("OPENROUTER_API_KEY")
	cfg.OllamaEnabled = os.Getenv("OLLAMA_ENABLED") == "true" || os.Getenv("OLLAMA_ENABLED") == "1"
	if endpoint := os.Getenv("OLLAMA_ENDPOINT"); endpoint != "" {
		cfg.OllamaEndpoint = endpoint
	}

	switch cfg.Mode {
	case router.ModeManual, router.ModeSemiAuto, router.ModeFullAuto:
	default:
		return nil, fmt.Errorf("invalid routing mode %q", cfg.Mode)
	}

	return cfg, nil
}

// Providers builds the router's provider list from the loaded config.
// Alternates without credentials (or not enabled) are left out.
func (c *Config) Providers() []router.Provider {
	providers := []router.Provider{{
		Name:     "anthropic",
		Type:     router.ProviderPrimary,
		Endpoint: c.AnthropicEndpoint,
		APIKey:   c.AnthropicAPIKey,
		Models:   []string{DefaultSonnetModel, DefaultHaikuModel},
		Enabled:  true,
		Priority: 0,
	}}

	if c.OpenRouterAPIKey != "" {
		providers = append(providers, router.Provider{
			Name:     "openrouter",
			Type:     router.ProviderOpenAICompatible,
			Endpoint: "https://openrouter.ai/api/v1",
			APIKey:   c.OpenRouterAPIKey,
			Models:   []string{DefaultOpenRouterModel},
			Enabled:  true,
			Priority: 1,
		})
	}

	if c.OllamaEnabled {
		providers = append(providers, router.Provider{
			Name:     "ollama",
			Type:     router.ProviderLocalChat,
			Endpoint: c.OllamaEndpoint,
			Models:   []string{DefaultOllamaModel},
			Enabled:  true,
			Priority: 2,
		})
	}

	return providers
}

// RouterConfig assembles the router's full configuration.
func (c *Config) RouterConfig() router.Config {
	return router.Config{
		Mode:       c.Mode,
		Enabled:    c.RoutingEnabled,
		Thresholds: c.Thresholds,
		Providers:  c.Providers(),
	}
}
