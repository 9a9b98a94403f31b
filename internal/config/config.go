// Package config loads the named operator configuration described in
// spec §6: bot credentials, RPC endpoints, the chain label/explorer
// links, the multicall address, SQL connection details, and inline
// button templates. Loading is by name (CLI `run <config-name>`), the
// concrete format is viper-backed YAML/JSON/TOML under a configurable
// search path, following cryptopossum-fantom-api-graphql's use of
// spf13/viper for this exact "load config by name" shape.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/walletwatch/walletwatch/internal/errs"
)

// Bot is one chat-platform bot instance walletwatch delivers through.
type Bot struct {
	ID         string `mapstructure:"id"`
	Token      string `mapstructure:"token"`
	Polling    bool   `mapstructure:"polling"`
	OpenAccess bool   `mapstructure:"open_access"`
}

// InlineButton is one templated action button attached to rendered
// messages (spec §4.9): Text is static, URL is a template containing
// the "$$ADDRESS$$" placeholder.
type InlineButton struct {
	Text        string `mapstructure:"text"`
	URLTemplate string `mapstructure:"url_template"`
}

// SQLConfig is the shared relational store's connection parameters.
type SQLConfig struct {
	Host     string `mapstructure:"host"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// Config is the fully loaded operator configuration.
type Config struct {
	OwnerChatID      string           `mapstructure:"owner_chat_id"`
	Bots             []Bot            `mapstructure:"bots"`
	RPCURLs          []string         `mapstructure:"rpc_urls"`
	ChainLabel       string           `mapstructure:"chain_label"`
	ExplorerBaseURL  string           `mapstructure:"explorer_base_url"`
	ChartBaseURL     string           `mapstructure:"chart_base_url"`
	NativeSymbol     string           `mapstructure:"native_symbol"`
	MulticallAddress string           `mapstructure:"multicall_address"`
	SQL              SQLConfig        `mapstructure:"sql"`
	InlineButtons    [][]InlineButton `mapstructure:"inline_buttons"`
	BaseTokens       []string         `mapstructure:"base_tokens"`

	// Local on-disk paths for the embedded caches (spec §6).
	HighWaterMarkPath string `mapstructure:"high_water_mark_path"`
	TokenCachePath    string `mapstructure:"token_cache_path"`
	ENSCachePath      string `mapstructure:"ens_cache_path"`
	SelectorCachePath string `mapstructure:"selector_cache_path"`

	SignatureLookupURLs []string `mapstructure:"signature_lookup_urls"`
}

// Load reads the named configuration from searchPaths (directories
// tried in order) using viper's format auto-detection. Failures are
// wrapped as a Terminal errs.CodeConfig error (spec §7's "ConfigError
// at startup" policy); the CLI entrypoint exits non-zero on failure.
func Load(name string, searchPaths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(name)
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix("WALLETWATCH")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, errs.NewTerminal(errs.CodeConfig, fmt.Sprintf("load config %q", name), err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errs.NewTerminal(errs.CodeConfig, fmt.Sprintf("parse config %q", name), err)
	}

	if err := cfg.validate(); err != nil {
		return nil, errs.NewTerminal(errs.CodeConfig, fmt.Sprintf("validate config %q", name), err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.RPCURLs) == 0 {
		return fmt.Errorf("rpc_urls must not be empty")
	}
	if len(c.Bots) == 0 {
		return fmt.Errorf("bots must not be empty")
	}
	if c.MulticallAddress == "" {
		return fmt.Errorf("multicall_address is required")
	}
	for _, b := range c.Bots {
		if b.ID == "" || b.Token == "" {
			return fmt.Errorf("bot entries require id and token")
		}
	}
	return nil
}
