// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// CurrentVersion is the configuration document version this build reads.
const CurrentVersion = "1.0.0"

var (
	ErrConfigNotFound   = errors.New("configuration file not found")
	ErrConfigUnreadable = errors.New("configuration file unreadable")
)

// Config is the validated configuration document. It is loaded once at
// process start and read-only thereafter.
type Config struct {
	Version    string          `mapstructure:"version"`
	SSHKeyPath string          `mapstructure:"ssh_key_path"`
	Validators []ValidatorPair `mapstructure:"validators"`
	Alerts     AlertConfig     `mapstructure:"alerts"`
}

// ValidatorPair is the logical unit the operator manages: two physical hosts
// alternately operating one on-chain identity. Roles (active/standby) are
// discovered at runtime, never declared here.
type ValidatorPair struct {
	VotePubkey     string       `mapstructure:"vote_pubkey"`
	IdentityPubkey string       `mapstructure:"identity_pubkey"`
	RPC            string       `mapstructure:"rpc"`
	Nodes          []NodeConfig `mapstructure:"nodes"`
}

// NodeConfig describes one physical host of a pair.
type NodeConfig struct {
	Label string    `mapstructure:"label"`
	Host  string    `mapstructure:"host"`
	Port  int       `mapstructure:"port"`
	User  string    `mapstructure:"user"`
	Paths NodePaths `mapstructure:"paths"`
}

// NodePaths holds the remote filesystem locations the controller touches.
type NodePaths struct {
	FundedIdentity   string `mapstructure:"funded_identity"`
	UnfundedIdentity string `mapstructure:"unfunded_identity"`
	VoteKeypair      string `mapstructure:"vote_keypair"`
	LedgerDir        string `mapstructure:"ledger_dir"`
	TowerGlob        string `mapstructure:"tower_glob"`
	CLIBinary        string `mapstructure:"cli_binary"`
	AltConfig        string `mapstructure:"alt_config"`
	AltCtlBinary     string `mapstructure:"alt_ctl_binary"`
}

// AlertConfig configures outbound alerting.
type AlertConfig struct {
	Enabled                     bool           `mapstructure:"enabled"`
	DelinquencyThresholdSeconds int            `mapstructure:"delinquency_threshold_seconds"`
	Channels                    ChannelsConfig `mapstructure:"channels"`
}

// ChannelsConfig lists the configured delivery channels. A nil channel is
// simply not configured.
type ChannelsConfig struct {
	Telegram *TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig holds the bot credentials for the telegram channel.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// DefaultPath returns the default configuration file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vswitch/config.yaml"
	}
	return home + "/.vswitch/config.yaml"
}

// Load reads, decodes and strictly validates the configuration document at
// path. The returned Config must be treated as immutable.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("%w: %v", ErrConfigUnreadable, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigUnreadable, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	applyDefaults(cfg, v)

	if err := NewValidator().Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills omitted keys. A delinquency threshold that is omitted
// or zero becomes 60s. A port the operator wrote explicitly is never
// rewritten: an explicit `port: 0` must reach validation and be rejected
// there, not silently coerced to 22.
func applyDefaults(cfg *Config, raw *viper.Viper) {
	if cfg.Alerts.DelinquencyThresholdSeconds == 0 {
		cfg.Alerts.DelinquencyThresholdSeconds = 60
	}
	validators, _ := raw.Get("validators").([]interface{})
	for i := range cfg.Validators {
		for j := range cfg.Validators[i].Nodes {
			n := &cfg.Validators[i].Nodes[j]
			if n.Port == 0 && !portKeyPresent(validators, i, j) {
				n.Port = 22
			}
		}
	}
}

// portKeyPresent reports whether the raw document spells out a port for node
// j of pair i.
func portKeyPresent(validators []interface{}, i, j int) bool {
	if i >= len(validators) {
		return false
	}
	pair, ok := validators[i].(map[string]interface{})
	if !ok {
		return false
	}
	nodes, ok := pair["nodes"].([]interface{})
	if !ok {
		return false
	}
	if j >= len(nodes) {
		return false
	}
	node, ok := nodes[j].(map[string]interface{})
	if !ok {
		return false
	}
	_, present := node["port"]
	return present
}
