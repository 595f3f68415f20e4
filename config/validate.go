// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// Validation errors
var (
	ErrNoValidators      = errors.New("no validators configured")
	ErrPairNodeCount     = errors.New("a validator pair needs exactly two nodes")
	ErrBadPubkey         = errors.New("pubkey is not valid base58")
	ErrPubkeyLength      = errors.New("pubkey length out of range")
	ErrEmptyPath         = errors.New("path must not be empty")
	ErrPortOutOfRange    = errors.New("port must be in range 1-65535")
	ErrEmptyHost         = errors.New("host must not be empty")
	ErrEmptyUser         = errors.New("user must not be empty")
	ErrEmptyRPC          = errors.New("rpc endpoint must not be empty")
	ErrNoSSHKey          = errors.New("ssh_key_path must not be empty")
	ErrBadThreshold      = errors.New("delinquency threshold must be positive")
	ErrTelegramUnderspec = errors.New("telegram channel needs bot_token and chat_id")
)

const (
	minPubkeyLen = 32
	maxPubkeyLen = 44
)

// ValidationError carries one rejected field with enough context for the
// operator to fix it.
type ValidationError struct {
	Field      string
	Value      interface{}
	Constraint string
	Severity   string // "error" or "warning"
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("%s: %s=%v violates constraint: %s", ve.Severity, ve.Field, ve.Value, ve.Constraint)
}

// ValidationResult collects all errors and warnings of one pass.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// Validator validates configuration documents.
type Validator struct{}

// NewValidator creates a configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate folds a detailed validation pass into a single error.
func (v *Validator) Validate(cfg *Config) error {
	result := v.ValidateDetailed(cfg)
	if !result.Valid {
		var errStrs []string
		for _, err := range result.Errors {
			errStrs = append(errStrs, err.Error())
		}
		return fmt.Errorf("validation failed:\n%s", strings.Join(errStrs, "\n"))
	}
	return nil
}

// ValidateDetailed returns detailed validation results.
func (v *Validator) ValidateDetailed(cfg *Config) *ValidationResult {
	result := &ValidationResult{Valid: true}

	if cfg.SSHKeyPath == "" {
		v.addError(result, "ssh_key_path", cfg.SSHKeyPath, ErrNoSSHKey.Error())
	}
	if len(cfg.Validators) == 0 {
		v.addError(result, "validators", len(cfg.Validators), ErrNoValidators.Error())
	}
	for i, pair := range cfg.Validators {
		v.validatePair(fmt.Sprintf("validators[%d]", i), pair, result)
	}
	v.validateAlerts(cfg.Alerts, result)

	return result
}

func (v *Validator) validatePair(prefix string, pair ValidatorPair, result *ValidationResult) {
	v.validatePubkey(prefix+".vote_pubkey", pair.VotePubkey, result)
	v.validatePubkey(prefix+".identity_pubkey", pair.IdentityPubkey, result)
	if pair.RPC == "" {
		v.addError(result, prefix+".rpc", pair.RPC, ErrEmptyRPC.Error())
	}
	if len(pair.Nodes) != 2 {
		v.addError(result, prefix+".nodes", len(pair.Nodes), ErrPairNodeCount.Error())
		return
	}
	for j, node := range pair.Nodes {
		v.validateNode(fmt.Sprintf("%s.nodes[%d]", prefix, j), node, result)
	}
}

func (v *Validator) validateNode(prefix string, node NodeConfig, result *ValidationResult) {
	if node.Host == "" {
		v.addError(result, prefix+".host", node.Host, ErrEmptyHost.Error())
	}
	if node.User == "" {
		v.addError(result, prefix+".user", node.User, ErrEmptyUser.Error())
	}
	if node.Port < 1 || node.Port > 65535 {
		v.addError(result, prefix+".port", node.Port, ErrPortOutOfRange.Error())
	}

	paths := map[string]string{
		".paths.funded_identity":   node.Paths.FundedIdentity,
		".paths.unfunded_identity": node.Paths.UnfundedIdentity,
		".paths.vote_keypair":      node.Paths.VoteKeypair,
		".paths.ledger_dir":        node.Paths.LedgerDir,
		".paths.tower_glob":        node.Paths.TowerGlob,
		".paths.cli_binary":        node.Paths.CLIBinary,
	}
	for field, value := range paths {
		if value == "" {
			v.addError(result, prefix+field, value, ErrEmptyPath.Error())
		}
	}

	// An alt control binary without its config file is almost certainly an
	// operator mistake, but the node may still run the primary client.
	if node.Paths.AltCtlBinary != "" && node.Paths.AltConfig == "" {
		v.addWarning(result, prefix+".paths.alt_config", node.Paths.AltConfig,
			"alt_ctl_binary is set but alt_config is empty")
	}
}

func (v *Validator) validatePubkey(field, pubkey string, result *ValidationResult) {
	if len(pubkey) < minPubkeyLen || len(pubkey) > maxPubkeyLen {
		v.addError(result, field, pubkey, ErrPubkeyLength.Error())
		return
	}
	if _, err := base58.Decode(pubkey); err != nil {
		v.addError(result, field, pubkey, ErrBadPubkey.Error())
	}
}

func (v *Validator) validateAlerts(alerts AlertConfig, result *ValidationResult) {
	if !alerts.Enabled {
		return
	}
	if alerts.DelinquencyThresholdSeconds <= 0 {
		v.addError(result, "alerts.delinquency_threshold_seconds",
			alerts.DelinquencyThresholdSeconds, ErrBadThreshold.Error())
	}
	if tg := alerts.Channels.Telegram; tg != nil {
		if tg.BotToken == "" || tg.ChatID == "" {
			v.addError(result, "alerts.channels.telegram", "", ErrTelegramUnderspec.Error())
		}
	} else {
		v.addWarning(result, "alerts.channels", nil, "alerts enabled but no channel configured")
	}
}

func (v *Validator) addError(result *ValidationResult, field string, value interface{}, constraint string) {
	result.Errors = append(result.Errors, ValidationError{
		Field:      field,
		Value:      value,
		Constraint: constraint,
		Severity:   "error",
	})
	result.Valid = false
}

func (v *Validator) addWarning(result *ValidationResult, field string, value interface{}, constraint string) {
	result.Warnings = append(result.Warnings, ValidationError{
		Field:      field,
		Value:      value,
		Constraint: constraint,
		Severity:   "warning",
	})
}
