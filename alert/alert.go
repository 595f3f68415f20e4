// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package alert formats and delivers operator alerts. The dispatcher is
// stateless: cooldown and deduplication are the monitor's concern.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/luxfi/log"
	"go.uber.org/zap"

	"github.com/luxfi/vswitch/config"
)

var (
	ErrDisabled   = errors.New("alerts are disabled")
	ErrNoChannel  = errors.New("no alert channel configured")
	ErrSendFailed = errors.New("alert delivery failed")
)

// DefaultTelegramBase is the telegram bot API origin.
const DefaultTelegramBase = "https://api.telegram.org"

// EventType discriminates alert events.
type EventType int

const (
	EventDelinquency EventType = iota
	EventSwitchResult
	EventCatchupFailure
	EventTest
)

// Event is one typed alert occurrence. Only the fields of the event's type
// are meaningful.
type Event struct {
	Type EventType

	// Delinquency / CatchupFailure
	ValidatorIdentity   string
	NodeLabel           string
	IsActive            bool
	LastVoteSlot        uint64
	SecondsSinceVote    uint64
	ConsecutiveFailures int

	// SwitchResult
	Success     bool
	ActiveNode  string
	StandbyNode string
	Duration    time.Duration
	Error       string

	// Test
	Validators [][2]string // (identity, vote) pairs
}

// Sender delivers one event. Implemented by Dispatcher; faked in tests.
type Sender interface {
	Send(ctx context.Context, ev Event) error
}

// Dispatcher synthesizes human messages from events and posts them to the
// configured channels. Delivery is best-effort: failures surface as the
// return value and must never abort the caller's main flow.
type Dispatcher struct {
	cfg  config.AlertConfig
	http *resty.Client
	base string
	log  log.Logger
}

// Option tweaks a Dispatcher.
type Option func(*Dispatcher)

// WithBaseURL overrides the telegram API origin.
func WithBaseURL(base string) Option {
	return func(d *Dispatcher) { d.base = base }
}

// New creates a dispatcher for cfg.
func New(cfg config.AlertConfig, logger log.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:  cfg,
		http: resty.New().SetTimeout(10 * time.Second),
		base: DefaultTelegramBase,
		log:  logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send formats ev and delivers it to every configured channel.
func (d *Dispatcher) Send(ctx context.Context, ev Event) error {
	if !d.cfg.Enabled {
		return ErrDisabled
	}
	tg := d.cfg.Channels.Telegram
	if tg == nil {
		return ErrNoChannel
	}
	msg := d.message(ev)
	if err := d.sendTelegram(ctx, tg, msg); err != nil {
		d.log.Warn("alert delivery failed", zap.Error(err))
		return err
	}
	return nil
}

func (d *Dispatcher) message(ev Event) string {
	switch ev.Type {
	case EventDelinquency:
		return d.delinquencyMessage(ev)
	case EventSwitchResult:
		return switchResultMessage(ev)
	case EventCatchupFailure:
		return catchupFailureMessage(ev)
	case EventTest:
		return d.testMessage(ev)
	default:
		return ""
	}
}

func (d *Dispatcher) delinquencyMessage(ev Event) string {
	status := "Standby"
	if ev.IsActive {
		status = "Active"
	}
	return fmt.Sprintf(
		"🚨 *VALIDATOR DELINQUENCY ALERT* 🚨\n\n"+
			"*Validator:* `%s`\n"+
			"*Node:* %s (%s)\n"+
			"*Last Vote Slot:* %d\n"+
			"*Time Since Last Vote:* %d seconds\n"+
			"*Threshold:* %d seconds\n\n"+
			"⚠️ *Action Required:* Check validator health",
		ev.ValidatorIdentity, ev.NodeLabel, status,
		ev.LastVoteSlot, ev.SecondsSinceVote, d.cfg.DelinquencyThresholdSeconds)
}

func switchResultMessage(ev Event) string {
	if ev.Success {
		timeStr := ""
		if ev.Duration > 0 {
			timeStr = fmt.Sprintf(" in %dms", ev.Duration.Milliseconds())
		}
		return fmt.Sprintf(
			"✅ *VALIDATOR SWITCH SUCCESSFUL*%s\n\n"+
				"*Previous Active:* %s\n"+
				"*New Active:* %s\n\n"+
				"Switch completed successfully!",
			timeStr, ev.ActiveNode, ev.StandbyNode)
	}
	errMsg := ev.Error
	if errMsg == "" {
		errMsg = "Unknown error"
	}
	return fmt.Sprintf(
		"❌ *VALIDATOR SWITCH FAILED*\n\n"+
			"*Active Node:* %s\n"+
			"*Standby Node:* %s\n"+
			"*Error:* %s\n\n"+
			"⚠️ *Manual intervention may be required*",
		ev.ActiveNode, ev.StandbyNode, errMsg)
}

func catchupFailureMessage(ev Event) string {
	return fmt.Sprintf(
		"⚠️ *STANDBY NODE CATCHUP FAILURE* ⚠️\n\n"+
			"*Validator:* `%s`\n"+
			"*Standby Node:* %s\n"+
			"*Consecutive Failures:* %d\n\n"+
			"The standby node has failed catchup check %d times in a row.\n"+
			"This may indicate issues with the standby node's sync status.",
		ev.ValidatorIdentity, ev.NodeLabel,
		ev.ConsecutiveFailures, ev.ConsecutiveFailures)
}

func (d *Dispatcher) testMessage(ev Event) string {
	var validators strings.Builder
	for _, v := range ev.Validators {
		fmt.Fprintf(&validators, "*Identity:* `%s`\n*Vote:* `%s`\n\n", v[0], v[1])
	}
	threshold := d.cfg.DelinquencyThresholdSeconds
	return fmt.Sprintf(
		"✅ *Alert Test* ✅\n\n"+
			"This is a test message from the validator switch controller.\n"+
			"Your Telegram alerts are configured correctly!\n\n"+
			"*Monitoring Validators:*\n%s"+
			"*Delinquency Threshold:* %d seconds\n\n"+
			"Alerts will be sent when any validator stops voting for more than %d seconds.",
		validators.String(), threshold, threshold)
}

func (d *Dispatcher) sendTelegram(ctx context.Context, tg *config.TelegramConfig, text string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", d.base, tg.BotToken)
	resp, err := d.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"chat_id":                  tg.ChatID,
			"text":                     text,
			"parse_mode":               "Markdown",
			"disable_web_page_preview": true,
		}).
		Post(url)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: telegram api: %s", ErrSendFailed, strings.TrimSpace(resp.String()))
	}
	return nil
}
