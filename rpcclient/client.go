// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rpcclient is a minimal read-only JSON-RPC client for the chain
// endpoints the controller uses as ground truth.
package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

var (
	ErrRPCFailed           = errors.New("rpc request failed")
	ErrVoteAccountNotFound = errors.New("vote account not found")
)

// VoteAccount is the subset of vote account state the controller consumes.
type VoteAccount struct {
	VotePubkey     string `json:"votePubkey"`
	NodePubkey     string `json:"nodePubkey"`
	LastVote       uint64 `json:"lastVote"`
	RootSlot       uint64 `json:"rootSlot"`
	ActivatedStake uint64 `json:"activatedStake"`
	Delinquent     bool   `json:"-"`
}

// Client talks JSON-RPC 2.0 to one endpoint.
type Client struct {
	http *resty.Client
}

// New creates a client for endpoint with a bounded request timeout.
func New(endpoint string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(endpoint).
			SetTimeout(10 * time.Second).
			SetHeader("Content-Type", "application/json"),
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GetVoteAccount returns the state of one vote account, whether it is
// currently listed as current or delinquent.
func (c *Client) GetVoteAccount(ctx context.Context, votePubkey string) (*VoteAccount, error) {
	var resp struct {
		Result struct {
			Current    []VoteAccount `json:"current"`
			Delinquent []VoteAccount `json:"delinquent"`
		} `json:"result"`
		Error *rpcError `json:"error"`
	}
	err := c.call(ctx, &resp, "getVoteAccounts", map[string]interface{}{"votePubkey": votePubkey})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrRPCFailed, resp.Error.Message)
	}
	for i := range resp.Result.Current {
		if resp.Result.Current[i].VotePubkey == votePubkey {
			return &resp.Result.Current[i], nil
		}
	}
	for i := range resp.Result.Delinquent {
		if resp.Result.Delinquent[i].VotePubkey == votePubkey {
			acct := resp.Result.Delinquent[i]
			acct.Delinquent = true
			return &acct, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrVoteAccountNotFound, votePubkey)
}

// GetSlot returns the endpoint's current processed slot.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var resp struct {
		Result uint64    `json:"result"`
		Error  *rpcError `json:"error"`
	}
	if err := c.call(ctx, &resp, "getSlot"); err != nil {
		return 0, err
	}
	if resp.Error != nil {
		return 0, fmt.Errorf("%w: %s", ErrRPCFailed, resp.Error.Message)
	}
	return resp.Result, nil
}

func (c *Client) call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}).
		SetResult(out).
		Post("")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRPCFailed, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: http %d", ErrRPCFailed, resp.StatusCode())
	}
	return nil
}
