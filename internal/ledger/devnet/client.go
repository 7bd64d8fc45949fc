package devnet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/qaroom/internal/ledger"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Session validator reasons, matching what a zkSync SSO session validator reports.
const (
	ReasonSessionRangeEnd  = "block.timestamp is too close to the range end"
	ReasonAllowanceExhaust = "Allowance limit exceeded"
)

const defaultExpiryMargin = time.Minute

// SessionPolicy limits what a delegated signing session may submit.
// A zero ExpiresAt never expires and a zero FeeLimit is unlimited.
type SessionPolicy struct {
	ExpiresAt    time.Time
	FeeLimit     uint64
	ExpiryMargin time.Duration
}

// Client is a ledger.Client acting as one account.
type Client struct {
	ledger  *Ledger
	account common.Address
	policy  SessionPolicy

	mu    sync.Mutex
	spent uint64
}

// Client returns a client that signs as account under policy.
func (l *Ledger) Client(account common.Address, policy SessionPolicy) *Client {
	if policy.ExpiryMargin <= 0 {
		policy.ExpiryMargin = defaultExpiryMargin
	}
	return &Client{ledger: l, account: account, policy: policy}
}

func (c *Client) Account() common.Address {
	return c.account
}

// Spent is the fee total charged against this session.
func (c *Client) Spent() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spent
}

func (c *Client) Read(ctx context.Context, contract common.Address, method string, out any, args ...any) error {
	if err := ctx.Err(); err != nil {
		return ledger.TransportError(method, err)
	}
	if err := c.checkContract(contract, method); err != nil {
		return err
	}
	calldata, err := ledger.PackCall(method, args...)
	if err != nil {
		return err
	}
	result, err := c.ledger.call(calldata)
	if err != nil {
		var contractRevert *revert
		if errors.As(err, &contractRevert) {
			return &ledger.RevertError{Method: method, Reason: contractRevert.reason}
		}
		return ledger.TransportError(method, err)
	}
	return ledger.UnpackResult(method, result, out)
}

// Write charges the session allowance and mines the call. Session policy
// violations are rejected before inclusion, like a validator would.
func (c *Client) Write(ctx context.Context, contract common.Address, method string, sponsor *ledger.FeeSponsor, args ...any) (ledger.TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return ledger.TxHandle{}, ledger.TransportError(method, err)
	}
	if err := c.checkContract(contract, method); err != nil {
		return ledger.TxHandle{}, err
	}
	calldata, err := ledger.PackCall(method, args...)
	if err != nil {
		return ledger.TxHandle{}, err
	}
	if err := c.charge(method); err != nil {
		return ledger.TxHandle{}, err
	}
	if sponsor != nil {
		c.ledger.logger.Debug("devnet fees sponsored",
			zap.String("method", method),
			zap.String("paymaster", sponsor.Paymaster.Hex()))
	}
	receipt, err := c.ledger.execute(c.account, calldata)
	if err != nil {
		return ledger.TxHandle{}, ledger.TransportError(method, err)
	}
	return ledger.TxHandle{Hash: receipt.TxHash, Method: method}, nil
}

func (c *Client) charge(method string) error {
	now := c.ledger.clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.policy.ExpiresAt.IsZero() && !now.Add(c.policy.ExpiryMargin).Before(c.policy.ExpiresAt) {
		return &ledger.RevertError{Method: method, Reason: ReasonSessionRangeEnd}
	}
	if c.policy.FeeLimit > 0 && c.spent+c.ledger.feePerCall > c.policy.FeeLimit {
		return &ledger.RevertError{Method: method, Reason: ReasonAllowanceExhaust}
	}
	c.spent += c.ledger.feePerCall
	return nil
}

// AwaitFinality returns immediately: devnet blocks are final when mined.
func (c *Client) AwaitFinality(ctx context.Context, tx ledger.TxHandle) (ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, ledger.TransportError("await finality", err)
	}
	receipt, found, err := c.ledger.receipt(tx.Hash)
	if err != nil {
		return ledger.Receipt{}, ledger.TransportError("await finality", err)
	}
	if !found {
		return ledger.Receipt{}, ledger.TransportError("await finality", fmt.Errorf("unknown transaction %s", tx.Hash.Hex()))
	}
	return receipt, nil
}

// Subscribe delivers matching logs on a dedicated goroutine until the
// returned function is called or ctx ends. The returned function waits for
// the goroutine to exit.
func (c *Client) Subscribe(ctx context.Context, contract common.Address, event string, filter ledger.Filter, onEvent func(ledger.Log), _ func(error)) (func(), error) {
	if err := c.checkContract(contract, "subscribe "+event); err != nil {
		return nil, err
	}
	topic, err := ledger.EventID(event)
	if err != nil {
		return nil, err
	}
	stream, cleanup := c.ledger.feed.subscribe(ctx, topic)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for log := range stream {
			if filter.Matches(log) {
				onEvent(log)
			}
		}
	}()
	return func() {
		cleanup()
		<-done
	}, nil
}

func (c *Client) checkContract(contract common.Address, operation string) error {
	if contract != c.ledger.contract {
		return ledger.TransportError(operation, fmt.Errorf("no contract deployed at %s", contract.Hex()))
	}
	return nil
}
