package evm

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/qaroom/internal/ledger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

const maxResubscribeBackoff = 30 * time.Second

var errSubscriptionClosed = errors.New("log subscription closed by endpoint")

// logFollower tracks one event stream across subscription drops.
type logFollower struct {
	client   *Client
	query    ethereum.FilterQuery
	filter   ledger.Filter
	onEvent  func(ledger.Log)
	onError  func(error)
	event    string
	nextFrom uint64
}

// Subscribe streams logs over eth_subscribe and falls back to eth_getLogs
// polling when the endpoint has no notification support. A dropped
// subscription is reported through onError, then re-established with backoff;
// logs mined while it was down are replayed from the last delivered block.
func (c *Client) Subscribe(ctx context.Context, contract common.Address, event string, filter ledger.Filter, onEvent func(ledger.Log), onError func(error)) (func(), error) {
	topic, err := ledger.EventID(event)
	if err != nil {
		return nil, err
	}
	query := ethereum.FilterQuery{
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{topic}},
	}
	if filter.RoomID != (common.Hash{}) {
		query.Topics = append(query.Topics, []common.Hash{filter.RoomID})
	}
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return nil, ledger.TransportError("block number", err)
	}
	follower := &logFollower{
		client:   c,
		query:    query,
		filter:   filter,
		onEvent:  onEvent,
		onError:  onError,
		event:    event,
		nextFrom: head + 1,
	}

	subscriptionCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	stop := func() {
		cancel()
		wg.Wait()
	}

	sink := make(chan types.Log, 64)
	subscription, err := c.backend.SubscribeFilterLogs(subscriptionCtx, query, sink)
	switch {
	case err == nil:
		wg.Add(1)
		go func() {
			defer wg.Done()
			follower.follow(subscriptionCtx, subscription, sink)
		}()
	case errors.Is(err, rpc.ErrNotificationsUnsupported):
		c.logger.Info("log subscriptions unsupported, polling", zap.String("event", event))
		wg.Add(1)
		go func() {
			defer wg.Done()
			follower.poll(subscriptionCtx)
		}()
	default:
		cancel()
		return nil, ledger.TransportError("subscribe "+event, err)
	}
	return stop, nil
}

func (f *logFollower) follow(ctx context.Context, subscription ethereum.Subscription, sink chan types.Log) {
	for subscription != nil {
		err := f.stream(ctx, subscription, sink)
		if err == nil {
			return
		}
		f.client.logger.Warn("log subscription dropped",
			zap.String("event", f.event),
			zap.Uint64("resume_block", f.nextFrom),
			zap.Error(err))
		f.report(ledger.TransportError("subscribe "+f.event, err))
		subscription = f.resubscribe(ctx, sink)
	}
}

// stream returns nil when ctx ends and the subscription error otherwise.
func (f *logFollower) stream(ctx context.Context, subscription ethereum.Subscription, sink <-chan types.Log) error {
	defer subscription.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-subscription.Err():
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				err = errSubscriptionClosed
			}
			return err
		case raw := <-sink:
			f.deliver(raw)
		}
	}
}

// resubscribe retries until a new subscription is live, backfilling the gap
// with eth_getLogs. It returns nil when ctx ends or the endpoint only
// supports polling, in which case it polls until ctx ends.
func (f *logFollower) resubscribe(ctx context.Context, sink chan types.Log) ethereum.Subscription {
	backoff := f.client.pollInterval
	for {
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		subscription, err := f.client.backend.SubscribeFilterLogs(ctx, f.query, sink)
		switch {
		case err == nil:
			if err := f.backfill(ctx); err != nil {
				f.client.logger.Warn("log backfill failed", zap.String("event", f.event), zap.Error(err))
			}
			f.client.logger.Info("log subscription restored", zap.String("event", f.event))
			return subscription
		case errors.Is(err, rpc.ErrNotificationsUnsupported):
			f.poll(ctx)
			return nil
		}
		f.client.logger.Warn("log resubscribe failed",
			zap.String("event", f.event),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		backoff = min(backoff*2, maxResubscribeBackoff)
	}
}

func (f *logFollower) poll(ctx context.Context) {
	ticker := time.NewTicker(f.client.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := f.backfill(ctx); err != nil && ctx.Err() == nil {
			f.client.logger.Warn("poll logs failed", zap.String("event", f.event), zap.Error(err))
		}
	}
}

// backfill delivers logs from nextFrom through the current head.
func (f *logFollower) backfill(ctx context.Context) error {
	head, err := f.client.backend.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if head < f.nextFrom {
		return nil
	}
	window := f.query
	window.FromBlock = new(big.Int).SetUint64(f.nextFrom)
	window.ToBlock = new(big.Int).SetUint64(head)
	logs, err := f.client.backend.FilterLogs(ctx, window)
	if err != nil {
		return err
	}
	for _, raw := range logs {
		f.deliver(raw)
	}
	f.nextFrom = head + 1
	return nil
}

// deliver forwards a matching log. The block of the last streamed log is
// re-read after a drop since later logs of that block may not have arrived.
func (f *logFollower) deliver(raw types.Log) {
	if raw.Removed {
		return
	}
	if raw.BlockNumber > f.nextFrom {
		f.nextFrom = raw.BlockNumber
	}
	log := convertLog(raw)
	if !f.filter.Matches(log) {
		return
	}
	f.onEvent(log)
}

func (f *logFollower) report(err error) {
	if f.onError != nil {
		f.onError(err)
	}
}
