package devnet

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/qaroom/internal/ledger"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const feedBufferSize = 64

// logFeed fans mined logs out to subscribers keyed by event signature.
type logFeed struct {
	mu          sync.RWMutex
	subscribers map[common.Hash]map[int64]*feedSubscriber
	nextID      int64
	logger      *zap.Logger
}

type feedSubscriber struct {
	id     int64
	stream chan ledger.Log
}

func newLogFeed(logger *zap.Logger) *logFeed {
	return &logFeed{
		subscribers: make(map[common.Hash]map[int64]*feedSubscriber),
		logger:      logger,
	}
}

func (f *logFeed) subscribe(ctx context.Context, topic common.Hash) (<-chan ledger.Log, func()) {
	f.mu.Lock()
	f.nextID++
	subscriber := &feedSubscriber{id: f.nextID, stream: make(chan ledger.Log, feedBufferSize)}
	if _, ok := f.subscribers[topic]; !ok {
		f.subscribers[topic] = make(map[int64]*feedSubscriber)
	}
	f.subscribers[topic][subscriber.id] = subscriber
	f.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cleanup := func() {
		once.Do(func() {
			f.mu.Lock()
			if subscribers := f.subscribers[topic]; subscribers != nil {
				delete(subscribers, subscriber.id)
				if len(subscribers) == 0 {
					delete(f.subscribers, topic)
				}
			}
			f.mu.Unlock()
			close(subscriber.stream)
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return subscriber.stream, cleanup
}

// publish never blocks; a subscriber whose buffer is full misses the log.
func (f *logFeed) publish(log ledger.Log) {
	if len(log.Topics) == 0 {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, subscriber := range f.subscribers[log.Topics[0]] {
		select {
		case subscriber.stream <- log:
		default:
			f.logger.Warn("devnet subscriber lagging, log dropped",
				zap.String("event", log.Event),
				zap.String("tx_hash", log.TxHash.Hex()))
		}
	}
}
