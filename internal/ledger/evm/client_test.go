package evm

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/qaroom/internal/ledger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/goleak"
)

const testPrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	testContract = common.HexToAddress("0x462057041505219a9f4b2F4dAC794023b2a4205a")
	testRoom     = common.HexToHash("0x8b2f0c1a6a2c2b8d6f2f4c4f5a3b1e0d9c8b7a6f5e4d3c2b1a09f8e7d6c5b4a3")
)

type revertDataError struct {
	message string
	data    string
}

func (e revertDataError) Error() string          { return e.message }
func (e revertDataError) ErrorData() interface{} { return e.data }

var _ rpc.DataError = revertDataError{}

// encodeRevert builds Error(string) revert data.
func encodeRevert(t *testing.T, reason string) string {
	t.Helper()
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	stringType, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatalf("string type: %v", err)
	}
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	if err != nil {
		t.Fatalf("pack revert: %v", err)
	}
	return hexutil.Encode(append(append([]byte(nil), selector...), packed...))
}

type fakeBackend struct {
	bind.ContractBackend

	mu           sync.Mutex
	callResult   []byte
	callErr      error
	callBlocks   []*big.Int
	receipt      *types.Receipt
	receiptCalls int
	tx           *types.Transaction
	head         uint64
	logs         []types.Log
	filterCalls  int
	streaming    bool
	subscribeErr error
	sinks        []chan<- types.Log
	streams      []*fakeSubscription
	closeCalls   int
}

func (b *fakeBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeCalls++
}

type fakeSubscription struct {
	errs chan error
	once sync.Once
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{errs: make(chan error, 1)}
}

func (s *fakeSubscription) Err() <-chan error { return s.errs }

func (s *fakeSubscription) Unsubscribe() {
	s.once.Do(func() { close(s.errs) })
}

func (b *fakeBackend) CallContract(_ context.Context, _ ethereum.CallMsg, block *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callBlocks = append(b.callBlocks, block)
	return b.callResult, b.callErr
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, _ common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiptCalls++
	if b.receiptCalls < 2 {
		return nil, ethereum.NotFound
	}
	return b.receipt, nil
}

func (b *fakeBackend) TransactionByHash(_ context.Context, _ common.Hash) (*types.Transaction, bool, error) {
	return b.tx, false, nil
}

func (b *fakeBackend) BlockNumber(_ context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head, nil
}

func (b *fakeBackend) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, sink chan<- types.Log) (ethereum.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.streaming {
		return nil, rpc.ErrNotificationsUnsupported
	}
	if b.subscribeErr != nil {
		return nil, b.subscribeErr
	}
	subscription := newFakeSubscription()
	b.sinks = append(b.sinks, sink)
	b.streams = append(b.streams, subscription)
	return subscription, nil
}

func (b *fakeBackend) subscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

func (b *fakeBackend) FilterLogs(_ context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filterCalls++
	var matched []types.Log
	for _, log := range b.logs {
		if log.BlockNumber >= query.FromBlock.Uint64() && log.BlockNumber <= query.ToBlock.Uint64() {
			matched = append(matched, log)
		}
	}
	return matched, nil
}

func newTestClient(t *testing.T, backend Backend) *Client {
	t.Helper()
	client, err := NewClient(backend, big.NewInt(300), Config{PrivateKey: "0x" + testPrivateKey, PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewClientDerivesAccount(t *testing.T) {
	client := newTestClient(t, &fakeBackend{})
	key, _ := crypto.HexToECDSA(testPrivateKey)
	if client.Account() != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("unexpected account %s", client.Account().Hex())
	}
	if _, err := NewClient(&fakeBackend{}, big.NewInt(1), Config{}); !errors.Is(err, errMissingPrivateKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
}

func TestReadDecodesResult(t *testing.T) {
	result, err := ledger.PackResult(ledger.MethodIsAdmin, true)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	client := newTestClient(t, &fakeBackend{callResult: result})
	var isAdmin bool
	if err := client.Read(context.Background(), testContract, ledger.MethodIsAdmin, &isAdmin, testRoom, client.Account()); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !isAdmin {
		t.Fatalf("expected true")
	}
}

func TestReadClassifiesErrors(t *testing.T) {
	reverting := newTestClient(t, &fakeBackend{callErr: revertDataError{message: "execution reverted", data: encodeRevert(t, "invalid room")}})
	var record ledger.RoomRecord
	err := reverting.Read(context.Background(), testContract, ledger.MethodGetRoom, &record, testRoom)
	var revert *ledger.RevertError
	if !errors.As(err, &revert) || revert.Reason != "invalid room" {
		t.Fatalf("expected revert with reason, got %v", err)
	}

	failing := newTestClient(t, &fakeBackend{callErr: errors.New("connection reset")})
	err = failing.Read(context.Background(), testContract, ledger.MethodGetRoom, &record, testRoom)
	if !errors.Is(err, ledger.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestRevertReasonFromMessage(t *testing.T) {
	reason, ok := revertReason(errors.New("execution reverted: Only admin can perform this action"))
	if !ok || reason != "Only admin can perform this action" {
		t.Fatalf("unexpected reason %q (%v)", reason, ok)
	}
	if _, ok := revertReason(errors.New("dial tcp: refused")); ok {
		t.Fatalf("transport error is not a revert")
	}
}

func TestAwaitFinalityReplaysFailedTransaction(t *testing.T) {
	key, _ := crypto.HexToECDSA(testPrivateKey)
	signer := types.LatestSignerForChainID(big.NewInt(300))
	tx, err := types.SignNewTx(key, signer, &types.LegacyTx{Nonce: 1, To: &testContract, Gas: 100000, GasPrice: big.NewInt(1), Data: []byte{1, 2, 3, 4}})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	backend := &fakeBackend{
		receipt: &types.Receipt{
			TxHash:      tx.Hash(),
			Status:      types.ReceiptStatusFailed,
			BlockNumber: big.NewInt(12),
		},
		tx:      tx,
		callErr: revertDataError{message: "execution reverted", data: encodeRevert(t, "Already voted")},
	}
	client := newTestClient(t, backend)

	receipt, err := client.AwaitFinality(context.Background(), ledger.TxHandle{Hash: tx.Hash()})
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if receipt.Status != ledger.StatusReverted || receipt.RevertReason != "Already voted" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if len(backend.callBlocks) != 1 || backend.callBlocks[0].Int64() != 12 {
		t.Fatalf("expected replay at block 12, got %v", backend.callBlocks)
	}
	if backend.receiptCalls != 2 {
		t.Fatalf("expected one retry while pending, got %d calls", backend.receiptCalls)
	}
}

func TestAwaitFinalityHonoursContext(t *testing.T) {
	client := newTestClient(t, &fakeBackend{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	backend := client.backend.(*fakeBackend)
	backend.receiptCalls = -100
	if _, err := client.AwaitFinality(ctx, ledger.TxHandle{}); !errors.Is(err, ledger.ErrTransport) {
		t.Fatalf("expected transport error on cancelled context, got %v", err)
	}
}

func TestConvertLogDecodesContractEvents(t *testing.T) {
	topics, data, err := ledger.EncodeLog(ledger.EventQuestionStatusChanged, testRoom, big.NewInt(3), true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	log := convertLog(types.Log{Address: testContract, Topics: topics, Data: data, BlockNumber: 9, Index: 4})
	if log.Event != ledger.EventQuestionStatusChanged || log.Fields["isRead"] != true {
		t.Fatalf("unexpected log %+v", log)
	}
	system := convertLog(types.Log{Topics: []common.Hash{crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))}})
	if system.Event != "" || system.Fields != nil {
		t.Fatalf("foreign logs must stay undecoded, got %+v", system)
	}
}

func TestSubscribeFallsBackToPolling(t *testing.T) {
	defer goleak.VerifyNone(t)

	matching, data, err := ledger.EncodeLog(ledger.EventQuestionAdded, testRoom, big.NewInt(0), common.HexToAddress("0xb0b"), "hello")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	otherRoom, otherData, err := ledger.EncodeLog(ledger.EventQuestionAdded, common.HexToHash("0x02"), big.NewInt(0), common.HexToAddress("0xb0b"), "elsewhere")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	backend := &fakeBackend{
		head: 10,
		logs: []types.Log{
			{Address: testContract, Topics: matching, Data: data, BlockNumber: 9},
			{Address: testContract, Topics: matching, Data: data, BlockNumber: 11, Removed: true},
			{Address: testContract, Topics: otherRoom, Data: otherData, BlockNumber: 11},
			{Address: testContract, Topics: matching, Data: data, BlockNumber: 12},
		},
	}
	client := newTestClient(t, backend)

	received := make(chan ledger.Log, 4)
	stop, err := client.Subscribe(context.Background(), testContract, ledger.EventQuestionAdded, ledger.Filter{RoomID: testRoom}, func(log ledger.Log) {
		received <- log
	}, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	backend.mu.Lock()
	backend.head = 12
	backend.mu.Unlock()

	select {
	case log := <-received:
		if log.BlockNumber != 12 || log.Fields["content"] != "hello" {
			t.Fatalf("unexpected log %+v", log)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected polled log")
	}
	stop()
	select {
	case log := <-received:
		t.Fatalf("unexpected extra log %+v", log)
	default:
	}
}

func TestSubscribeRecoversFromDroppedSubscription(t *testing.T) {
	defer goleak.VerifyNone(t)

	topics, data, err := ledger.EncodeLog(ledger.EventQuestionAdded, testRoom, big.NewInt(0), common.HexToAddress("0xb0b"), "hello")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	backend := &fakeBackend{head: 10, streaming: true}
	client := newTestClient(t, backend)

	received := make(chan ledger.Log, 8)
	failures := make(chan error, 8)
	stop, err := client.Subscribe(context.Background(), testContract, ledger.EventQuestionAdded, ledger.Filter{RoomID: testRoom},
		func(log ledger.Log) { received <- log },
		func(err error) { failures <- err },
	)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	awaitBlock := func(block uint64) {
		t.Helper()
		select {
		case log := <-received:
			if log.BlockNumber != block {
				t.Fatalf("expected log from block %d, got %d", block, log.BlockNumber)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("expected log from block %d", block)
		}
	}

	backend.mu.Lock()
	firstSink := backend.sinks[0]
	firstStream := backend.streams[0]
	backend.mu.Unlock()
	firstSink <- types.Log{Address: testContract, Topics: topics, Data: data, BlockNumber: 11}
	awaitBlock(11)

	backend.mu.Lock()
	backend.head = 12
	backend.logs = []types.Log{{Address: testContract, Topics: topics, Data: data, BlockNumber: 12}}
	backend.mu.Unlock()
	firstStream.errs <- errors.New("websocket: close 1006 (abnormal closure)")

	select {
	case err := <-failures:
		if !errors.Is(err, ledger.ErrTransport) {
			t.Fatalf("expected transport error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the dropped subscription to be reported")
	}
	awaitBlock(12)

	if count := backend.subscriptionCount(); count != 2 {
		t.Fatalf("expected one resubscription, got %d subscriptions", count)
	}
	backend.mu.Lock()
	secondSink := backend.sinks[1]
	backend.mu.Unlock()
	secondSink <- types.Log{Address: testContract, Topics: topics, Data: data, BlockNumber: 13}
	awaitBlock(13)

	stop()
	select {
	case err := <-failures:
		t.Fatalf("stop must not be reported as a failure, got %v", err)
	default:
	}
}

func TestSubscribeRetriesUntilEndpointRecovers(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := &fakeBackend{head: 4, streaming: true}
	client := newTestClient(t, backend)
	failures := make(chan error, 8)
	stop, err := client.Subscribe(context.Background(), testContract, ledger.EventQuestionVoted, ledger.Filter{},
		func(ledger.Log) {},
		func(err error) { failures <- err },
	)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	backend.mu.Lock()
	backend.subscribeErr = errors.New("dial tcp: connection refused")
	first := backend.streams[0]
	backend.mu.Unlock()
	first.errs <- errors.New("EOF")
	<-failures

	time.Sleep(40 * time.Millisecond)
	if count := backend.subscriptionCount(); count != 1 {
		t.Fatalf("refused attempts must not count as subscriptions, got %d", count)
	}
	backend.mu.Lock()
	backend.subscribeErr = nil
	backend.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for backend.subscriptionCount() != 2 {
		if time.Now().After(deadline) {
			t.Fatal("expected the subscription to be re-established")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCloseReleasesBackendOnce(t *testing.T) {
	backend := &fakeBackend{}
	client := newTestClient(t, backend)
	client.Close()
	client.Close()
	if backend.closeCalls != 1 {
		t.Fatalf("expected one backend close, got %d", backend.closeCalls)
	}
}
