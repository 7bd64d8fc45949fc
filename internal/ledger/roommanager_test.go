package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

type stubClient struct {
	account       common.Address
	writes        []string
	lastSponsor   *FeeSponsor
	writeErr      error
	receipt       Receipt
	subscribed    []string
	cancelled     int
	failEvent     string
	handlers      map[string]func(Log)
	errorHandlers map[string]func(error)
}

func (c *stubClient) Account() common.Address { return c.account }

func (c *stubClient) Read(_ context.Context, _ common.Address, method string, out any, _ ...any) error {
	switch method {
	case MethodGetQuestionCount:
		out.(*big.Int).SetUint64(9)
	case MethodIsAdmin:
		*out.(*bool) = true
	}
	return nil
}

func (c *stubClient) Write(_ context.Context, _ common.Address, method string, sponsor *FeeSponsor, _ ...any) (TxHandle, error) {
	c.writes = append(c.writes, method)
	c.lastSponsor = sponsor
	if c.writeErr != nil {
		return TxHandle{}, c.writeErr
	}
	return TxHandle{Hash: common.HexToHash("0xabc"), Method: method}, nil
}

func (c *stubClient) AwaitFinality(_ context.Context, tx TxHandle) (Receipt, error) {
	receipt := c.receipt
	receipt.TxHash = tx.Hash
	return receipt, nil
}

func (c *stubClient) Subscribe(_ context.Context, _ common.Address, event string, _ Filter, onEvent func(Log), onError func(error)) (func(), error) {
	if event == c.failEvent {
		return nil, errors.New("subscription refused")
	}
	c.subscribed = append(c.subscribed, event)
	if c.handlers == nil {
		c.handlers = make(map[string]func(Log))
		c.errorHandlers = make(map[string]func(error))
	}
	c.handlers[event] = onEvent
	c.errorHandlers[event] = onError
	return func() { c.cancelled++ }, nil
}

func newTestRoomManager(t *testing.T, client *stubClient, paymaster common.Address) *RoomManager {
	t.Helper()
	manager, err := NewRoomManager(RoomManagerConfig{
		Client:    client,
		Address:   common.HexToAddress("0x462057041505219a9f4b2F4dAC794023b2a4205a"),
		Paymaster: paymaster,
	})
	if err != nil {
		t.Fatalf("new room manager: %v", err)
	}
	return manager
}

func TestNewRoomManagerValidatesConfig(t *testing.T) {
	if _, err := NewRoomManager(RoomManagerConfig{}); !errors.Is(err, errMissingClient) {
		t.Fatalf("expected missing client error, got %v", err)
	}
	if _, err := NewRoomManager(RoomManagerConfig{Client: &stubClient{}}); !errors.Is(err, errMissingContract) {
		t.Fatalf("expected missing contract error, got %v", err)
	}
}

func TestRoomManagerTransactConfirmed(t *testing.T) {
	client := &stubClient{receipt: Receipt{Status: StatusConfirmed}}
	manager := newTestRoomManager(t, client, common.HexToAddress("0x1F23dC88380cdc64Af4c019dB7d160AdFEFB10ed"))

	receipt, err := manager.VoteQuestion(context.Background(), testRoom, 2, true)
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if receipt.TxHash != common.HexToHash("0xabc") {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if len(client.writes) != 1 || client.writes[0] != MethodVoteQuestion {
		t.Fatalf("unexpected writes %v", client.writes)
	}
	if client.lastSponsor == nil {
		t.Fatalf("expected writes to be fee sponsored")
	}
}

func TestRoomManagerTransactReverted(t *testing.T) {
	client := &stubClient{receipt: Receipt{Status: StatusReverted, RevertReason: "Only admin"}}
	manager := newTestRoomManager(t, client, common.Address{})

	_, err := manager.ToggleQuestionStatus(context.Background(), testRoom, 0)
	var revert *RevertError
	if !errors.As(err, &revert) {
		t.Fatalf("expected RevertError, got %v", err)
	}
	if revert.Reason != "Only admin" || revert.Method != MethodToggleQuestionStatus {
		t.Fatalf("unexpected revert %+v", revert)
	}
	if !errors.Is(err, ErrReverted) {
		t.Fatalf("expected errors.Is ErrReverted")
	}
	if client.lastSponsor != nil {
		t.Fatalf("expected unsponsored write without paymaster")
	}
}

func TestRoomManagerWriteErrorPassesThrough(t *testing.T) {
	client := &stubClient{writeErr: &RevertError{Method: MethodAddQuestion, Reason: "Allowance limit exceeded"}}
	manager := newTestRoomManager(t, client, common.Address{})

	_, err := manager.AddQuestion(context.Background(), testRoom, "hi")
	var revert *RevertError
	if !errors.As(err, &revert) || revert.Reason != "Allowance limit exceeded" {
		t.Fatalf("expected submission revert, got %v", err)
	}
}

func TestRoomManagerReads(t *testing.T) {
	manager := newTestRoomManager(t, &stubClient{}, common.Address{})
	count, err := manager.GetQuestionCount(context.Background(), testRoom)
	if err != nil || count != 9 {
		t.Fatalf("unexpected count %d (%v)", count, err)
	}
	isAdmin, err := manager.IsAdmin(context.Background(), testRoom, testAuthor)
	if err != nil || !isAdmin {
		t.Fatalf("unexpected isAdmin %v (%v)", isAdmin, err)
	}
}

func TestSubscribeQuestionsDecodesAndUnsubscribes(t *testing.T) {
	client := &stubClient{}
	manager := newTestRoomManager(t, client, common.Address{})

	var received []Event
	unsubscribe, err := manager.SubscribeQuestions(context.Background(), testRoom, func(event Event) {
		received = append(received, event)
	}, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(client.subscribed) != len(QuestionEvents) {
		t.Fatalf("expected %d subscriptions, got %v", len(QuestionEvents), client.subscribed)
	}

	topics, data, err := EncodeLog(EventQuestionDeleted, testRoom, big.NewInt(5), testAuthor)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	client.handlers[EventQuestionDeleted](Log{Topics: topics, Data: data})
	client.handlers[EventQuestionAdded](Log{Topics: []common.Hash{{}}, Data: nil})

	if len(received) != 1 {
		t.Fatalf("expected one decoded event, got %d", len(received))
	}
	if received[0].QuestionID() != 5 {
		t.Fatalf("unexpected event %+v", received[0])
	}

	unsubscribe()
	if client.cancelled != len(QuestionEvents) {
		t.Fatalf("expected all subscriptions cancelled, got %d", client.cancelled)
	}
}

func TestSubscribeQuestionsForwardsTransportErrors(t *testing.T) {
	client := &stubClient{}
	manager := newTestRoomManager(t, client, common.Address{})

	var reported []error
	unsubscribe, err := manager.SubscribeQuestions(context.Background(), testRoom, func(Event) {}, func(err error) {
		reported = append(reported, err)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	client.errorHandlers[EventQuestionVoted](TransportError("subscribe "+EventQuestionVoted, errors.New("websocket: close 1006")))
	if len(reported) != 1 {
		t.Fatalf("expected one forwarded error, got %d", len(reported))
	}
	if !errors.Is(reported[0], ErrTransport) {
		t.Fatalf("expected transport error, got %v", reported[0])
	}
	if !strings.Contains(reported[0].Error(), EventQuestionVoted) {
		t.Fatalf("expected event name in %q", reported[0].Error())
	}
}

func TestSubscribeQuestionsRollsBackOnFailure(t *testing.T) {
	client := &stubClient{failEvent: EventQuestionEdited}
	manager := newTestRoomManager(t, client, common.Address{})

	if _, err := manager.SubscribeQuestions(context.Background(), testRoom, func(Event) {}, nil); err == nil {
		t.Fatalf("expected subscribe failure")
	}
	if client.cancelled != len(client.subscribed) {
		t.Fatalf("expected %d rollbacks, got %d", len(client.subscribed), client.cancelled)
	}
}
