package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

var (
	errMissingClient   = errors.New("ledger client is required")
	errMissingContract = errors.New("contract address is required")
)

// RoomManagerConfig wires a RoomManager binding.
type RoomManagerConfig struct {
	Client    Client
	Address   common.Address
	Paymaster common.Address
	Logger    *zap.Logger
}

// RoomManager is a typed binding for the RoomManager contract.
type RoomManager struct {
	client  Client
	address common.Address
	sponsor *FeeSponsor
	logger  *zap.Logger
}

// NewRoomManager binds the contract at cfg.Address. A zero Paymaster submits
// writes unsponsored.
func NewRoomManager(cfg RoomManagerConfig) (*RoomManager, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	if cfg.Address == (common.Address{}) {
		return nil, errMissingContract
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var sponsor *FeeSponsor
	if cfg.Paymaster != (common.Address{}) {
		sponsor = GeneralPaymasterSponsor(cfg.Paymaster)
	}
	return &RoomManager{client: cfg.Client, address: cfg.Address, sponsor: sponsor, logger: logger}, nil
}

// Account is the address this binding writes as.
func (m *RoomManager) Account() common.Address {
	return m.client.Account()
}

// Address is the bound contract address.
func (m *RoomManager) Address() common.Address {
	return m.address
}

func (m *RoomManager) GetAllQuestions(ctx context.Context, room common.Hash, viewer common.Address) ([]QuestionRecord, error) {
	var records []QuestionRecord
	if err := m.client.Read(ctx, m.address, MethodGetAllQuestions, &records, room, viewer); err != nil {
		return nil, err
	}
	return records, nil
}

func (m *RoomManager) GetRoom(ctx context.Context, room common.Hash) (RoomRecord, error) {
	var record RoomRecord
	if err := m.client.Read(ctx, m.address, MethodGetRoom, &record, room); err != nil {
		return RoomRecord{}, err
	}
	return record, nil
}

func (m *RoomManager) IsAdmin(ctx context.Context, room common.Hash, user common.Address) (bool, error) {
	var isAdmin bool
	err := m.client.Read(ctx, m.address, MethodIsAdmin, &isAdmin, room, user)
	return isAdmin, err
}

func (m *RoomManager) IsBanned(ctx context.Context, room common.Hash, user common.Address) (bool, error) {
	var isBanned bool
	err := m.client.Read(ctx, m.address, MethodIsBanned, &isBanned, room, user)
	return isBanned, err
}

func (m *RoomManager) GetQuestionCount(ctx context.Context, room common.Hash) (uint64, error) {
	count := new(big.Int)
	if err := m.client.Read(ctx, m.address, MethodGetQuestionCount, count, room); err != nil {
		return 0, err
	}
	return Uint64(count), nil
}

func (m *RoomManager) CreateRoom(ctx context.Context, name string) (Receipt, error) {
	return m.transact(ctx, MethodCreateRoom, name)
}

func (m *RoomManager) AddQuestion(ctx context.Context, room common.Hash, content string) (Receipt, error) {
	return m.transact(ctx, MethodAddQuestion, room, content)
}

func (m *RoomManager) VoteQuestion(ctx context.Context, room common.Hash, questionID uint64, isUpvote bool) (Receipt, error) {
	return m.transact(ctx, MethodVoteQuestion, room, new(big.Int).SetUint64(questionID), isUpvote)
}

func (m *RoomManager) ToggleQuestionStatus(ctx context.Context, room common.Hash, questionID uint64) (Receipt, error) {
	return m.transact(ctx, MethodToggleQuestionStatus, room, new(big.Int).SetUint64(questionID))
}

func (m *RoomManager) EditQuestion(ctx context.Context, room common.Hash, questionID uint64, content string) (Receipt, error) {
	return m.transact(ctx, MethodEditQuestion, room, new(big.Int).SetUint64(questionID), content)
}

func (m *RoomManager) DeleteQuestion(ctx context.Context, room common.Hash, questionID uint64) (Receipt, error) {
	return m.transact(ctx, MethodDeleteQuestion, room, new(big.Int).SetUint64(questionID))
}

func (m *RoomManager) AddAdmin(ctx context.Context, room common.Hash, admin common.Address) (Receipt, error) {
	return m.transact(ctx, MethodAddAdmin, room, admin)
}

func (m *RoomManager) RenameRoom(ctx context.Context, room common.Hash, name string) (Receipt, error) {
	return m.transact(ctx, MethodRenameRoom, room, name)
}

func (m *RoomManager) BanUser(ctx context.Context, room common.Hash, user common.Address) (Receipt, error) {
	return m.transact(ctx, MethodBanUser, room, user)
}

func (m *RoomManager) UnbanUser(ctx context.Context, room common.Hash, user common.Address) (Receipt, error) {
	return m.transact(ctx, MethodUnbanUser, room, user)
}

// transact submits a write, waits for inclusion and turns a reverted
// receipt into a *RevertError.
func (m *RoomManager) transact(ctx context.Context, method string, args ...any) (Receipt, error) {
	handle, err := m.client.Write(ctx, m.address, method, m.sponsor, args...)
	if err != nil {
		m.logger.Debug("ledger write rejected", zap.String("method", method), zap.Error(err))
		return Receipt{}, err
	}
	receipt, err := m.client.AwaitFinality(ctx, handle)
	if err != nil {
		return Receipt{}, err
	}
	if receipt.Status == StatusReverted {
		return receipt, &RevertError{Method: method, Reason: receipt.RevertReason, TxHash: receipt.TxHash}
	}
	m.logger.Debug("ledger write confirmed",
		zap.String("method", method),
		zap.String("tx_hash", receipt.TxHash.Hex()),
		zap.Uint64("block", receipt.BlockNumber))
	return receipt, nil
}

// SubscribeQuestions delivers the question events of one room. Logs that fail
// to decode are logged and skipped. onError receives transport failures of
// the underlying subscriptions, each tagged with the event it carried.
func (m *RoomManager) SubscribeQuestions(ctx context.Context, room common.Hash, onEvent func(Event), onError func(error)) (func(), error) {
	filter := Filter{RoomID: room}
	cancels := make([]func(), 0, len(QuestionEvents))
	unsubscribe := func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
	for _, eventName := range QuestionEvents {
		var reportError func(error)
		if onError != nil {
			reportError = func(err error) {
				onError(fmt.Errorf("%s subscription: %w", eventName, err))
			}
		}
		cancel, err := m.client.Subscribe(ctx, m.address, eventName, filter, func(log Log) {
			event, err := DecodeEvent(log)
			if err != nil {
				m.logger.Warn("ledger event decode failed",
					zap.String("event", log.Event),
					zap.String("tx_hash", log.TxHash.Hex()),
					zap.Error(err))
				return
			}
			onEvent(event)
		}, reportError)
		if err != nil {
			unsubscribe()
			return nil, fmt.Errorf("subscribe %s: %w", eventName, err)
		}
		cancels = append(cancels, cancel)
	}
	return unsubscribe, nil
}

var generalPaymasterSelector = crypto.Keccak256([]byte("general(bytes)"))[:4]

// GeneralPaymasterSponsor builds the general-flow paymaster input with an
// empty inner payload.
func GeneralPaymasterSponsor(paymaster common.Address) *FeeSponsor {
	bytesType, _ := abi.NewType("bytes", "", nil)
	encoded, err := abi.Arguments{{Type: bytesType}}.Pack([]byte{})
	if err != nil {
		panic(fmt.Sprintf("ledger: pack paymaster input: %v", err))
	}
	input := append(append([]byte(nil), generalPaymasterSelector...), encoded...)
	return &FeeSponsor{Paymaster: paymaster, Input: input}
}
