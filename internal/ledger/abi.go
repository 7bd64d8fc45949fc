package ledger

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Contract method names.
const (
	MethodGetAllQuestions      = "getAllQuestions"
	MethodGetRoom              = "getRoom"
	MethodIsAdmin              = "isAdmin"
	MethodIsBanned             = "isBanned"
	MethodGetQuestionCount     = "getQuestionCount"
	MethodCreateRoom           = "createRoom"
	MethodAddQuestion          = "addQuestion"
	MethodVoteQuestion         = "voteQuestion"
	MethodToggleQuestionStatus = "toggleQuestionStatus"
	MethodEditQuestion         = "editQuestion"
	MethodDeleteQuestion       = "deleteQuestion"
	MethodAddAdmin             = "addAdmin"
	MethodRenameRoom           = "renameRoom"
	MethodBanUser              = "banUser"
	MethodUnbanUser            = "unbanUser"
)

// Contract event names.
const (
	EventQuestionAdded         = "QuestionAdded"
	EventQuestionVoted         = "QuestionVoted"
	EventQuestionEdited        = "QuestionEdited"
	EventQuestionDeleted       = "QuestionDeleted"
	EventQuestionStatusChanged = "QuestionStatusChanged"
	EventRoomCreated           = "RoomCreated"
	EventRoomRenamed           = "RoomRenamed"
	EventAdminAdded            = "AdminAdded"
	EventUserBanned            = "UserBanned"
	EventUserUnbanned          = "UserUnbanned"
)

// QuestionEvents lists the events a room's question list reacts to.
var QuestionEvents = []string{
	EventQuestionAdded,
	EventQuestionVoted,
	EventQuestionEdited,
	EventQuestionDeleted,
	EventQuestionStatusChanged,
}

const roomManagerABI = `[
 {"type":"event","name":"AdminAdded","anonymous":false,"inputs":[
  {"indexed":true,"name":"roomId","type":"bytes32"},
  {"indexed":false,"name":"newAdmin","type":"address"}]},
 {"type":"event","name":"QuestionAdded","anonymous":false,"inputs":[
  {"indexed":true,"name":"roomId","type":"bytes32"},
  {"indexed":true,"name":"questionId","type":"uint256"},
  {"indexed":false,"name":"author","type":"address"},
  {"indexed":false,"name":"content","type":"string"}]},
 {"type":"event","name":"QuestionDeleted","anonymous":false,"inputs":[
  {"indexed":true,"name":"roomId","type":"bytes32"},
  {"indexed":true,"name":"questionId","type":"uint256"},
  {"indexed":false,"name":"author","type":"address"}]},
 {"type":"event","name":"QuestionEdited","anonymous":false,"inputs":[
  {"indexed":true,"name":"roomId","type":"bytes32"},
  {"indexed":true,"name":"questionId","type":"uint256"},
  {"indexed":false,"name":"author","type":"address"},
  {"indexed":false,"name":"content","type":"string"}]},
 {"type":"event","name":"QuestionStatusChanged","anonymous":false,"inputs":[
  {"indexed":true,"name":"roomId","type":"bytes32"},
  {"indexed":true,"name":"questionId","type":"uint256"},
  {"indexed":false,"name":"isRead","type":"bool"}]},
 {"type":"event","name":"QuestionVoted","anonymous":false,"inputs":[
  {"indexed":true,"name":"roomId","type":"bytes32"},
  {"indexed":true,"name":"questionId","type":"uint256"},
  {"indexed":false,"name":"voter","type":"address"},
  {"indexed":false,"name":"isUpvote","type":"bool"},
  {"indexed":false,"name":"upvoteCount","type":"uint256"},
  {"indexed":false,"name":"downvoteCount","type":"uint256"}]},
 {"type":"event","name":"RoomCreated","anonymous":false,"inputs":[
  {"indexed":true,"name":"roomId","type":"bytes32"},
  {"indexed":false,"name":"name","type":"string"},
  {"indexed":false,"name":"admin","type":"address"}]},
 {"type":"event","name":"RoomRenamed","anonymous":false,"inputs":[
  {"indexed":true,"name":"roomId","type":"bytes32"},
  {"indexed":false,"name":"name","type":"string"}]},
 {"type":"event","name":"UserBanned","anonymous":false,"inputs":[
  {"indexed":true,"name":"roomId","type":"bytes32"},
  {"indexed":false,"name":"user","type":"address"}]},
 {"type":"event","name":"UserUnbanned","anonymous":false,"inputs":[
  {"indexed":true,"name":"roomId","type":"bytes32"},
  {"indexed":false,"name":"user","type":"address"}]},
 {"type":"function","name":"addAdmin","stateMutability":"nonpayable","outputs":[],"inputs":[
  {"name":"_roomId","type":"bytes32"},{"name":"_newAdmin","type":"address"}]},
 {"type":"function","name":"addQuestion","stateMutability":"nonpayable","outputs":[],"inputs":[
  {"name":"_roomId","type":"bytes32"},{"name":"_content","type":"string"}]},
 {"type":"function","name":"banUser","stateMutability":"nonpayable","outputs":[],"inputs":[
  {"name":"_roomId","type":"bytes32"},{"name":"_user","type":"address"}]},
 {"type":"function","name":"createRoom","stateMutability":"nonpayable","inputs":[
  {"name":"_name","type":"string"}],"outputs":[{"name":"","type":"bytes32"}]},
 {"type":"function","name":"deleteQuestion","stateMutability":"nonpayable","outputs":[],"inputs":[
  {"name":"_roomId","type":"bytes32"},{"name":"_questionId","type":"uint256"}]},
 {"type":"function","name":"editQuestion","stateMutability":"nonpayable","outputs":[],"inputs":[
  {"name":"_roomId","type":"bytes32"},{"name":"_questionId","type":"uint256"},{"name":"_content","type":"string"}]},
 {"type":"function","name":"getAllQuestions","stateMutability":"view","inputs":[
  {"name":"_roomId","type":"bytes32"},{"name":"_user","type":"address"}],
  "outputs":[{"name":"","type":"tuple[]","internalType":"struct RoomManager.QuestionResponse[]","components":[
   {"name":"author","type":"address"},
   {"name":"content","type":"string"},
   {"name":"createDate","type":"uint256"},
   {"name":"upvoteCount","type":"uint256"},
   {"name":"downvoteCount","type":"uint256"},
   {"name":"isRead","type":"bool"},
   {"name":"isUpvoted","type":"bool"},
   {"name":"isDownvoted","type":"bool"}]}]},
 {"type":"function","name":"getQuestionCount","stateMutability":"view","inputs":[
  {"name":"_roomId","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getRoom","stateMutability":"view","inputs":[
  {"name":"_roomId","type":"bytes32"}],
  "outputs":[{"name":"","type":"tuple","internalType":"struct RoomManager.RoomResponse","components":[
   {"name":"name","type":"string"},
   {"name":"admins","type":"address[]"}]}]},
 {"type":"function","name":"isAdmin","stateMutability":"view","inputs":[
  {"name":"_roomId","type":"bytes32"},{"name":"_user","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"isBanned","stateMutability":"view","inputs":[
  {"name":"_roomId","type":"bytes32"},{"name":"_user","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"renameRoom","stateMutability":"nonpayable","outputs":[],"inputs":[
  {"name":"_roomId","type":"bytes32"},{"name":"_name","type":"string"}]},
 {"type":"function","name":"toggleQuestionStatus","stateMutability":"nonpayable","outputs":[],"inputs":[
  {"name":"_roomId","type":"bytes32"},{"name":"_questionId","type":"uint256"}]},
 {"type":"function","name":"unbanUser","stateMutability":"nonpayable","outputs":[],"inputs":[
  {"name":"_roomId","type":"bytes32"},{"name":"_user","type":"address"}]},
 {"type":"function","name":"voteQuestion","stateMutability":"nonpayable","outputs":[],"inputs":[
  {"name":"_roomId","type":"bytes32"},{"name":"_questionId","type":"uint256"},{"name":"_isUpvote","type":"bool"}]}
]`

var parsedABI = sync.OnceValues(func() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(roomManagerABI))
})

// ContractABI returns the parsed RoomManager ABI.
func ContractABI() abi.ABI {
	parsed, err := parsedABI()
	if err != nil {
		panic(fmt.Sprintf("ledger: invalid embedded abi: %v", err))
	}
	return parsed
}

// Method looks up a contract method by name.
func Method(name string) (abi.Method, error) {
	method, ok := ContractABI().Methods[name]
	if !ok {
		return abi.Method{}, fmt.Errorf("%w: %s", ErrUnknownMethod, name)
	}
	return method, nil
}

// EventID returns the topic hash of a contract event.
func EventID(name string) (common.Hash, error) {
	event, ok := ContractABI().Events[name]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	return event.ID, nil
}

// PackCall encodes calldata for method.
func PackCall(method string, args ...any) ([]byte, error) {
	if _, err := Method(method); err != nil {
		return nil, err
	}
	return ContractABI().Pack(method, args...)
}

// UnpackCall decodes calldata produced by PackCall into positional arguments.
func UnpackCall(data []byte) (string, []any, error) {
	if len(data) < 4 {
		return "", nil, fmt.Errorf("%w: calldata too short", ErrUnknownMethod)
	}
	contractABI := ContractABI()
	method, err := contractABI.MethodById(data[:4])
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrUnknownMethod, err)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return "", nil, err
	}
	return method.Name, args, nil
}

// PackResult encodes return values the way the contract would.
func PackResult(method string, values ...any) ([]byte, error) {
	m, err := Method(method)
	if err != nil {
		return nil, err
	}
	return m.Outputs.Pack(values...)
}

// UnpackResult decodes the single return value of method into out.
func UnpackResult(method string, data []byte, out any) error {
	values, err := ContractABI().Unpack(method, data)
	if err != nil {
		return err
	}
	if len(values) != 1 {
		return fmt.Errorf("ledger: %s returned %d values", method, len(values))
	}
	return assign(out, values[0])
}

func assign(out any, value any) (err error) {
	if target, ok := out.(*big.Int); ok {
		source, ok := value.(*big.Int)
		if !ok {
			return fmt.Errorf("ledger: cannot assign %T to *big.Int", value)
		}
		target.Set(source)
		return nil
	}
	if reflect.ValueOf(out).Kind() != reflect.Pointer {
		return fmt.Errorf("ledger: output must be a pointer, got %T", out)
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("ledger: decode result: %v", recovered)
		}
	}()
	abi.ConvertType(value, out)
	return nil
}

// DecodeLog fills Event and Fields from the log's topics and data.
func DecodeLog(log Log) (Log, error) {
	if len(log.Topics) == 0 {
		return log, fmt.Errorf("%w: log without topics", ErrUnknownEvent)
	}
	contractABI := ContractABI()
	event, err := contractABI.EventByID(log.Topics[0])
	if err != nil {
		return log, fmt.Errorf("%w: %s", ErrUnknownEvent, log.Topics[0].Hex())
	}
	fields := make(map[string]any, len(event.Inputs))
	if len(event.Inputs.NonIndexed()) > 0 {
		if err := event.Inputs.UnpackIntoMap(fields, log.Data); err != nil {
			return log, fmt.Errorf("ledger: decode %s data: %w", event.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, log.Topics[1:]); err != nil {
		return log, fmt.Errorf("ledger: decode %s topics: %w", event.Name, err)
	}
	log.Event = event.Name
	log.Fields = fields
	return log, nil
}

// EncodeLog builds topics and data for an event from its arguments in ABI order.
func EncodeLog(name string, values ...any) ([]common.Hash, []byte, error) {
	event, ok := ContractABI().Events[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	if len(values) != len(event.Inputs) {
		return nil, nil, fmt.Errorf("ledger: %s expects %d values, got %d", name, len(event.Inputs), len(values))
	}
	topics := []common.Hash{event.ID}
	var dataValues []any
	for i, input := range event.Inputs {
		if !input.Indexed {
			dataValues = append(dataValues, values[i])
			continue
		}
		topic, err := topicFor(values[i])
		if err != nil {
			return nil, nil, fmt.Errorf("ledger: %s.%s: %w", name, input.Name, err)
		}
		topics = append(topics, topic)
	}
	data, err := event.Inputs.NonIndexed().Pack(dataValues...)
	if err != nil {
		return nil, nil, err
	}
	return topics, data, nil
}

func topicFor(value any) (common.Hash, error) {
	switch typed := value.(type) {
	case [32]byte:
		return common.Hash(typed), nil
	case common.Hash:
		return typed, nil
	case *big.Int:
		return common.BigToHash(typed), nil
	case common.Address:
		return common.BytesToHash(typed.Bytes()), nil
	default:
		return common.Hash{}, fmt.Errorf("unsupported indexed value %T", value)
	}
}
