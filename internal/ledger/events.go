package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Event is a question-level change observed on the ledger. The concrete
// types are QuestionAdded, VoteChanged, ContentEdited, QuestionDeleted and
// StatusChanged.
type Event interface {
	RoomID() common.Hash
	QuestionID() uint64
	// Actor is the account that caused the change, when the event carries one.
	Actor() (common.Address, bool)
	questionEvent()
}

// QuestionRef addresses one question in one room.
type QuestionRef struct {
	Room     common.Hash
	Question uint64
}

func (r QuestionRef) RoomID() common.Hash { return r.Room }
func (r QuestionRef) QuestionID() uint64  { return r.Question }
func (QuestionRef) questionEvent()        {}

type QuestionAdded struct {
	QuestionRef
	Author  common.Address
	Content string
}

func (e QuestionAdded) Actor() (common.Address, bool) { return e.Author, true }

type VoteChanged struct {
	QuestionRef
	Voter         common.Address
	IsUpvote      bool
	UpvoteCount   uint64
	DownvoteCount uint64
}

func (e VoteChanged) Actor() (common.Address, bool) { return e.Voter, true }

type ContentEdited struct {
	QuestionRef
	Author  common.Address
	Content string
}

func (e ContentEdited) Actor() (common.Address, bool) { return e.Author, true }

type QuestionDeleted struct {
	QuestionRef
	Author common.Address
}

func (e QuestionDeleted) Actor() (common.Address, bool) { return e.Author, true }

// StatusChanged has no actor: the contract does not emit one.
type StatusChanged struct {
	QuestionRef
	IsAnswered bool
}

func (StatusChanged) Actor() (common.Address, bool) { return common.Address{}, false }

// RoomCreated is emitted once per createRoom.
type RoomCreated struct {
	Room  common.Hash
	Name  string
	Admin common.Address
}

// DecodeEvent converts a decoded question log into its typed event.
func DecodeEvent(log Log) (Event, error) {
	if log.Fields == nil {
		decoded, err := DecodeLog(log)
		if err != nil {
			return nil, err
		}
		log = decoded
	}
	fields := eventFields(log.Fields)
	ref := QuestionRef{Room: fields.hash("roomId"), Question: fields.number("questionId")}

	var event Event
	switch log.Event {
	case EventQuestionAdded:
		event = QuestionAdded{QuestionRef: ref, Author: fields.address("author"), Content: fields.text("content")}
	case EventQuestionVoted:
		event = VoteChanged{
			QuestionRef:   ref,
			Voter:         fields.address("voter"),
			IsUpvote:      fields.flag("isUpvote"),
			UpvoteCount:   fields.number("upvoteCount"),
			DownvoteCount: fields.number("downvoteCount"),
		}
	case EventQuestionEdited:
		event = ContentEdited{QuestionRef: ref, Author: fields.address("author"), Content: fields.text("content")}
	case EventQuestionDeleted:
		event = QuestionDeleted{QuestionRef: ref, Author: fields.address("author")}
	case EventQuestionStatusChanged:
		event = StatusChanged{QuestionRef: ref, IsAnswered: fields.flag("isRead")}
	default:
		return nil, fmt.Errorf("%w: %q is not a question event", ErrUnknownEvent, log.Event)
	}
	if fields.err != nil {
		return nil, fmt.Errorf("ledger: decode %s: %w", log.Event, fields.err)
	}
	return event, nil
}

// DecodeRoomCreated converts a RoomCreated log.
func DecodeRoomCreated(log Log) (RoomCreated, error) {
	if log.Fields == nil {
		decoded, err := DecodeLog(log)
		if err != nil {
			return RoomCreated{}, err
		}
		log = decoded
	}
	if log.Event != EventRoomCreated {
		return RoomCreated{}, fmt.Errorf("%w: expected %s, got %q", ErrUnknownEvent, EventRoomCreated, log.Event)
	}
	fields := eventFields(log.Fields)
	created := RoomCreated{
		Room:  fields.hash("roomId"),
		Name:  fields.text("name"),
		Admin: fields.address("admin"),
	}
	if fields.err != nil {
		return RoomCreated{}, fmt.Errorf("ledger: decode %s: %w", EventRoomCreated, fields.err)
	}
	return created, nil
}

type fieldReader struct {
	values map[string]any
	err    error
}

func eventFields(values map[string]any) *fieldReader {
	return &fieldReader{values: values}
}

func (r *fieldReader) lookup(name string) any {
	value, ok := r.values[name]
	if !ok && r.err == nil {
		r.err = fmt.Errorf("missing field %s", name)
	}
	return value
}

func (r *fieldReader) mismatch(name string, value any) {
	if r.err == nil {
		r.err = fmt.Errorf("field %s has unexpected type %T", name, value)
	}
}

func (r *fieldReader) hash(name string) common.Hash {
	switch typed := r.lookup(name).(type) {
	case [32]byte:
		return common.Hash(typed)
	case common.Hash:
		return typed
	case nil:
	default:
		r.mismatch(name, typed)
	}
	return common.Hash{}
}

func (r *fieldReader) number(name string) uint64 {
	switch typed := r.lookup(name).(type) {
	case *big.Int:
		return Uint64(typed)
	case uint64:
		return typed
	case nil:
	default:
		r.mismatch(name, typed)
	}
	return 0
}

func (r *fieldReader) address(name string) common.Address {
	switch typed := r.lookup(name).(type) {
	case common.Address:
		return typed
	case nil:
	default:
		r.mismatch(name, typed)
	}
	return common.Address{}
}

func (r *fieldReader) text(name string) string {
	switch typed := r.lookup(name).(type) {
	case string:
		return typed
	case nil:
	default:
		r.mismatch(name, typed)
	}
	return ""
}

func (r *fieldReader) flag(name string) bool {
	switch typed := r.lookup(name).(type) {
	case bool:
		return typed
	case nil:
	default:
		r.mismatch(name, typed)
	}
	return false
}
