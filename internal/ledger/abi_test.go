package ledger

import (
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	testRoom   = common.HexToHash("0x8b2f0c1a6a2c2b8d6f2f4c4f5a3b1e0d9c8b7a6f5e4d3c2b1a09f8e7d6c5b4a3")
	testAuthor = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

func TestPackCallRoundTrip(t *testing.T) {
	data, err := PackCall(MethodVoteQuestion, testRoom, big.NewInt(7), true)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	method, args, err := UnpackCall(data)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if method != MethodVoteQuestion {
		t.Fatalf("unexpected method %s", method)
	}
	if len(args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(args))
	}
	if room, ok := args[0].([32]byte); !ok || common.Hash(room) != testRoom {
		t.Fatalf("unexpected room arg %v", args[0])
	}
	if id, ok := args[1].(*big.Int); !ok || id.Int64() != 7 {
		t.Fatalf("unexpected id arg %v", args[1])
	}
	if upvote, ok := args[2].(bool); !ok || !upvote {
		t.Fatalf("unexpected vote arg %v", args[2])
	}
}

func TestPackCallUnknownMethod(t *testing.T) {
	if _, err := PackCall("mintEverything"); !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("expected ErrUnknownMethod, got %v", err)
	}
}

func TestUnpackResultQuestions(t *testing.T) {
	records := []QuestionRecord{
		{
			Author:        testAuthor,
			Content:       "encrypted://00:00",
			CreateDate:    big.NewInt(1700000000),
			UpvoteCount:   big.NewInt(3),
			DownvoteCount: big.NewInt(1),
			IsRead:        true,
			IsUpvoted:     true,
		},
		{
			Author:        testAuthor,
			Content:       "plain",
			CreateDate:    big.NewInt(1700000100),
			UpvoteCount:   big.NewInt(0),
			DownvoteCount: big.NewInt(0),
			IsDownvoted:   true,
		},
	}
	data, err := PackResult(MethodGetAllQuestions, records)
	if err != nil {
		t.Fatalf("pack result: %v", err)
	}
	var decoded []QuestionRecord
	if err := UnpackResult(MethodGetAllQuestions, data, &decoded); err != nil {
		t.Fatalf("unpack result: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 records, got %d", len(decoded))
	}
	first := decoded[0]
	if first.Author != testAuthor || first.Content != "encrypted://00:00" || Uint64(first.UpvoteCount) != 3 || !first.IsRead || !first.IsUpvoted || first.IsDownvoted {
		t.Fatalf("unexpected first record %+v", first)
	}
	if !decoded[1].IsDownvoted || Uint64(decoded[1].CreateDate) != 1700000100 {
		t.Fatalf("unexpected second record %+v", decoded[1])
	}
}

func TestUnpackResultRoomAndScalars(t *testing.T) {
	admin := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	data, err := PackResult(MethodGetRoom, RoomRecord{Name: "All hands", Admins: []common.Address{admin}})
	if err != nil {
		t.Fatalf("pack room: %v", err)
	}
	var room RoomRecord
	if err := UnpackResult(MethodGetRoom, data, &room); err != nil {
		t.Fatalf("unpack room: %v", err)
	}
	if room.Name != "All hands" || !room.HasAdmin(admin) {
		t.Fatalf("unexpected room %+v", room)
	}

	data, err = PackResult(MethodIsAdmin, true)
	if err != nil {
		t.Fatalf("pack bool: %v", err)
	}
	var isAdmin bool
	if err := UnpackResult(MethodIsAdmin, data, &isAdmin); err != nil || !isAdmin {
		t.Fatalf("unexpected bool result %v (%v)", isAdmin, err)
	}

	data, err = PackResult(MethodGetQuestionCount, big.NewInt(42))
	if err != nil {
		t.Fatalf("pack count: %v", err)
	}
	count := new(big.Int)
	if err := UnpackResult(MethodGetQuestionCount, data, count); err != nil || count.Int64() != 42 {
		t.Fatalf("unexpected count %v (%v)", count, err)
	}
}

func TestUnpackResultTypeMismatch(t *testing.T) {
	data, err := PackResult(MethodIsAdmin, true)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	var wrong string
	if err := UnpackResult(MethodIsAdmin, data, &wrong); err == nil {
		t.Fatalf("expected error decoding bool into string")
	}
}

func TestEncodeDecodeVoteLog(t *testing.T) {
	topics, data, err := EncodeLog(EventQuestionVoted, testRoom, big.NewInt(4), testAuthor, false, big.NewInt(2), big.NewInt(5))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(topics) != 3 || topics[1] != testRoom {
		t.Fatalf("unexpected topics %v", topics)
	}
	event, err := DecodeEvent(Log{Topics: topics, Data: data})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	vote, ok := event.(VoteChanged)
	if !ok {
		t.Fatalf("expected VoteChanged, got %T", event)
	}
	if vote.RoomID() != testRoom || vote.QuestionID() != 4 || vote.Voter != testAuthor || vote.IsUpvote || vote.UpvoteCount != 2 || vote.DownvoteCount != 5 {
		t.Fatalf("unexpected vote %+v", vote)
	}
	actor, ok := vote.Actor()
	if !ok || actor != testAuthor {
		t.Fatalf("unexpected actor %s", actor.Hex())
	}
}

func TestDecodeEventVariants(t *testing.T) {
	testCases := []struct {
		name   string
		event  string
		values []any
		check  func(t *testing.T, event Event)
	}{
		{
			name:   "added",
			event:  EventQuestionAdded,
			values: []any{testRoom, big.NewInt(0), testAuthor, "hello"},
			check: func(t *testing.T, event Event) {
				added, ok := event.(QuestionAdded)
				if !ok || added.Content != "hello" || added.Author != testAuthor {
					t.Fatalf("unexpected %+v", event)
				}
			},
		},
		{
			name:   "edited",
			event:  EventQuestionEdited,
			values: []any{testRoom, big.NewInt(1), testAuthor, "changed"},
			check: func(t *testing.T, event Event) {
				edited, ok := event.(ContentEdited)
				if !ok || edited.Content != "changed" || edited.QuestionID() != 1 {
					t.Fatalf("unexpected %+v", event)
				}
			},
		},
		{
			name:   "deleted",
			event:  EventQuestionDeleted,
			values: []any{testRoom, big.NewInt(2), testAuthor},
			check: func(t *testing.T, event Event) {
				if _, ok := event.(QuestionDeleted); !ok {
					t.Fatalf("unexpected %T", event)
				}
			},
		},
		{
			name:   "status",
			event:  EventQuestionStatusChanged,
			values: []any{testRoom, big.NewInt(3), true},
			check: func(t *testing.T, event Event) {
				status, ok := event.(StatusChanged)
				if !ok || !status.IsAnswered {
					t.Fatalf("unexpected %+v", event)
				}
				if _, hasActor := status.Actor(); hasActor {
					t.Fatalf("status change must not report an actor")
				}
			},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			topics, data, err := EncodeLog(testCase.event, testCase.values...)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			event, err := DecodeEvent(Log{Topics: topics, Data: data})
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			testCase.check(t, event)
		})
	}
}

func TestDecodeEventRejectsRoomEvents(t *testing.T) {
	topics, data, err := EncodeLog(EventRoomCreated, testRoom, "Town hall", testAuthor)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeEvent(Log{Topics: topics, Data: data}); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
	created, err := DecodeRoomCreated(Log{Topics: topics, Data: data})
	if err != nil {
		t.Fatalf("decode room created: %v", err)
	}
	if created.Room != testRoom || created.Name != "Town hall" || created.Admin != testAuthor {
		t.Fatalf("unexpected room created %+v", created)
	}
}

func TestFilterMatches(t *testing.T) {
	other := common.HexToHash("0x01")
	log := Log{Topics: []common.Hash{{}, testRoom}}
	if !(Filter{}).Matches(log) {
		t.Fatalf("empty filter should match")
	}
	if !(Filter{RoomID: testRoom}).Matches(log) {
		t.Fatalf("room filter should match its room")
	}
	if (Filter{RoomID: other}).Matches(log) {
		t.Fatalf("room filter should not match another room")
	}
}

func TestGeneralPaymasterSponsor(t *testing.T) {
	paymaster := common.HexToAddress("0x1F23dC88380cdc64Af4c019dB7d160AdFEFB10ed")
	sponsor := GeneralPaymasterSponsor(paymaster)
	if sponsor.Paymaster != paymaster {
		t.Fatalf("unexpected paymaster %s", sponsor.Paymaster.Hex())
	}
	if got := hex.EncodeToString(sponsor.Input[:4]); got != "8c5a3445" {
		t.Fatalf("unexpected selector %s", got)
	}
	if len(sponsor.Input) != 4+64 {
		t.Fatalf("unexpected input length %d", len(sponsor.Input))
	}
}
