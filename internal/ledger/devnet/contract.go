package devnet

import (
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/qaroom/internal/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"gorm.io/gorm"
)

// Revert reasons raised by the simulated contract.
const (
	ReasonInvalidRoom      = "invalid room"
	ReasonInvalidQuestion  = "invalid question"
	ReasonOnlyAdmin        = "Only admin can perform this action"
	ReasonOnlyAuthor       = "Only author can edit question"
	ReasonOnlyAuthorAdmin  = "Only author or admin can delete question"
	ReasonBanned           = "User is banned"
	ReasonAlreadyVoted     = "Already voted"
	ReasonQuestionDeleted  = "Question is deleted"
	ReasonEmptyContent     = "Content cannot be empty"
	ReasonEmptyName        = "Room name cannot be empty"
	ReasonAlreadyAdmin     = "User is already admin"
	ReasonCannotBanAdmin   = "Cannot ban admin"
	ReasonAlreadyBanned    = "User is already banned"
	ReasonNotBanned        = "User is not banned"
	ReasonUnsupportedWrite = "unsupported method"
)

type contractState struct {
	tx     *gorm.DB
	sender common.Address
	now    time.Time
}

func (s *contractState) dispatch(method string, args []any) ([]pendingLog, error) {
	switch method {
	case ledger.MethodCreateRoom:
		return s.createRoom(argString(args, 0))
	case ledger.MethodAddQuestion:
		return s.addQuestion(argHash(args, 0), argString(args, 1))
	case ledger.MethodVoteQuestion:
		return s.voteQuestion(argHash(args, 0), argUint(args, 1), argBool(args, 2))
	case ledger.MethodToggleQuestionStatus:
		return s.toggleQuestionStatus(argHash(args, 0), argUint(args, 1))
	case ledger.MethodEditQuestion:
		return s.editQuestion(argHash(args, 0), argUint(args, 1), argString(args, 2))
	case ledger.MethodDeleteQuestion:
		return s.deleteQuestion(argHash(args, 0), argUint(args, 1))
	case ledger.MethodAddAdmin:
		return s.addAdmin(argHash(args, 0), argAddress(args, 1))
	case ledger.MethodRenameRoom:
		return s.renameRoom(argHash(args, 0), argString(args, 1))
	case ledger.MethodBanUser:
		return s.banUser(argHash(args, 0), argAddress(args, 1))
	case ledger.MethodUnbanUser:
		return s.unbanUser(argHash(args, 0), argAddress(args, 1))
	default:
		return nil, reverted(ReasonUnsupportedWrite + ": " + method)
	}
}

func (s *contractState) view(method string, args []any) (any, error) {
	switch method {
	case ledger.MethodGetAllQuestions:
		return s.getAllQuestions(argHash(args, 0), argAddress(args, 1))
	case ledger.MethodGetRoom:
		return s.getRoom(argHash(args, 0))
	case ledger.MethodIsAdmin:
		if _, err := s.room(argHash(args, 0)); err != nil {
			return nil, err
		}
		return s.isAdmin(argHash(args, 0), argAddress(args, 1))
	case ledger.MethodIsBanned:
		if _, err := s.room(argHash(args, 0)); err != nil {
			return nil, err
		}
		return s.isBanned(argHash(args, 0), argAddress(args, 1))
	case ledger.MethodGetQuestionCount:
		room, err := s.room(argHash(args, 0))
		if err != nil {
			return nil, err
		}
		return new(big.Int).SetUint64(room.QuestionCount), nil
	default:
		return nil, reverted(ReasonUnsupportedWrite + ": " + method)
	}
}

func (s *contractState) createRoom(name string) ([]pendingLog, error) {
	if strings.TrimSpace(name) == "" {
		return nil, reverted(ReasonEmptyName)
	}
	var existing int64
	if err := s.tx.Model(&Room{}).Count(&existing).Error; err != nil {
		return nil, err
	}
	nonce := common.BigToHash(big.NewInt(existing))
	roomID := crypto.Keccak256Hash(s.sender.Bytes(), []byte(name), nonce.Bytes(), common.BigToHash(big.NewInt(s.now.UnixNano())).Bytes())

	room := Room{RoomID: roomID.Hex(), Name: name, Creator: s.sender.Hex(), CreatedAtSeconds: s.now.Unix()}
	if err := s.tx.Create(&room).Error; err != nil {
		return nil, err
	}
	if err := s.tx.Create(&Admin{RoomID: room.RoomID, Address: s.sender.Hex(), AddedAtSeconds: s.now.Unix()}).Error; err != nil {
		return nil, err
	}
	return []pendingLog{
		{event: ledger.EventRoomCreated, values: []any{roomID, name, s.sender}},
		{event: ledger.EventAdminAdded, values: []any{roomID, s.sender}},
	}, nil
}

func (s *contractState) addQuestion(roomID common.Hash, content string) ([]pendingLog, error) {
	room, err := s.room(roomID)
	if err != nil {
		return nil, err
	}
	if err := s.requireNotBanned(roomID); err != nil {
		return nil, err
	}
	if content == "" {
		return nil, reverted(ReasonEmptyContent)
	}
	question := Question{
		RoomID:           room.RoomID,
		QuestionID:       room.QuestionCount,
		Author:           s.sender.Hex(),
		Content:          content,
		CreatedAtSeconds: s.now.Unix(),
	}
	if err := s.tx.Create(&question).Error; err != nil {
		return nil, err
	}
	if err := s.tx.Model(&Room{}).Where("room_id = ?", room.RoomID).Update("question_count", room.QuestionCount+1).Error; err != nil {
		return nil, err
	}
	return []pendingLog{{
		event:  ledger.EventQuestionAdded,
		values: []any{roomID, new(big.Int).SetUint64(question.QuestionID), s.sender, content},
	}}, nil
}

// voteQuestion is additive: each voter may upvote once and downvote once,
// and counters never decrease.
func (s *contractState) voteQuestion(roomID common.Hash, questionID uint64, isUpvote bool) ([]pendingLog, error) {
	question, err := s.liveQuestion(roomID, questionID)
	if err != nil {
		return nil, err
	}
	if err := s.requireNotBanned(roomID); err != nil {
		return nil, err
	}
	var existing int64
	err = s.tx.Model(&Vote{}).
		Where("room_id = ? AND question_id = ? AND voter = ? AND is_upvote = ?", question.RoomID, questionID, s.sender.Hex(), isUpvote).
		Count(&existing).Error
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, reverted(ReasonAlreadyVoted)
	}
	vote := Vote{RoomID: question.RoomID, QuestionID: questionID, Voter: s.sender.Hex(), IsUpvote: isUpvote, CastAtSeconds: s.now.Unix()}
	if err := s.tx.Create(&vote).Error; err != nil {
		return nil, err
	}
	if isUpvote {
		question.UpvoteCount++
	} else {
		question.DownvoteCount++
	}
	err = s.tx.Model(&Question{}).
		Where("room_id = ? AND question_id = ?", question.RoomID, questionID).
		Updates(map[string]any{"upvote_count": question.UpvoteCount, "downvote_count": question.DownvoteCount}).Error
	if err != nil {
		return nil, err
	}
	return []pendingLog{{
		event: ledger.EventQuestionVoted,
		values: []any{
			roomID,
			new(big.Int).SetUint64(questionID),
			s.sender,
			isUpvote,
			new(big.Int).SetUint64(question.UpvoteCount),
			new(big.Int).SetUint64(question.DownvoteCount),
		},
	}}, nil
}

func (s *contractState) toggleQuestionStatus(roomID common.Hash, questionID uint64) ([]pendingLog, error) {
	if err := s.requireAdmin(roomID); err != nil {
		return nil, err
	}
	question, err := s.liveQuestion(roomID, questionID)
	if err != nil {
		return nil, err
	}
	question.IsRead = !question.IsRead
	err = s.tx.Model(&Question{}).
		Where("room_id = ? AND question_id = ?", question.RoomID, questionID).
		Update("is_read", question.IsRead).Error
	if err != nil {
		return nil, err
	}
	return []pendingLog{{
		event:  ledger.EventQuestionStatusChanged,
		values: []any{roomID, new(big.Int).SetUint64(questionID), question.IsRead},
	}}, nil
}

func (s *contractState) editQuestion(roomID common.Hash, questionID uint64, content string) ([]pendingLog, error) {
	question, err := s.liveQuestion(roomID, questionID)
	if err != nil {
		return nil, err
	}
	if question.Author != s.sender.Hex() {
		return nil, reverted(ReasonOnlyAuthor)
	}
	if content == "" {
		return nil, reverted(ReasonEmptyContent)
	}
	err = s.tx.Model(&Question{}).
		Where("room_id = ? AND question_id = ?", question.RoomID, questionID).
		Update("content", content).Error
	if err != nil {
		return nil, err
	}
	return []pendingLog{{
		event:  ledger.EventQuestionEdited,
		values: []any{roomID, new(big.Int).SetUint64(questionID), s.sender, content},
	}}, nil
}

func (s *contractState) deleteQuestion(roomID common.Hash, questionID uint64) ([]pendingLog, error) {
	question, err := s.liveQuestion(roomID, questionID)
	if err != nil {
		return nil, err
	}
	if question.Author != s.sender.Hex() {
		isAdmin, err := s.isAdmin(roomID, s.sender)
		if err != nil {
			return nil, err
		}
		if !isAdmin {
			return nil, reverted(ReasonOnlyAuthorAdmin)
		}
	}
	err = s.tx.Model(&Question{}).
		Where("room_id = ? AND question_id = ?", question.RoomID, questionID).
		Updates(map[string]any{"content": ledger.DeletedContent, "is_deleted": true}).Error
	if err != nil {
		return nil, err
	}
	return []pendingLog{{
		event:  ledger.EventQuestionDeleted,
		values: []any{roomID, new(big.Int).SetUint64(questionID), s.sender},
	}}, nil
}

func (s *contractState) addAdmin(roomID common.Hash, admin common.Address) ([]pendingLog, error) {
	if err := s.requireAdmin(roomID); err != nil {
		return nil, err
	}
	already, err := s.isAdmin(roomID, admin)
	if err != nil {
		return nil, err
	}
	if already {
		return nil, reverted(ReasonAlreadyAdmin)
	}
	var position int64
	if err := s.tx.Model(&Admin{}).Where("room_id = ?", roomID.Hex()).Count(&position).Error; err != nil {
		return nil, err
	}
	record := Admin{RoomID: roomID.Hex(), Address: admin.Hex(), Position: uint64(position), AddedAtSeconds: s.now.Unix()}
	if err := s.tx.Create(&record).Error; err != nil {
		return nil, err
	}
	return []pendingLog{{event: ledger.EventAdminAdded, values: []any{roomID, admin}}}, nil
}

func (s *contractState) renameRoom(roomID common.Hash, name string) ([]pendingLog, error) {
	if err := s.requireAdmin(roomID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, reverted(ReasonEmptyName)
	}
	if err := s.tx.Model(&Room{}).Where("room_id = ?", roomID.Hex()).Update("name", name).Error; err != nil {
		return nil, err
	}
	return []pendingLog{{event: ledger.EventRoomRenamed, values: []any{roomID, name}}}, nil
}

func (s *contractState) banUser(roomID common.Hash, user common.Address) ([]pendingLog, error) {
	if err := s.requireAdmin(roomID); err != nil {
		return nil, err
	}
	isAdmin, err := s.isAdmin(roomID, user)
	if err != nil {
		return nil, err
	}
	if isAdmin {
		return nil, reverted(ReasonCannotBanAdmin)
	}
	banned, err := s.isBanned(roomID, user)
	if err != nil {
		return nil, err
	}
	if banned {
		return nil, reverted(ReasonAlreadyBanned)
	}
	if err := s.tx.Create(&Ban{RoomID: roomID.Hex(), Address: user.Hex(), BannedAtSeconds: s.now.Unix()}).Error; err != nil {
		return nil, err
	}
	return []pendingLog{{event: ledger.EventUserBanned, values: []any{roomID, user}}}, nil
}

func (s *contractState) unbanUser(roomID common.Hash, user common.Address) ([]pendingLog, error) {
	if err := s.requireAdmin(roomID); err != nil {
		return nil, err
	}
	result := s.tx.Where("room_id = ? AND address = ?", roomID.Hex(), user.Hex()).Delete(&Ban{})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, reverted(ReasonNotBanned)
	}
	return []pendingLog{{event: ledger.EventUserUnbanned, values: []any{roomID, user}}}, nil
}

func (s *contractState) getAllQuestions(roomID common.Hash, viewer common.Address) ([]ledger.QuestionRecord, error) {
	if _, err := s.room(roomID); err != nil {
		return nil, err
	}
	var questions []Question
	if err := s.tx.Where("room_id = ?", roomID.Hex()).Order("question_id ASC").Find(&questions).Error; err != nil {
		return nil, err
	}
	var votes []Vote
	if err := s.tx.Where("room_id = ? AND voter = ?", roomID.Hex(), viewer.Hex()).Find(&votes).Error; err != nil {
		return nil, err
	}
	type viewerVotes struct{ up, down bool }
	byQuestion := make(map[uint64]viewerVotes, len(votes))
	for _, vote := range votes {
		entry := byQuestion[vote.QuestionID]
		if vote.IsUpvote {
			entry.up = true
		} else {
			entry.down = true
		}
		byQuestion[vote.QuestionID] = entry
	}

	records := make([]ledger.QuestionRecord, 0, len(questions))
	for _, question := range questions {
		mine := byQuestion[question.QuestionID]
		records = append(records, ledger.QuestionRecord{
			Author:        common.HexToAddress(question.Author),
			Content:       question.Content,
			CreateDate:    big.NewInt(question.CreatedAtSeconds),
			UpvoteCount:   new(big.Int).SetUint64(question.UpvoteCount),
			DownvoteCount: new(big.Int).SetUint64(question.DownvoteCount),
			IsRead:        question.IsRead,
			IsUpvoted:     mine.up,
			IsDownvoted:   mine.down,
		})
	}
	return records, nil
}

func (s *contractState) getRoom(roomID common.Hash) (ledger.RoomRecord, error) {
	room, err := s.room(roomID)
	if err != nil {
		return ledger.RoomRecord{}, err
	}
	var admins []Admin
	if err := s.tx.Where("room_id = ?", room.RoomID).Order("position ASC").Find(&admins).Error; err != nil {
		return ledger.RoomRecord{}, err
	}
	record := ledger.RoomRecord{Name: room.Name, Admins: make([]common.Address, 0, len(admins))}
	for _, admin := range admins {
		record.Admins = append(record.Admins, common.HexToAddress(admin.Address))
	}
	return record, nil
}

func (s *contractState) room(roomID common.Hash) (Room, error) {
	var room Room
	err := s.tx.Where("room_id = ?", roomID.Hex()).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, reverted(ReasonInvalidRoom)
	}
	return room, err
}

func (s *contractState) liveQuestion(roomID common.Hash, questionID uint64) (Question, error) {
	if _, err := s.room(roomID); err != nil {
		return Question{}, err
	}
	var question Question
	err := s.tx.Where("room_id = ? AND question_id = ?", roomID.Hex(), questionID).Take(&question).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Question{}, reverted(ReasonInvalidQuestion)
	}
	if err != nil {
		return Question{}, err
	}
	if question.IsDeleted {
		return Question{}, reverted(ReasonQuestionDeleted)
	}
	return question, nil
}

func (s *contractState) isAdmin(roomID common.Hash, address common.Address) (bool, error) {
	var count int64
	err := s.tx.Model(&Admin{}).Where("room_id = ? AND address = ?", roomID.Hex(), address.Hex()).Count(&count).Error
	return count > 0, err
}

func (s *contractState) isBanned(roomID common.Hash, address common.Address) (bool, error) {
	var count int64
	err := s.tx.Model(&Ban{}).Where("room_id = ? AND address = ?", roomID.Hex(), address.Hex()).Count(&count).Error
	return count > 0, err
}

func (s *contractState) requireAdmin(roomID common.Hash) error {
	if _, err := s.room(roomID); err != nil {
		return err
	}
	isAdmin, err := s.isAdmin(roomID, s.sender)
	if err != nil {
		return err
	}
	if !isAdmin {
		return reverted(ReasonOnlyAdmin)
	}
	return nil
}

func (s *contractState) requireNotBanned(roomID common.Hash) error {
	banned, err := s.isBanned(roomID, s.sender)
	if err != nil {
		return err
	}
	if banned {
		return reverted(ReasonBanned)
	}
	return nil
}

func argHash(args []any, index int) common.Hash {
	if index < len(args) {
		if value, ok := args[index].([32]byte); ok {
			return common.Hash(value)
		}
	}
	return common.Hash{}
}

func argAddress(args []any, index int) common.Address {
	if index < len(args) {
		if value, ok := args[index].(common.Address); ok {
			return value
		}
	}
	return common.Address{}
}

func argUint(args []any, index int) uint64 {
	if index < len(args) {
		if value, ok := args[index].(*big.Int); ok {
			return ledger.Uint64(value)
		}
	}
	return 0
}

func argString(args []any, index int) string {
	if index < len(args) {
		if value, ok := args[index].(string); ok {
			return value
		}
	}
	return ""
}

func argBool(args []any, index int) bool {
	if index < len(args) {
		if value, ok := args[index].(bool); ok {
			return value
		}
	}
	return false
}
