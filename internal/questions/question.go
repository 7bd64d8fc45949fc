// Package questions keeps the question list of one room in sync with the
// ledger: full snapshot reloads after every local write, and incremental
// merges of events caused by other participants.
package questions

import (
	"time"

	"github.com/MarcoPoloResearchLab/qaroom/internal/cipher"
	"github.com/MarcoPoloResearchLab/qaroom/internal/ledger"
	"github.com/ethereum/go-ethereum/common"
)

// TombstoneContent marks a deleted question. The slot keeps its id.
const TombstoneContent = ledger.DeletedContent

// Question is a decrypted question as seen by one viewer.
type Question struct {
	ID                 uint64         `json:"id"`
	Content            string         `json:"content"`
	AuthorID           common.Address `json:"authorId"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpvoteCount        uint64         `json:"upvoteCount"`
	DownvoteCount      uint64         `json:"downvoteCount"`
	IsAnsweredByAdmin  bool           `json:"isAnsweredByAdmin"`
	ViewerHasUpvoted   bool           `json:"viewerHasUpvoted"`
	ViewerHasDownvoted bool           `json:"viewerHasDownvoted"`
}

// IsDeleted reports whether the question is a tombstone.
func (q Question) IsDeleted() bool {
	return q.Content == TombstoneContent
}

// NetScore is upvotes minus downvotes.
func (q Question) NetScore() int64 {
	return int64(q.UpvoteCount) - int64(q.DownvoteCount)
}

// fromRecord decrypts a ledger record. The record's position in
// getAllQuestions is its id.
func fromRecord(id uint64, record ledger.QuestionRecord, key []byte) (Question, error) {
	content, err := openContent(key, record.Content)
	if err != nil {
		return Question{}, err
	}
	return Question{
		ID:                 id,
		Content:            content,
		AuthorID:           record.Author,
		CreatedAt:          time.Unix(int64(ledger.Uint64(record.CreateDate)), 0).UTC(),
		UpvoteCount:        ledger.Uint64(record.UpvoteCount),
		DownvoteCount:      ledger.Uint64(record.DownvoteCount),
		IsAnsweredByAdmin:  record.IsRead,
		ViewerHasUpvoted:   record.IsUpvoted,
		ViewerHasDownvoted: record.IsDownvoted,
	}, nil
}

func openContent(key []byte, content string) (string, error) {
	if content == TombstoneContent {
		return content, nil
	}
	return cipher.Decrypt(key, content)
}
