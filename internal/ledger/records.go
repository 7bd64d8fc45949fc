package ledger

import (
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DeletedContent is the content the contract leaves behind on deleteQuestion.
const DeletedContent = "!!!DELETED!!!"

// QuestionRecord mirrors RoomManager.QuestionResponse field for field.
// Fields stay in ABI order because decoding assigns them positionally.
type QuestionRecord struct {
	Author        common.Address
	Content       string
	CreateDate    *big.Int
	UpvoteCount   *big.Int
	DownvoteCount *big.Int
	IsRead        bool
	IsUpvoted     bool
	IsDownvoted   bool
}

// RoomRecord mirrors RoomManager.RoomResponse.
type RoomRecord struct {
	Name   string
	Admins []common.Address
}

// HasAdmin reports whether address is listed as an admin.
func (r RoomRecord) HasAdmin(address common.Address) bool {
	for _, admin := range r.Admins {
		if admin == address {
			return true
		}
	}
	return false
}

// Uint64 narrows a ledger integer. Nil and negative values read as zero and
// values past the uint64 range saturate.
func Uint64(value *big.Int) uint64 {
	if value == nil || value.Sign() < 0 {
		return 0
	}
	if !value.IsUint64() {
		return math.MaxUint64
	}
	return value.Uint64()
}
