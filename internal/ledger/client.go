// Package ledger describes the remote ledger the Q&A client talks to and
// provides a typed binding for the RoomManager contract on top of it.
package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Client is the capability set the synchronization layer needs from a ledger.
// Implementations live in the evm and devnet subpackages.
type Client interface {
	// Account is the address writes are signed with.
	Account() common.Address
	// Read performs a view call and decodes the single return value into out.
	Read(ctx context.Context, contract common.Address, method string, out any, args ...any) error
	// Write submits a state-changing call and returns once it is accepted for inclusion.
	Write(ctx context.Context, contract common.Address, method string, sponsor *FeeSponsor, args ...any) (TxHandle, error)
	// AwaitFinality blocks until the transaction is included.
	AwaitFinality(ctx context.Context, tx TxHandle) (Receipt, error)
	// Subscribe delivers decoded logs for one contract event until the returned
	// function is called or ctx ends. onError, when set, hears about transport
	// failures after the subscription was established; delivery resumes on
	// its own once the transport recovers.
	Subscribe(ctx context.Context, contract common.Address, event string, filter Filter, onEvent func(Log), onError func(error)) (func(), error)
}

// TxHandle identifies a submitted transaction.
type TxHandle struct {
	Hash   common.Hash
	Method string
}

// ReceiptStatus is the outcome of an included transaction.
type ReceiptStatus int

const (
	StatusConfirmed ReceiptStatus = iota
	StatusReverted
)

func (s ReceiptStatus) String() string {
	if s == StatusReverted {
		return "reverted"
	}
	return "confirmed"
}

// Receipt is the result of AwaitFinality.
type Receipt struct {
	TxHash       common.Hash
	BlockNumber  uint64
	Status       ReceiptStatus
	RevertReason string
	Logs         []Log
}

// Log is a contract event log. Fields holds the ABI-decoded arguments keyed by
// their ABI names when Event is known.
type Log struct {
	Address     common.Address
	Topics      []common.Hash
	Data        []byte
	Event       string
	Fields      map[string]any
	TxHash      common.Hash
	BlockNumber uint64
	Index       uint
}

// Filter narrows subscriptions. A zero RoomID matches every room.
type Filter struct {
	RoomID common.Hash
}

// Matches reports whether a log's first indexed topic satisfies the filter.
func (f Filter) Matches(log Log) bool {
	if f.RoomID == (common.Hash{}) {
		return true
	}
	return len(log.Topics) > 1 && log.Topics[1] == f.RoomID
}

// FeeSponsor asks the ledger to charge fees to a paymaster instead of the sender.
type FeeSponsor struct {
	Paymaster common.Address
	Input     []byte
}
