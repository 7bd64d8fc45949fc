package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrTransport marks failures reaching the ledger at all.
	ErrTransport = errors.New("ledger: transport failure")
	// ErrReverted marks calls the ledger rejected.
	ErrReverted = errors.New("ledger: transaction reverted")
	// ErrUnknownMethod is returned for names missing from the contract ABI.
	ErrUnknownMethod = errors.New("ledger: unknown contract method")
	// ErrUnknownEvent is returned for logs whose signature is not in the ABI.
	ErrUnknownEvent = errors.New("ledger: unknown contract event")
)

// RevertError carries the ledger's reason for rejecting a write, either at
// submission or after inclusion.
type RevertError struct {
	Method string
	Reason string
	TxHash common.Hash
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s reverted", e.Method)
	}
	return fmt.Sprintf("%s reverted: %s", e.Method, e.Reason)
}

func (e *RevertError) Unwrap() error {
	return ErrReverted
}

// TransportError wraps cause so errors.Is(err, ErrTransport) holds.
func TransportError(operation string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, operation, cause)
}
