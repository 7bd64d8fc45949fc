// Package failure classifies errors surfaced to the presentation layer.
package failure

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/qaroom/internal/cipher"
	"github.com/MarcoPoloResearchLab/qaroom/internal/ledger"
)

// Kind is the observable category of a failure.
type Kind int

const (
	None Kind = iota
	InvalidKeyLength
	DecryptionFailed
	FetchFailed
	TransactionReverted
	SessionExpired
	TransportError
)

var kindNames = map[Kind]string{
	None:                "none",
	InvalidKeyLength:    "invalid_key_length",
	DecryptionFailed:    "decryption_failed",
	FetchFailed:         "fetch_failed",
	TransactionReverted: "transaction_reverted",
	SessionExpired:      "session_expired",
	TransportError:      "transport_error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error attaches an operation and a Kind to a cause.
type Error struct {
	operation string
	kind      Kind
	err       error
}

// New wraps cause for operation.
func New(operation string, kind Kind, cause error) error {
	return &Error{operation: operation, kind: kind, err: cause}
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.Code()
	}
	return fmt.Sprintf("%s: %v", e.Code(), e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code is "<operation>.<kind>".
func (e *Error) Code() string {
	return fmt.Sprintf("%s.%s", e.operation, e.kind)
}

func (e *Error) Kind() Kind {
	return e.kind
}

func (e *Error) Operation() string {
	return e.operation
}

// KindOf extracts the Kind of err, or None when err carries no classification.
func KindOf(err error) Kind {
	if err == nil {
		return None
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.kind
	}
	return None
}

// DefaultSessionSignatures are revert reason fragments that mean the
// delegated signing session is no longer usable.
var DefaultSessionSignatures = []string{
	"block.timestamp is too close to the range end",
	"Allowance limit exceeded",
	"function_selector = 0x3d5740d9",
}

// Classifier maps raw errors from reads and writes onto Kinds.
type Classifier struct {
	sessionSignatures []string
}

// NewClassifier returns a classifier recognising the default session
// signatures plus extra.
func NewClassifier(extra ...string) Classifier {
	signatures := append([]string(nil), DefaultSessionSignatures...)
	for _, signature := range extra {
		if trimmed := strings.TrimSpace(signature); trimmed != "" {
			signatures = append(signatures, trimmed)
		}
	}
	return Classifier{sessionSignatures: signatures}
}

// IsSessionExpired reports whether a revert reason matches a session signature.
func (c Classifier) IsSessionExpired(reason string) bool {
	signatures := c.sessionSignatures
	if signatures == nil {
		signatures = DefaultSessionSignatures
	}
	for _, signature := range signatures {
		if strings.Contains(reason, signature) {
			return true
		}
	}
	return false
}

// Read classifies a failure while loading data.
func (c Classifier) Read(err error) Kind {
	if kind, ok := cipherKind(err); ok {
		return kind
	}
	if err == nil {
		return None
	}
	return FetchFailed
}

// Write classifies a failure while submitting a write.
func (c Classifier) Write(err error) Kind {
	if err == nil {
		return None
	}
	if kind, ok := cipherKind(err); ok {
		return kind
	}
	var revert *ledger.RevertError
	if errors.As(err, &revert) {
		if c.IsSessionExpired(revert.Reason) {
			return SessionExpired
		}
		return TransactionReverted
	}
	if c.IsSessionExpired(err.Error()) {
		return SessionExpired
	}
	return TransportError
}

func cipherKind(err error) (Kind, bool) {
	switch {
	case err == nil:
		return None, false
	case errors.Is(err, cipher.ErrInvalidKeyLength):
		return InvalidKeyLength, true
	case errors.Is(err, cipher.ErrDecryptionFailed):
		return DecryptionFailed, true
	default:
		return None, false
	}
}
