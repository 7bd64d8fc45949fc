// Package devnet is an in-process RoomManager ledger persisted in SQLite.
//
// Calls travel as ABI calldata, are executed against gorm models inside one
// database transaction per write, and produce receipts and logs shaped like
// those of a zkSync-style chain: every receipt starts with fee transfer logs
// ahead of the contract's own logs.
package devnet

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/qaroom/internal/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultSystemLogs = 2
	defaultFeePerCall = 1
)

var (
	errMissingDatabase = errors.New("devnet: database handle is required")
	errMissingContract = errors.New("devnet: contract address is required")

	// FeeTokenAddress emits the system fee logs.
	FeeTokenAddress = common.HexToAddress("0x000000000000000000000000000000000000800a")
	// BootloaderAddress receives fees.
	BootloaderAddress = common.HexToAddress("0x0000000000000000000000000000000000008001")

	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

// Config wires a development ledger.
type Config struct {
	Database   *gorm.DB
	Contract   common.Address
	Clock      func() time.Time
	FeePerCall uint64
	// SystemLogs is the number of fee logs placed ahead of contract logs.
	// Negative disables them.
	SystemLogs int
	Logger     *zap.Logger
}

// Ledger executes RoomManager calls against a database.
type Ledger struct {
	db         *gorm.DB
	contract   common.Address
	clock      func() time.Time
	feePerCall uint64
	systemLogs int
	logger     *zap.Logger
	feed       *logFeed

	mu       sync.Mutex
	block    uint64
	receipts map[common.Hash]ledger.Receipt
}

// New opens a development ledger on an already migrated database.
func New(cfg Config) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Contract == (common.Address{}) {
		return nil, errMissingContract
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fee := cfg.FeePerCall
	if fee == 0 {
		fee = defaultFeePerCall
	}
	systemLogs := cfg.SystemLogs
	switch {
	case systemLogs == 0:
		systemLogs = defaultSystemLogs
	case systemLogs < 0:
		systemLogs = 0
	}

	var head struct{ Block uint64 }
	if err := cfg.Database.Model(&Transaction{}).Select("COALESCE(MAX(block_number), 0) AS block").Scan(&head).Error; err != nil {
		return nil, fmt.Errorf("devnet: read chain head: %w", err)
	}

	return &Ledger{
		db:         cfg.Database,
		contract:   cfg.Contract,
		clock:      clock,
		feePerCall: fee,
		systemLogs: systemLogs,
		logger:     logger,
		feed:       newLogFeed(logger),
		block:      head.Block,
		receipts:   make(map[common.Hash]ledger.Receipt),
	}, nil
}

// Contract is the address the simulated RoomManager lives at.
func (l *Ledger) Contract() common.Address {
	return l.contract
}

// BlockNumber is the current chain head.
func (l *Ledger) BlockNumber() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.block
}

// revert aborts the database transaction of a write with a contract reason.
type revert struct {
	reason string
}

func (r *revert) Error() string {
	return r.reason
}

func reverted(reason string) error {
	return &revert{reason: reason}
}

// pendingLog is a contract event waiting for its block.
type pendingLog struct {
	event  string
	values []any
}

// execute mines one transaction from sender carrying calldata.
func (l *Ledger) execute(sender common.Address, calldata []byte) (ledger.Receipt, error) {
	method, args, err := ledger.UnpackCall(calldata)
	if err != nil {
		return ledger.Receipt{}, err
	}
	nonce, err := uuid.NewV7()
	if err != nil {
		return ledger.Receipt{}, err
	}
	txHash := crypto.Keccak256Hash(sender.Bytes(), calldata, nonce[:])

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock().UTC()
	block := l.block + 1
	var pending []pendingLog
	txErr := l.db.Transaction(func(tx *gorm.DB) error {
		state := &contractState{tx: tx, sender: sender, now: now}
		var callErr error
		pending, callErr = state.dispatch(method, args)
		return callErr
	})

	receipt := ledger.Receipt{TxHash: txHash, BlockNumber: block, Status: ledger.StatusConfirmed}
	var contractRevert *revert
	switch {
	case errors.As(txErr, &contractRevert):
		receipt.Status = ledger.StatusReverted
		receipt.RevertReason = contractRevert.reason
		pending = nil
	case txErr != nil:
		return ledger.Receipt{}, fmt.Errorf("devnet: execute %s: %w", method, txErr)
	}

	logs, err := l.buildLogs(sender, txHash, block, pending)
	if err != nil {
		return ledger.Receipt{}, err
	}
	receipt.Logs = logs

	record := Transaction{
		TxHash:       txHash.Hex(),
		Sender:       sender.Hex(),
		Method:       method,
		BlockNumber:  block,
		Reverted:     receipt.Status == ledger.StatusReverted,
		RevertReason: receipt.RevertReason,
		MinedAtS:     now.Unix(),
	}
	if err := l.db.Create(&record).Error; err != nil {
		return ledger.Receipt{}, fmt.Errorf("devnet: record transaction: %w", err)
	}

	l.block = block
	l.receipts[txHash] = receipt
	for _, log := range logs {
		if log.Address == l.contract {
			l.feed.publish(log)
		}
	}

	l.logger.Debug("devnet transaction mined",
		zap.String("method", method),
		zap.String("sender", sender.Hex()),
		zap.String("tx_hash", txHash.Hex()),
		zap.Uint64("block", block),
		zap.Stringer("status", receipt.Status),
		zap.String("revert_reason", receipt.RevertReason))
	return receipt, nil
}

func (l *Ledger) buildLogs(sender common.Address, txHash common.Hash, block uint64, pending []pendingLog) ([]ledger.Log, error) {
	logs := make([]ledger.Log, 0, l.systemLogs+len(pending))
	for i := 0; i < l.systemLogs; i++ {
		from, to := sender, BootloaderAddress
		if i%2 == 1 {
			from, to = BootloaderAddress, sender
		}
		logs = append(logs, ledger.Log{
			Address: FeeTokenAddress,
			Topics: []common.Hash{
				transferTopic,
				common.BytesToHash(from.Bytes()),
				common.BytesToHash(to.Bytes()),
			},
			Data:        common.BigToHash(new(big.Int).SetUint64(l.feePerCall)).Bytes(),
			TxHash:      txHash,
			BlockNumber: block,
			Index:       uint(len(logs)),
		})
	}
	for _, entry := range pending {
		topics, data, err := ledger.EncodeLog(entry.event, entry.values...)
		if err != nil {
			return nil, err
		}
		log, err := ledger.DecodeLog(ledger.Log{
			Address:     l.contract,
			Topics:      topics,
			Data:        data,
			TxHash:      txHash,
			BlockNumber: block,
			Index:       uint(len(logs)),
		})
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, nil
}

func (l *Ledger) receipt(txHash common.Hash) (ledger.Receipt, bool, error) {
	l.mu.Lock()
	receipt, ok := l.receipts[txHash]
	l.mu.Unlock()
	if ok {
		return receipt, true, nil
	}
	var record Transaction
	err := l.db.Where("tx_hash = ?", txHash.Hex()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Receipt{}, false, nil
	}
	if err != nil {
		return ledger.Receipt{}, false, err
	}
	receipt = ledger.Receipt{TxHash: txHash, BlockNumber: record.BlockNumber, Status: ledger.StatusConfirmed}
	if record.Reverted {
		receipt.Status = ledger.StatusReverted
		receipt.RevertReason = record.RevertReason
	}
	return receipt, true, nil
}

// call runs a view method and returns ABI-encoded results.
func (l *Ledger) call(calldata []byte) ([]byte, error) {
	method, args, err := ledger.UnpackCall(calldata)
	if err != nil {
		return nil, err
	}
	state := &contractState{tx: l.db, now: l.clock().UTC()}
	result, err := state.view(method, args)
	if err != nil {
		return nil, err
	}
	return ledger.PackResult(method, result)
}
