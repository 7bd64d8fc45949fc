// Package evm implements ledger.Client over Ethereum JSON-RPC with go-ethereum.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/qaroom/internal/ledger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

const defaultPollInterval = 2 * time.Second

var (
	errMissingRPCURL     = errors.New("evm: rpc url is required")
	errMissingPrivateKey = errors.New("evm: private key is required")
)

// Backend is the subset of ethclient.Client the ledger client uses.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config describes how to reach and sign for a JSON-RPC ledger.
type Config struct {
	RPCURL       string
	ChainID      int64
	PrivateKey   string
	PollInterval time.Duration
	Logger       *zap.Logger
}

// Client signs with a single private key.
type Client struct {
	backend      Backend
	account      common.Address
	chainID      *big.Int
	transactor   *bind.TransactOpts
	pollInterval time.Duration
	logger       *zap.Logger

	// sendMu keeps nonce assignment ordered for this account.
	sendMu sync.Mutex

	closeOnce sync.Once
}

// Dial connects to cfg.RPCURL. A zero ChainID is read from the node.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, errMissingRPCURL
	}
	backend, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, ledger.TransportError("dial", err)
	}
	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = backend.ChainID(ctx)
		if err != nil {
			backend.Close()
			return nil, ledger.TransportError("chain id", err)
		}
	}
	client, err := NewClient(backend, chainID, cfg)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return client, nil
}

// NewClient wraps an existing backend.
func NewClient(backend Backend, chainID *big.Int, cfg Config) (*Client, error) {
	key, err := parsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	transactor, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, err
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		backend:      backend,
		account:      crypto.PubkeyToAddress(key.PublicKey),
		chainID:      new(big.Int).Set(chainID),
		transactor:   transactor,
		pollInterval: pollInterval,
		logger:       logger,
	}, nil
}

// Close releases the backend connection when the backend owns one, as the
// dialed ethclient does. Subscriptions must be stopped first.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if closer, ok := c.backend.(interface{ Close() }); ok {
			closer.Close()
			c.logger.Debug("rpc connection closed")
		}
	})
}

func parsePrivateKey(value string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if trimmed == "" {
		return nil, errMissingPrivateKey
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("evm: parse private key: %w", err)
	}
	return key, nil
}

func (c *Client) Account() common.Address {
	return c.account
}

func (c *Client) Read(ctx context.Context, contract common.Address, method string, out any, args ...any) error {
	calldata, err := ledger.PackCall(method, args...)
	if err != nil {
		return err
	}
	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.account, To: &contract, Data: calldata}, nil)
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return &ledger.RevertError{Method: method, Reason: reason}
		}
		return ledger.TransportError(method, err)
	}
	return ledger.UnpackResult(method, result, out)
}

// Write estimates, signs and sends the call. Paymaster sponsorship needs a
// zkSync-aware transaction type, so sponsored writes go out as plain
// transactions paid by the signer.
func (c *Client) Write(ctx context.Context, contract common.Address, method string, sponsor *ledger.FeeSponsor, args ...any) (ledger.TxHandle, error) {
	if sponsor != nil {
		c.logger.Debug("fee sponsorship not supported over plain json-rpc",
			zap.String("method", method),
			zap.String("paymaster", sponsor.Paymaster.Hex()))
	}
	bound := bind.NewBoundContract(contract, ledger.ContractABI(), c.backend, c.backend, c.backend)

	c.sendMu.Lock()
	opts := *c.transactor
	opts.Context = ctx
	tx, err := bound.Transact(&opts, method, args...)
	c.sendMu.Unlock()
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return ledger.TxHandle{}, &ledger.RevertError{Method: method, Reason: reason}
		}
		return ledger.TxHandle{}, ledger.TransportError(method, err)
	}
	c.logger.Debug("transaction sent",
		zap.String("method", method),
		zap.String("tx_hash", tx.Hash().Hex()),
		zap.Uint64("nonce", tx.Nonce()))
	return ledger.TxHandle{Hash: tx.Hash(), Method: method}, nil
}

// AwaitFinality polls for the receipt. Failed transactions are replayed at
// their block to recover the revert reason.
func (c *Client) AwaitFinality(ctx context.Context, tx ledger.TxHandle) (ledger.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, tx.Hash)
		if err == nil {
			return c.convertReceipt(ctx, receipt), nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return ledger.Receipt{}, ledger.TransportError("receipt", err)
		}
		select {
		case <-ctx.Done():
			return ledger.Receipt{}, ledger.TransportError("await finality", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) convertReceipt(ctx context.Context, receipt *types.Receipt) ledger.Receipt {
	converted := ledger.Receipt{
		TxHash:      receipt.TxHash,
		BlockNumber: blockNumber(receipt.BlockNumber),
		Status:      ledger.StatusConfirmed,
		Logs:        make([]ledger.Log, 0, len(receipt.Logs)),
	}
	for _, raw := range receipt.Logs {
		converted.Logs = append(converted.Logs, convertLog(*raw))
	}
	if receipt.Status == types.ReceiptStatusFailed {
		converted.Status = ledger.StatusReverted
		converted.RevertReason = c.replayRevert(ctx, receipt.TxHash, receipt.BlockNumber)
	}
	return converted
}

func (c *Client) replayRevert(ctx context.Context, txHash common.Hash, block *big.Int) string {
	tx, _, err := c.backend.TransactionByHash(ctx, txHash)
	if err != nil {
		c.logger.Warn("revert replay lookup failed", zap.String("tx_hash", txHash.Hex()), zap.Error(err))
		return ""
	}
	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		from = c.account
	}
	msg := ethereum.CallMsg{From: from, To: tx.To(), Gas: tx.Gas(), Value: tx.Value(), Data: tx.Data()}
	_, err = c.backend.CallContract(ctx, msg, block)
	if err == nil {
		return ""
	}
	reason, _ := revertReason(err)
	return reason
}

// convertLog attaches ABI-decoded fields when the log belongs to the contract ABI.
func convertLog(raw types.Log) ledger.Log {
	log := ledger.Log{
		Address:     raw.Address,
		Topics:      raw.Topics,
		Data:        raw.Data,
		TxHash:      raw.TxHash,
		BlockNumber: raw.BlockNumber,
		Index:       raw.Index,
	}
	if decoded, err := ledger.DecodeLog(log); err == nil {
		return decoded
	}
	return log
}

// revertReason extracts a revert reason from an RPC error.
func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if encoded, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(encoded); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason, true
				}
			}
		}
	}
	message := err.Error()
	const marker = "execution reverted"
	index := strings.Index(message, marker)
	if index < 0 {
		return "", false
	}
	reason := strings.TrimSpace(strings.TrimPrefix(message[index+len(marker):], ":"))
	return reason, true
}

func blockNumber(value *big.Int) uint64 {
	if value == nil {
		return 0
	}
	return value.Uint64()
}
