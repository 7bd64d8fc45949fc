package hub

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/qaroom/internal/ledger"
	"github.com/MarcoPoloResearchLab/qaroom/internal/ledger/devnet"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// SignerFactory serves a single signing account, as with a JSON-RPC ledger
// holding one private key.
type SignerFactory struct {
	manager *ledger.RoomManager
}

func NewSignerFactory(manager *ledger.RoomManager) *SignerFactory {
	return &SignerFactory{manager: manager}
}

func (f *SignerFactory) Authorize(account common.Address) error {
	if account != f.manager.Account() {
		return ErrUnknownAccount
	}
	return nil
}

func (f *SignerFactory) Bind(grant Grant) (*ledger.RoomManager, error) {
	if err := f.Authorize(grant.Account); err != nil {
		return nil, err
	}
	return f.manager, nil
}

// DevnetFactoryConfig configures per-account devnet clients.
type DevnetFactoryConfig struct {
	Ledger    *devnet.Ledger
	Paymaster common.Address
	// FeeLimit caps the fees one session may spend. Zero is unlimited.
	FeeLimit uint64
	Logger   *zap.Logger
}

// DevnetFactory acts as any account. Each grant gets one client whose session
// policy expires with the caller's gateway session, so the fee allowance is
// shared by everything done under that grant.
type DevnetFactory struct {
	ledger    *devnet.Ledger
	paymaster common.Address
	feeLimit  uint64
	logger    *zap.Logger

	mu       sync.Mutex
	bindings map[grantKey]*ledger.RoomManager
}

type grantKey struct {
	account   common.Address
	expiresAt int64
}

func NewDevnetFactory(cfg DevnetFactoryConfig) *DevnetFactory {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DevnetFactory{
		ledger:    cfg.Ledger,
		paymaster: cfg.Paymaster,
		feeLimit:  cfg.FeeLimit,
		logger:    logger,
		bindings:  make(map[grantKey]*ledger.RoomManager),
	}
}

func (f *DevnetFactory) Authorize(account common.Address) error {
	if account == (common.Address{}) {
		return ErrUnknownAccount
	}
	return nil
}

func (f *DevnetFactory) Bind(grant Grant) (*ledger.RoomManager, error) {
	if err := f.Authorize(grant.Account); err != nil {
		return nil, err
	}
	key := grantKey{account: grant.Account, expiresAt: grant.ExpiresAt.Unix()}
	f.mu.Lock()
	defer f.mu.Unlock()
	if manager, ok := f.bindings[key]; ok {
		return manager, nil
	}
	f.pruneLocked(time.Now())
	client := f.ledger.Client(grant.Account, devnet.SessionPolicy{
		ExpiresAt: grant.ExpiresAt,
		FeeLimit:  f.feeLimit,
	})
	manager, err := ledger.NewRoomManager(ledger.RoomManagerConfig{
		Client:    client,
		Address:   f.ledger.Contract(),
		Paymaster: f.paymaster,
		Logger:    f.logger,
	})
	if err != nil {
		return nil, err
	}
	f.bindings[key] = manager
	return manager, nil
}

func (f *DevnetFactory) pruneLocked(now time.Time) {
	for key := range f.bindings {
		if key.expiresAt > 0 && key.expiresAt < now.Unix() {
			delete(f.bindings, key)
		}
	}
}
