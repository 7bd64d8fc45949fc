// Package rooms creates and administers Q&A rooms on the ledger.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/qaroom/internal/failure"
	"github.com/MarcoPoloResearchLab/qaroom/internal/ledger"
	"github.com/MarcoPoloResearchLab/qaroom/internal/metrics"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// DefaultRoomCreatedLogIndex is where RoomCreated lands in a createRoom
// receipt on zkSync-style chains, after the two system fee transfer logs.
const DefaultRoomCreatedLogIndex = 2

const (
	opDirectoryNew   = "rooms.directory.new"
	opCreateRoom     = "rooms.create_room"
	opLoadRoom       = "rooms.load_room"
	opCheckIsAdmin   = "rooms.check_is_admin"
	opAddAdmin       = "rooms.add_admin"
	opRenameRoom     = "rooms.rename_room"
	opBanUser        = "rooms.ban_user"
	opUnbanUser      = "rooms.unban_user"
	opIsBanned       = "rooms.is_banned"
	opCountQuestions = "rooms.question_count"
)

var (
	errMissingLedger = errors.New("ledger is required")
	// ErrRoomIDNotFound means a confirmed createRoom receipt carried no
	// RoomCreated log.
	ErrRoomIDNotFound = errors.New("room id not found in receipt")
	ErrEmptyName      = errors.New("room name is required")
	noOpLogger        = zap.NewNop()
)

// Ledger is the slice of the RoomManager binding the directory needs.
type Ledger interface {
	Account() common.Address
	// Address is the RoomManager contract the binding talks to.
	Address() common.Address
	GetRoom(ctx context.Context, room common.Hash) (ledger.RoomRecord, error)
	IsBanned(ctx context.Context, room common.Hash, user common.Address) (bool, error)
	GetQuestionCount(ctx context.Context, room common.Hash) (uint64, error)
	CreateRoom(ctx context.Context, name string) (ledger.Receipt, error)
	AddAdmin(ctx context.Context, room common.Hash, admin common.Address) (ledger.Receipt, error)
	RenameRoom(ctx context.Context, room common.Hash, name string) (ledger.Receipt, error)
	BanUser(ctx context.Context, room common.Hash, user common.Address) (ledger.Receipt, error)
	UnbanUser(ctx context.Context, room common.Hash, user common.Address) (ledger.Receipt, error)
}

// Room is a room as seen by the directory's account.
type Room struct {
	ID                 common.Hash      `json:"id"`
	Name               string           `json:"name"`
	Admins             []common.Address `json:"admins"`
	CurrentUserIsAdmin bool             `json:"currentUserIsAdmin"`
}

type DirectoryConfig struct {
	Ledger     Ledger
	Classifier failure.Classifier
	// RoomCreatedLogIndex is the receipt position probed first for the room
	// id. Zero means DefaultRoomCreatedLogIndex; negative skips the probe.
	RoomCreatedLogIndex int
	Clock               func() time.Time
	Logger              *zap.Logger
	Metrics             *metrics.Recorder
}

// Directory performs room operations as the ledger's account.
type Directory struct {
	ledger     Ledger
	classifier failure.Classifier
	logIndex   int
	clock      func() time.Time
	logger     *zap.Logger
	metrics    *metrics.Recorder
}

func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("%s: %w", opDirectoryNew, errMissingLedger)
	}
	logIndex := cfg.RoomCreatedLogIndex
	if logIndex == 0 {
		logIndex = DefaultRoomCreatedLogIndex
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Directory{
		ledger:     cfg.Ledger,
		classifier: cfg.Classifier,
		logIndex:   logIndex,
		clock:      clock,
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Account is the address the directory acts as.
func (d *Directory) Account() common.Address {
	return d.ledger.Account()
}

// CreateRoom creates a room owned by the directory's account and returns it
// as read back from the ledger.
func (d *Directory) CreateRoom(ctx context.Context, name string) (Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Room{}, ErrEmptyName
	}
	receipt, err := d.write(ctx, opCreateRoom, "create_room", func(ctx context.Context) (ledger.Receipt, error) {
		return d.ledger.CreateRoom(ctx, name)
	})
	if err != nil {
		return Room{}, err
	}
	roomID, err := RoomIDFromReceipt(receipt, d.ledger.Address(), d.logIndex)
	if err != nil {
		d.logError(opCreateRoom, failure.FetchFailed, err, zap.String("tx_hash", receipt.TxHash.Hex()))
		return Room{}, failure.New(opCreateRoom, failure.FetchFailed, err)
	}
	d.logger.Info("room created",
		zap.String("room_id", roomID.Hex()),
		zap.String("admin", d.ledger.Account().Hex()))
	return d.load(ctx, opCreateRoom, roomID)
}

func (d *Directory) LoadRoom(ctx context.Context, roomID common.Hash) (Room, error) {
	return d.load(ctx, opLoadRoom, roomID)
}

// CheckIsAdmin reads the admin set and tests membership of address.
func (d *Directory) CheckIsAdmin(ctx context.Context, roomID common.Hash, address common.Address) (bool, error) {
	record, err := d.ledger.GetRoom(ctx, roomID)
	if err != nil {
		return false, d.readFailure(opCheckIsAdmin, roomID, err)
	}
	return record.HasAdmin(address), nil
}

// AddAdmin grants admin rights and returns the refreshed room.
func (d *Directory) AddAdmin(ctx context.Context, roomID common.Hash, admin common.Address) (Room, error) {
	if _, err := d.write(ctx, opAddAdmin, "add_admin", func(ctx context.Context) (ledger.Receipt, error) {
		return d.ledger.AddAdmin(ctx, roomID, admin)
	}); err != nil {
		return Room{}, err
	}
	return d.load(ctx, opAddAdmin, roomID)
}

// RenameRoom changes the room name and returns the refreshed room.
func (d *Directory) RenameRoom(ctx context.Context, roomID common.Hash, name string) (Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Room{}, ErrEmptyName
	}
	if _, err := d.write(ctx, opRenameRoom, "rename_room", func(ctx context.Context) (ledger.Receipt, error) {
		return d.ledger.RenameRoom(ctx, roomID, name)
	}); err != nil {
		return Room{}, err
	}
	return d.load(ctx, opRenameRoom, roomID)
}

func (d *Directory) BanUser(ctx context.Context, roomID common.Hash, user common.Address) error {
	_, err := d.write(ctx, opBanUser, "ban_user", func(ctx context.Context) (ledger.Receipt, error) {
		return d.ledger.BanUser(ctx, roomID, user)
	})
	return err
}

func (d *Directory) UnbanUser(ctx context.Context, roomID common.Hash, user common.Address) error {
	_, err := d.write(ctx, opUnbanUser, "unban_user", func(ctx context.Context) (ledger.Receipt, error) {
		return d.ledger.UnbanUser(ctx, roomID, user)
	})
	return err
}

func (d *Directory) IsBanned(ctx context.Context, roomID common.Hash, user common.Address) (bool, error) {
	banned, err := d.ledger.IsBanned(ctx, roomID, user)
	if err != nil {
		return false, d.readFailure(opIsBanned, roomID, err)
	}
	return banned, nil
}

// QuestionCount includes deleted questions.
func (d *Directory) QuestionCount(ctx context.Context, roomID common.Hash) (uint64, error) {
	count, err := d.ledger.GetQuestionCount(ctx, roomID)
	if err != nil {
		return 0, d.readFailure(opCountQuestions, roomID, err)
	}
	return count, nil
}

func (d *Directory) load(ctx context.Context, operation string, roomID common.Hash) (Room, error) {
	record, err := d.ledger.GetRoom(ctx, roomID)
	if err != nil {
		return Room{}, d.readFailure(operation, roomID, err)
	}
	return Room{
		ID:                 roomID,
		Name:               record.Name,
		Admins:             append([]common.Address(nil), record.Admins...),
		CurrentUserIsAdmin: record.HasAdmin(d.ledger.Account()),
	}, nil
}

func (d *Directory) write(ctx context.Context, operation, metricName string, submit func(context.Context) (ledger.Receipt, error)) (ledger.Receipt, error) {
	started := d.clock()
	receipt, err := submit(ctx)
	elapsed := d.clock().Sub(started)
	if err != nil {
		d.metrics.Write(metricName, metrics.ResultError, elapsed)
		kind := d.classifier.Write(err)
		d.logError(operation, kind, err)
		return receipt, failure.New(operation, kind, err)
	}
	d.metrics.Write(metricName, metrics.ResultOK, elapsed)
	return receipt, nil
}

func (d *Directory) readFailure(operation string, roomID common.Hash, err error) error {
	kind := d.classifier.Read(err)
	d.logError(operation, kind, err, zap.String("room_id", roomID.Hex()))
	return failure.New(operation, kind, err)
}

func (d *Directory) logError(operation string, kind failure.Kind, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("kind", kind.String()),
		zap.Error(err),
	}, fields...)
	d.logger.Error("room operation failed", allFields...)
}

// RoomIDFromReceipt reads the room id from topic 1 of the RoomCreated log
// emitted by contract. The log at position is tried first; otherwise the
// receipt is scanned for the RoomCreated signature. A negative position scans
// only. Logs from other emitters are never taken.
func RoomIDFromReceipt(receipt ledger.Receipt, contract common.Address, position int) (common.Hash, error) {
	roomCreated, err := ledger.EventID(ledger.EventRoomCreated)
	if err != nil {
		return common.Hash{}, err
	}
	if position >= 0 && position < len(receipt.Logs) {
		if roomID, ok := roomIDFromLog(receipt.Logs[position], contract, roomCreated); ok {
			return roomID, nil
		}
	}
	for _, log := range receipt.Logs {
		if roomID, ok := roomIDFromLog(log, contract, roomCreated); ok {
			return roomID, nil
		}
	}
	return common.Hash{}, ErrRoomIDNotFound
}

func roomIDFromLog(log ledger.Log, contract common.Address, signature common.Hash) (common.Hash, bool) {
	if log.Address != contract || len(log.Topics) < 2 || log.Topics[0] != signature {
		return common.Hash{}, false
	}
	return log.Topics[1], true
}
