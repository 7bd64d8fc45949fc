package rooms

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/qaroom/internal/failure"
	"github.com/MarcoPoloResearchLab/qaroom/internal/ledger"
	"github.com/MarcoPoloResearchLab/qaroom/internal/ledger/devnet"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
)

var (
	contractAddress = common.HexToAddress("0x462057041505219a9f4b2F4dAC794023b2a4205a")
	host            = common.HexToAddress("0x00000000000000000000000000000000000A11CE")
	guest           = common.HexToAddress("0x0000000000000000000000000000000000000B0B")
)

func newDevnet(t *testing.T) *devnet.Ledger {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "rooms.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(devnet.Models()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	devLedger, err := devnet.New(devnet.Config{Database: db, Contract: contractAddress})
	if err != nil {
		t.Fatalf("devnet: %v", err)
	}
	return devLedger
}

func newDirectory(t *testing.T, devLedger *devnet.Ledger, account common.Address, logger *zap.Logger) *Directory {
	t.Helper()
	manager, err := ledger.NewRoomManager(ledger.RoomManagerConfig{
		Client:  devLedger.Client(account, devnet.SessionPolicy{}),
		Address: contractAddress,
	})
	if err != nil {
		t.Fatalf("room manager: %v", err)
	}
	directory, err := NewDirectory(DirectoryConfig{Ledger: manager, Logger: logger})
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	return directory
}

func TestNewDirectoryRequiresLedger(t *testing.T) {
	if _, err := NewDirectory(DirectoryConfig{}); !errors.Is(err, errMissingLedger) {
		t.Fatalf("expected missing ledger error, got %v", err)
	}
}

func TestCreateRoomMakesCreatorAdmin(t *testing.T) {
	devLedger := newDevnet(t)
	directory := newDirectory(t, devLedger, host, nil)

	room, err := directory.CreateRoom(context.Background(), "  Launch Q&A ")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if room.ID == (common.Hash{}) || room.Name != "Launch Q&A" {
		t.Fatalf("unexpected room %+v", room)
	}
	if !room.CurrentUserIsAdmin || len(room.Admins) != 1 || room.Admins[0] != host {
		t.Fatalf("creator must be the only admin, got %+v", room)
	}

	loaded, err := newDirectory(t, devLedger, guest, nil).LoadRoom(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("load room: %v", err)
	}
	if loaded.Name != room.Name || loaded.CurrentUserIsAdmin {
		t.Fatalf("unexpected room for guest %+v", loaded)
	}
}

func TestCreateRoomRejectsBlankName(t *testing.T) {
	directory := newDirectory(t, newDevnet(t), host, nil)
	if _, err := directory.CreateRoom(context.Background(), " "); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("expected empty name error, got %v", err)
	}
}

func TestAdminManagement(t *testing.T) {
	devLedger := newDevnet(t)
	hostDirectory := newDirectory(t, devLedger, host, nil)
	guestDirectory := newDirectory(t, devLedger, guest, nil)
	ctx := context.Background()

	room, err := hostDirectory.CreateRoom(ctx, "Town hall")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	if _, err := guestDirectory.RenameRoom(ctx, room.ID, "Hijacked"); failure.KindOf(err) != failure.TransactionReverted {
		t.Fatalf("guest rename must revert, got %v", err)
	}
	updated, err := hostDirectory.AddAdmin(ctx, room.ID, guest)
	if err != nil {
		t.Fatalf("add admin: %v", err)
	}
	if len(updated.Admins) != 2 {
		t.Fatalf("expected two admins, got %+v", updated.Admins)
	}
	isAdmin, err := hostDirectory.CheckIsAdmin(ctx, room.ID, guest)
	if err != nil || !isAdmin {
		t.Fatalf("expected guest to be admin, got %v (%v)", isAdmin, err)
	}
	renamed, err := guestDirectory.RenameRoom(ctx, room.ID, "Town hall, autumn")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if renamed.Name != "Town hall, autumn" || !renamed.CurrentUserIsAdmin {
		t.Fatalf("unexpected room %+v", renamed)
	}
}

func TestBanLifecycle(t *testing.T) {
	devLedger := newDevnet(t)
	directory := newDirectory(t, devLedger, host, nil)
	ctx := context.Background()
	room, err := directory.CreateRoom(ctx, "Moderated")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := directory.BanUser(ctx, room.ID, guest); err != nil {
		t.Fatalf("ban: %v", err)
	}
	banned, err := directory.IsBanned(ctx, room.ID, guest)
	if err != nil || !banned {
		t.Fatalf("expected ban, got %v (%v)", banned, err)
	}
	if err := directory.BanUser(ctx, room.ID, guest); failure.KindOf(err) != failure.TransactionReverted {
		t.Fatalf("double ban must revert, got %v", err)
	}
	if err := directory.UnbanUser(ctx, room.ID, guest); err != nil {
		t.Fatalf("unban: %v", err)
	}
	banned, err = directory.IsBanned(ctx, room.ID, guest)
	if err != nil || banned {
		t.Fatalf("expected unban, got %v (%v)", banned, err)
	}
	count, err := directory.QuestionCount(ctx, room.ID)
	if err != nil || count != 0 {
		t.Fatalf("expected empty room, got %d (%v)", count, err)
	}
}

func TestLoadUnknownRoomFailsAndLogs(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	directory := newDirectory(t, newDevnet(t), host, zap.New(core))
	_, err := directory.LoadRoom(context.Background(), common.HexToHash("0xdead"))
	if failure.KindOf(err) != failure.FetchFailed {
		t.Fatalf("expected fetch failure, got %v", err)
	}
	var revert *ledger.RevertError
	if !errors.As(err, &revert) || revert.Reason != devnet.ReasonInvalidRoom {
		t.Fatalf("expected invalid room revert underneath, got %v", err)
	}
	if logs.FilterMessage("room operation failed").Len() != 1 {
		t.Fatalf("expected one error log, got %d", logs.Len())
	}
}

func TestRoomIDFromReceipt(t *testing.T) {
	roomID := common.HexToHash("0x8b2f0c1a6a2c2b8d6f2f4c4f5a3b1e0d9c8b7a6f5e4d3c2b1a09f8e7d6c5b4a3")
	createdTopic, err := ledger.EventID(ledger.EventRoomCreated)
	if err != nil {
		t.Fatalf("event id: %v", err)
	}
	transfer := ledger.Log{
		Address: common.HexToAddress("0x000000000000000000000000000000000000800A"),
		Topics:  []common.Hash{crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")), common.HexToHash("0x01"), common.HexToHash("0x02")},
	}
	created := ledger.Log{Address: contractAddress, Topics: []common.Hash{createdTopic, roomID}}
	adminAdded, err := ledger.EventID(ledger.EventAdminAdded)
	if err != nil {
		t.Fatalf("event id: %v", err)
	}
	admin := ledger.Log{Address: contractAddress, Topics: []common.Hash{adminAdded, roomID}}
	impostorRoom := common.HexToHash("0x0bad")
	impostor := ledger.Log{Address: common.HexToAddress("0x00000000000000000000000000000000DeaDBeef"), Topics: []common.Hash{createdTopic, impostorRoom}}

	testCases := []struct {
		name     string
		logs     []ledger.Log
		position int
		expected common.Hash
		err      error
	}{
		{name: "known position", logs: []ledger.Log{transfer, transfer, created, admin}, position: 2, expected: roomID},
		{name: "shifted layout", logs: []ledger.Log{created, admin}, position: 2, expected: roomID},
		{name: "position holds another event", logs: []ledger.Log{transfer, created, admin}, position: 2, expected: roomID},
		{name: "scan only", logs: []ledger.Log{transfer, created}, position: -1, expected: roomID},
		{name: "missing", logs: []ledger.Log{transfer, transfer, admin}, position: 2, err: ErrRoomIDNotFound},
		{name: "foreign emitter at position", logs: []ledger.Log{transfer, transfer, impostor, created}, position: 2, expected: roomID},
		{name: "foreign emitter before contract log", logs: []ledger.Log{impostor, created}, position: -1, expected: roomID},
		{name: "only foreign emitter", logs: []ledger.Log{transfer, transfer, impostor}, position: 2, err: ErrRoomIDNotFound},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got, err := RoomIDFromReceipt(ledger.Receipt{Logs: testCase.logs}, contractAddress, testCase.position)
			if !errors.Is(err, testCase.err) {
				t.Fatalf("expected error %v, got %v", testCase.err, err)
			}
			if got != testCase.expected {
				t.Fatalf("expected %s, got %s", testCase.expected.Hex(), got.Hex())
			}
		})
	}
}
