package database

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/qaroom/internal/ledger"
	"github.com/MarcoPoloResearchLab/qaroom/internal/ledger/devnet"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testRoomID = "0x8b2f0c1a6a2c2b8d6f2f4c4f5a3b1e0d9c8b7a6f5e4d3c2b1a09f8e7d6c5b4a3"

func openMigratedSchema(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(append(devnet.Models(), &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func insertQuestion(testContext *testing.T, database *gorm.DB, question devnet.Question) {
	testContext.Helper()
	if err := database.Create(&question).Error; err != nil {
		testContext.Fatalf("failed to insert question: %v", err)
	}
}

func updateQuestion(database *gorm.DB, questionID uint64, values map[string]any) error {
	return database.Model(&devnet.Question{}).
		Where("room_id = ? AND question_id = ?", testRoomID, questionID).
		Updates(values).Error
}

func TestVoteCounterGuard(testContext *testing.T) {
	database := openMigratedSchema(testContext)
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	insertQuestion(testContext, database, devnet.Question{RoomID: testRoomID, QuestionID: 0, Author: "0xA1", Content: "hello", UpvoteCount: 3, DownvoteCount: 1})

	testCases := []struct {
		name    string
		values  map[string]any
		allowed bool
	}{
		{name: "upvote grows", values: map[string]any{"upvote_count": 4, "downvote_count": 1}, allowed: true},
		{name: "downvote grows", values: map[string]any{"upvote_count": 4, "downvote_count": 2}, allowed: true},
		{name: "upvote shrinks", values: map[string]any{"upvote_count": 0, "downvote_count": 2}},
		{name: "downvote shrinks", values: map[string]any{"upvote_count": 4, "downvote_count": 0}},
		{name: "other columns", values: map[string]any{"is_read": true}, allowed: true},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			err := updateQuestion(database, 0, testCase.values)
			if testCase.allowed && err != nil {
				testContext.Fatalf("expected update to pass, got %v", err)
			}
			if !testCase.allowed && (err == nil || !strings.Contains(err.Error(), "vote counters only grow")) {
				testContext.Fatalf("expected vote counter guard, got %v", err)
			}
		})
	}

	var stored devnet.Question
	if err := database.Where("room_id = ? AND question_id = ?", testRoomID, 0).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload question: %v", err)
	}
	if stored.UpvoteCount != 4 || stored.DownvoteCount != 2 {
		testContext.Fatalf("expected counters 4/2, got %d/%d", stored.UpvoteCount, stored.DownvoteCount)
	}
}

func TestTombstoneGuard(testContext *testing.T) {
	database := openMigratedSchema(testContext)
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	insertQuestion(testContext, database, devnet.Question{RoomID: testRoomID, QuestionID: 0, Author: "0xA1", Content: "alive"})
	insertQuestion(testContext, database, devnet.Question{RoomID: testRoomID, QuestionID: 1, Author: "0xA1", Content: "doomed"})

	if err := updateQuestion(database, 0, map[string]any{"is_deleted": true}); err == nil || !strings.Contains(err.Error(), "tombstone") {
		testContext.Fatalf("expected deletion without tombstone to fail, got %v", err)
	}
	if err := updateQuestion(database, 1, map[string]any{"content": ledger.DeletedContent, "is_deleted": true}); err != nil {
		testContext.Fatalf("expected tombstoning to pass, got %v", err)
	}

	frozen := []map[string]any{
		{"content": "resurrected"},
		{"is_read": true},
		{"upvote_count": 9},
	}
	for _, values := range frozen {
		if err := updateQuestion(database, 1, values); err == nil || !strings.Contains(err.Error(), "immutable") {
			testContext.Fatalf("expected update %v of a deleted question to fail, got %v", values, err)
		}
	}
	if err := updateQuestion(database, 0, map[string]any{"content": "edited"}); err != nil {
		testContext.Fatalf("expected live question edit to pass, got %v", err)
	}
}

func TestApplyMigrationsIsIdempotent(testContext *testing.T) {
	database := openMigratedSchema(testContext)
	for attempt := 0; attempt < 2; attempt++ {
		if err := applyMigrations(database, zap.NewNop()); err != nil {
			testContext.Fatalf("attempt %d failed: %v", attempt, err)
		}
	}
	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if count != 2 {
		testContext.Fatalf("expected 2 migration records, got %d", count)
	}
	var record migrationRecord
	if err := database.Where("name = ?", migrationMonotonicVoteCounters).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
