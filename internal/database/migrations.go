package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/qaroom/internal/ledger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Named migrations install SQLite triggers for ledger rules that gorm tags
// cannot express. Names are stable; a recorded name is never re-applied.
const (
	migrationMonotonicVoteCounters = "devnet_questions_monotonic_vote_counters"
	migrationFrozenTombstones      = "devnet_questions_frozen_tombstones"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationMonotonicVoteCounters, apply: guardVoteCounters},
		{name: migrationFrozenTombstones, apply: guardTombstones},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// guardVoteCounters rejects any update that lowers a vote counter.
func guardVoteCounters(db *gorm.DB) error {
	return db.Exec(`CREATE TRIGGER IF NOT EXISTS devnet_questions_vote_counters_grow
		BEFORE UPDATE OF upvote_count, downvote_count ON devnet_questions
		WHEN NEW.upvote_count < OLD.upvote_count OR NEW.downvote_count < OLD.downvote_count
		BEGIN
			SELECT RAISE(ABORT, 'vote counters only grow');
		END`).Error
}

// guardTombstones rejects updates to a deleted question and deletions that
// do not write the tombstone content.
func guardTombstones(db *gorm.DB) error {
	statements := []string{
		`CREATE TRIGGER IF NOT EXISTS devnet_questions_tombstone_frozen
		BEFORE UPDATE ON devnet_questions
		WHEN OLD.is_deleted
		BEGIN
			SELECT RAISE(ABORT, 'deleted questions are immutable');
		END`,
		`CREATE TRIGGER IF NOT EXISTS devnet_questions_tombstone_content
		BEFORE UPDATE OF is_deleted ON devnet_questions
		WHEN NEW.is_deleted AND NEW.content <> '` + ledger.DeletedContent + `'
		BEGIN
			SELECT RAISE(ABORT, 'deleted questions must carry the tombstone');
		END`,
	}
	for _, statement := range statements {
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}
