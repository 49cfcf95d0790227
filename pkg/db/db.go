package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xrelay/xrelay/pkg/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store represents the database connection and operations
type Store struct {
	db     *gorm.DB
	dbType string // "postgres" or "sqlite"
}

// New creates a new database connection and sets up the schema
func New(dsn string) (*Store, error) {
	var gormDB *gorm.DB
	var dbType string
	var err error

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	// If DSN is empty, use SQLite with local file
	if dsn == "" {
		dataDir := "data"
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}

		sqlitePath := filepath.Join(dataDir, "xrelay.db")
		gormDB, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
		dbType = "sqlite"
	} else if IsPostgresDSN(dsn) {
		gormDB, err = gorm.Open(postgres.Open(dsn), gormConfig)
		dbType = "postgres"
	} else {
		// Assume SQLite file path
		gormDB, err = gorm.Open(sqlite.Open(dsn), gormConfig)
		dbType = "sqlite"
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	database := &Store{db: gormDB, dbType: dbType}

	if err := database.setupSchema(); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return database, nil
}

// IsPostgresDSN reports whether dsn points at PostgreSQL rather than a SQLite file.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// setupSchema creates the necessary tables and handles migrations
func (d *Store) setupSchema() error {
	err := d.db.AutoMigrate(
		&types.Credential{},
		&types.AccessLog{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate database schema: %w", err)
	}

	return nil
}

// Type returns "postgres" or "sqlite".
func (d *Store) Type() string {
	return d.dbType
}

// GetCredential retrieves the credential for a subject. It returns
// (nil, nil) when no row exists.
func (d *Store) GetCredential(subjectID string) (*types.Credential, error) {
	var cred types.Credential
	err := d.db.First(&cred, "subject_id = ?", subjectID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// ListCredentials returns every stored credential.
func (d *Store) ListCredentials() ([]types.Credential, error) {
	var creds []types.Credential
	if err := d.db.Order("id").Find(&creds).Error; err != nil {
		return nil, err
	}
	return creds, nil
}

// SaveCredential inserts or updates the row for cred.SubjectID. The caller
// owns the timestamps; CreatedAt of an existing row is preserved.
func (d *Store) SaveCredential(cred *types.Credential) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		var existing types.Credential
		err := tx.Select("id", "created_at").First(&existing, "subject_id = ?", cred.SubjectID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			cred.ID = 0
			return tx.Create(cred).Error
		}
		if err != nil {
			return err
		}

		cred.ID = existing.ID
		cred.CreatedAt = existing.CreatedAt
		return tx.Save(cred).Error
	})
}

// ReplaceCredential deletes any row for cred.SubjectID and inserts cred, in
// one transaction, so a subject never has two rows.
func (d *Store) ReplaceCredential(cred *types.Credential) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("subject_id = ?", cred.SubjectID).Delete(&types.Credential{}).Error; err != nil {
			return fmt.Errorf("failed to delete previous credential: %w", err)
		}
		cred.ID = 0
		return tx.Create(cred).Error
	})
}

// DeleteCredential removes the credential for a subject. Deleting a missing
// subject is not an error.
func (d *Store) DeleteCredential(subjectID string) (bool, error) {
	result := d.db.Where("subject_id = ?", subjectID).Delete(&types.Credential{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// InsertAccessLog stores an admission record and fills in its ID.
func (d *Store) InsertAccessLog(entry *types.AccessLog) error {
	return d.db.Create(entry).Error
}

// MarkAccessLogFailed flips a stored admission record to failed.
func (d *Store) MarkAccessLogFailed(id uint) error {
	result := d.db.Model(&types.AccessLog{}).Where("id = ?", id).Update("states", types.AccessFailed)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("access log not found: id=%d", id)
	}
	return nil
}

// GetAccessLog retrieves one admission record by ID.
func (d *Store) GetAccessLog(id uint) (*types.AccessLog, error) {
	var entry types.AccessLog
	if err := d.db.First(&entry, id).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// Close closes the database connection
func (d *Store) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
