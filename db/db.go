package db

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Path is the default location of the SQLite file backing the persistent credential tier.
var Path = filepath.Join(os.Getenv("HOME"), ".convo/session.db")

// InitDB opens (creating if needed) the database at path and migrates its tables.
// An empty path falls back to Path; ":memory:" opens a throwaway in-memory database.
func InitDB(path string) (*gorm.DB, error) {
	if path == "" {
		path = Path
	}

	if path != ":memory:" {
		if err := createDBDirectory(path); err != nil {
			return nil, err
		}
	}

	gdb, err := openDatabase(path)
	if err != nil {
		return nil, err
	}

	if err := migrateTables(gdb); err != nil {
		return nil, err
	}

	configureLogger(gdb)

	log.Debug().Str("path", path).Msg("Database initialized successfully")
	return gdb, nil
}

// createDBDirectory creates the directory for the database file if it does not exist.
func createDBDirectory(path string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			log.Error().Err(err).Msg("Failed to create database directory")
			return err
		}
	}
	return nil
}

func openDatabase(path string) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize database")
		return nil, err
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return gdb, nil
}

func migrateTables(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(&Credential{}); err != nil {
		log.Error().Err(err).Msg("Failed to auto-migrate database")
		return err
	}
	return nil
}

// configureLogger keeps GORM quiet unless debug logging is enabled globally.
// Credential values appear in SQL traces, so anything above debug stays silent.
func configureLogger(gdb *gorm.DB) {
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		gdb.Logger = gdb.Logger.LogMode(logger.Warn)
	} else {
		gdb.Logger = gdb.Logger.LogMode(logger.Silent)
	}
}

// CloseDB closes the underlying database connection.
func CloseDB(gdb *gorm.DB) error {
	if gdb == nil {
		return nil
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		log.Error().Err(err).Msg("Failed to get raw database connection")
		return err
	}
	return sqlDB.Close()
}
