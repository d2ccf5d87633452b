package main

import (
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openDatabase connects to the configured database, migrates the schema and
// seeds the admin account if it does not exist yet.
func openDatabase(opts *Options, log zerolog.Logger) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var (
		db  *gorm.DB
		err error
	)
	switch opts.DBDriver {
	case "postgres":
		log.Info().Msg("connecting to postgres")
		db, err = gorm.Open(postgres.Open(opts.DBDSN), cfg)
	default:
		if err := os.MkdirAll(opts.DataDir, os.ModePerm); err != nil {
			return nil, err
		}
		dbPath := path.Join(opts.DataDir, dbName)
		log.Info().Str("path", dbPath).Msg("opening sqlite database")
		db, err = openSQLite(dbPath, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	created, err := seedAdmin(db, opts.AdminUsername, opts.AdminPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to seed admin account: %w", err)
	}
	if created {
		ev := log.Warn().Str("username", opts.AdminUsername)
		if opts.generatedAdminPassword {
			ev = ev.Str("password", opts.AdminPassword)
		}
		ev.Msg("admin account created, change its password")
	}
	return db, nil
}

// openSQLite opens a sqlite database limited to a single connection, which
// also keeps ":memory:" databases shared across queries.
func openSQLite(dsn string, cfg *gorm.Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func applyMigrations(db *gorm.DB) error {
	return db.AutoMigrate(
		&DBCredentials{},
		&LeadToulouse{},
		&LeadMarrakech{},
		&TournamentRegistration{},
		&GameMarrakech{},
		&GameToulouse{},
		&JoueurToulouse{},
		&PageVisit{},
	)
}

func seedAdmin(db *gorm.DB, username, password string) (bool, error) {
	var creds DBCredentials
	result := db.First(&creds, "username = ?", username)
	if result.Error == nil {
		return false, nil
	}
	if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return false, result.Error
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return false, err
	}
	if err := db.Create(&DBCredentials{Username: username, PasswordHash: string(hash)}).Error; err != nil {
		return false, err
	}
	return true, nil
}
