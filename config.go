package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	defaultDataDir = ".footchamp"
	dbName         = "footchamp.db"
	jwtKeySize     = 32
)

// Options are read from the command line, the environment and an optional
// .env file in the working directory, in that order of precedence.
type Options struct {
	Listen   string `long:"listen" env:"LISTEN" default:":8080" description:"HTTP listen address"`
	DataDir  string `long:"datadir" env:"DATA_DIR" description:"Directory for the sqlite database (default ~/.footchamp)"`
	DBDriver string `long:"db-driver" env:"DB_DRIVER" default:"sqlite" choice:"sqlite" choice:"postgres" description:"Database driver"`
	DBDSN    string `long:"db-dsn" env:"DATABASE_URL" description:"Postgres DSN, required with --db-driver=postgres"`

	AdminUsername string        `long:"admin-user" env:"ADMIN_USERNAME" default:"admin" description:"Admin account seeded on first start"`
	AdminPassword string        `long:"admin-password" env:"ADMIN_PASSWORD" description:"Initial password of the seeded admin account (random when empty)"`
	AdminToken    string        `long:"admin-token" env:"ADMIN_TOKEN" description:"Optional static bearer token accepted on admin endpoints"`
	JWTKeyHex     string        `long:"jwt-key" env:"JWT_KEY" description:"Hex encoded HMAC key for admin tokens, at least 32 bytes (random per process when empty)"`
	TokenTTL      time.Duration `long:"token-ttl" env:"TOKEN_TTL" default:"12h" description:"Lifetime of issued admin tokens"`

	CORSOrigins []string `long:"cors-origin" env:"CORS_ORIGINS" env-delim:"," default:"*" description:"Allowed CORS origins"`
	LoginRate   string   `long:"login-rate" env:"LOGIN_RATE" default:"10-H" description:"Failed login budget per ip and username (limiter format)"`
	SubmitRate  string   `long:"submit-rate" env:"SUBMIT_RATE" default:"30-M" description:"Public form submissions per ip (limiter format)"`
	VisitRate   string   `long:"visit-rate" env:"VISIT_RATE" default:"600-M" description:"Page visit events per ip (limiter format)"`

	GeoURL     string        `long:"geo-url" env:"GEO_URL" default:"http://ip-api.com" description:"Base URL of the ip geolocation service"`
	GeoTimeout time.Duration `long:"geo-timeout" env:"GEO_TIMEOUT" default:"3s" description:"Timeout of a geolocation lookup"`

	RedisAddr     string        `long:"redis-addr" env:"REDIS_ADDR" description:"Redis address for the stats cache, disabled when empty"`
	RedisPassword string        `long:"redis-password" env:"REDIS_PASSWORD" description:"Redis password"`
	StatsCacheTTL time.Duration `long:"stats-ttl" env:"STATS_TTL" default:"30s" description:"Lifetime of cached page stats"`

	LogLevel string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"zerolog level"`
	Dev      bool   `long:"dev" env:"DEV" description:"Human readable logs"`

	// Set when the corresponding secret was not configured and got generated.
	generatedJWTKey        bool
	generatedAdminPassword bool
}

func loadOptions(args []string) (*Options, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if opts.DBDriver == "postgres" && opts.DBDSN == "" {
		return nil, errors.New("--db-dsn is required with --db-driver=postgres")
	}
	if opts.DataDir == "" {
		opts.DataDir = path.Join(homeDir(), defaultDataDir)
	}
	if opts.JWTKeyHex == "" {
		key := make([]byte, jwtKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate jwt key: %w", err)
		}
		opts.JWTKeyHex = hex.EncodeToString(key)
		opts.generatedJWTKey = true
	}
	if _, err := opts.jwtKey(); err != nil {
		return nil, err
	}
	if opts.AdminPassword == "" {
		pw, err := gonanoid.New()
		if err != nil {
			return nil, fmt.Errorf("failed to generate admin password: %w", err)
		}
		opts.AdminPassword = pw
		opts.generatedAdminPassword = true
	}
	return &opts, nil
}

func (o *Options) jwtKey() ([]byte, error) {
	key, err := hex.DecodeString(o.JWTKeyHex)
	if err != nil {
		return nil, fmt.Errorf("error parsing jwt key: %w", err)
	}
	if len(key) < jwtKeySize {
		return nil, fmt.Errorf("jwt key must be at least %d bytes", jwtKeySize)
	}
	return key, nil
}

func homeDir() string {
	// Get the OS specific home directory via the Go standard lib.
	usr, err := user.Current()
	if err == nil && usr.HomeDir != "" {
		return usr.HomeDir
	}
	// Fall back to HOME which works for most POSIX OSes.
	return os.Getenv("HOME")
}
