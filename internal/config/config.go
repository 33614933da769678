// Package config loads the service settings.
//
// Sources, lowest precedence first: built-in defaults, environment
// variables (USERFEED_<KEY>, plus the plain MONGODB_URI and PORT), and
// command-line flags that were set explicitly.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sakif/userfeed/internal/service"
)

// Store backends.
const (
	StoreMongo  = "mongo"
	StoreSQLite = "sqlite"
)

// Keys, shared by flags and environment variables.
const (
	KeyPort              = "port"
	KeyStore             = "store"
	KeyMongoURI          = "mongodb-uri"
	KeyMongoDatabase     = "mongodb-database"
	KeyMongoTransactions = "mongodb-transactions"
	KeySQLitePath        = "sqlite-path"
	KeyUpstreamURL       = "upstream-url"
	KeyUpstreamTimeout   = "upstream-timeout"
	KeyStoreTimeout      = "store-timeout"
	KeySeedMode          = "seed-mode"
	KeyLogLevel          = "log-level"
	envPrefix            = "USERFEED"
)

type Config struct {
	Port              int
	Store             string
	MongoURI          string
	MongoDatabase     string
	MongoTransactions bool
	SQLitePath        string
	UpstreamURL       string
	UpstreamTimeout   time.Duration
	StoreTimeout      time.Duration
	SeedMode          service.SeedMode
	LogLevel          slog.Level
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Port:            3000,
		Store:           StoreMongo,
		MongoURI:        "mongodb://localhost:27017/node_assignment",
		MongoDatabase:   "node_assignment",
		SQLitePath:      "data/userfeed.db",
		UpstreamURL:     "https://jsonplaceholder.typicode.com",
		UpstreamTimeout: 10 * time.Second,
		StoreTimeout:    5 * time.Second,
		SeedMode:        service.SeedSkipExisting,
		LogLevel:        slog.LevelInfo,
	}
}

// RegisterFlags defines one flag per key on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.Int(KeyPort, d.Port, "HTTP listen port")
	fs.String(KeyStore, d.Store, "storage backend (mongo or sqlite)")
	fs.String(KeyMongoURI, d.MongoURI, "MongoDB connection string")
	fs.String(KeyMongoDatabase, d.MongoDatabase, "MongoDB database name")
	fs.Bool(KeyMongoTransactions, d.MongoTransactions, "run cascade deletes in a MongoDB transaction (needs a replica set)")
	fs.String(KeySQLitePath, d.SQLitePath, "SQLite database file")
	fs.String(KeyUpstreamURL, d.UpstreamURL, "base URL of the seed source")
	fs.Duration(KeyUpstreamTimeout, d.UpstreamTimeout, "timeout for each upstream request")
	fs.Duration(KeyStoreTimeout, d.StoreTimeout, "timeout for each storage call")
	fs.String(KeySeedMode, string(d.SeedMode), "seed policy (skip-existing or replace)")
	fs.String(KeyLogLevel, d.LogLevel.String(), "log level (debug, info, warn, error)")
}

// Load resolves the configuration from defaults, the environment and fs.
// fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	d := Default()

	v.SetDefault(KeyPort, d.Port)
	v.SetDefault(KeyStore, d.Store)
	v.SetDefault(KeyMongoURI, d.MongoURI)
	v.SetDefault(KeyMongoDatabase, d.MongoDatabase)
	v.SetDefault(KeyMongoTransactions, d.MongoTransactions)
	v.SetDefault(KeySQLitePath, d.SQLitePath)
	v.SetDefault(KeyUpstreamURL, d.UpstreamURL)
	v.SetDefault(KeyUpstreamTimeout, d.UpstreamTimeout)
	v.SetDefault(KeyStoreTimeout, d.StoreTimeout)
	v.SetDefault(KeySeedMode, string(d.SeedMode))
	v.SetDefault(KeyLogLevel, d.LogLevel.String())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	// Deployments of the previous service set these without a prefix.
	if err := v.BindEnv(KeyMongoURI, envPrefix+"_MONGODB_URI", "MONGODB_URI"); err != nil {
		return nil, fmt.Errorf("binding env: %w", err)
	}
	if err := v.BindEnv(KeyPort, envPrefix+"_PORT", "PORT"); err != nil {
		return nil, fmt.Errorf("binding env: %w", err)
	}

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}

	cfg := &Config{
		Port:              v.GetInt(KeyPort),
		Store:             strings.ToLower(v.GetString(KeyStore)),
		MongoURI:          v.GetString(KeyMongoURI),
		MongoDatabase:     v.GetString(KeyMongoDatabase),
		MongoTransactions: v.GetBool(KeyMongoTransactions),
		SQLitePath:        v.GetString(KeySQLitePath),
		UpstreamURL:       v.GetString(KeyUpstreamURL),
		UpstreamTimeout:   v.GetDuration(KeyUpstreamTimeout),
		StoreTimeout:      v.GetDuration(KeyStoreTimeout),
	}

	mode, err := service.ParseSeedMode(v.GetString(KeySeedMode))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KeySeedMode, err)
	}
	cfg.SeedMode = mode

	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString(KeyLogLevel))); err != nil {
		return nil, fmt.Errorf("%s: %w", KeyLogLevel, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("%s: %d is out of range", KeyPort, c.Port)
	case c.Store != StoreMongo && c.Store != StoreSQLite:
		return fmt.Errorf("%s: unknown backend %q", KeyStore, c.Store)
	case c.Store == StoreMongo && c.MongoURI == "":
		return fmt.Errorf("%s is required for the mongo store", KeyMongoURI)
	case c.Store == StoreSQLite && c.SQLitePath == "":
		return fmt.Errorf("%s is required for the sqlite store", KeySQLitePath)
	case c.UpstreamURL == "":
		return fmt.Errorf("%s is required", KeyUpstreamURL)
	case c.UpstreamTimeout <= 0:
		return fmt.Errorf("%s must be positive", KeyUpstreamTimeout)
	case c.StoreTimeout <= 0:
		return fmt.Errorf("%s must be positive", KeyStoreTimeout)
	}
	return nil
}
