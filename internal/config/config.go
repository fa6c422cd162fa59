// Package config loads the YAML configuration of the durable CLI and log
// server.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/durable-go/durable"
	"github.com/dshills/durable-go/durable/logserver"
	"github.com/dshills/durable-go/durable/oplog"
	"github.com/dshills/durable-go/durable/store"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config is the root of the configuration file.
//
//	store:
//	  driver: sqlite
//	  dsn: ./durable.db
//	server:
//	  addr: 127.0.0.1:9014
//	  poll_timeout: 20s
//	log:
//	  level: debug
//	  format: json
//	runtime:
//	  termination_warmup: 50ms
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Runtime RuntimeConfig `yaml:"runtime"`
}

// StoreConfig selects the persistence backend of the durable log.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite and a go-sql-driver DSN for mysql.
	DSN string `yaml:"dsn"`
	// PageSize is the number of operations per state page.
	PageSize int `yaml:"page_size"`
}

// ServerConfig configures the log server and the client that reaches it.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// URL is where CLI commands reach the server.
	URL           string        `yaml:"url"`
	PollTimeout   time.Duration `yaml:"poll_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// RequestTimeout bounds client requests.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RuntimeConfig tunes handlers built by the CLI's example workflows.
type RuntimeConfig struct {
	TerminationWarmup time.Duration `yaml:"termination_warmup"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	SettleDelay       time.Duration `yaml:"settle_delay"`
	MaxResultSize     int           `yaml:"max_result_size"`
	ModeAwareLogging  *bool         `yaml:"mode_aware_logging"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Store: StoreConfig{Driver: DriverMemory},
		Server: ServerConfig{
			Addr:           "127.0.0.1:9014",
			URL:            "http://127.0.0.1:9014",
			PollTimeout:    logserver.DefaultPollTimeout,
			SweepInterval:  logserver.DefaultSweepInterval,
			RequestTimeout: 30 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverMySQL:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the %s driver", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store.driver %q (memory, sqlite, mysql)", c.Store.Driver)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q (text, json)", c.Log.Format)
	}
	if c.Store.PageSize < 0 {
		return errors.New("store.page_size must not be negative")
	}
	if c.Runtime.MaxResultSize < 0 {
		return errors.New("runtime.max_result_size must not be negative")
	}
	return nil
}

// OpenStore opens the configured store.
func (c Config) OpenStore() (store.Store, error) {
	switch c.Store.Driver {
	case DriverSQLite:
		return store.NewSQLiteStore(c.Store.DSN)
	case DriverMySQL:
		return store.NewMySQLStore(c.Store.DSN)
	}
	return store.NewMemStore(), nil
}

// LogOptions returns the oplog options implied by the configuration.
func (c Config) LogOptions() []oplog.Option {
	var opts []oplog.Option
	if c.Store.PageSize > 0 {
		opts = append(opts, oplog.WithPageSize(c.Store.PageSize))
	}
	return opts
}

// ServerOptions returns the log server options implied by the
// configuration.
func (c Config) ServerOptions() []logserver.Option {
	return []logserver.Option{
		logserver.WithPollTimeout(c.Server.PollTimeout),
		logserver.WithSweepInterval(c.Server.SweepInterval),
	}
}

// HandlerOptions returns the durable handler options implied by the
// runtime section. Zero values keep the library defaults.
func (c Config) HandlerOptions() []durable.Option {
	var opts []durable.Option
	r := c.Runtime
	if r.TerminationWarmup > 0 {
		opts = append(opts, durable.WithTerminationWarmup(r.TerminationWarmup))
	}
	if r.PollInterval > 0 {
		opts = append(opts, durable.WithPollInterval(r.PollInterval))
	}
	if r.SettleDelay > 0 {
		opts = append(opts, durable.WithSettleDelay(r.SettleDelay))
	}
	if r.MaxResultSize > 0 {
		opts = append(opts, durable.WithMaxResultSize(r.MaxResultSize))
	}
	if r.ModeAwareLogging != nil {
		opts = append(opts, durable.WithModeAwareLogging(*r.ModeAwareLogging))
	}
	return opts
}
