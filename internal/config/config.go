// Package config loads the relay and client configuration.
//
// Values come from, in increasing precedence: Default, a YAML file, a .env
// file, process environment variables and command line flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"diagramsync/internal/logging"
)

// Store backends
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreMongo  = "mongo"
	StoreHTTP   = "http"
)

// Transports
const (
	TransportWebSocket = "websocket"
	TransportRedis     = "redis"
	TransportLibp2p    = "libp2p"
)

// Config is the full configuration.
type Config struct {
	Log     logging.Options `yaml:"log"`
	Relay   RelayConfig     `yaml:"relay"`
	Client  ClientConfig    `yaml:"client"`
	Redis   RedisConfig     `yaml:"redis"`
	Mongo   MongoConfig     `yaml:"mongo"`
	Session SessionConfig   `yaml:"session"`
}

// RelayConfig configures the relay server.
type RelayConfig struct {
	Addr  string `yaml:"addr"`
	Store string `yaml:"store"`
	// Fanout selects redis to share room traffic between relay instances.
	Fanout string `yaml:"fanout"`
	// MessagesPerSecond limits inbound frames per connection.
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
	MaxMessageBytes   int64   `yaml:"max_message_bytes"`
}

// ClientConfig configures the interactive client.
type ClientConfig struct {
	Transport      string   `yaml:"transport"`
	RelayURL       string   `yaml:"relay_url"`
	SnapshotURL    string   `yaml:"snapshot_url"`
	Room           string   `yaml:"room"`
	Name           string   `yaml:"name"`
	Color          string   `yaml:"color"`
	ListenAddrs    []string `yaml:"listen_addrs"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
}

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// MongoConfig configures the MongoDB connection.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// SessionConfig tunes client sessions.
type SessionConfig struct {
	SyncTimeout      time.Duration `yaml:"sync_timeout"`
	ResyncInterval   time.Duration `yaml:"resync_interval"`
	SaveInterval     time.Duration `yaml:"save_interval"`
	CaptureTimeout   time.Duration `yaml:"capture_timeout"`
	Debounce         time.Duration `yaml:"debounce"`
	AwarenessTimeout time.Duration `yaml:"awareness_timeout"`
	AllowMultiEdges  bool          `yaml:"allow_multi_edges"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: logging.Options{Level: "info", Format: "json"},
		Relay: RelayConfig{
			Addr:              ":8080",
			Store:             StoreMemory,
			MessagesPerSecond: 200,
			Burst:             400,
			MaxMessageBytes:   1 << 20,
		},
		Client: ClientConfig{
			Transport: TransportWebSocket,
			RelayURL:  "ws://localhost:8080/ws",
			Room:      "default",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "roomsync",
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "roomsync",
		},
		Session: SessionConfig{
			SyncTimeout:      time.Second,
			SaveInterval:     5 * time.Second,
			AwarenessTimeout: 30 * time.Second,
		},
	}
}

// Load reads the YAML file at path, if given, over the defaults, then
// loads envFile, if present, and applies environment overrides.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "failed to read config %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "failed to parse config %s", path)
		}
	}

	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return cfg, errors.Wrapf(err, "failed to load %s", envFile)
			}
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return errors.Wrapf(err, "invalid %s", key)
			}
			*dst = d
		}
		return nil
	}

	str("ROOMSYNC_LOG_LEVEL", &c.Log.Level)
	str("ROOMSYNC_LOG_FORMAT", &c.Log.Format)
	str("ROOMSYNC_ADDR", &c.Relay.Addr)
	str("ROOMSYNC_STORE", &c.Relay.Store)
	str("ROOMSYNC_FANOUT", &c.Relay.Fanout)
	str("ROOMSYNC_TRANSPORT", &c.Client.Transport)
	str("ROOMSYNC_RELAY_URL", &c.Client.RelayURL)
	str("ROOMSYNC_SNAPSHOT_URL", &c.Client.SnapshotURL)
	str("ROOMSYNC_ROOM", &c.Client.Room)
	str("ROOMSYNC_NAME", &c.Client.Name)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("MONGO_URI", &c.Mongo.URI)
	str("DB_NAME", &c.Mongo.Database)

	if v, ok := lookup("REDIS_DB"); ok && v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "invalid REDIS_DB")
		}
		c.Redis.DB = db
	}
	if v, ok := lookup("ROOMSYNC_BOOTSTRAP_PEERS"); ok && v != "" {
		c.Client.BootstrapPeers = strings.Split(v, ",")
	}

	for key, dst := range map[string]*time.Duration{
		"ROOMSYNC_SYNC_TIMEOUT":    &c.Session.SyncTimeout,
		"ROOMSYNC_SAVE_INTERVAL":   &c.Session.SaveInterval,
		"ROOMSYNC_CAPTURE_TIMEOUT": &c.Session.CaptureTimeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	switch c.Relay.Store {
	case StoreMemory, StoreRedis, StoreMongo:
	default:
		return fmt.Errorf("unknown relay store %q", c.Relay.Store)
	}
	switch c.Relay.Fanout {
	case "", StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("unknown relay fanout %q", c.Relay.Fanout)
	}
	switch c.Client.Transport {
	case TransportWebSocket, TransportRedis, TransportLibp2p:
	default:
		return fmt.Errorf("unknown client transport %q", c.Client.Transport)
	}
	if c.Relay.MessagesPerSecond < 0 || c.Relay.Burst < 0 {
		return errors.New("rate limits must not be negative")
	}
	if c.Session.SaveInterval < 0 || c.Session.SyncTimeout < 0 {
		return errors.New("session durations must not be negative")
	}
	if c.Client.Room == "" {
		return errors.New("client room is required")
	}
	return nil
}
