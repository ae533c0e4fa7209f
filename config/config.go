package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/jaywantadh/BufferShare/internal/eventbus"
	"github.com/jaywantadh/BufferShare/internal/wire"
)

const envPrefix = "BUFFERSHARE"

var ErrInvalidConfig = errors.New("invalid configuration")

// AppConfig holds the application-level configuration
type AppConfig struct {
	NodeID            string        `mapstructure:"node_id"`
	ListenAddr        string        `mapstructure:"listen_addr"`
	HTTPAddr          string        `mapstructure:"http_addr"`
	StoragePath       string        `mapstructure:"storage_path"`
	JournalPath       string        `mapstructure:"journal_path"`
	ChunkSize         int           `mapstructure:"chunk_size"`
	WindowSize        int           `mapstructure:"window_size"`
	CreditInterval    int           `mapstructure:"credit_interval"`
	Timeout           time.Duration `mapstructure:"timeout"`
	Codec             string        `mapstructure:"codec"`
	Hash              string        `mapstructure:"hash"`
	Compress          bool          `mapstructure:"compress"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PeerDeadAfter     time.Duration `mapstructure:"peer_dead_after"`
	Debug             bool          `mapstructure:"debug"`
}

var Config *AppConfig

var defaults = map[string]any{
	"listen_addr":        ":7420",
	"http_addr":          "127.0.0.1:7421",
	"storage_path":       "./data/store",
	"journal_path":       "./data/journal",
	"chunk_size":         14 * 1024,
	"window_size":        16,
	"credit_interval":    8,
	"timeout":            15 * time.Second,
	"codec":              "raw",
	"hash":               "sha256",
	"compress":           false,
	"heartbeat_interval": 5 * time.Second,
	"peer_dead_after":    15 * time.Second,
	"debug":              false,
}

// Default returns the built-in configuration with a fresh node id.
func Default() *AppConfig {
	return &AppConfig{
		NodeID:            uuid.New().String(),
		ListenAddr:        defaults["listen_addr"].(string),
		HTTPAddr:          defaults["http_addr"].(string),
		StoragePath:       defaults["storage_path"].(string),
		JournalPath:       defaults["journal_path"].(string),
		ChunkSize:         defaults["chunk_size"].(int),
		WindowSize:        defaults["window_size"].(int),
		CreditInterval:    defaults["credit_interval"].(int),
		Timeout:           defaults["timeout"].(time.Duration),
		Codec:             defaults["codec"].(string),
		Hash:              defaults["hash"].(string),
		HeartbeatInterval: defaults["heartbeat_interval"].(time.Duration),
		PeerDeadAfter:     defaults["peer_dead_after"].(time.Duration),
	}
}

// LoadConfig reads config.yaml from path, overlays BUFFERSHARE_* environment
// variables and stores the result in Config. A missing file is not an
// error.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetDefault("node_id", "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var appConfig AppConfig
	if err := v.Unmarshal(&appConfig); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if appConfig.NodeID == "" {
		appConfig.NodeID = uuid.New().String()
	}
	if err := appConfig.Validate(); err != nil {
		return nil, err
	}

	Config = &appConfig
	return Config, nil
}

// Validate rejects settings the transfer layer cannot run with.
func (c *AppConfig) Validate() error {
	switch {
	case c.NodeID == "":
		return fmt.Errorf("%w: node_id is empty", ErrInvalidConfig)
	case c.ChunkSize <= 0:
		return fmt.Errorf("%w: chunk_size must be positive", ErrInvalidConfig)
	case c.ChunkSize+wire.SegmentHeaderSize > eventbus.MaxMessageSize:
		return fmt.Errorf("%w: chunk_size %d exceeds the %d byte message limit", ErrInvalidConfig, c.ChunkSize, eventbus.MaxMessageSize-wire.SegmentHeaderSize)
	case c.WindowSize <= 0:
		return fmt.Errorf("%w: window_size must be positive", ErrInvalidConfig)
	case c.CreditInterval <= 0:
		return fmt.Errorf("%w: credit_interval must be positive", ErrInvalidConfig)
	case c.WindowSize < c.CreditInterval:
		return fmt.Errorf("%w: window_size %d is smaller than credit_interval %d", ErrInvalidConfig, c.WindowSize, c.CreditInterval)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	case c.HeartbeatInterval <= 0 || c.PeerDeadAfter <= 0:
		return fmt.Errorf("%w: heartbeat settings must be positive", ErrInvalidConfig)
	}
	return nil
}
