// Package config loads rtstream settings from defaults, an optional YAML file
// and RTSTREAM_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cyberinferno/rtstream/logger"
	"github.com/cyberinferno/rtstream/producer"
	"github.com/cyberinferno/rtstream/rtclient"
	"github.com/cyberinferno/rtstream/rtserver"
	"github.com/cyberinferno/rtstream/sink"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const envPrefix = "RTSTREAM"

// ErrInvalid is returned by Load and Validate for unusable settings.
var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Client    ClientConfig    `mapstructure:"client"`
	Producer  ProducerConfig  `mapstructure:"producer"`
	Buffer    BufferConfig    `mapstructure:"buffer"`
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
}

// ServerConfig locates the acquisition server.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

type ClientConfig struct {
	// Alias is sent to the server after the handshake; a random one is
	// generated when empty.
	Alias             string        `mapstructure:"alias"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	DisconnectTimeout time.Duration `mapstructure:"disconnect_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
}

type ProducerConfig struct {
	ID            string        `mapstructure:"id"`
	Measurement   string        `mapstructure:"measurement"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	MaxRetries    int           `mapstructure:"max_retries"`
	SettleDelay   time.Duration `mapstructure:"settle_delay"`
}

type BufferConfig struct {
	Capacity int `mapstructure:"capacity"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// Format is "console" or "json".
	Format string `mapstructure:"format"`
}

// StoreConfig selects the channel info store. An empty RedisAddr keeps info
// in memory.
type StoreConfig struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// MetricsConfig sets where /metrics is served; empty disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type SimulatorConfig struct {
	Address         string        `mapstructure:"address"`
	Channels        int           `mapstructure:"channels"`
	SampleFrequency float32       `mapstructure:"sample_frequency"`
	BlockSize       int           `mapstructure:"block_size"`
	BlockInterval   time.Duration `mapstructure:"block_interval"`
	MaxBlocks       int           `mapstructure:"max_blocks"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "127.0.0.1:4218")

	v.SetDefault("client.alias", "")
	v.SetDefault("client.connect_timeout", time.Second)
	v.SetDefault("client.handshake_timeout", 5*time.Second)
	v.SetDefault("client.disconnect_timeout", time.Second)
	v.SetDefault("client.read_timeout", time.Duration(0))

	v.SetDefault("producer.id", "rtserver")
	v.SetDefault("producer.measurement", "raw")
	v.SetDefault("producer.retry_interval", 100*time.Millisecond)
	v.SetDefault("producer.max_retries", 0)
	v.SetDefault("producer.settle_delay", time.Second)

	v.SetDefault("buffer.capacity", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("store.redis_addr", "")
	v.SetDefault("store.ttl", time.Hour)

	v.SetDefault("metrics.addr", ":9218")

	v.SetDefault("simulator.address", "127.0.0.1:4218")
	v.SetDefault("simulator.channels", 8)
	v.SetDefault("simulator.sample_frequency", 1000)
	v.SetDefault("simulator.block_size", 100)
	v.SetDefault("simulator.block_interval", 100*time.Millisecond)
	v.SetDefault("simulator.max_blocks", 0)
}

// Load reads the configuration. path may be empty to use defaults and
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.Client.Alias == "" {
		cfg.Client.Alias = "rtstream-" + uuid.NewString()[:8]
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	switch {
	case c.Server.Address == "":
		return fmt.Errorf("%w: server.address is empty", ErrInvalid)
	case c.Producer.ID == "":
		return fmt.Errorf("%w: producer.id is empty", ErrInvalid)
	case c.Producer.RetryInterval <= 0:
		return fmt.Errorf("%w: producer.retry_interval must be positive", ErrInvalid)
	case c.Producer.MaxRetries < 0:
		return fmt.Errorf("%w: producer.max_retries must not be negative", ErrInvalid)
	case c.Buffer.Capacity < 1:
		return fmt.Errorf("%w: buffer.capacity must be at least 1", ErrInvalid)
	case c.Log.Format != "console" && c.Log.Format != "json":
		return fmt.Errorf("%w: log.format %q is not console or json", ErrInvalid, c.Log.Format)
	case c.Simulator.Channels < 1 || c.Simulator.BlockSize < 1:
		return fmt.Errorf("%w: simulator needs at least one channel and one sample per block", ErrInvalid)
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %w", ErrInvalid, err)
	}

	return nil
}

// RTClient returns the data client settings.
func (c *Config) RTClient() rtclient.Config {
	cfg := rtclient.DefaultConfig(c.Server.Address)
	cfg.Alias = c.Client.Alias
	cfg.ConnectTimeout = c.Client.ConnectTimeout
	cfg.HandshakeTimeout = c.Client.HandshakeTimeout
	cfg.DisconnectTimeout = c.Client.DisconnectTimeout
	cfg.ReadTimeout = c.Client.ReadTimeout
	return cfg
}

// ProducerConfig returns the producer settings. Store, Metrics and Logger are
// left for the caller to fill in.
func (c *Config) ProducerConfig() producer.Config {
	cfg := producer.DefaultConfig(sink.PluginID(c.Producer.ID))
	cfg.MeasurementID = sink.MeasurementID(c.Producer.Measurement)
	cfg.RetryInterval = c.Producer.RetryInterval
	cfg.MaxRetries = c.Producer.MaxRetries
	cfg.SettleDelay = c.Producer.SettleDelay
	return cfg
}

// RTServer returns the simulated server settings.
func (c *Config) RTServer() rtserver.Config {
	return rtserver.Config{
		Address:         c.Simulator.Address,
		NumChannels:     c.Simulator.Channels,
		SampleFrequency: c.Simulator.SampleFrequency,
		BlockSize:       c.Simulator.BlockSize,
		BlockInterval:   c.Simulator.BlockInterval,
		MaxBlocks:       c.Simulator.MaxBlocks,
	}
}

// Logger builds the configured logger for service.
func (c *Config) Logger(service string) (logger.Logger, error) {
	level, err := logger.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}

	if c.Log.Format == "json" {
		return logger.NewWriterLogger(os.Stderr, service, level), nil
	}

	return logger.NewConsoleLogger(service, level), nil
}
