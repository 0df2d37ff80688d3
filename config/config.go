package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// AppConfig holds the application-level configuration
type AppConfig struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Port         int           `mapstructure:"port"`
	OutputDir    string        `mapstructure:"output_dir"`
	ChunkSize    int           `mapstructure:"chunk_size"`
	UDPChunkSize int           `mapstructure:"udp_chunk_size"`
	Timeout      time.Duration `mapstructure:"timeout"`

	RetryProfile         string `mapstructure:"retry_profile"`
	ReceiverRetryProfile string `mapstructure:"receiver_retry_profile"`

	ChecksumAlgorithm string `mapstructure:"checksum_algorithm"`
	StrictIntegrity   bool   `mapstructure:"strict_integrity"`

	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	Retention         time.Duration `mapstructure:"retention"`
	ProgressQueueSize int           `mapstructure:"progress_queue_size"`
	HistoryPath       string        `mapstructure:"history_path"`
	StatusAddr        string        `mapstructure:"status_addr"`

	UDP UDPConfig `mapstructure:"udp"`
}

// UDPConfig tunes the best-effort protocol timings.
type UDPConfig struct {
	SettleDelay      time.Duration `mapstructure:"settle_delay"`
	InterChunkDelay  time.Duration `mapstructure:"inter_chunk_delay"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	PacketTimeout    time.Duration `mapstructure:"packet_timeout"`
	EndMarkerRepeats int           `mapstructure:"end_marker_repeats"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("port", 9999)
	v.SetDefault("output_dir", "./received")
	v.SetDefault("chunk_size", 8192)
	v.SetDefault("udp_chunk_size", 1024)
	v.SetDefault("timeout", 30*time.Second)
	v.SetDefault("retry_profile", "network")
	v.SetDefault("receiver_retry_profile", "none")
	v.SetDefault("checksum_algorithm", "sha256")
	v.SetDefault("strict_integrity", true)
	v.SetDefault("cleanup_interval", 5*time.Minute)
	v.SetDefault("retention", time.Hour)
	v.SetDefault("progress_queue_size", 1024)
	v.SetDefault("history_path", "./data/history")
	v.SetDefault("status_addr", "")
	v.SetDefault("udp.settle_delay", 100*time.Millisecond)
	v.SetDefault("udp.inter_chunk_delay", time.Millisecond)
	v.SetDefault("udp.handshake_timeout", 60*time.Second)
	v.SetDefault("udp.packet_timeout", 10*time.Second)
	v.SetDefault("udp.end_marker_repeats", 5)
}

// Default returns the configuration produced by the built-in defaults alone.
func Default() *AppConfig {
	v := viper.New()
	setDefaults(v)
	var cfg AppConfig
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// LoadConfig reads config.yaml from path, overlays BYTERELAY_* environment variables
// and fills the rest from defaults. A missing config file is not an error.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("byterelay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		logrus.WithField("path", path).Debug("No config file found, using defaults")
	}

	var appConfig AppConfig
	if err := v.Unmarshal(&appConfig); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := appConfig.Validate(); err != nil {
		return nil, err
	}
	return &appConfig, nil
}

// Validate checks the values that the engine cannot run without.
func (c *AppConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.ChunkSize <= 0 || c.UDPChunkSize <= 0 {
		return fmt.Errorf("chunk sizes must be positive")
	}
	if c.UDPChunkSize > 65507 {
		return fmt.Errorf("udp_chunk_size %d exceeds the largest datagram payload 65507", c.UDPChunkSize)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup_interval must be positive")
	}
	if c.ProgressQueueSize <= 0 {
		return fmt.Errorf("progress_queue_size must be positive")
	}
	return nil
}
