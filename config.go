package udpstream

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type StreamerConfig struct {
	Destination    string        `yaml:"destination"`
	Bind           string        `yaml:"bind"`
	BatchSize      int           `yaml:"batch_size"`
	BurstSize      int           `yaml:"burst_size"`
	MaxPayloadSize int           `yaml:"max_payload_size"`
	WriteBatch     int           `yaml:"write_batch"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	Seed           int64         `yaml:"seed"` // zero seeds from the clock
}

type ReceiverConfig struct {
	Bind           string        `yaml:"bind"`
	ReadBufferSize int           `yaml:"read_buffer_size"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	Dump           bool          `yaml:"dump"`
}

type Config struct {
	Streamer StreamerConfig `yaml:"streamer"`
	Receiver ReceiverConfig `yaml:"receiver"`
	Metrics  string         `yaml:"metrics"` // listen address for /metrics, disabled if empty
}

func DefaultConfig() Config {
	return Config{
		Streamer: StreamerConfig{
			Destination:    DefaultDestination,
			Bind:           "127.0.0.1:0",
			BatchSize:      DefaultBatchSize,
			BurstSize:      DefaultBurstSize,
			MaxPayloadSize: DefaultMaxPayloadSize,
			WriteBatch:     1,
		},
		Receiver: ReceiverConfig{
			Bind:           DefaultBindAddress,
			ReadBufferSize: DefaultReadBufferSize,
		},
	}
}

// LoadConfig overlays the YAML document at path on top of DefaultConfig. Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.UnmarshalStrict(buf, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config %q: %w", path, err)
	}

	return cfg, nil
}

// Options translates c into streamer options. Zero values keep the library defaults.
func (c StreamerConfig) Options() []StreamerOption {
	var opts []StreamerOption

	if c.BatchSize != 0 {
		opts = append(opts, WithBatchSize(c.BatchSize))
	}
	if c.BurstSize != 0 {
		opts = append(opts, WithBurstSize(c.BurstSize))
	}
	if c.MaxPayloadSize != 0 {
		opts = append(opts, WithMaxPayloadSize(c.MaxPayloadSize))
	}
	if c.WriteBatch > 1 {
		opts = append(opts, WithWriteBatch(c.WriteBatch))
	}
	if c.WriteTimeout > 0 {
		opts = append(opts, WithWriteTimeout(c.WriteTimeout))
	}
	if c.Seed != 0 {
		opts = append(opts, WithGenerator(NewGenerator(rand.New(rand.NewSource(c.Seed)))))
	}

	return opts
}

// Options translates c into receiver options. Zero values keep the library defaults.
func (c ReceiverConfig) Options() []ReceiverOption {
	var opts []ReceiverOption

	if c.ReadBufferSize > 0 {
		opts = append(opts, WithReadBufferSize(c.ReadBufferSize))
	}
	if c.ReadTimeout > 0 {
		opts = append(opts, WithReadTimeout(c.ReadTimeout))
	}

	return opts
}
