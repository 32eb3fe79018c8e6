package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/WendelHime/swarmfetch/internal/p2p"
	"github.com/WendelHime/swarmfetch/internal/shared/models"
	"github.com/go-viper/mapstructure/v2"
)

const EnvPrefix = "SWARMFETCH_"

var ErrInvalidConfig = errors.New("invalid config")

// Config holds the tunables of a download. Zero values are not defaults;
// start from Default.
type Config struct {
	BlockSize   int `mapstructure:"block_size"`
	MaxInflight int `mapstructure:"max_inflight"`

	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	KeepAliveInterval time.Duration `mapstructure:"keep_alive_interval"`

	MaxMessageLength int `mapstructure:"max_message_length"`
	// DownloadRate is in bytes per second per session; 0 means unlimited.
	DownloadRate int `mapstructure:"download_rate"`
	EventBuffer  int `mapstructure:"event_buffer"`
	MaxDepth     int `mapstructure:"max_depth"`
	// MaxPieceFailures gives up on a piece after that many corrupt
	// assemblies; 0 retries forever.
	MaxPieceFailures int    `mapstructure:"max_piece_failures"`
	ListenPort       uint16 `mapstructure:"listen_port"`
}

func Default() Config {
	return Config{
		BlockSize:         16 * 1024,
		MaxInflight:       5,
		DialTimeout:       5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      30 * time.Second,
		KeepAliveInterval: time.Minute,
		MaxMessageLength:  p2p.DefaultMaxMessageLength,
		EventBuffer:       256,
		MaxDepth:          64,
		ListenPort:        6881,
	}
}

// Decode overlays values on Default. Durations may be given as strings
// ("30s") and numbers as strings; unknown keys are rejected.
func Decode(values map[string]any) (Config, error) {
	return decode(values, true)
}

// FromEnv reads every variable starting with prefix, e.g.
// SWARMFETCH_READ_TIMEOUT=45s. Unrelated variables sharing the prefix are
// ignored.
func FromEnv(prefix string) (Config, error) {
	values := make(map[string]any)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		values[strings.ToLower(strings.TrimPrefix(key, prefix))] = value
	}
	return decode(values, false)
}

func decode(values map[string]any, strict bool) (Config, error) {
	cfg := Default()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      strict,
		Result:           &cfg,
	})
	if err != nil {
		return cfg, err
	}
	if err := dec.Decode(values); err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	checks := []struct {
		field string
		ok    bool
	}{
		{"block_size", c.BlockSize > 0},
		{"max_inflight", c.MaxInflight > 0},
		{"dial_timeout", c.DialTimeout > 0},
		{"handshake_timeout", c.HandshakeTimeout > 0},
		{"read_timeout", c.ReadTimeout > 0},
		{"write_timeout", c.WriteTimeout > 0},
		{"keep_alive_interval", c.KeepAliveInterval > 0},
		// a piece message carries 9 bytes of framing besides the block
		{"max_message_length", c.MaxMessageLength >= c.BlockSize+9},
		{"download_rate", c.DownloadRate >= 0},
		{"event_buffer", c.EventBuffer > 0},
		{"max_depth", c.MaxDepth > 0},
		{"max_piece_failures", c.MaxPieceFailures >= 0},
	}
	for _, check := range checks {
		if !check.ok {
			return fmt.Errorf("%w: %s", ErrInvalidConfig, check.field)
		}
	}
	return nil
}

// Session derives the per-connection settings for one torrent.
func (c Config) Session(infoHash models.Hash, peerID p2p.PeerID, numPieces int) p2p.Config {
	return p2p.Config{
		InfoHash:          infoHash,
		PeerID:            peerID,
		NumPieces:         numPieces,
		DialTimeout:       c.DialTimeout,
		HandshakeTimeout:  c.HandshakeTimeout,
		ReadTimeout:       c.ReadTimeout,
		WriteTimeout:      c.WriteTimeout,
		KeepAliveInterval: c.KeepAliveInterval,
		MaxMessageLength:  c.MaxMessageLength,
		DownloadRate:      c.DownloadRate,
		CommandBuffer:     c.MaxInflight * 4,
	}
}
