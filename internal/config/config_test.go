package config

import (
	"testing"
	"time"

	"github.com/WendelHime/swarmfetch/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	var tests = []struct {
		name   string
		values map[string]any
		assert func(t *testing.T, cfg Config, err error)
	}{
		{
			name:   "empty map yields defaults",
			values: map[string]any{},
			assert: func(t *testing.T, cfg Config, err error) {
				require.NoError(t, err)
				assert.Equal(t, Default(), cfg)
			},
		},
		{
			name: "weakly typed overrides",
			values: map[string]any{
				"block_size":          "8192",
				"read_timeout":        "45s",
				"keep_alive_interval": 90 * time.Second,
				"download_rate":       1 << 20,
				"max_piece_failures":  "3",
			},
			assert: func(t *testing.T, cfg Config, err error) {
				require.NoError(t, err)
				assert.Equal(t, 8192, cfg.BlockSize)
				assert.Equal(t, 45*time.Second, cfg.ReadTimeout)
				assert.Equal(t, 90*time.Second, cfg.KeepAliveInterval)
				assert.Equal(t, 1<<20, cfg.DownloadRate)
				assert.Equal(t, 3, cfg.MaxPieceFailures)
				assert.Equal(t, Default().MaxInflight, cfg.MaxInflight)
			},
		},
		{
			name:   "unknown key",
			values: map[string]any{"blocksize": 1},
			assert: func(t *testing.T, cfg Config, err error) {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			},
		},
		{
			name:   "bad duration",
			values: map[string]any{"dial_timeout": "soon"},
			assert: func(t *testing.T, cfg Config, err error) {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			},
		},
		{
			name:   "block larger than a message",
			values: map[string]any{"block_size": 1 << 20},
			assert: func(t *testing.T, cfg Config, err error) {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				assert.Contains(t, err.Error(), "max_message_length")
			},
		},
		{
			name:   "zero read timeout",
			values: map[string]any{"read_timeout": "0s"},
			assert: func(t *testing.T, cfg Config, err error) {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				assert.Contains(t, err.Error(), "read_timeout")
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Decode(tt.values)
			tt.assert(t, cfg, err)
		})
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("SWARMFETCH_MAX_INFLIGHT", "12")
	t.Setenv("SWARMFETCH_WRITE_TIMEOUT", "5s")
	t.Setenv("SWARMFETCH_UNRELATED", "x")

	cfg, err := FromEnv(EnvPrefix)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.MaxInflight)
	assert.Equal(t, 5*time.Second, cfg.WriteTimeout)

	t.Setenv("SWARMFETCH_MAX_INFLIGHT", "-1")
	_, err = FromEnv(EnvPrefix)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSession(t *testing.T) {
	cfg := Default()
	cfg.DownloadRate = 1000

	var hash models.Hash
	hash[0] = 1
	s := cfg.Session(hash, [20]byte{'x'}, 7)

	assert.Equal(t, hash, s.InfoHash)
	assert.Equal(t, 7, s.NumPieces)
	assert.Equal(t, cfg.ReadTimeout, s.ReadTimeout)
	assert.Equal(t, 1000, s.DownloadRate)
	assert.Equal(t, byte('x'), s.PeerID[0])
}
