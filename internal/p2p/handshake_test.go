package p2p

import (
	"bytes"
	"testing"

	"github.com/WendelHime/swarmfetch/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHash(b byte) models.Hash {
	var h models.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

func testPeerID(s string) PeerID {
	var id PeerID
	copy(id[:], s)
	return id
}

func TestHandshakeBytes(t *testing.T) {
	h := handshake{InfoHash: testHash(0xab), PeerID: testPeerID("-SF0001-123456789012")}
	buf := h.Bytes()

	require.Len(t, buf, 68)
	assert.Equal(t, byte(19), buf[0])
	assert.Equal(t, "BitTorrent protocol", string(buf[1:20]))
	assert.Equal(t, make([]byte, 8), buf[20:28])
	assert.Equal(t, bytes.Repeat([]byte{0xab}, 20), buf[28:48])
	assert.Equal(t, "-SF0001-123456789012", string(buf[48:68]))

	decoded, err := decodeHandshake(buf)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)

	_, err = decodeHandshake(buf[:67])
	assert.ErrorIs(t, err, ErrInvalidHandshake)
}

func TestVerifyHandshake(t *testing.T) {
	sent := handshake{InfoHash: testHash(1), PeerID: testPeerID("local")}.Bytes()

	var tests = []struct {
		name     string
		received func() []byte
		expected error
	}{
		{
			name: "same digest different peer id",
			received: func() []byte {
				return handshake{InfoHash: testHash(1), PeerID: testPeerID("remote")}.Bytes()
			},
		},
		{
			name: "reserved bits are not compared",
			received: func() []byte {
				buf := handshake{InfoHash: testHash(1)}.Bytes()
				buf[25] = 0x10
				return buf
			},
		},
		{
			name: "digest mismatch",
			received: func() []byte {
				return handshake{InfoHash: testHash(2), PeerID: testPeerID("local")}.Bytes()
			},
			expected: ErrHandshakeMismatch,
		},
		{
			name: "last digest byte differs",
			received: func() []byte {
				buf := handshake{InfoHash: testHash(1)}.Bytes()
				buf[47] ^= 0xff
				return buf
			},
			expected: ErrHandshakeMismatch,
		},
		{
			name: "short response",
			received: func() []byte {
				return sent[:40]
			},
			expected: ErrInvalidHandshake,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := verifyHandshake(sent, tt.received())
			if tt.expected == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.expected)
		})
	}
}
