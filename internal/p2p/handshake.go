package p2p

import (
	"bytes"
	"errors"

	"github.com/WendelHime/swarmfetch/internal/shared/models"
)

const (
	Protocol      = "BitTorrent protocol"
	PeerIDSize    = 20
	HandshakeSize = 1 + len(Protocol) + 8 + models.HashSize + PeerIDSize
)

const (
	infoHashOffset = 1 + len(Protocol) + 8
	peerIDOffset   = infoHashOffset + models.HashSize
)

var (
	ErrHandshakeMismatch = errors.New("handshake info hash mismatch")
	ErrInvalidHandshake  = errors.New("invalid handshake")
)

type PeerID [PeerIDSize]byte

func (id PeerID) String() string {
	return string(id[:])
}

type handshake struct {
	InfoHash models.Hash
	PeerID   PeerID
}

// handshake request to bytes
func (h handshake) Bytes() []byte {
	buf := make([]byte, 0, HandshakeSize)
	buf = append(buf, byte(len(Protocol))) // length of the protocol
	buf = append(buf, Protocol...)
	buf = append(buf, make([]byte, 8)...) // eight reserved bytes
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

func decodeHandshake(buf []byte) (handshake, error) {
	if len(buf) != HandshakeSize {
		return handshake{}, ErrInvalidHandshake
	}

	var h handshake
	copy(h.InfoHash[:], buf[infoHashOffset:peerIDOffset])
	copy(h.PeerID[:], buf[peerIDOffset:])
	return h, nil
}

// verifyHandshake compares the digest the remote claims against ours. Only
// bytes [28,48) are checked; protocol string and reserved bits are not.
func verifyHandshake(sent, received []byte) error {
	if len(received) != HandshakeSize {
		return ErrInvalidHandshake
	}
	if !bytes.Equal(sent[infoHashOffset:peerIDOffset], received[infoHashOffset:peerIDOffset]) {
		return ErrHandshakeMismatch
	}
	return nil
}
