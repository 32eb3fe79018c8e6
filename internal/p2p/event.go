package p2p

import (
	"github.com/WendelHime/swarmfetch/internal/shared/models"
	bitmap "github.com/boljen/go-bitmap"
)

// EventType mirrors the message ids; EventClosed has no wire equivalent.
type EventType uint8

const (
	EventChoke EventType = iota
	EventUnchoke
	EventInterested
	EventNotInterested
	EventHave
	EventBitfield
	EventRequest
	EventPiece
	EventCancel
	EventClosed
)

func (t EventType) String() string {
	if t == EventClosed {
		return "closed"
	}
	return models.MessageID(t).String()
}

// Event is what a session reports to its owner. Peer identifies the session;
// the remaining fields are set according to Type.
type Event struct {
	Peer string
	Type EventType

	// EventHave
	Index int
	// EventBitfield; a copy owned by the receiver
	Bitfield bitmap.Bitmap
	// EventRequest, EventCancel
	Request models.BlockRequest
	// EventPiece
	Block models.Block
	// EventClosed
	Err error
}
