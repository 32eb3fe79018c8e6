package models

import "strconv"

type MessageID uint8

const (
	MessageIDChoke MessageID = iota
	MessageIDUnchoke
	MessageIDInterested
	MessageIDNotInterested
	MessageIDHave
	MessageIDBitfield
	MessageIDRequest
	MessageIDPiece
	MessageIDCancel
)

var messageNames = [...]string{
	"choke",
	"unchoke",
	"interested",
	"not-interested",
	"have",
	"bitfield",
	"request",
	"piece",
	"cancel",
}

func (id MessageID) String() string {
	if int(id) < len(messageNames) {
		return messageNames[id]
	}
	return "unknown(" + strconv.Itoa(int(id)) + ")"
}

// PeerMessage is one framed message. Length is the declared frame length
// (id plus payload); zero marks a keep-alive.
type PeerMessage struct {
	ID      MessageID
	Payload []byte
	Length  int
}

func (m PeerMessage) KeepAlive() bool {
	return m.Length == 0
}
