package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/WendelHime/swarmfetch/internal/decoder"
	"github.com/WendelHime/swarmfetch/internal/shared/models"
	bitmap "github.com/boljen/go-bitmap"
)

const DefaultMaxMessageLength = 1 << 20

var ErrMalformedMessage = errors.New("malformed message")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

// ReadMessage reads one length-prefixed frame. A zero length yields a
// keep-alive message with no id.
func ReadMessage(r io.Reader, maxLength int) (models.PeerMessage, error) {
	msgLengthBuff, err := decoder.ReadBytes(r, 4)
	if err != nil {
		return models.PeerMessage{}, err
	}

	msgLength := int(binary.BigEndian.Uint32(msgLengthBuff))
	if msgLength == 0 {
		return models.PeerMessage{}, nil
	}
	if maxLength > 0 && msgLength > maxLength {
		return models.PeerMessage{}, malformed("declared length %d exceeds %d", msgLength, maxLength)
	}

	body, err := decoder.ReadBytes(r, msgLength)
	if err != nil {
		return models.PeerMessage{}, err
	}

	return models.PeerMessage{
		ID:      models.MessageID(body[0]),
		Payload: body[1:],
		Length:  msgLength,
	}, nil
}

func WriteMessage(w io.Writer, msg models.PeerMessage) error {
	_, err := w.Write(Serialize(msg))
	return err
}

func Serialize(msg models.PeerMessage) []byte {
	if msg.KeepAlive() {
		return make([]byte, 4)
	}
	buf := make([]byte, 5, 5+len(msg.Payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(msg.Payload)))
	buf[4] = byte(msg.ID)
	return append(buf, msg.Payload...)
}

func newMessage(id models.MessageID, payload []byte) models.PeerMessage {
	return models.PeerMessage{ID: id, Payload: payload, Length: 1 + len(payload)}
}

func KeepAliveMessage() models.PeerMessage {
	return models.PeerMessage{}
}

func ChokeMessage() models.PeerMessage         { return newMessage(models.MessageIDChoke, nil) }
func UnchokeMessage() models.PeerMessage       { return newMessage(models.MessageIDUnchoke, nil) }
func InterestedMessage() models.PeerMessage    { return newMessage(models.MessageIDInterested, nil) }
func NotInterestedMessage() models.PeerMessage { return newMessage(models.MessageIDNotInterested, nil) }

func HaveMessage(index int) models.PeerMessage {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return newMessage(models.MessageIDHave, payload)
}

func RequestMessage(req models.BlockRequest) models.PeerMessage {
	return newMessage(models.MessageIDRequest, encodeRequest(req))
}

func CancelMessage(req models.BlockRequest) models.PeerMessage {
	return newMessage(models.MessageIDCancel, encodeRequest(req))
}

func PieceMessage(block models.Block) models.PeerMessage {
	payload := make([]byte, 8, 8+len(block.Data))
	binary.BigEndian.PutUint32(payload, uint32(block.Index))
	binary.BigEndian.PutUint32(payload[4:], uint32(block.Begin))
	return newMessage(models.MessageIDPiece, append(payload, block.Data...))
}

func BitfieldMessage(bits bitmap.Bitmap, numPieces int) models.PeerMessage {
	return newMessage(models.MessageIDBitfield, encodeBitfield(bits, numPieces))
}

func decodeHave(payload []byte) uint32 {
	return binary.BigEndian.Uint32(payload)
}

func encodeRequest(req models.BlockRequest) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(req.Index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(req.Begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(req.Length))
	return payload
}

func decodeRequest(payload []byte) models.BlockRequest {
	return models.BlockRequest{
		Index:  int(binary.BigEndian.Uint32(payload[0:4])),
		Begin:  int(binary.BigEndian.Uint32(payload[4:8])),
		Length: int(binary.BigEndian.Uint32(payload[8:12])),
	}
}

func decodeBlock(payload []byte) models.Block {
	return models.Block{
		Index: int(binary.BigEndian.Uint32(payload[:4])),
		Begin: int(binary.BigEndian.Uint32(payload[4:8])),
		Data:  payload[8:],
	}
}

func bitfieldLength(numPieces int) int {
	return (numPieces + 7) / 8
}

// encodeBitfield writes bits in wire order: piece 0 is the high bit of byte 0.
func encodeBitfield(bits bitmap.Bitmap, numPieces int) []byte {
	out := make([]byte, bitfieldLength(numPieces))
	for i := 0; i < numPieces; i++ {
		if bits.Get(i) {
			out[i/8] |= 1 << uint(7-i%8)
		}
	}
	return out
}

// decodeBitfield reads a wire bitfield. Spare trailing bits are ignored.
func decodeBitfield(payload []byte, numPieces int) bitmap.Bitmap {
	bits := bitmap.New(numPieces)
	for i := 0; i < numPieces; i++ {
		if payload[i/8]>>uint(7-i%8)&1 == 1 {
			bits.Set(i, true)
		}
	}
	return bits
}

// validateMessage checks the body length implied by the message id.
func validateMessage(msg models.PeerMessage, numPieces int) error {
	n := len(msg.Payload)
	switch msg.ID {
	case models.MessageIDChoke, models.MessageIDUnchoke, models.MessageIDInterested, models.MessageIDNotInterested:
		if n != 0 {
			return malformed("%s with %d byte body", msg.ID, n)
		}
	case models.MessageIDHave:
		if n != 4 {
			return malformed("have with %d byte body", n)
		}
		if index := int(binary.BigEndian.Uint32(msg.Payload)); index >= numPieces {
			return malformed("have index %d out of range", index)
		}
	case models.MessageIDBitfield:
		if n != bitfieldLength(numPieces) {
			return malformed("bitfield with %d bytes for %d pieces", n, numPieces)
		}
	case models.MessageIDRequest, models.MessageIDCancel:
		if n != 12 {
			return malformed("%s with %d byte body", msg.ID, n)
		}
	case models.MessageIDPiece:
		if n < 8 {
			return malformed("piece with %d byte body", n)
		}
	}
	return nil
}
