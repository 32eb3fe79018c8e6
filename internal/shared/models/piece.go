package models

type Block struct {
	Index int
	Begin int
	Data  []byte
}

// BlockRequest addresses a byte range inside a piece.
type BlockRequest struct {
	Index  int
	Begin  int
	Length int
}

// Piece is a completed piece handed to persistence.
type Piece struct {
	Index    int
	Data     []byte
	Verified bool
}
