package models

import "encoding/hex"

type Metafile struct {
	Announce     string
	AnnounceList [][]string
	Info         Info
	// InfoRaw is the info dictionary exactly as it appeared in the torrent file.
	InfoRaw  []byte
	InfoHash Hash
}

type Info struct {
	Name         string
	Length       int64
	PieceLength  int64
	PiecesHashes []Hash
	// Files is nil for single-file torrents.
	Files []File
}

type File struct {
	Length int64
	Path   []string
}

const HashSize = 20

type Hash [HashSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (i Info) NumPieces() int {
	return len(i.PiecesHashes)
}

// PieceSize returns the length of piece index; only the last piece may be short.
func (i Info) PieceSize(index int) int64 {
	begin := int64(index) * i.PieceLength
	return min(i.Length-begin, i.PieceLength)
}
