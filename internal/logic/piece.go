package logic

import (
	"crypto/sha1"
	"fmt"

	"github.com/WendelHime/swarmfetch/internal/shared/models"
	mapset "github.com/deckarep/golang-set/v2"
)

type pieceStatus int

const (
	pieceMissing pieceStatus = iota
	pieceRequested
	pieceVerifying
	pieceComplete
	pieceFailed
)

func (s pieceStatus) String() string {
	switch s {
	case pieceMissing:
		return "missing"
	case pieceRequested:
		return "requested"
	case pieceVerifying:
		return "verifying"
	case pieceComplete:
		return "complete"
	case pieceFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// blockKey identifies a block by piece index and byte offset.
type blockKey struct {
	index int
	begin int
}

type pieceRecord struct {
	index     int
	hash      models.Hash
	size      int
	blockSize int
	status    pieceStatus
	failures  int

	buf      []byte
	received []bool
	pending  int
	inflight mapset.Set[int]

	// contributors sent blocks of the current assembly; strikes counts the
	// failed assemblies each peer contributed to
	contributors mapset.Set[string]
	strikes      map[string]int
}

func newPieceTable(info models.Info, blockSize int) []*pieceRecord {
	pieces := make([]*pieceRecord, info.NumPieces())
	for i := range pieces {
		p := &pieceRecord{
			index:        i,
			hash:         info.PiecesHashes[i],
			size:         int(info.PieceSize(i)),
			blockSize:    blockSize,
			inflight:     mapset.NewThreadUnsafeSet[int](),
			contributors: mapset.NewThreadUnsafeSet[string](),
			strikes:      make(map[string]int),
		}
		p.reset()
		pieces[i] = p
	}
	return pieces
}

func (p *pieceRecord) numBlocks() int {
	return (p.size + p.blockSize - 1) / p.blockSize
}

func (p *pieceRecord) blockLength(block int) int {
	return min(p.blockSize, p.size-block*p.blockSize)
}

func (p *pieceRecord) request(block int) models.BlockRequest {
	return models.BlockRequest{Index: p.index, Begin: block * p.blockSize, Length: p.blockLength(block)}
}

// reset drops the assembly buffer; nothing received, nothing in flight.
func (p *pieceRecord) reset() {
	p.buf = nil
	p.received = make([]bool, p.numBlocks())
	p.pending = len(p.received)
	p.inflight.Clear()
	p.contributors.Clear()
	p.status = pieceMissing
}

func (p *pieceRecord) done() bool {
	return p.status == pieceVerifying || p.status == pieceComplete || p.status == pieceFailed
}

// nextBlock returns a block neither received nor in flight.
func (p *pieceRecord) nextBlock() (int, bool) {
	if p.done() {
		return 0, false
	}
	for b, ok := range p.received {
		if !ok && !p.inflight.Contains(b) {
			return b, true
		}
	}
	return 0, false
}

func (p *pieceRecord) markRequested(block int) {
	p.inflight.Add(block)
	p.status = pieceRequested
}

func (p *pieceRecord) release(block int) {
	p.inflight.Remove(block)
	if !p.done() && p.inflight.Cardinality() == 0 {
		p.status = pieceMissing
	}
}

// store copies a block into the assembly buffer and reports whether the
// piece is now fully assembled.
func (p *pieceRecord) store(block int, data []byte, peer string) bool {
	if p.buf == nil {
		p.buf = make([]byte, p.size)
	}
	copy(p.buf[block*p.blockSize:], data)
	p.received[block] = true
	p.pending--
	p.contributors.Add(peer)
	p.release(block)
	return p.pending == 0
}

// verify hashes the assembled buffer. On success the buffer is handed back
// and the record keeps no reference to it.
func (p *pieceRecord) verify() ([]byte, bool) {
	p.status = pieceVerifying
	if sha1.Sum(p.buf) != p.hash {
		return nil, false
	}
	data := p.buf
	p.buf = nil
	p.received = nil
	p.status = pieceComplete
	return data, true
}

// discard resets a corrupt assembly and gives each contributor a strike.
func (p *pieceRecord) discard() []string {
	culprits := p.contributors.ToSlice()
	for _, peer := range culprits {
		p.strikes[peer]++
	}
	p.failures++
	p.reset()
	return culprits
}
