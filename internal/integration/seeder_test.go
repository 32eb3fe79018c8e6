package integration

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/WendelHime/swarmfetch/internal/decoder"
	"github.com/WendelHime/swarmfetch/internal/p2p"
	"github.com/WendelHime/swarmfetch/internal/shared/models"
	bitmap "github.com/boljen/go-bitmap"
)

type seederOptions struct {
	pieces      []int // nil means every piece
	corrupt     bool
	hangUpAfter int // blocks served before closing, 0 never closes
	infoHash    *models.Hash
}

// seeder is an in-process peer that serves blocks out of content.
type seeder struct {
	ln      net.Listener
	meta    models.Metafile
	content []byte
	opts    seederOptions

	wg sync.WaitGroup
	mu sync.Mutex
	// connections still open, closed by stop
	conns map[net.Conn]struct{}
}

func startSeeder(meta models.Metafile, content []byte, opts seederOptions) (*seeder, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &seeder{ln: ln, meta: meta, content: content, opts: opts, conns: make(map[net.Conn]struct{})}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

func (s *seeder) peer() models.Peer {
	addr := s.ln.Addr().(*net.TCPAddr)
	return models.Peer{Addr: models.Addr{IP: addr.IP, Port: uint16(addr.Port)}}
}

func (s *seeder) stop() {
	s.ln.Close()
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *seeder) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			// the client closing the connection ends the exchange
			_ = s.handle(conn)
		}()
	}
}

func (s *seeder) handle(conn net.Conn) error {
	if _, err := decoder.ReadBytes(conn, p2p.HandshakeSize); err != nil {
		return err
	}
	infoHash := s.meta.InfoHash
	if s.opts.infoHash != nil {
		infoHash = *s.opts.infoHash
	}
	if _, err := conn.Write(handshakeBytes(infoHash)); err != nil {
		return err
	}

	numPieces := s.meta.Info.NumPieces()
	bits := bitmap.New(numPieces)
	if s.opts.pieces == nil {
		for i := 0; i < numPieces; i++ {
			bits.Set(i, true)
		}
	}
	for _, i := range s.opts.pieces {
		bits.Set(i, true)
	}
	if err := p2p.WriteMessage(conn, p2p.BitfieldMessage(bits, numPieces)); err != nil {
		return err
	}

	served := 0
	for {
		msg, err := p2p.ReadMessage(conn, 1<<20)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.KeepAlive() {
			continue
		}
		switch msg.ID {
		case models.MessageIDInterested:
			if err := p2p.WriteMessage(conn, p2p.UnchokeMessage()); err != nil {
				return err
			}
		case models.MessageIDRequest:
			req := models.BlockRequest{
				Index:  int(binary.BigEndian.Uint32(msg.Payload[0:4])),
				Begin:  int(binary.BigEndian.Uint32(msg.Payload[4:8])),
				Length: int(binary.BigEndian.Uint32(msg.Payload[8:12])),
			}
			if !bits.Get(req.Index) {
				continue
			}
			if err := p2p.WriteMessage(conn, p2p.PieceMessage(s.block(req))); err != nil {
				return err
			}
			served++
			if s.opts.hangUpAfter > 0 && served >= s.opts.hangUpAfter {
				return nil
			}
		}
	}
}

func (s *seeder) block(req models.BlockRequest) models.Block {
	offset := int64(req.Index)*s.meta.Info.PieceLength + int64(req.Begin)
	data := make([]byte, req.Length)
	copy(data, s.content[offset:offset+int64(req.Length)])
	if s.opts.corrupt {
		for i := range data {
			data[i] ^= 0xff
		}
	}
	return models.Block{Index: req.Index, Begin: req.Begin, Data: data}
}

func handshakeBytes(infoHash models.Hash) []byte {
	buf := make([]byte, 0, p2p.HandshakeSize)
	buf = append(buf, byte(len(p2p.Protocol)))
	buf = append(buf, p2p.Protocol...)
	buf = append(buf, make([]byte, 8)...)
	buf = append(buf, infoHash[:]...)
	buf = append(buf, "-SEED01-000000000000"...)
	return buf
}
