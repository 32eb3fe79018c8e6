package logic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/WendelHime/swarmfetch/internal/config"
	"github.com/WendelHime/swarmfetch/internal/p2p"
	"github.com/WendelHime/swarmfetch/internal/shared/models"
	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set/v2"
)

var (
	ErrPieceVerificationFailed = errors.New("piece verification failed")
	ErrStalledSwarm            = errors.New("stalled swarm: no sessions left and pieces missing")
	ErrPieceFailed             = errors.New("piece failed too many times")
)

// PieceSink receives every verified piece exactly once.
type PieceSink interface {
	WritePiece(models.Piece) error
}

// session is the part of p2p.Session the manager drives.
type session interface {
	ID() string
	Send(models.PeerMessage) error
	Close() error
}

// Failure records a peer that could not be brought to Active.
type Failure struct {
	Peer models.Peer
	Err  error
}

type peerState struct {
	id        string
	sess      session
	available bitmap.Bitmap
	// outstanding requests sent to this peer and not yet answered
	outstanding mapset.Set[blockKey]
	current     int

	interested     bool
	unchoked       bool
	peerInterested bool
}

func (p *peerState) has(index int) bool {
	return p.available.Get(index)
}

type Option func(*Manager)

func WithConfig(cfg config.Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

func WithSelector(s PieceSelector) Option {
	return func(m *Manager) { m.selector = s }
}

func WithDialFunc(dial p2p.DialFunc) Option {
	return func(m *Manager) { m.dial = dial }
}

func WithPeerID(id p2p.PeerID) Option {
	return func(m *Manager) { m.peerID = id }
}

// WithProgress is called from the persistence goroutine after each piece
// has been written.
func WithProgress(fn func(models.Piece)) Option {
	return func(m *Manager) { m.progress = fn }
}

// Manager owns the piece table and request index. Everything except
// Initialize's dialing runs on the goroutine that calls Run.
type Manager struct {
	meta     models.Metafile
	sink     PieceSink
	log      *slog.Logger
	cfg      config.Config
	selector PieceSelector
	dial     p2p.DialFunc
	peerID   p2p.PeerID
	progress func(models.Piece)

	numPieces    int
	pieces       []*pieceRecord
	availability []int
	remaining    int
	peers        map[string]*peerState
	requests     map[blockKey]string

	events    chan p2p.Event
	completed chan models.Piece

	sessionCtx    context.Context
	cancelSession context.CancelFunc
	wg            sync.WaitGroup

	failuresMu sync.Mutex
	failures   []Failure
}

func NewManager(meta models.Metafile, sink PieceSink, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		meta:     meta,
		sink:     sink,
		log:      logger,
		cfg:      config.Default(),
		selector: RarestFirst{},
		peerID:   GeneratePeerID(),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.numPieces = meta.Info.NumPieces()
	m.pieces = newPieceTable(meta.Info, m.cfg.BlockSize)
	m.availability = make([]int, m.numPieces)
	m.remaining = m.numPieces
	m.peers = make(map[string]*peerState)
	m.requests = make(map[blockKey]string)
	m.events = make(chan p2p.Event, m.cfg.EventBuffer)
	m.completed = make(chan models.Piece, m.numPieces)
	m.sessionCtx, m.cancelSession = context.WithCancel(context.Background())
	return m
}

// Initialize dials every distinct peer concurrently and starts the read
// loops of those that complete the handshake. Failed peers are recorded and
// dropped. It must be called before Run.
func (m *Manager) Initialize(ctx context.Context, peers []models.Peer) error {
	cfg := m.cfg.Session(m.meta.InfoHash, m.peerID, m.numPieces)
	cfg.Dial = m.dial
	cfg.Logger = m.log

	seen := make(map[string]struct{}, len(peers))
	var mu sync.Mutex
	var sessions []*p2p.Session
	var wg sync.WaitGroup
	for _, peer := range peers {
		addr := peer.Addr.String()
		if peer.Addr.Unspecified() {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}

		wg.Add(1)
		go func(peer models.Peer) {
			defer wg.Done()
			s, err := p2p.Dial(ctx, peer, cfg)
			if err != nil {
				m.log.Debug("failed to connect to peer", slog.String("peer", peer.String()), slog.Any("error", err))
				m.recordFailure(peer, err)
				return
			}
			mu.Lock()
			sessions = append(sessions, s)
			mu.Unlock()
		}(peer)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		for _, s := range sessions {
			s.Close()
		}
		return err
	}

	for _, s := range sessions {
		m.addSession(s)
		m.wg.Add(1)
		go func(s *p2p.Session) {
			defer m.wg.Done()
			s.Run(m.sessionCtx, m.events)
		}(s)
	}
	m.log.Info("sessions established", slog.Int("active", len(sessions)), slog.Int("failed", len(m.Failures())))
	return nil
}

func (m *Manager) recordFailure(peer models.Peer, err error) {
	m.failuresMu.Lock()
	defer m.failuresMu.Unlock()
	m.failures = append(m.failures, Failure{Peer: peer, Err: err})
}

func (m *Manager) Failures() []Failure {
	m.failuresMu.Lock()
	defer m.failuresMu.Unlock()
	return append([]Failure(nil), m.failures...)
}

func (m *Manager) addSession(s session) *peerState {
	p := &peerState{
		id:          s.ID(),
		sess:        s,
		available:   bitmap.New(m.numPieces),
		outstanding: mapset.NewThreadUnsafeSet[blockKey](),
		current:     -1,
	}
	m.peers[p.id] = p
	return p
}

// Run consumes session events until every piece is verified and persisted,
// the swarm stalls, or ctx ends. On return every session is closed.
func (m *Manager) Run(ctx context.Context) error {
	persistCtx, cancelPersist := context.WithCancel(ctx)
	persisted := make(chan error, 1)
	go func() {
		persisted <- m.persist(persistCtx)
	}()
	persistDone := false
	defer func() {
		cancelPersist()
		if !persistDone {
			<-persisted
		}
		m.shutdown()
	}()

	if err := m.checkStalled(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-persisted:
			persistDone = true
			if err != nil {
				return fmt.Errorf("persist piece: %w", err)
			}
			m.log.Info("download complete", slog.Int("pieces", m.numPieces))
			return nil
		case ev := <-m.events:
			if err := m.handle(ev); err != nil {
				return err
			}
		}
	}
}

// persist hands completed pieces to the sink in completion order and
// returns once all of them were written.
func (m *Manager) persist(ctx context.Context) error {
	for written := 0; written < m.numPieces; written++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case piece := <-m.completed:
			if err := m.sink.WritePiece(piece); err != nil {
				return err
			}
			m.log.Debug("piece persisted", slog.Int("piece", piece.Index), slog.Int("amount_pieces", m.numPieces))
			if m.progress != nil {
				m.progress(piece)
			}
		}
	}
	return nil
}

func (m *Manager) shutdown() {
	m.cancelSession()
	for _, p := range m.peers {
		p.sess.Close()
	}
	m.wg.Wait()
}

func (m *Manager) checkStalled() error {
	if len(m.peers) == 0 && m.remaining > 0 {
		return fmt.Errorf("%w: %d of %d pieces missing", ErrStalledSwarm, m.remaining, m.numPieces)
	}
	return nil
}

// handle applies one session event to the piece table.
func (m *Manager) handle(ev p2p.Event) error {
	p, ok := m.peers[ev.Peer]
	if !ok {
		return nil
	}

	switch ev.Type {
	case p2p.EventBitfield:
		m.onBitfield(p, ev.Bitfield)
	case p2p.EventHave:
		m.onHave(p, ev.Index)
	case p2p.EventUnchoke:
		p.unchoked = true
		m.fill(p)
	case p2p.EventChoke:
		p.unchoked = false
		m.releaseAll(p)
		m.fillAll()
	case p2p.EventInterested:
		p.peerInterested = true
	case p2p.EventNotInterested:
		p.peerInterested = false
	case p2p.EventRequest:
		m.log.Debug("ignoring block request", slog.String("peer", p.id), slog.Int("piece", ev.Request.Index))
	case p2p.EventCancel:
		m.log.Debug("ignoring cancel", slog.String("peer", p.id), slog.Int("piece", ev.Request.Index))
	case p2p.EventPiece:
		return m.onBlock(p, ev.Block)
	case p2p.EventClosed:
		return m.onClosed(p, ev.Err)
	}
	return nil
}

func (m *Manager) onBitfield(p *peerState, bits bitmap.Bitmap) {
	for i := 0; i < m.numPieces; i++ {
		if p.has(i) {
			m.availability[i]--
		}
	}
	p.available = bitmap.New(m.numPieces)
	for i := 0; i < m.numPieces; i++ {
		if bits.Get(i) {
			p.available.Set(i, true)
			m.availability[i]++
		}
	}
	m.updateInterest(p)
	m.fill(p)
}

func (m *Manager) onHave(p *peerState, index int) {
	if index < 0 || index >= m.numPieces || p.has(index) {
		return
	}
	p.available.Set(index, true)
	m.availability[index]++
	m.updateInterest(p)
	m.fill(p)
}

func (m *Manager) onBlock(p *peerState, block models.Block) error {
	key := blockKey{index: block.Index, begin: block.Begin}
	if owner, ok := m.requests[key]; !ok || owner != p.id {
		m.log.Debug("dropping unrequested block", slog.String("peer", p.id), slog.Int("piece", block.Index), slog.Int("begin", block.Begin))
		return nil
	}

	piece := m.pieces[block.Index]
	b := block.Begin / piece.blockSize
	m.release(p, key)
	if len(block.Data) != piece.blockLength(b) {
		m.log.Debug("dropping block with wrong length", slog.String("peer", p.id), slog.Int("piece", block.Index), slog.Int("length", len(block.Data)))
		m.fillAll()
		return nil
	}

	if piece.store(b, block.Data, p.id) {
		if err := m.verify(piece); err != nil {
			return err
		}
	}
	m.fill(p)
	return nil
}

func (m *Manager) verify(piece *pieceRecord) error {
	data, ok := piece.verify()
	if !ok {
		culprits := piece.discard()
		m.log.Warn("discarding piece",
			slog.Int("piece", piece.index),
			slog.Any("peers", culprits),
			slog.Any("error", ErrPieceVerificationFailed))
		if m.cfg.MaxPieceFailures > 0 && piece.failures >= m.cfg.MaxPieceFailures {
			piece.status = pieceFailed
			return fmt.Errorf("%w: piece %d after %d attempts", ErrPieceFailed, piece.index, piece.failures)
		}
		for _, p := range m.peers {
			if p.current == piece.index {
				p.current = -1
			}
		}
		m.fillAll()
		return nil
	}

	m.remaining--
	m.completed <- models.Piece{Index: piece.index, Data: data, Verified: true}
	m.log.Info("piece verified", slog.Int("piece", piece.index), slog.Int("remaining", m.remaining))

	have := p2p.HaveMessage(piece.index)
	for _, p := range m.peers {
		if p.current == piece.index {
			p.current = -1
		}
		if err := p.sess.Send(have); err != nil {
			m.log.Debug("failed to send have", slog.String("peer", p.id), slog.Any("error", err))
		}
		m.updateInterest(p)
	}
	return nil
}

func (m *Manager) onClosed(p *peerState, cause error) error {
	m.log.Debug("session closed", slog.String("peer", p.id), slog.Int("outstanding", p.outstanding.Cardinality()), slog.Any("error", cause))
	m.releaseAll(p)
	for i := 0; i < m.numPieces; i++ {
		if p.has(i) {
			m.availability[i]--
		}
	}
	delete(m.peers, p.id)
	p.sess.Close()

	if err := m.checkStalled(); err != nil {
		return err
	}
	m.fillAll()
	return nil
}

// wants reports whether p advertises a piece that is neither complete nor
// given up on.
func (m *Manager) wants(p *peerState) bool {
	for i, piece := range m.pieces {
		if p.has(i) && piece.status != pieceComplete && piece.status != pieceFailed {
			return true
		}
	}
	return false
}

func (m *Manager) updateInterest(p *peerState) {
	want := m.wants(p)
	if want == p.interested {
		return
	}
	msg := p2p.NotInterestedMessage()
	if want {
		msg = p2p.InterestedMessage()
	}
	if err := p.sess.Send(msg); err != nil {
		m.log.Debug("failed to update interest", slog.String("peer", p.id), slog.Any("error", err))
		return
	}
	p.interested = want
}

func (m *Manager) fillAll() {
	for _, p := range m.peers {
		m.fill(p)
	}
}

// fill tops up p's request pipeline. Nothing is requested while p chokes us
// or before we declared interest.
func (m *Manager) fill(p *peerState) {
	if !p.unchoked || !p.interested {
		return
	}
	for p.outstanding.Cardinality() < m.cfg.MaxInflight {
		piece := m.pieceFor(p)
		if piece == nil {
			return
		}
		b, _ := piece.nextBlock()
		req := piece.request(b)
		if err := p.sess.Send(p2p.RequestMessage(req)); err != nil {
			m.log.Debug("failed to send request", slog.String("peer", p.id), slog.Any("error", err))
			return
		}
		key := blockKey{index: req.Index, begin: req.Begin}
		m.requests[key] = p.id
		p.outstanding.Add(key)
		piece.markRequested(b)
	}
}

// pieceFor keeps p on its current piece while that has free blocks and
// otherwise asks the selector.
func (m *Manager) pieceFor(p *peerState) *pieceRecord {
	if p.current >= 0 {
		piece := m.pieces[p.current]
		if _, ok := piece.nextBlock(); ok && m.eligible(p, piece) {
			return piece
		}
		p.current = -1
	}

	var candidates []int
	for i, piece := range m.pieces {
		if _, ok := piece.nextBlock(); ok && m.eligible(p, piece) {
			candidates = append(candidates, i)
		}
	}
	index, ok := m.selector.SelectPiece(candidates, func(i int) int { return m.availability[i] })
	if !ok {
		return nil
	}
	p.current = index
	return m.pieces[index]
}

// eligible reports whether piece may be requested from p. Once a piece
// failed verification it is assembled by one peer at a time, and only by a
// peer with the fewest strikes among those advertising it that can be asked
// right now.
func (m *Manager) eligible(p *peerState, piece *pieceRecord) bool {
	if !p.has(piece.index) {
		return false
	}
	if len(piece.strikes) == 0 {
		return true
	}
	for _, other := range m.peers {
		if other.id == p.id || !other.has(piece.index) || !other.unchoked || !other.interested {
			continue
		}
		if other.current == piece.index || piece.strikes[other.id] < piece.strikes[p.id] {
			return false
		}
	}
	return true
}

func (m *Manager) release(p *peerState, key blockKey) {
	delete(m.requests, key)
	p.outstanding.Remove(key)
	piece := m.pieces[key.index]
	piece.release(key.begin / piece.blockSize)
}

// releaseAll hands every outstanding request of p back to the pool.
func (m *Manager) releaseAll(p *peerState) {
	for _, key := range p.outstanding.ToSlice() {
		m.release(p, key)
	}
	p.current = -1
}
