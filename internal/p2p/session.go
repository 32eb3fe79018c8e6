package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WendelHime/swarmfetch/internal/decoder"
	"github.com/WendelHime/swarmfetch/internal/shared/models"
	bitmap "github.com/boljen/go-bitmap"
	"golang.org/x/time/rate"
)

var (
	ErrSessionClosed     = errors.New("session closed")
	ErrNotActive         = errors.New("session not active")
	ErrSessionOverloaded = errors.New("session outbox full")
)

type State int32

const (
	StateConnecting State = iota
	StateHandshakeSent
	StateHandshakeVerified
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshakeSent:
		return "handshake-sent"
	case StateHandshakeVerified:
		return "handshake-verified"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type Config struct {
	InfoHash  models.Hash
	PeerID    PeerID
	NumPieces int

	DialTimeout       time.Duration
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	KeepAliveInterval time.Duration

	MaxMessageLength int
	// DownloadRate limits inbound bytes per second; zero disables the limit.
	DownloadRate  int
	CommandBuffer int

	Dial   DialFunc
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 2 * time.Minute
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = time.Minute
	}
	if c.MaxMessageLength <= 0 {
		c.MaxMessageLength = DefaultMaxMessageLength
	}
	// a full bitfield must always fit
	c.MaxMessageLength = max(c.MaxMessageLength, 1+bitfieldLength(c.NumPieces))
	if c.CommandBuffer <= 0 {
		c.CommandBuffer = 256
	}
	if c.Dial == nil {
		c.Dial = (&net.Dialer{}).DialContext
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// Flags is a snapshot of the per-session choke/interest state.
type Flags struct {
	LocalChoked     bool
	LocalInterested bool
	PeerChoked      bool
	PeerInterested  bool
}

// Session is one peer connection. The read loop owns the peer-side flags and
// availability, the write loop owns the local-side flags; neither is touched
// by anything outside the session.
type Session struct {
	peer    models.Peer
	conn    net.Conn
	cfg     Config
	log     *slog.Logger
	limiter *rate.Limiter
	state   atomic.Int32

	flagsMu   sync.Mutex
	flags     Flags
	available bitmap.Bitmap
	received  bool
	remoteID  PeerID

	outbox    chan models.PeerMessage
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// NewSession wraps an established connection. Call Handshake before Run.
func NewSession(conn net.Conn, peer models.Peer, cfg Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		peer:      peer,
		conn:      conn,
		cfg:       cfg,
		log:       cfg.Logger.With(slog.String("peer", peer.String())),
		flags:     Flags{LocalChoked: true, PeerChoked: true},
		available: bitmap.New(cfg.NumPieces),
		outbox:    make(chan models.PeerMessage, cfg.CommandBuffer),
		done:      make(chan struct{}),
	}
	if cfg.DownloadRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.DownloadRate), max(cfg.DownloadRate, cfg.MaxMessageLength))
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// Dial connects to peer and performs the handshake. The returned session is
// Active; on failure the connection is closed and never retried here.
func Dial(ctx context.Context, peer models.Peer, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	conn, err := cfg.Dial(dialCtx, "tcp", peer.Addr.String())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", peer, err)
	}

	s := NewSession(conn, peer, cfg)
	if err := s.Handshake(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) ID() string {
	return s.peer.String()
}

func (s *Session) Peer() models.Peer {
	return s.peer
}

func (s *Session) RemotePeerID() PeerID {
	s.flagsMu.Lock()
	defer s.flagsMu.Unlock()
	return s.remoteID
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) Flags() Flags {
	s.flagsMu.Lock()
	defer s.flagsMu.Unlock()
	return s.flags
}

// Available reports whether the remote announced piece index.
func (s *Session) Available(index int) bool {
	s.flagsMu.Lock()
	defer s.flagsMu.Unlock()
	return index < s.cfg.NumPieces && s.available.Get(index)
}

// Err returns the reason the session closed, or nil while it is open.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Done is closed once the session is Closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Handshake(ctx context.Context) error {
	if s.State() != StateConnecting {
		return fmt.Errorf("%w: handshake in state %s", ErrInvalidHandshake, s.State())
	}

	stop := context.AfterFunc(ctx, func() {
		s.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := s.conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return s.fail(err)
	}

	req := handshake{InfoHash: s.cfg.InfoHash, PeerID: s.cfg.PeerID}.Bytes()
	if _, err := s.conn.Write(req); err != nil {
		return s.fail(fmt.Errorf("send handshake: %w", err))
	}
	s.state.Store(int32(StateHandshakeSent))

	resp, err := decoder.ReadBytes(s.conn, HandshakeSize)
	if err != nil {
		return s.fail(fmt.Errorf("read handshake: %w", err))
	}
	if err := verifyHandshake(req, resp); err != nil {
		return s.fail(err)
	}
	h, _ := decodeHandshake(resp)
	s.state.Store(int32(StateHandshakeVerified))

	if err := s.conn.SetDeadline(time.Time{}); err != nil {
		return s.fail(err)
	}
	if ctx.Err() != nil {
		return s.fail(ctx.Err())
	}

	s.flagsMu.Lock()
	s.remoteID = h.PeerID
	s.flagsMu.Unlock()
	s.state.Store(int32(StateActive))
	s.log.Debug("handshake verified", slog.String("remote_id", fmt.Sprintf("%x", h.PeerID[:])))
	return nil
}

// Send queues msg for the write loop. Messages go out in the order queued.
// Send never blocks: a full outbox closes the session.
func (s *Session) Send(msg models.PeerMessage) error {
	switch s.State() {
	case StateClosed:
		return ErrSessionClosed
	case StateActive:
	default:
		return ErrNotActive
	}
	select {
	case s.outbox <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return s.fail(ErrSessionOverloaded)
	}
}

// Close tears the connection down; a running read loop ends promptly.
func (s *Session) Close() error {
	s.close(ErrSessionClosed)
	return nil
}

func (s *Session) fail(err error) error {
	s.close(err)
	return err
}

func (s *Session) close(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		s.state.Store(int32(StateClosed))
		s.conn.Close()
		close(s.done)
	})
}

// Run drives the session until the connection fails or ctx ends. Every parsed
// message is pushed to events in read order, followed by exactly one
// EventClosed.
func (s *Session) Run(ctx context.Context, events chan<- Event) {
	if s.State() != StateActive {
		s.close(ErrNotActive)
		s.publish(ctx, events, Event{Peer: s.ID(), Type: EventClosed, Err: s.Err()})
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(loopCtx, func() {
		s.close(context.Cause(loopCtx))
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(loopCtx)
	}()

	err := s.readLoop(loopCtx, events)
	s.close(err)
	stop()
	cancel()
	wg.Wait()

	s.log.Debug("session closed", slog.Any("error", s.Err()))
	s.publish(ctx, events, Event{Peer: s.ID(), Type: EventClosed, Err: s.Err()})
}

func (s *Session) publish(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) readLoop(ctx context.Context, events chan<- Event) error {
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return err
		}
		msg, err := ReadMessage(s.conn, s.cfg.MaxMessageLength)
		if err != nil {
			return err
		}
		if msg.KeepAlive() {
			continue
		}
		if s.limiter != nil {
			if err := s.limiter.WaitN(ctx, msg.Length); err != nil {
				return err
			}
		}

		ev, ok, err := s.handle(msg)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if !s.publish(ctx, events, ev) {
			return ctx.Err()
		}
	}
}

// handle applies msg to the session flags and converts it into an event.
func (s *Session) handle(msg models.PeerMessage) (Event, bool, error) {
	if err := validateMessage(msg, s.cfg.NumPieces); err != nil {
		return Event{}, false, err
	}

	s.flagsMu.Lock()
	defer s.flagsMu.Unlock()

	first := !s.received
	s.received = true
	ev := Event{Peer: s.ID(), Type: EventType(msg.ID)}

	switch msg.ID {
	case models.MessageIDChoke:
		s.flags.PeerChoked = true
	case models.MessageIDUnchoke:
		s.flags.PeerChoked = false
	case models.MessageIDInterested:
		s.flags.PeerInterested = true
	case models.MessageIDNotInterested:
		s.flags.PeerInterested = false
	case models.MessageIDHave:
		ev.Index = int(decodeHave(msg.Payload))
		s.available.Set(ev.Index, true)
	case models.MessageIDBitfield:
		if !first {
			return Event{}, false, malformed("bitfield not sent immediately after handshake")
		}
		s.available = decodeBitfield(msg.Payload, s.cfg.NumPieces)
		ev.Bitfield = bitmap.Bitmap(s.available.Data(true))
	case models.MessageIDRequest, models.MessageIDCancel:
		ev.Request = decodeRequest(msg.Payload)
	case models.MessageIDPiece:
		ev.Block = decodeBlock(msg.Payload)
	default:
		s.log.Debug("skipping unknown message", slog.Int("id", int(msg.ID)), slog.Int("length", msg.Length))
		return Event{}, false, nil
	}
	return ev, true, nil
}

func (s *Session) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()
	lastWrite := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg := <-s.outbox:
			if err := s.write(msg); err != nil {
				s.close(fmt.Errorf("write %s: %w", msg.ID, err))
				return
			}
			lastWrite = time.Now()
		case now := <-ticker.C:
			if now.Sub(lastWrite) < s.cfg.KeepAliveInterval {
				continue
			}
			if err := s.write(KeepAliveMessage()); err != nil {
				s.close(fmt.Errorf("write keep-alive: %w", err))
				return
			}
			lastWrite = now
		}
	}
}

func (s *Session) write(msg models.PeerMessage) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := WriteMessage(s.conn, msg); err != nil {
		return err
	}
	if msg.KeepAlive() {
		return nil
	}

	s.flagsMu.Lock()
	switch msg.ID {
	case models.MessageIDChoke:
		s.flags.LocalChoked = true
	case models.MessageIDUnchoke:
		s.flags.LocalChoked = false
	case models.MessageIDInterested:
		s.flags.LocalInterested = true
	case models.MessageIDNotInterested:
		s.flags.LocalInterested = false
	}
	s.flagsMu.Unlock()
	return nil
}
