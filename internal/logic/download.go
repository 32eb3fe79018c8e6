package logic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/WendelHime/swarmfetch/internal/config"
	"github.com/WendelHime/swarmfetch/internal/decoder"
	"github.com/WendelHime/swarmfetch/internal/p2p"
	"github.com/WendelHime/swarmfetch/internal/shared/models"
	"github.com/WendelHime/swarmfetch/internal/storage"
	"github.com/WendelHime/swarmfetch/internal/tracker"
	"github.com/spf13/afero"
)

var ErrNoPeers = errors.New("no peers found")

const peerIDPrefix = "-SF0001-"

type Downloader interface {
	Download(ctx context.Context, metafile io.Reader, outputDir string) error
}

type DownloadOption func(*downloader)

func WithDownloadConfig(cfg config.Config) DownloadOption {
	return func(d *downloader) { d.cfg = cfg }
}

// WithFs replaces the filesystem pieces are written to.
func WithFs(fs afero.Fs) DownloadOption {
	return func(d *downloader) { d.fs = fs }
}

// WithPeers skips the trackers and connects to peers directly.
func WithPeers(peers []models.Peer) DownloadOption {
	return func(d *downloader) { d.peers = peers }
}

func WithTracker(newTracker func(announce, peerID string) tracker.Tracker) DownloadOption {
	return func(d *downloader) { d.newTracker = newTracker }
}

func WithPieceSelector(s PieceSelector) DownloadOption {
	return func(d *downloader) { d.selector = s }
}

// WithOnStart is called once the total size is known.
func WithOnStart(fn func(meta models.Metafile)) DownloadOption {
	return func(d *downloader) { d.onStart = fn }
}

// WithOnPiece is called after every persisted piece.
func WithOnPiece(fn func(models.Piece)) DownloadOption {
	return func(d *downloader) { d.onPiece = fn }
}

type downloader struct {
	clientID   p2p.PeerID
	d          decoder.MetafileDecoder
	log        *slog.Logger
	cfg        config.Config
	fs         afero.Fs
	peers      []models.Peer
	newTracker func(announce, peerID string) tracker.Tracker
	selector   PieceSelector
	onStart    func(models.Metafile)
	onPiece    func(models.Piece)
}

func NewDownloader(d decoder.MetafileDecoder, logger *slog.Logger, opts ...DownloadOption) Downloader {
	dl := &downloader{
		d:          d,
		log:        logger,
		clientID:   GeneratePeerID(),
		cfg:        config.Default(),
		fs:         afero.NewOsFs(),
		newTracker: tracker.NewTracker,
		selector:   RarestFirst{},
	}
	for _, opt := range opts {
		opt(dl)
	}
	return dl
}

// GeneratePeerID returns a client-prefixed id with 12 random characters.
func GeneratePeerID() p2p.PeerID {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	var peerID p2p.PeerID
	n := copy(peerID[:], peerIDPrefix)
	for i := n; i < len(peerID); i++ {
		peerID[i] = charset[rand.Intn(len(charset))]
	}
	return peerID
}

func (d *downloader) Download(ctx context.Context, metafile io.Reader, outputDir string) error {
	d.log.Info("decoding metafile")
	meta, err := d.d.Decode(metafile)
	if err != nil {
		return err
	}
	d.log.Info("decoded metafile",
		slog.String("name", meta.Info.Name),
		slog.String("info_hash", meta.InfoHash.String()),
		slog.Int("pieces", meta.Info.NumPieces()),
		slog.Int64("length", meta.Info.Length))

	peers := d.peers
	if len(peers) == 0 {
		peers = d.retrievePeers(ctx, meta)
	}
	if len(peers) == 0 {
		return ErrNoPeers
	}

	d.log.Info("creating output directory", slog.String("output_dir", outputDir))
	if err := d.fs.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	store, err := storage.New(d.fs, outputDir, meta.Info, d.log)
	if err != nil {
		return err
	}
	defer store.Close()

	if d.onStart != nil {
		d.onStart(meta)
	}

	opts := []Option{
		WithConfig(d.cfg),
		WithPeerID(d.clientID),
		WithSelector(d.selector),
	}
	if d.onPiece != nil {
		opts = append(opts, WithProgress(d.onPiece))
	}
	manager := NewManager(meta, store, d.log, opts...)
	if err := manager.Initialize(ctx, peers); err != nil {
		return err
	}
	if err := manager.Run(ctx); err != nil {
		return fmt.Errorf("download %s: %w", meta.Info.Name, err)
	}
	return store.Close()
}

// retrievePeers asks the announce tracker and every announce-list tracker
// concurrently. Tracker errors are logged and skipped.
func (d *downloader) retrievePeers(ctx context.Context, metafile models.Metafile) []models.Peer {
	announces := make([]string, 0, 1)
	seen := make(map[string]struct{})
	add := func(announce string) {
		if _, ok := seen[announce]; ok || announce == "" {
			return
		}
		seen[announce] = struct{}{}
		announces = append(announces, announce)
	}
	add(metafile.Announce)
	for _, tier := range metafile.AnnounceList {
		for _, announce := range tier {
			add(announce)
		}
	}

	var mutex sync.Mutex
	var wg sync.WaitGroup
	peers := make([]models.Peer, 0)
	for _, announce := range announces {
		wg.Add(1)
		go func(announce string) {
			defer wg.Done()
			d.log.Info("retrieving peers from tracker", slog.String("announce", announce))
			t := d.newTracker(announce, d.clientID.String()).WithListenPort(d.cfg.ListenPort)
			p, err := t.GetPeers(ctx, metafile)
			if err != nil && !errors.Is(err, io.EOF) {
				d.log.Warn("failed to get peers", slog.String("announce", announce), slog.Any("error", err))
				return
			}

			mutex.Lock()
			peers = append(peers, p...)
			mutex.Unlock()
		}(announce)
	}
	wg.Wait()

	d.log.Info("retrieved peers", slog.Int("peers", len(peers)))
	return peers
}
