package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/WendelHime/swarmfetch/internal/bencode"
	"github.com/WendelHime/swarmfetch/internal/config"
	"github.com/WendelHime/swarmfetch/internal/decoder"
	"github.com/WendelHime/swarmfetch/internal/logic"
	"github.com/WendelHime/swarmfetch/internal/shared/models"
	"github.com/schollz/progressbar/v3"
)

type peerList []models.Peer

func (p *peerList) String() string {
	return fmt.Sprint(*p)
}

func (p *peerList) Set(value string) error {
	host, port, err := net.SplitHostPort(value)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return fmt.Errorf("resolve %s: %w", host, err)
		}
		ip = ips[0]
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return fmt.Errorf("port %q: %w", port, err)
	}
	*p = append(*p, models.Peer{Addr: models.Addr{IP: ip, Port: uint16(n)}})
	return nil
}

func main() {
	var torrentPath string
	var outputDir string
	var logPath string
	var logLevel slog.Level
	var sequential bool
	var peers peerList
	flag.StringVar(&torrentPath, "torrent", "", "Specify the input torrent file")
	flag.StringVar(&outputDir, "output", ".", "Specify the output directory")
	flag.StringVar(&logPath, "log", "swarmfetch.log", "Specify the log file")
	flag.TextVar(&logLevel, "log-level", slog.LevelInfo, "Specify the log level")
	flag.BoolVar(&sequential, "sequential", false, "Download pieces in order instead of rarest first")
	flag.Var(&peers, "peer", "Connect to host:port directly instead of asking the trackers (repeatable)")
	flag.Parse()

	if err := run(torrentPath, outputDir, logPath, logLevel, sequential, peers); err != nil {
		fmt.Fprintln(os.Stderr, "swarmfetch:", err)
		os.Exit(1)
	}
}

func run(torrentPath, outputDir, logPath string, logLevel slog.Level, sequential bool, peers []models.Peer) error {
	if torrentPath == "" {
		return fmt.Errorf("missing -torrent")
	}
	f, err := os.Open(torrentPath)
	if err != nil {
		return err
	}
	defer f.Close()

	// Create a new logger and generate log file
	logOut, err := os.Create(logPath)
	if err != nil {
		return err
	}
	defer logOut.Close()
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: logLevel}))

	cfg, err := config.FromEnv(config.EnvPrefix)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bar *progressbar.ProgressBar
	opts := []logic.DownloadOption{
		logic.WithDownloadConfig(cfg),
		logic.WithPeers(peers),
		logic.WithOnStart(func(meta models.Metafile) {
			bar = progressbar.DefaultBytes(meta.Info.Length, "downloading "+meta.Info.Name)
		}),
		logic.WithOnPiece(func(piece models.Piece) {
			bar.Add(len(piece.Data))
		}),
	}
	if sequential {
		opts = append(opts, logic.WithPieceSelector(logic.Sequential{}))
	}

	downloader := logic.NewDownloader(decoder.NewDecoder(bencode.WithMaxDepth(cfg.MaxDepth)), logger, opts...)
	if err := downloader.Download(ctx, f, outputDir); err != nil {
		logger.Error("failed to download torrent", slog.Any("error", err))
		return err
	}
	if bar != nil {
		bar.Finish()
	}
	return nil
}
