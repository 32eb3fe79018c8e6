package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/WendelHime/swarmfetch/internal/shared/models"
	bitmap "github.com/boljen/go-bitmap"
	"github.com/spf13/afero"
)

var (
	ErrUnverifiedPiece = errors.New("refusing to write unverified piece")
	ErrPieceRange      = errors.New("piece outside torrent")
	ErrUnsafePath      = errors.New("unsafe file path")
)

type file struct {
	path   string
	offset int64
	length int64
	handle afero.File
}

// Storage lays verified pieces out as the torrent's files beneath a root
// directory. Safe for use from one writer goroutine; Close may be called
// from another.
type Storage struct {
	info    models.Info
	fs      afero.Fs
	log     *slog.Logger
	files   []file
	mu      sync.Mutex
	written bitmap.Bitmap
}

// New creates or opens every file of info below root. A single-file torrent
// maps to root/<name>, a multi-file torrent to root/<name>/<path...>.
func New(fs afero.Fs, root string, info models.Info, logger *slog.Logger) (*Storage, error) {
	s := &Storage{
		info:    info,
		fs:      fs,
		log:     logger,
		written: bitmap.New(info.NumPieces()),
	}

	layout := info.Files
	base := root
	if len(layout) == 0 {
		layout = []models.File{{Length: info.Length, Path: []string{info.Name}}}
	} else {
		base = filepath.Join(root, info.Name)
	}

	var offset int64
	for _, f := range layout {
		path, err := safeJoin(base, f.Path)
		if err != nil {
			s.Close()
			return nil, err
		}
		if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
			s.Close()
			return nil, err
		}
		handle, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			s.Close()
			return nil, err
		}
		if err := handle.Truncate(f.Length); err != nil {
			handle.Close()
			s.Close()
			return nil, err
		}
		s.files = append(s.files, file{path: path, offset: offset, length: f.Length, handle: handle})
		offset += f.Length
	}
	logger.Debug("storage ready", slog.String("root", base), slog.Int("files", len(s.files)))
	return s, nil
}

func safeJoin(base string, segments []string) (string, error) {
	for _, segment := range segments {
		if segment == "" || segment == "." || segment == ".." || filepath.Base(segment) != segment {
			return "", fmt.Errorf("%w: %q", ErrUnsafePath, segments)
		}
	}
	return filepath.Join(append([]string{base}, segments...)...), nil
}

// WritePiece writes a verified piece, spanning file boundaries as needed.
func (s *Storage) WritePiece(piece models.Piece) error {
	if !piece.Verified {
		return fmt.Errorf("%w: %d", ErrUnverifiedPiece, piece.Index)
	}
	if piece.Index < 0 || piece.Index >= s.info.NumPieces() || int64(len(piece.Data)) != s.info.PieceSize(piece.Index) {
		return fmt.Errorf("%w: piece %d with %d bytes", ErrPieceRange, piece.Index, len(piece.Data))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := int64(piece.Index) * s.info.PieceLength
	end := start + int64(len(piece.Data))
	for _, f := range s.files {
		lo, hi := max(start, f.offset), min(end, f.offset+f.length)
		if lo >= hi {
			continue
		}
		if _, err := f.handle.WriteAt(piece.Data[lo-start:hi-start], lo-f.offset); err != nil {
			return fmt.Errorf("write %s: %w", f.path, err)
		}
	}
	s.written.Set(piece.Index, true)
	return nil
}

// Written reports whether piece index has been persisted.
func (s *Storage) Written(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return index >= 0 && index < s.info.NumPieces() && s.written.Get(index)
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, f := range s.files {
		if err := f.handle.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.files = nil
	return errors.Join(errs...)
}
