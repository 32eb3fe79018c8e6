package decoder

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/WendelHime/swarmfetch/internal/bencode"
	"github.com/WendelHime/swarmfetch/internal/shared/models"
)

var (
	ErrMissingField       = errors.New("missing metainfo field")
	ErrInvalidField       = errors.New("invalid metainfo field")
	ErrPieceCountMismatch = errors.New("piece hash count does not match total length")
)

type MetafileDecoder interface {
	Decode(io.Reader) (models.Metafile, error)
}

type decoder struct {
	opts []bencode.Option
}

func NewDecoder(opts ...bencode.Option) MetafileDecoder {
	return decoder{opts: opts}
}

func (d decoder) Decode(torrent io.Reader) (models.Metafile, error) {
	data, err := io.ReadAll(torrent)
	if err != nil {
		return models.Metafile{}, err
	}

	root, err := bencode.DecodeAll(data, d.opts...)
	if err != nil {
		return models.Metafile{}, fmt.Errorf("failed to decode torrent: %w", err)
	}

	return Parse(root)
}

// Parse projects a decoded torrent file into a Metafile. The info hash is
// computed over the info dictionary's original bytes.
func Parse(root bencode.Value) (models.Metafile, error) {
	var response models.Metafile

	top, _, err := root.Dict()
	if err != nil {
		return response, fmt.Errorf("torrent root: %w", err)
	}

	if v, ok := top.Get("announce"); ok {
		response.Announce, err = v.Str()
		if err != nil {
			return response, fieldErr(ErrInvalidField, "announce", err)
		}
	}

	if v, ok := top.Get("announce-list"); ok {
		response.AnnounceList, err = parseAnnounceList(v)
		if err != nil {
			return response, err
		}
	}

	if response.Announce == "" && len(response.AnnounceList) == 0 {
		return response, fieldErr(ErrMissingField, "announce", nil)
	}

	infoValue, ok := top.Get("info")
	if !ok {
		return response, fieldErr(ErrMissingField, "info", nil)
	}
	info, infoRaw, err := infoValue.Dict()
	if err != nil {
		return response, fieldErr(ErrInvalidField, "info", err)
	}

	response.InfoRaw = infoRaw
	response.InfoHash = calculateInfoHash(infoRaw)
	response.Info, err = parseInfo(info)
	if err != nil {
		return response, err
	}

	return response, nil
}

func parseInfo(info bencode.Dict) (models.Info, error) {
	var result models.Info
	var err error

	result.Name, err = stringField(info, "info.name")
	if err != nil {
		return result, err
	}

	result.PieceLength, err = intField(info, "info.piece length")
	if err != nil {
		return result, err
	}
	if result.PieceLength <= 0 {
		return result, fieldErr(ErrInvalidField, "info.piece length", errors.New("must be positive"))
	}

	pieces, err := bytesField(info, "info.pieces")
	if err != nil {
		return result, err
	}
	result.PiecesHashes, err = calculatePiecesHashes(pieces)
	if err != nil {
		return result, err
	}

	_, hasLength := info.Get("length")
	_, hasFiles := info.Get("files")
	switch {
	case hasLength && hasFiles:
		return result, fieldErr(ErrInvalidField, "info", errors.New("both length and files present"))
	case hasLength:
		result.Length, err = intField(info, "info.length")
		if err != nil {
			return result, err
		}
	case hasFiles:
		result.Files, err = parseFiles(info)
		if err != nil {
			return result, err
		}
		result.Length = calculateTotalLength(result.Files)
	default:
		return result, fieldErr(ErrMissingField, "info.length", nil)
	}

	expected := (result.Length + result.PieceLength - 1) / result.PieceLength
	if int64(len(result.PiecesHashes)) != expected {
		return result, fmt.Errorf("%w: %d hashes for %d bytes at piece length %d",
			ErrPieceCountMismatch, len(result.PiecesHashes), result.Length, result.PieceLength)
	}

	return result, nil
}

func parseAnnounceList(v bencode.Value) ([][]string, error) {
	tiers, err := v.List()
	if err != nil {
		return nil, fieldErr(ErrInvalidField, "announce-list", err)
	}
	result := make([][]string, 0, len(tiers))
	for i, tier := range tiers {
		urls, err := tier.List()
		if err != nil {
			return nil, fieldErr(ErrInvalidField, fmt.Sprintf("announce-list[%d]", i), err)
		}
		announces := make([]string, 0, len(urls))
		for j, u := range urls {
			s, err := u.Str()
			if err != nil {
				return nil, fieldErr(ErrInvalidField, fmt.Sprintf("announce-list[%d][%d]", i, j), err)
			}
			announces = append(announces, s)
		}
		result = append(result, announces)
	}
	return result, nil
}

func parseFiles(info bencode.Dict) ([]models.File, error) {
	v, _ := info.Get("files")
	entries, err := v.List()
	if err != nil {
		return nil, fieldErr(ErrInvalidField, "info.files", err)
	}
	if len(entries) == 0 {
		return nil, fieldErr(ErrInvalidField, "info.files", errors.New("empty file list"))
	}

	files := make([]models.File, 0, len(entries))
	for i, entry := range entries {
		key := fmt.Sprintf("info.files[%d]", i)
		dict, _, err := entry.Dict()
		if err != nil {
			return nil, fieldErr(ErrInvalidField, key, err)
		}
		length, err := intField(dict, key+".length")
		if err != nil {
			return nil, err
		}
		pathValue, ok := dict.Get("path")
		if !ok {
			return nil, fieldErr(ErrMissingField, key+".path", nil)
		}
		segments, err := pathValue.List()
		if err != nil {
			return nil, fieldErr(ErrInvalidField, key+".path", err)
		}
		if len(segments) == 0 {
			return nil, fieldErr(ErrInvalidField, key+".path", errors.New("empty path"))
		}
		path := make([]string, 0, len(segments))
		for _, segment := range segments {
			s, err := segment.Str()
			if err != nil {
				return nil, fieldErr(ErrInvalidField, key+".path", err)
			}
			path = append(path, s)
		}
		files = append(files, models.File{Length: length, Path: path})
	}
	return files, nil
}

// key is a dotted path; only the last segment is looked up in d.
func lookup(d bencode.Dict, key string) (bencode.Value, error) {
	name := key[strings.LastIndex(key, ".")+1:]
	v, ok := d.Get(name)
	if !ok {
		return bencode.Value{}, fieldErr(ErrMissingField, key, nil)
	}
	return v, nil
}

func stringField(d bencode.Dict, key string) (string, error) {
	v, err := lookup(d, key)
	if err != nil {
		return "", err
	}
	s, err := v.Str()
	if err != nil {
		return "", fieldErr(ErrInvalidField, key, err)
	}
	return s, nil
}

func bytesField(d bencode.Dict, key string) ([]byte, error) {
	v, err := lookup(d, key)
	if err != nil {
		return nil, err
	}
	b, err := v.Bytes()
	if err != nil {
		return nil, fieldErr(ErrInvalidField, key, err)
	}
	return b, nil
}

func intField(d bencode.Dict, key string) (int64, error) {
	v, err := lookup(d, key)
	if err != nil {
		return 0, err
	}
	n, err := v.Uint()
	if err != nil {
		return 0, fieldErr(ErrInvalidField, key, err)
	}
	if n > 1<<62 {
		return 0, fieldErr(ErrInvalidField, key, errors.New("value too large"))
	}
	return int64(n), nil
}

func fieldErr(kind error, key string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", kind, key)
	}
	return fmt.Errorf("%w: %s: %w", kind, key, cause)
}

func calculateInfoHash(info []byte) models.Hash {
	return sha1.Sum(info)
}

func calculatePiecesHashes(pieces []byte) ([]models.Hash, error) {
	if len(pieces)%models.HashSize != 0 {
		return nil, fieldErr(ErrInvalidField, "info.pieces", fmt.Errorf("length %d is not a multiple of %d", len(pieces), models.HashSize))
	}

	piecesHashes := make([]models.Hash, 0, len(pieces)/models.HashSize)
	for i := 0; i < len(pieces); i += models.HashSize {
		piecesHashes = append(piecesHashes, models.Hash(pieces[i:i+models.HashSize]))
	}

	return piecesHashes, nil
}

func calculateTotalLength(files []models.File) int64 {
	var totalLength int64
	for _, file := range files {
		totalLength += file.Length
	}
	return totalLength
}
