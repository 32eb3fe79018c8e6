package decoder

import (
	"crypto/sha1"
	"io"
	"strings"
	"testing"

	"github.com/WendelHime/swarmfetch/internal/bencode"
	"github.com/WendelHime/swarmfetch/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	multiFileInfo = "d" +
		"5:files" +
		"l" +
		"d6:lengthi1000e4:pathl10:subfolder19:file1.txtee" +
		"d6:lengthi2000e4:pathl10:subfolder29:file2.txtee" +
		"e" +
		"4:name" + "14:Torrent_Folder" +
		"12:piece lengthi1024e" +
		"6:pieces60:0123456789abcdef01230000000000000000000000000000000000000000" +
		"e"
	singleFileInfo = "d" +
		"6:lengthi90000e" +
		"4:name" + "14:Torrent_Folder" +
		"12:piece lengthi32768e" +
		"6:pieces60:0123456789abcdef01230000000000000000000000000000000000000000" +
		"e"
	// keys deliberately out of canonical order
	unsortedInfo = "d" +
		"4:name" + "4:data" +
		"6:lengthi10e" +
		"6:pieces20:abcdefghijklmnopqrst" +
		"12:piece lengthi16e" +
		"e"
)

func torrent(info string) string {
	var b strings.Builder
	b.WriteString("d")
	b.WriteString("8:announce26:http://tracker.example.com")
	b.WriteString("13:announce-list")
	b.WriteString("ll26:http://tracker.example.com25:http://backup-tracker.comee")
	b.WriteString("10:created by15:MyTorrentClient")
	b.WriteString("4:info")
	b.WriteString(info)
	b.WriteString("e")
	return b.String()
}

func TestMetainfoDecoder(t *testing.T) {
	decoder := NewDecoder()

	var tests = []struct {
		name          string
		assert        func(t *testing.T, actual models.Metafile, err error)
		givenMetafile func() io.Reader
	}{
		{
			name: "validate multifile torrent",
			assert: func(t *testing.T, actual models.Metafile, err error) {
				require.NoError(t, err)
				assert.Equal(t, "http://tracker.example.com", actual.Announce)
				assert.Equal(t, [][]string{{"http://tracker.example.com", "http://backup-tracker.com"}}, actual.AnnounceList)
				assert.Equal(t, "Torrent_Folder", actual.Info.Name)
				assert.Equal(t, int64(1024), actual.Info.PieceLength)
				assert.Equal(t, int64(3000), actual.Info.Length)
				assert.Equal(t, []models.File{{Path: []string{"subfolder1", "file1.txt"}, Length: 1000}, {Path: []string{"subfolder2", "file2.txt"}, Length: 2000}}, actual.Info.Files)
				assert.Equal(t, []byte(multiFileInfo), actual.InfoRaw)
				assert.Equal(t, models.Hash(sha1.Sum([]byte(multiFileInfo))), actual.InfoHash)
				require.Len(t, actual.Info.PiecesHashes, 3)
				assert.Equal(t, "0123456789abcdef0123", string(actual.Info.PiecesHashes[0][:]))
				assert.Equal(t, "00000000000000000000", string(actual.Info.PiecesHashes[1][:]))
				assert.Equal(t, "00000000000000000000", string(actual.Info.PiecesHashes[2][:]))
			},
			givenMetafile: func() io.Reader {
				return strings.NewReader(torrent(multiFileInfo))
			},
		},
		{
			name: "validate single torrent",
			assert: func(t *testing.T, actual models.Metafile, err error) {
				require.NoError(t, err)
				assert.Equal(t, "http://tracker.example.com", actual.Announce)
				assert.Equal(t, "Torrent_Folder", actual.Info.Name)
				assert.Equal(t, int64(32768), actual.Info.PieceLength)
				assert.Equal(t, int64(90000), actual.Info.Length)
				assert.Nil(t, actual.Info.Files)
				assert.Equal(t, models.Hash(sha1.Sum([]byte(singleFileInfo))), actual.InfoHash)
				assert.Len(t, actual.Info.PiecesHashes, 3)
			},
			givenMetafile: func() io.Reader {
				return strings.NewReader(torrent(singleFileInfo))
			},
		},
		{
			name: "info hash covers the original bytes of an unsorted info dictionary",
			assert: func(t *testing.T, actual models.Metafile, err error) {
				require.NoError(t, err)
				assert.Equal(t, []byte(unsortedInfo), actual.InfoRaw)
				assert.Equal(t, models.Hash(sha1.Sum([]byte(unsortedInfo))), actual.InfoHash)

				reencoded, _, err := bencode.Decode([]byte(unsortedInfo))
				require.NoError(t, err)
				assert.NotEqual(t, models.Hash(sha1.Sum(bencode.Encode(reencoded))), actual.InfoHash)
			},
			givenMetafile: func() io.Reader {
				return strings.NewReader(torrent(unsortedInfo))
			},
		},
		{
			name: "piece count must match total length",
			assert: func(t *testing.T, actual models.Metafile, err error) {
				assert.ErrorIs(t, err, ErrPieceCountMismatch)
			},
			givenMetafile: func() io.Reader {
				return strings.NewReader(torrent(strings.Replace(singleFileInfo, "i90000e", "i10e", 1)))
			},
		},
		{
			name: "pieces must be a multiple of the hash size",
			assert: func(t *testing.T, actual models.Metafile, err error) {
				assert.ErrorIs(t, err, ErrInvalidField)
			},
			givenMetafile: func() io.Reader {
				return strings.NewReader(torrent("d6:lengthi1e4:name1:x12:piece lengthi1e6:pieces3:abce"))
			},
		},
		{
			name: "missing info dictionary",
			assert: func(t *testing.T, actual models.Metafile, err error) {
				assert.ErrorIs(t, err, ErrMissingField)
			},
			givenMetafile: func() io.Reader {
				return strings.NewReader("d8:announce3:urle")
			},
		},
		{
			name: "missing piece length",
			assert: func(t *testing.T, actual models.Metafile, err error) {
				assert.ErrorIs(t, err, ErrMissingField)
				assert.Contains(t, err.Error(), "piece length")
			},
			givenMetafile: func() io.Reader {
				return strings.NewReader(torrent("d6:lengthi1e4:name1:x6:pieces0:e"))
			},
		},
		{
			name: "wrong field type surfaces the codec type mismatch",
			assert: func(t *testing.T, actual models.Metafile, err error) {
				assert.ErrorIs(t, err, ErrInvalidField)
				assert.ErrorIs(t, err, bencode.ErrTypeMismatch)
			},
			givenMetafile: func() io.Reader {
				return strings.NewReader(torrent("d6:lengthi1e4:namei5e12:piece lengthi1e6:pieces0:e"))
			},
		},
		{
			name: "malformed bencode",
			assert: func(t *testing.T, actual models.Metafile, err error) {
				assert.ErrorIs(t, err, bencode.ErrUnterminatedDictionary)
			},
			givenMetafile: func() io.Reader {
				return strings.NewReader("d8:announce3:url")
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			actual, err := decoder.Decode(tt.givenMetafile())
			tt.assert(t, actual, err)
		})
	}
}
