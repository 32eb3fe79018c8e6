package logic

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/WendelHime/swarmfetch/internal/decoder"
	"github.com/WendelHime/swarmfetch/internal/shared/models"
	"github.com/WendelHime/swarmfetch/internal/tracker"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockTracker struct {
	mock.Mock
}

func (t *mockTracker) GetPeers(ctx context.Context, metafile models.Metafile) ([]models.Peer, error) {
	args := t.Called(metafile)
	return args.Get(0).([]models.Peer), args.Error(1)
}

func (t *mockTracker) WithHTTPClient(*http.Client) tracker.Tracker { return t }

func (t *mockTracker) WithListenPort(uint16) tracker.Tracker { return t }

const torrentWithBackups = "d" +
	"8:announce16:http://a.example" +
	"13:announce-listll16:http://a.example16:http://b.exampleel15:udp://c.exampleee" +
	"4:infod6:lengthi3e4:name1:x12:piece lengthi4e6:pieces20:aaaaaaaaaaaaaaaaaaaae" +
	"e"

func TestDownloadWithoutPeers(t *testing.T) {
	var mu sync.Mutex
	var announces []string
	fake := &mockTracker{}
	fake.On("GetPeers", mock.Anything).Return([]models.Peer{}, errors.New("tracker offline"))

	fs := afero.NewMemMapFs()
	d := NewDownloader(decoder.NewDecoder(), testLogger(),
		WithFs(fs),
		WithTracker(func(announce, peerID string) tracker.Tracker {
			assert.True(t, strings.HasPrefix(peerID, peerIDPrefix))
			mu.Lock()
			announces = append(announces, announce)
			mu.Unlock()
			return fake
		}))

	err := d.Download(context.Background(), strings.NewReader(torrentWithBackups), "out")
	assert.ErrorIs(t, err, ErrNoPeers)
	assert.ElementsMatch(t, []string{"http://a.example", "http://b.example", "udp://c.example"}, announces)
	fake.AssertNumberOfCalls(t, "GetPeers", 3)

	exists, _ := afero.DirExists(fs, "out")
	assert.False(t, exists)
}

func TestDownloadRejectsBadMetafile(t *testing.T) {
	d := NewDownloader(decoder.NewDecoder(), testLogger(), WithFs(afero.NewMemMapFs()))
	err := d.Download(context.Background(), strings.NewReader("d8:announce"), "out")
	assert.Error(t, err)
}

func TestGeneratePeerID(t *testing.T) {
	a, b := GeneratePeerID(), GeneratePeerID()
	assert.True(t, strings.HasPrefix(a.String(), peerIDPrefix))
	assert.Len(t, a.String(), 20)
	assert.NotEqual(t, a, b)
}
