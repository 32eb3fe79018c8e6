package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/WendelHime/swarmfetch/internal/shared/models"
)

const DefaultPort = 6881

var (
	ErrEmptyAnnounce       = errors.New("announce url is empty")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrTrackerFailure      = errors.New("tracker failure")
	ErrInvalidResponse     = errors.New("invalid tracker response")
)

type Tracker interface {
	GetPeers(ctx context.Context, metafile models.Metafile) ([]models.Peer, error)
	WithHTTPClient(client *http.Client) Tracker
	WithListenPort(port uint16) Tracker
}

type PeersGetter interface {
	GetPeers(ctx context.Context, announce string, metafile models.Metafile) ([]models.Peer, error)
}

type tracker struct {
	AnnounceURL string
	PeerID      string
	Port        uint16
	HTTPClient  PeersGetter
	UDPClient   PeersGetter
}

func NewTracker(announceURL, peerID string) Tracker {
	return &tracker{
		AnnounceURL: announceURL,
		PeerID:      peerID,
		Port:        DefaultPort,
		HTTPClient:  NewHTTPGetter(&http.Client{Timeout: 60 * time.Second}, peerID, DefaultPort),
		UDPClient:   NewUDPGetter(peerID, DefaultPort),
	}
}

func (t *tracker) WithHTTPClient(client *http.Client) Tracker {
	t.HTTPClient = NewHTTPGetter(client, t.PeerID, t.Port)
	return t
}

func (t *tracker) WithListenPort(port uint16) Tracker {
	t.Port = port
	if h, ok := t.HTTPClient.(*HTTPGetter); ok {
		h.port = port
	}
	t.UDPClient = NewUDPGetter(t.PeerID, port)
	return t
}

func (t *tracker) GetPeers(ctx context.Context, metafile models.Metafile) ([]models.Peer, error) {
	if t.AnnounceURL == "" {
		return nil, ErrEmptyAnnounce
	}
	u, err := url.Parse(t.AnnounceURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		return t.HTTPClient.GetPeers(ctx, t.AnnounceURL, metafile)
	case "udp":
		return t.UDPClient.GetPeers(ctx, t.AnnounceURL, metafile)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, u.Scheme)
	}
}
