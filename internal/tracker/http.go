package tracker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/WendelHime/swarmfetch/internal/bencode"
	"github.com/WendelHime/swarmfetch/internal/shared/models"
)

type HTTPGetter struct {
	client   *http.Client
	peerID   string
	port     uint16
	interval int
}

func NewHTTPGetter(client *http.Client, peerID string, port uint16) PeersGetter {
	return &HTTPGetter{client: client, peerID: peerID, port: port}
}

// Interval is the re-announce interval, in seconds, of the last response.
func (h *HTTPGetter) Interval() int {
	return h.interval
}

func (h *HTTPGetter) GetPeers(ctx context.Context, announce string, metafile models.Metafile) ([]models.Peer, error) {
	tracker, err := url.Parse(announce)
	if err != nil {
		return nil, err
	}

	query := tracker.Query()
	query.Add("info_hash", string(metafile.InfoHash[:]))
	query.Add("peer_id", h.peerID)
	query.Add("port", strconv.Itoa(int(h.port)))
	query.Add("uploaded", "0")
	query.Add("downloaded", "0")
	query.Add("left", strconv.FormatInt(metafile.Info.Length, 10))
	query.Add("compact", "1")
	query.Add("event", "started")
	tracker.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tracker.String(), nil)
	if err != nil {
		return nil, err
	}
	response, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http error: %s", response.Status)
	}

	peersResp, err := decodeHTTPResponse(response.Body)
	if err != nil {
		return nil, err
	}

	h.interval = peersResp.Interval
	return peersResp.Peers, nil
}

type peersWithAddresses struct {
	Peers    []models.Peer
	Interval int
}

// decodeHTTPResponse accepts both the compact peer string and the list of
// {ip, port, peer id} dictionaries.
func decodeHTTPResponse(response io.Reader) (peersWithAddresses, error) {
	body, err := io.ReadAll(response)
	if err != nil {
		return peersWithAddresses{}, err
	}
	root, err := bencode.DecodeAll(body)
	if err != nil {
		return peersWithAddresses{}, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	dict, _, err := root.Dict()
	if err != nil {
		return peersWithAddresses{}, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	if v, ok := dict.Get("failure reason"); ok {
		reason, _ := v.Str()
		return peersWithAddresses{}, fmt.Errorf("%w: %s", ErrTrackerFailure, reason)
	}

	var result peersWithAddresses
	if v, ok := dict.Get("interval"); ok {
		interval, err := v.Uint()
		if err != nil {
			return result, fmt.Errorf("%w: interval: %w", ErrInvalidResponse, err)
		}
		result.Interval = int(interval)
	}

	peersValue, err := dict.Lookup("peers")
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	switch peersValue.Kind() {
	case bencode.KindBytes:
		compact, _ := peersValue.Bytes()
		result.Peers, err = models.ParseCompactPeers(compact)
		if err != nil {
			return result, fmt.Errorf("%w: peers: %w", ErrInvalidResponse, err)
		}
	case bencode.KindList:
		result.Peers, err = decodePeerList(peersValue)
		if err != nil {
			return result, err
		}
	default:
		return result, fmt.Errorf("%w: peers is a %s", ErrInvalidResponse, peersValue.Kind())
	}
	return result, nil
}

func decodePeerList(v bencode.Value) ([]models.Peer, error) {
	entries, _ := v.List()
	peers := make([]models.Peer, 0, len(entries))
	for i, entry := range entries {
		dict, _, err := entry.Dict()
		if err != nil {
			return nil, fmt.Errorf("%w: peers[%d]: %w", ErrInvalidResponse, i, err)
		}
		ipValue, err := dict.Lookup("ip")
		if err != nil {
			return nil, fmt.Errorf("%w: peers[%d]: %w", ErrInvalidResponse, i, err)
		}
		host, err := ipValue.Str()
		if err != nil {
			return nil, fmt.Errorf("%w: peers[%d].ip: %w", ErrInvalidResponse, i, err)
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("%w: peers[%d].ip %q", ErrInvalidResponse, i, host)
		}
		portValue, err := dict.Lookup("port")
		if err != nil {
			return nil, fmt.Errorf("%w: peers[%d]: %w", ErrInvalidResponse, i, err)
		}
		port, err := portValue.Uint()
		if err != nil || port > 65535 {
			return nil, fmt.Errorf("%w: peers[%d].port", ErrInvalidResponse, i)
		}

		peer := models.Peer{Addr: models.Addr{IP: ip, Port: uint16(port)}}
		if idValue, ok := dict.Get("peer id"); ok {
			peer.ID, _ = idValue.Str()
		}
		peers = append(peers, peer)
	}
	return peers, nil
}
