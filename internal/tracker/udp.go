package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"

	"github.com/WendelHime/swarmfetch/internal/shared/models"
)

const (
	udpProtocolID     = 0x41727101980
	udpActionConnect  = 0
	udpActionAnnounce = 1
	udpActionError    = 3
	udpEventStarted   = 2

	udpTimeout     = 15 * time.Second
	udpMaxResponse = 20 + 200*models.CompactAddrSize
)

type UDPGetter struct {
	peerID string
	port   uint16
}

func NewUDPGetter(peerID string, port uint16) PeersGetter {
	return UDPGetter{peerID: peerID, port: port}
}

// GetPeers runs the connect/announce exchange of BEP 15 over one socket.
func (u UDPGetter) GetPeers(ctx context.Context, announce string, metafile models.Metafile) ([]models.Peer, error) {
	tracker, err := url.Parse(announce)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", tracker.Host)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(udpTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	transactionID := rand.Uint32()
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:], udpProtocolID)
	binary.BigEndian.PutUint32(buf[8:], udpActionConnect)
	binary.BigEndian.PutUint32(buf[12:], transactionID)
	if _, err := conn.Write(buf); err != nil {
		return nil, err
	}

	resp := make([]byte, udpMaxResponse)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, err
	}
	if err := checkUDPResponse(resp[:n], udpActionConnect, transactionID, 16); err != nil {
		return nil, err
	}
	connectionID := binary.BigEndian.Uint64(resp[8:16])

	transactionID = rand.Uint32()
	buf = make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], connectionID)
	binary.BigEndian.PutUint32(buf[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	copy(buf[16:36], metafile.InfoHash[:])
	copy(buf[36:56], u.peerID)
	binary.BigEndian.PutUint64(buf[56:64], 0) // downloaded
	binary.BigEndian.PutUint64(buf[64:72], uint64(metafile.Info.Length))
	binary.BigEndian.PutUint64(buf[72:80], 0) // uploaded
	binary.BigEndian.PutUint32(buf[80:84], udpEventStarted)
	binary.BigEndian.PutUint32(buf[84:88], 0) // ip chosen by the tracker
	binary.BigEndian.PutUint32(buf[88:92], rand.Uint32())
	binary.BigEndian.PutUint32(buf[92:96], 0xffffffff) // num_want default
	binary.BigEndian.PutUint16(buf[96:98], u.port)
	if _, err := conn.Write(buf); err != nil {
		return nil, err
	}

	n, err = conn.Read(resp)
	if err != nil {
		return nil, err
	}
	if err := checkUDPResponse(resp[:n], udpActionAnnounce, transactionID, 20); err != nil {
		return nil, err
	}

	peers, err := models.ParseCompactPeers(resp[20:n])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	return peers, nil
}

func checkUDPResponse(resp []byte, action, transactionID uint32, minLength int) error {
	if len(resp) < 8 {
		return fmt.Errorf("%w: %d byte udp response", ErrInvalidResponse, len(resp))
	}
	if got := binary.BigEndian.Uint32(resp[4:8]); got != transactionID {
		return fmt.Errorf("%w: transaction id %d, want %d", ErrInvalidResponse, got, transactionID)
	}
	switch got := binary.BigEndian.Uint32(resp[0:4]); {
	case got == udpActionError:
		return fmt.Errorf("%w: %s", ErrTrackerFailure, resp[8:])
	case got != action:
		return fmt.Errorf("%w: action %d, want %d", ErrInvalidResponse, got, action)
	}
	if len(resp) < minLength {
		return fmt.Errorf("%w: %d byte udp response", ErrInvalidResponse, len(resp))
	}
	return nil
}
