package udp

import (
	"encoding/binary"

	"github.com/da2ce7/torrust-tracker/internal/tracker"
)

// BEP 15 wire constants.
const (
	protocolID = int64(0x41727101980)

	actionConnect  = uint32(0)
	actionAnnounce = uint32(1)
	actionScrape   = uint32(2)
	actionError    = uint32(3)

	// MaxPacketSize is the datagram ceiling; anything larger is dropped.
	MaxPacketSize = 1496

	connectRequestSize  = 16
	announceRequestSize = 98
	scrapeHeaderSize    = 16
)

// ConnectRequest is a decoded connect packet.
type ConnectRequest struct {
	TransactionID uint32
}

// AnnounceRequest is a decoded announce packet.
type AnnounceRequest struct {
	ConnectionID  uint64
	TransactionID uint32
	InfoHash      tracker.InfoHash
	PeerID        tracker.PeerID
	Downloaded    int64
	Left          int64
	Uploaded      int64
	Event         tracker.Event
	IP            uint32
	Key           uint32
	NumWant       int32
	Port          uint16
}

// ScrapeRequest is a decoded scrape packet.
type ScrapeRequest struct {
	ConnectionID  uint64
	TransactionID uint32
	InfoHashes    []tracker.InfoHash
}

// packetHeader pulls the shared (connection id, action, transaction id)
// prefix off a packet. All client packets are at least 16 bytes.
func packetHeader(packet []byte) (connID uint64, action uint32, txID uint32, ok bool) {
	if len(packet) < connectRequestSize {
		return 0, 0, 0, false
	}
	connID = binary.BigEndian.Uint64(packet[0:8])
	action = binary.BigEndian.Uint32(packet[8:12])
	txID = binary.BigEndian.Uint32(packet[12:16])
	return connID, action, txID, true
}

func parseConnect(packet []byte, connID uint64, txID uint32) (*ConnectRequest, error) {
	// The connect header carries the protocol magic where later packets
	// put the connection id.
	if len(packet) != connectRequestSize || int64(connID) != protocolID {
		return nil, tracker.ErrBadRequest
	}
	return &ConnectRequest{TransactionID: txID}, nil
}

func parseAnnounce(packet []byte, connID uint64, txID uint32) (*AnnounceRequest, error) {
	if len(packet) < announceRequestSize {
		return nil, tracker.ErrBadRequest
	}

	ih, err := tracker.InfoHashFromBytes(packet[16:36])
	if err != nil {
		return nil, err
	}
	peerID, err := tracker.PeerIDFromBytes(packet[36:56])
	if err != nil {
		return nil, err
	}

	event := binary.BigEndian.Uint32(packet[80:84])
	if event > uint32(tracker.EventStopped) {
		return nil, tracker.ErrBadRequest
	}

	return &AnnounceRequest{
		ConnectionID:  connID,
		TransactionID: txID,
		InfoHash:      ih,
		PeerID:        peerID,
		Downloaded:    int64(binary.BigEndian.Uint64(packet[56:64])),
		Left:          int64(binary.BigEndian.Uint64(packet[64:72])),
		Uploaded:      int64(binary.BigEndian.Uint64(packet[72:80])),
		Event:         tracker.Event(event),
		IP:            binary.BigEndian.Uint32(packet[84:88]),
		Key:           binary.BigEndian.Uint32(packet[88:92]),
		NumWant:       int32(binary.BigEndian.Uint32(packet[92:96])),
		Port:          binary.BigEndian.Uint16(packet[96:98]),
	}, nil
}

func parseScrape(packet []byte, connID uint64, txID uint32) (*ScrapeRequest, error) {
	body := packet[scrapeHeaderSize:]
	if len(body) == 0 || len(body)%20 != 0 {
		return nil, tracker.ErrBadRequest
	}
	if len(body)/20 > tracker.MaxNumWant {
		return nil, tracker.ErrTooManyInfoHashes
	}

	hashes := make([]tracker.InfoHash, 0, len(body)/20)
	for off := 0; off < len(body); off += 20 {
		ih, err := tracker.InfoHashFromBytes(body[off : off+20])
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, ih)
	}

	return &ScrapeRequest{
		ConnectionID:  connID,
		TransactionID: txID,
		InfoHashes:    hashes,
	}, nil
}

// writeConnect serializes a connect response into buf.
func writeConnect(buf []byte, txID uint32, connID uint64) []byte {
	buf = appendUint32(buf, actionConnect)
	buf = appendUint32(buf, txID)
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], connID)
	return append(buf, raw[:]...)
}

// writeAnnounce serializes an announce response. Peer addresses are packed
// as 6-byte records for IPv4 clients and 18-byte records for IPv6.
func writeAnnounce(buf []byte, txID uint32, resp *tracker.AnnounceResponse, v6 bool) []byte {
	buf = appendUint32(buf, actionAnnounce)
	buf = appendUint32(buf, txID)
	buf = appendUint32(buf, uint32(resp.Interval.Seconds()))
	buf = appendUint32(buf, uint32(resp.Stats.Leechers))
	buf = appendUint32(buf, uint32(resp.Stats.Seeders))

	for _, p := range resp.Peers {
		if v6 {
			ip := p.IP.To16()
			if ip == nil || p.IP.To4() != nil {
				continue
			}
			buf = append(buf, ip...)
		} else {
			ip := p.IP.To4()
			if ip == nil {
				continue
			}
			buf = append(buf, ip...)
		}
		buf = append(buf, byte(p.Port>>8), byte(p.Port))
	}
	return buf
}

// writeScrape serializes a scrape response, one (seeders, completed,
// leechers) triple per requested infohash.
func writeScrape(buf []byte, txID uint32, stats []tracker.SwarmStats) []byte {
	buf = appendUint32(buf, actionScrape)
	buf = appendUint32(buf, txID)
	for _, s := range stats {
		buf = appendUint32(buf, uint32(s.Seeders))
		buf = appendUint32(buf, uint32(s.Completed))
		buf = appendUint32(buf, uint32(s.Leechers))
	}
	return buf
}

// writeError serializes an error response with a human-readable message.
func writeError(buf []byte, txID uint32, msg string) []byte {
	buf = appendUint32(buf, actionError)
	buf = appendUint32(buf, txID)
	return append(buf, msg...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], v)
	return append(buf, raw[:]...)
}
