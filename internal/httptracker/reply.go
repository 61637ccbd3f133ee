package httptracker

import (
	"github.com/da2ce7/torrust-tracker/internal/tracker"
)

// failureReply is the bencoded error dictionary of BEP 3.
type failureReply struct {
	FailureReason string `bencode:"failure reason"`
}

// announceReply is the bencoded announce response. Peers is either the
// BEP 23 compact string (IPv4, 6 bytes per peer) or a list of
// dictionaries.
type announceReply struct {
	Interval    int32       `bencode:"interval"`
	MinInterval int32       `bencode:"min interval"`
	Complete    int32       `bencode:"complete"`
	Incomplete  int32       `bencode:"incomplete"`
	Peers       interface{} `bencode:"peers"`
}

// peerDict is one entry of the non-compact peer list.
type peerDict struct {
	PeerID string `bencode:"peer id"`
	IP     string `bencode:"ip"`
	Port   uint16 `bencode:"port"`
}

type scrapeReply struct {
	Files map[string]scrapeFile `bencode:"files"`
}

type scrapeFile struct {
	Complete   int32 `bencode:"complete"`
	Downloaded int32 `bencode:"downloaded"`
	Incomplete int32 `bencode:"incomplete"`
}

func buildAnnounceReply(resp *tracker.AnnounceResponse, compact bool) announceReply {
	reply := announceReply{
		Interval:    int32(resp.Interval.Seconds()),
		MinInterval: int32(resp.MinInterval.Seconds()),
		Complete:    resp.Stats.Seeders,
		Incomplete:  resp.Stats.Leechers,
	}

	if compact {
		// 4-byte IP + 2-byte big-endian port per peer; IPv6 peers cannot
		// be packed this way and are skipped.
		packed := make([]byte, 0, len(resp.Peers)*6)
		for _, p := range resp.Peers {
			v4 := p.IP.To4()
			if v4 == nil {
				continue
			}
			packed = append(packed, v4...)
			packed = append(packed, byte(p.Port>>8), byte(p.Port))
		}
		reply.Peers = packed
		return reply
	}

	dicts := make([]peerDict, 0, len(resp.Peers))
	for _, p := range resp.Peers {
		dicts = append(dicts, peerDict{
			PeerID: p.ID.String(),
			IP:     p.IP.String(),
			Port:   p.Port,
		})
	}
	reply.Peers = dicts
	return reply
}
