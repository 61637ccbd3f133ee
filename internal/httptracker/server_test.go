package httptracker

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/da2ce7/torrust-tracker/internal/storage"
	"github.com/da2ce7/torrust-tracker/internal/tracker"
)

type announceDecoded struct {
	Interval    int64  `bencode:"interval"`
	MinInterval int64  `bencode:"min interval"`
	Complete    int64  `bencode:"complete"`
	Incomplete  int64  `bencode:"incomplete"`
	Peers       string `bencode:"peers"`
}

type failureDecoded struct {
	FailureReason string `bencode:"failure reason"`
}

func startTestServer(t *testing.T, mode tracker.Mode) (*Server, *tracker.Tracker) {
	t.Helper()

	tkr := tracker.New(mode, tracker.Settings{
		AnnounceInterval:    120 * time.Second,
		MinAnnounceInterval: 120 * time.Second,
		MaxPeerAge:          900 * time.Second,
		CleanupInterval:     600 * time.Second,
	}, storage.NewMemory(), clock.New())

	server, err := NewServer(Config{Addr: "127.0.0.1:0"}, tkr)
	require.NoError(t, err)

	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Stop)

	return server, tkr
}

func get(t *testing.T, server *Server, path string) []byte {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://%s%s", server.Addr(), path))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return body
}

func announcePath(ih tracker.InfoHash, peerID, event string, left int64) string {
	return fmt.Sprintf("/announce?info_hash=%s&peer_id=%s&port=6881&uploaded=0&downloaded=0&left=%d&event=%s",
		url.QueryEscape(string(ih[:])), url.QueryEscape(peerID), left, event)
}

func TestHTTPAnnounce(t *testing.T) {
	server, _ := startTestServer(t, tracker.ModePublic)
	ih := tracker.InfoHash{0x01}

	body := get(t, server, announcePath(ih, "-qB00000000000000001", "started", 0))

	var decoded announceDecoded
	require.NoError(t, bencode.Unmarshal(body, &decoded))
	require.Equal(t, int64(120), decoded.Interval)
	require.Equal(t, int64(120), decoded.MinInterval)
	require.Equal(t, int64(1), decoded.Complete)
	require.Equal(t, int64(0), decoded.Incomplete)
	require.Empty(t, decoded.Peers)

	// A second peer sees the first in compact form.
	body = get(t, server, announcePath(ih, "-qB00000000000000002", "started", 100))
	require.NoError(t, bencode.Unmarshal(body, &decoded))
	require.Equal(t, int64(1), decoded.Complete)
	require.Equal(t, int64(1), decoded.Incomplete)
	require.Len(t, decoded.Peers, 6)
	require.Equal(t, "\x7f\x00\x00\x01", decoded.Peers[:4])
	require.Equal(t, uint16(6881), uint16(decoded.Peers[4])<<8|uint16(decoded.Peers[5]))
}

func TestHTTPAnnounceMissingParams(t *testing.T) {
	server, _ := startTestServer(t, tracker.ModePublic)

	body := get(t, server, "/announce?peer_id=-qB00000000000000001&port=6881")

	var decoded failureDecoded
	require.NoError(t, bencode.Unmarshal(body, &decoded))
	require.Contains(t, decoded.FailureReason, "info hash")
}

func TestHTTPAnnounceListedMode(t *testing.T) {
	server, tkr := startTestServer(t, tracker.ModeListed)

	admitted := tracker.InfoHash{0x01}
	tkr.Whitelist().Add(admitted)

	body := get(t, server, announcePath(admitted, "-qB00000000000000001", "started", 100))
	var decoded announceDecoded
	require.NoError(t, bencode.Unmarshal(body, &decoded))
	require.Equal(t, int64(0), decoded.Complete)
	require.Equal(t, int64(1), decoded.Incomplete)

	body = get(t, server, announcePath(tracker.InfoHash{0x02}, "-qB00000000000000001", "started", 100))
	var failure failureDecoded
	require.NoError(t, bencode.Unmarshal(body, &failure))
	require.Contains(t, failure.FailureReason, "whitelist")
}

func TestHTTPAnnounceWithKey(t *testing.T) {
	server, tkr := startTestServer(t, tracker.ModePrivate)
	ih := tracker.InfoHash{0x01}

	body := get(t, server, announcePath(ih, "-qB00000000000000001", "started", 100))
	var failure failureDecoded
	require.NoError(t, bencode.Unmarshal(body, &failure))
	require.Contains(t, failure.FailureReason, "authenticated")

	key, err := tkr.GenerateKey(time.Hour)
	require.NoError(t, err)

	path := fmt.Sprintf("/announce/%s?%s", key.Key,
		announcePath(ih, "-qB00000000000000001", "started", 100)[len("/announce?"):])
	body = get(t, server, path)
	var decoded announceDecoded
	require.NoError(t, bencode.Unmarshal(body, &decoded))
	require.Equal(t, int64(1), decoded.Incomplete)
}

func TestHTTPScrape(t *testing.T) {
	server, _ := startTestServer(t, tracker.ModePublic)
	ih := tracker.InfoHash{0x01}

	get(t, server, announcePath(ih, "-qB00000000000000001", "started", 0))

	body := get(t, server, "/scrape?info_hash="+url.QueryEscape(string(ih[:])))

	var decoded struct {
		Files map[string]struct {
			Complete   int64 `bencode:"complete"`
			Downloaded int64 `bencode:"downloaded"`
			Incomplete int64 `bencode:"incomplete"`
		} `bencode:"files"`
	}
	require.NoError(t, bencode.Unmarshal(body, &decoded))
	require.Len(t, decoded.Files, 1)

	file, ok := decoded.Files[string(ih[:])]
	require.True(t, ok)
	require.Equal(t, int64(1), file.Complete)
	require.Equal(t, int64(0), file.Downloaded)
	require.Equal(t, int64(0), file.Incomplete)
}

func TestHTTPAnnounceStopped(t *testing.T) {
	server, tkr := startTestServer(t, tracker.ModePublic)
	ih := tracker.InfoHash{0x01}

	get(t, server, announcePath(ih, "-qB00000000000000001", "started", 100))
	require.Equal(t, int32(1), tkr.Registry().Stats(ih).Leechers)

	get(t, server, announcePath(ih, "-qB00000000000000001", "stopped", 100))
	require.Zero(t, tkr.Registry().Stats(ih).Leechers)
}

func TestParseQueryPreservesBinary(t *testing.T) {
	raw := [20]byte{0x9e, 0x02, 0x17, 0xd0, 0xfa, 0x71, 0xc8, 0x73, 0x32, 0xcd,
		0x8b, 0xf9, 0xdb, 0xea, 0xbc, 0xb2, 0xc2, 0xcf, 0x3c, 0x4d}

	params, err := parseQuery("info_hash=" + url.QueryEscape(string(raw[:])) + "&peer_id=abc%2Bdef")
	require.NoError(t, err)
	require.Len(t, params.hashes, 1)
	require.Equal(t, raw, [20]byte(params.hashes[0]))
	require.Equal(t, "abc+def", params.get("peer_id"))
}

func TestParseQueryLiteralPlus(t *testing.T) {
	params, err := parseQuery("peer_id=abc+def")
	require.NoError(t, err)
	require.Equal(t, "abc+def", params.get("peer_id"))
}
