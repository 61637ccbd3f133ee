package tracker

import (
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/da2ce7/torrust-tracker/internal/storage"
)

func newTestTracker(mode Mode, mock *clock.Mock) *Tracker {
	return New(mode, Settings{
		AnnounceInterval:    120 * time.Second,
		MinAnnounceInterval: 120 * time.Second,
		MaxPeerAge:          60 * time.Second,
		CleanupInterval:     30 * time.Second,
		RemovePeerless:      true,
	}, storage.NewMemory(), mock)
}

func announceReq(ih InfoHash, id byte, left int64, event Event) *AnnounceRequest {
	return &AnnounceRequest{
		InfoHash: ih,
		PeerID:   PeerID{id},
		IP:       net.IPv4(192, 0, 2, id).To4(),
		Port:     6881,
		Left:     left,
		Event:    event,
		NumWant:  -1,
	}
}

func TestAnnouncePublic(t *testing.T) {
	tkr := newTestTracker(ModePublic, clock.NewMock())
	ih := InfoHash{0x01}

	resp, err := tkr.Announce(announceReq(ih, 1, 0, EventStarted))
	require.NoError(t, err)
	require.Equal(t, 120*time.Second, resp.Interval)
	require.Equal(t, SwarmStats{Seeders: 1}, resp.Stats)
	require.Empty(t, resp.Peers) // the announcer is excluded from its own reply

	resp, err = tkr.Announce(announceReq(ih, 2, 100, EventStarted))
	require.NoError(t, err)
	require.Equal(t, SwarmStats{Seeders: 1, Leechers: 1}, resp.Stats)
	require.Len(t, resp.Peers, 1)
	require.Equal(t, PeerID{1}, resp.Peers[0].ID)
}

func TestAnnounceStoppedRemovesPeer(t *testing.T) {
	tkr := newTestTracker(ModePublic, clock.NewMock())
	ih := InfoHash{0x01}

	_, err := tkr.Announce(announceReq(ih, 1, 100, EventStarted))
	require.NoError(t, err)

	resp, err := tkr.Announce(announceReq(ih, 1, 100, EventStopped))
	require.NoError(t, err)
	require.Equal(t, SwarmStats{}, resp.Stats)
	require.Zero(t, tkr.Registry().Stats(ih).Leechers)
}

func TestAnnounceCompletedAccounting(t *testing.T) {
	tkr := newTestTracker(ModePublic, clock.NewMock())
	ih := InfoHash{0x01}

	_, err := tkr.Announce(announceReq(ih, 1, 100, EventStarted))
	require.NoError(t, err)

	resp, err := tkr.Announce(announceReq(ih, 1, 0, EventCompleted))
	require.NoError(t, err)
	require.Equal(t, int32(1), resp.Stats.Completed)
	require.Equal(t, int32(1), resp.Stats.Seeders)

	// A repeated completed announce must not double count.
	resp, err = tkr.Announce(announceReq(ih, 1, 0, EventCompleted))
	require.NoError(t, err)
	require.Equal(t, int32(1), resp.Stats.Completed)
}

func TestAnnounceNumWantClamped(t *testing.T) {
	tkr := newTestTracker(ModePublic, clock.NewMock())
	ih := InfoHash{0x01}

	for i := 1; i <= 100; i++ {
		req := announceReq(ih, byte(i), 0, EventStarted)
		req.PeerID = PeerID{byte(i), byte(i >> 8)}
		_, err := tkr.Announce(req)
		require.NoError(t, err)
	}

	req := announceReq(ih, 0, 100, EventStarted)
	req.NumWant = 1000
	resp, err := tkr.Announce(req)
	require.NoError(t, err)
	require.LessOrEqual(t, len(resp.Peers), MaxNumWant)
}

func TestAnnounceListedMode(t *testing.T) {
	tkr := newTestTracker(ModeListed, clock.NewMock())
	admitted := InfoHash{0x01}
	tkr.Whitelist().Add(admitted)

	_, err := tkr.Announce(announceReq(admitted, 1, 100, EventStarted))
	require.NoError(t, err)

	_, err = tkr.Announce(announceReq(InfoHash{0x02}, 1, 100, EventStarted))
	require.ErrorIs(t, err, ErrTorrentNotWhitelisted)
	require.Zero(t, tkr.Registry().Stats(InfoHash{0x02}).Leechers)
}

func TestAnnouncePrivateMode(t *testing.T) {
	mock := clock.NewMock()
	tkr := newTestTracker(ModePrivate, mock)
	ih := InfoHash{0x01}

	_, err := tkr.Announce(announceReq(ih, 1, 100, EventStarted))
	require.ErrorIs(t, err, ErrPeerNotAuthenticated)

	key, err := tkr.GenerateKey(time.Hour)
	require.NoError(t, err)

	req := announceReq(ih, 1, 100, EventStarted)
	req.Key = key.Key
	_, err = tkr.Announce(req)
	require.NoError(t, err)

	// Expired keys stop working.
	mock.Add(2 * time.Hour)
	_, err = tkr.Announce(req)
	require.ErrorIs(t, err, ErrPeerKeyNotValid)
}

func TestScrape(t *testing.T) {
	tkr := newTestTracker(ModePublic, clock.NewMock())
	ih := InfoHash{0x01}

	_, err := tkr.Announce(announceReq(ih, 1, 0, EventStarted))
	require.NoError(t, err)

	stats, err := tkr.Scrape([]InfoHash{ih, {0x02}}, "")
	require.NoError(t, err)
	require.Equal(t, []SwarmStats{{Seeders: 1}, {}}, stats)

	// Scrape mutates nothing; repeating it returns identical counts.
	again, err := tkr.Scrape([]InfoHash{ih, {0x02}}, "")
	require.NoError(t, err)
	require.Equal(t, stats, again)
}

func TestScrapeBatchLimit(t *testing.T) {
	tkr := newTestTracker(ModePublic, clock.NewMock())

	batch := make([]InfoHash, MaxNumWant+1)
	_, err := tkr.Scrape(batch, "")
	require.ErrorIs(t, err, ErrTooManyInfoHashes)

	_, err = tkr.Scrape(nil, "")
	require.ErrorIs(t, err, ErrTooManyInfoHashes)
}

func TestSweepOnce(t *testing.T) {
	mock := clock.NewMock()
	tkr := newTestTracker(ModePublic, mock)
	ih := InfoHash{0x01}

	_, err := tkr.Announce(announceReq(ih, 1, 100, EventStarted))
	require.NoError(t, err)

	mock.Add(2 * time.Minute)
	tkr.SweepOnce()

	require.Zero(t, tkr.Registry().Len())
}

func TestLoadFromStore(t *testing.T) {
	store := storage.NewMemory()
	require.NoError(t, store.SavePersistentTorrent("9e0217d0fa71c87332cd8bf9dbeabcb2c2cf3c4d", 5))
	require.NoError(t, store.AddToWhitelist("9e0217d0fa71c87332cd8bf9dbeabcb2c2cf3c4d"))

	tkr := New(ModeListed, Settings{
		AnnounceInterval: 120 * time.Second,
		MaxPeerAge:       60 * time.Second,
		CleanupInterval:  30 * time.Second,
	}, store, clock.NewMock())
	require.NoError(t, tkr.LoadFromStore())

	ih, err := InfoHashFromHex("9e0217d0fa71c87332cd8bf9dbeabcb2c2cf3c4d")
	require.NoError(t, err)
	require.Equal(t, int32(5), tkr.Registry().Stats(ih).Completed)
	require.True(t, tkr.Whitelist().Contains(ih))
}
