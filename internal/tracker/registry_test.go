package tracker

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func makePeer(id byte, left int64, event Event, updatedAt time.Time) *Peer {
	return &Peer{
		ID:        PeerID{id},
		IP:        net.IPv4(192, 0, 2, id).To4(),
		Port:      6881,
		Left:      left,
		Event:     event,
		UpdatedAt: updatedAt,
	}
}

func TestRegistryUpsertAndStats(t *testing.T) {
	r := NewRegistry()
	ih := InfoHash{0x01}
	now := time.Unix(1000, 0)

	stats, changed := r.UpsertPeer(ih, makePeer(1, 0, EventStarted, now))
	require.False(t, changed)
	require.Equal(t, SwarmStats{Seeders: 1}, stats)

	stats, changed = r.UpsertPeer(ih, makePeer(2, 100, EventStarted, now))
	require.False(t, changed)
	require.Equal(t, SwarmStats{Seeders: 1, Leechers: 1}, stats)

	// Re-announcing does not duplicate the peer.
	stats, _ = r.UpsertPeer(ih, makePeer(2, 50, EventNone, now))
	require.Equal(t, SwarmStats{Seeders: 1, Leechers: 1}, stats)
}

func TestRegistryCompletedAccounting(t *testing.T) {
	r := NewRegistry()
	ih := InfoHash{0x01}
	now := time.Unix(1000, 0)

	// Leecher joins.
	_, changed := r.UpsertPeer(ih, makePeer(1, 100, EventStarted, now))
	require.False(t, changed)

	// Leecher finishes: counted once.
	stats, changed := r.UpsertPeer(ih, makePeer(1, 0, EventCompleted, now))
	require.True(t, changed)
	require.Equal(t, int32(1), stats.Completed)

	// Repeated completed from the same seeder: not double counted.
	stats, changed = r.UpsertPeer(ih, makePeer(1, 0, EventCompleted, now))
	require.False(t, changed)
	require.Equal(t, int32(1), stats.Completed)

	// Completed from a peer never seen before still counts.
	stats, changed = r.UpsertPeer(ih, makePeer(2, 0, EventCompleted, now))
	require.True(t, changed)
	require.Equal(t, int32(2), stats.Completed)
}

func TestRegistryRemovePeer(t *testing.T) {
	r := NewRegistry()
	ih := InfoHash{0x01}
	now := time.Unix(1000, 0)

	r.UpsertPeer(ih, makePeer(1, 100, EventStarted, now))
	r.UpsertPeer(ih, makePeer(1, 0, EventCompleted, now))

	stats := r.RemovePeer(ih, PeerID{1})
	require.Equal(t, SwarmStats{Completed: 1}, stats)

	// Removing from an unknown swarm is a no-op.
	require.Equal(t, SwarmStats{}, r.RemovePeer(InfoHash{0xff}, PeerID{1}))
}

func TestRegistryPeersExcludesRequester(t *testing.T) {
	r := NewRegistry()
	ih := InfoHash{0x01}
	now := time.Unix(1000, 0)

	for i := byte(1); i <= 10; i++ {
		r.UpsertPeer(ih, makePeer(i, 0, EventStarted, now))
	}

	peers := r.Peers(ih, PeerID{1}, MaxNumWant)
	require.Len(t, peers, 9)
	for _, p := range peers {
		require.NotEqual(t, PeerID{1}, p.ID)
	}

	require.Len(t, r.Peers(ih, PeerID{1}, 4), 4)
	require.Empty(t, r.Peers(InfoHash{0xff}, PeerID{1}, 4))
}

func TestRegistryStatsMany(t *testing.T) {
	r := NewRegistry()
	now := time.Unix(1000, 0)

	r.UpsertPeer(InfoHash{0x01}, makePeer(1, 0, EventStarted, now))

	stats := r.StatsMany([]InfoHash{{0x01}, {0x02}})
	require.Equal(t, []SwarmStats{{Seeders: 1}, {}}, stats)
}

func TestRegistrySweepRemovesStalePeers(t *testing.T) {
	r := NewRegistry()
	ih := InfoHash{0x01}
	start := time.Unix(1000, 0)

	r.UpsertPeer(ih, makePeer(1, 0, EventStarted, start))
	r.UpsertPeer(ih, makePeer(2, 100, EventStarted, start.Add(90*time.Second)))

	removedPeers, removedSwarms := r.Sweep(start.Add(120*time.Second), 60*time.Second, false, false)
	require.Equal(t, 1, removedPeers)
	require.Zero(t, removedSwarms)
	require.Equal(t, SwarmStats{Leechers: 1}, r.Stats(ih))
}

func TestRegistrySweepPrunesEmptySwarms(t *testing.T) {
	r := NewRegistry()
	ih := InfoHash{0x01}
	start := time.Unix(1000, 0)

	r.UpsertPeer(ih, makePeer(1, 0, EventStarted, start))

	removedPeers, removedSwarms := r.Sweep(start.Add(2*time.Minute), time.Minute, true, false)
	require.Equal(t, 1, removedPeers)
	require.Equal(t, 1, removedSwarms)
	require.Zero(t, r.Len())
}

func TestRegistrySweepKeepsCompletedSwarms(t *testing.T) {
	r := NewRegistry()
	ih := InfoHash{0x01}
	start := time.Unix(1000, 0)

	r.UpsertPeer(ih, makePeer(1, 0, EventCompleted, start))

	_, removedSwarms := r.Sweep(start.Add(2*time.Minute), time.Minute, true, true)
	require.Zero(t, removedSwarms)
	require.Equal(t, SwarmStats{Completed: 1}, r.Stats(ih))
}

func TestRegistryLoadCompleted(t *testing.T) {
	r := NewRegistry()
	ih := InfoHash{0x01}

	r.LoadCompleted(map[InfoHash]int32{ih: 7})
	require.Equal(t, SwarmStats{Completed: 7}, r.Stats(ih))
}
