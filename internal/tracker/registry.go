package tracker

import (
	"sync"
	"time"
)

const registryShardCount = 1024

// Swarm holds the peers of one torrent plus its completion counter.
// Completed only ever grows while the entry lives; an entry pruned for
// being peerless starts over at zero if the torrent comes back.
type Swarm struct {
	Peers     map[PeerID]*Peer
	Completed int32
}

func newSwarm() *Swarm {
	return &Swarm{Peers: make(map[PeerID]*Peer)}
}

type registryShard struct {
	sync.RWMutex
	swarms map[InfoHash]*Swarm
}

// Registry is the in-memory infohash → swarm map shared by every frontend
// and the sweeper. Swarms are spread over independently locked shards so
// announces for different torrents never contend on one lock.
type Registry struct {
	shards [registryShardCount]*registryShard
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &registryShard{swarms: make(map[InfoHash]*Swarm)}
	}
	return r
}

func (r *Registry) shardOf(ih InfoHash) *registryShard {
	idx := (uint32(ih[0])<<8 | uint32(ih[1])) % registryShardCount
	return r.shards[idx]
}

// UpsertPeer inserts or refreshes a peer in the swarm for ih, creating the
// swarm if needed, and reports whether this announce counts as a new
// completion. A repeated Completed from a peer already stored as seeder
// does not count again.
func (r *Registry) UpsertPeer(ih InfoHash, peer *Peer) (stats SwarmStats, completedChanged bool) {
	shard := r.shardOf(ih)
	shard.Lock()
	defer shard.Unlock()

	swarm, ok := shard.swarms[ih]
	if !ok {
		swarm = newSwarm()
		shard.swarms[ih] = swarm
	}

	if peer.Event == EventCompleted {
		prev, seen := swarm.Peers[peer.ID]
		if !seen || !prev.Seeder() {
			swarm.Completed++
			completedChanged = true
		}
	}

	swarm.Peers[peer.ID] = peer
	return swarmStats(swarm), completedChanged
}

// RemovePeer drops the peer keyed by id from the swarm for ih, if present.
// The completion counter is untouched.
func (r *Registry) RemovePeer(ih InfoHash, id PeerID) SwarmStats {
	shard := r.shardOf(ih)
	shard.Lock()
	defer shard.Unlock()

	swarm, ok := shard.swarms[ih]
	if !ok {
		return SwarmStats{}
	}
	delete(swarm.Peers, id)
	return swarmStats(swarm)
}

// Peers returns up to limit peers of the swarm for ih, never including the
// peer keyed by exclude. Map iteration order gives a cheap non-adversarial
// sample.
func (r *Registry) Peers(ih InfoHash, exclude PeerID, limit int) []Peer {
	shard := r.shardOf(ih)
	shard.RLock()
	defer shard.RUnlock()

	swarm, ok := shard.swarms[ih]
	if !ok || limit <= 0 {
		return nil
	}

	peers := make([]Peer, 0, limit)
	for id, p := range swarm.Peers {
		if id == exclude {
			continue
		}
		peers = append(peers, *p)
		if len(peers) == limit {
			break
		}
	}
	return peers
}

// Stats returns the counter triple for ih. Unknown infohashes give zeros.
func (r *Registry) Stats(ih InfoHash) SwarmStats {
	shard := r.shardOf(ih)
	shard.RLock()
	defer shard.RUnlock()

	swarm, ok := shard.swarms[ih]
	if !ok {
		return SwarmStats{}
	}
	return swarmStats(swarm)
}

// StatsMany is Stats over a scrape batch, in input order.
func (r *Registry) StatsMany(ihs []InfoHash) []SwarmStats {
	out := make([]SwarmStats, len(ihs))
	for i, ih := range ihs {
		out[i] = r.Stats(ih)
	}
	return out
}

// Sweep removes peers whose last announce is older than maxAge and, when
// pruneEmpty is set, swarms that ended up with no peers. keepCompleted
// retains a peerless swarm whose completion counter must survive for
// persistence.
func (r *Registry) Sweep(now time.Time, maxAge time.Duration, pruneEmpty, keepCompleted bool) (removedPeers, removedSwarms int) {
	cutoff := now.Add(-maxAge)
	for _, shard := range r.shards {
		shard.Lock()
		for ih, swarm := range shard.swarms {
			for id, p := range swarm.Peers {
				if p.UpdatedAt.Before(cutoff) {
					delete(swarm.Peers, id)
					removedPeers++
				}
			}
			if pruneEmpty && len(swarm.Peers) == 0 {
				if keepCompleted && swarm.Completed > 0 {
					continue
				}
				delete(shard.swarms, ih)
				removedSwarms++
			}
		}
		shard.Unlock()
	}
	return removedPeers, removedSwarms
}

// LoadCompleted seeds completion counters from the persistent store. Called
// once at startup, before any listener runs.
func (r *Registry) LoadCompleted(counts map[InfoHash]int32) {
	for ih, completed := range counts {
		shard := r.shardOf(ih)
		shard.Lock()
		swarm, ok := shard.swarms[ih]
		if !ok {
			swarm = newSwarm()
			shard.swarms[ih] = swarm
		}
		swarm.Completed = completed
		shard.Unlock()
	}
}

// Len returns the number of tracked swarms.
func (r *Registry) Len() int {
	n := 0
	for _, shard := range r.shards {
		shard.RLock()
		n += len(shard.swarms)
		shard.RUnlock()
	}
	return n
}

// Snapshot walks every swarm and hands (ih, seeders, leechers, completed,
// peer count) to fn while holding only the shard's read lock. Used by the
// admin API.
func (r *Registry) Snapshot(fn func(ih InfoHash, stats SwarmStats, peerCount int)) {
	for _, shard := range r.shards {
		shard.RLock()
		for ih, swarm := range shard.swarms {
			fn(ih, swarmStats(swarm), len(swarm.Peers))
		}
		shard.RUnlock()
	}
}

func swarmStats(s *Swarm) SwarmStats {
	stats := SwarmStats{Completed: s.Completed}
	for _, p := range s.Peers {
		if p.Seeder() {
			stats.Seeders++
		} else {
			stats.Leechers++
		}
	}
	return stats
}
