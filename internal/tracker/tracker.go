// Package tracker holds the swarm registry and the announce and scrape
// logic shared by the UDP and HTTP frontends.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/da2ce7/torrust-tracker/internal/storage"
	"github.com/da2ce7/torrust-tracker/pkg/log"
)

// MaxNumWant caps the peers returned by one announce and the infohashes
// accepted by one scrape.
const MaxNumWant = 74

// DefaultNumWant is used when a client does not say how many peers it
// wants.
const DefaultNumWant = 32

// Settings are the runtime-tunable knobs of the core. The watcher may
// replace them while listeners are serving.
type Settings struct {
	AnnounceInterval    time.Duration
	MinAnnounceInterval time.Duration
	MaxPeerAge          time.Duration
	CleanupInterval     time.Duration
	PersistCompleted    bool
	RemovePeerless      bool
}

// Tracker ties the registry, access policy, and persistence together.
type Tracker struct {
	mode      Mode
	registry  *Registry
	keys      *Keys
	whitelist *Whitelist
	store     storage.Store
	clock     clock.Clock

	settingsMu sync.RWMutex
	settings   Settings

	saves chan PersistRequest
}

// PersistRequest is one queued completed-counter write.
type PersistRequest struct {
	InfoHash  InfoHash
	Completed int32
}

// New creates a tracker core in the given mode, backed by store for
// durable state.
func New(mode Mode, settings Settings, store storage.Store, clk clock.Clock) *Tracker {
	return &Tracker{
		mode:      mode,
		registry:  NewRegistry(),
		keys:      NewKeys(clk),
		whitelist: NewWhitelist(),
		store:     store,
		clock:     clk,
		settings:  settings,
		saves:     make(chan PersistRequest, 512),
	}
}

// Mode returns the configured access policy.
func (t *Tracker) Mode() Mode { return t.mode }

// Registry exposes the swarm registry to the admin API and tests.
func (t *Tracker) Registry() *Registry { return t.registry }

// Keys exposes the auth key set.
func (t *Tracker) Keys() *Keys { return t.keys }

// Whitelist exposes the admitted infohash set.
func (t *Tracker) Whitelist() *Whitelist { return t.whitelist }

// Settings returns a copy of the current runtime settings.
func (t *Tracker) Settings() Settings {
	t.settingsMu.RLock()
	defer t.settingsMu.RUnlock()
	return t.settings
}

// UpdateSettings swaps the runtime settings, used on config reload.
func (t *Tracker) UpdateSettings(s Settings) {
	t.settingsMu.Lock()
	t.settings = s
	t.settingsMu.Unlock()
	log.Info("tracker settings updated", log.Fields{
		"announceInterval": s.AnnounceInterval,
		"maxPeerAge":       s.MaxPeerAge,
	})
}

// LoadFromStore seeds the in-memory state from the persistent store.
// Called once before any listener starts.
func (t *Tracker) LoadFromStore() error {
	torrents, err := t.store.LoadPersistentTorrents()
	if err != nil {
		return err
	}
	counts := make(map[InfoHash]int32, len(torrents))
	for _, row := range torrents {
		ih, err := InfoHashFromHex(row.InfoHash)
		if err != nil {
			log.Warn("skipping malformed stored infohash", log.Fields{"infoHash": row.InfoHash})
			continue
		}
		counts[ih] = row.Completed
	}
	t.registry.LoadCompleted(counts)

	hashes, err := t.store.LoadWhitelist()
	if err != nil {
		return err
	}
	admitted := make([]InfoHash, 0, len(hashes))
	for _, h := range hashes {
		ih, err := InfoHashFromHex(h)
		if err != nil {
			log.Warn("skipping malformed whitelist entry", log.Fields{"infoHash": h})
			continue
		}
		admitted = append(admitted, ih)
	}
	t.whitelist.Load(admitted)

	stored, err := t.store.LoadKeys()
	if err != nil {
		return err
	}
	keys := make([]AuthKey, 0, len(stored))
	for _, k := range stored {
		keys = append(keys, AuthKey{Key: k.Key, ValidUntil: k.ValidUntil})
	}
	t.keys.Load(keys)

	log.Info("loaded tracker state", log.Fields{
		"torrents":  len(counts),
		"whitelist": t.whitelist.Len(),
		"keys":      t.keys.Len(),
	})
	return nil
}

// AnnounceRequest is a decoded announce from either frontend.
type AnnounceRequest struct {
	InfoHash   InfoHash
	PeerID     PeerID
	IP         []byte // raw 4 or 16 byte address
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int32 // -1 = client default
	Key        string
}

// AnnounceResponse carries everything either frontend needs to reply.
type AnnounceResponse struct {
	Interval    time.Duration
	MinInterval time.Duration
	Stats       SwarmStats
	Peers       []Peer
}

// Announce applies the access policy, folds the announce into the swarm,
// and assembles the peer sample. Policy failures mutate nothing.
func (t *Tracker) Announce(req *AnnounceRequest) (*AnnounceResponse, error) {
	if err := t.authorize(req.InfoHash, req.Key); err != nil {
		return nil, err
	}

	settings := t.Settings()
	now := t.clock.Now()

	if req.Event == EventStopped {
		stats := t.registry.RemovePeer(req.InfoHash, req.PeerID)
		return &AnnounceResponse{
			Interval:    settings.AnnounceInterval,
			MinInterval: settings.MinAnnounceInterval,
			Stats:       stats,
		}, nil
	}

	peer := &Peer{
		ID:         req.PeerID,
		IP:         append([]byte(nil), req.IP...),
		Port:       req.Port,
		Uploaded:   req.Uploaded,
		Downloaded: req.Downloaded,
		Left:       req.Left,
		Event:      req.Event,
		UpdatedAt:  now,
	}

	stats, completedChanged := t.registry.UpsertPeer(req.InfoHash, peer)
	if completedChanged && settings.PersistCompleted {
		t.enqueueSave(PersistRequest{InfoHash: req.InfoHash, Completed: stats.Completed})
	}

	numWant := req.NumWant
	if numWant < 0 {
		numWant = DefaultNumWant
	}
	if numWant > MaxNumWant {
		numWant = MaxNumWant
	}

	return &AnnounceResponse{
		Interval:    settings.AnnounceInterval,
		MinInterval: settings.MinAnnounceInterval,
		Stats:       stats,
		Peers:       t.registry.Peers(req.InfoHash, req.PeerID, int(numWant)),
	}, nil
}

// Scrape returns the counter triples for a batch of infohashes. Missing
// torrents scrape as zeros.
func (t *Tracker) Scrape(ihs []InfoHash, key string) ([]SwarmStats, error) {
	if len(ihs) == 0 || len(ihs) > MaxNumWant {
		return nil, ErrTooManyInfoHashes
	}
	if t.mode.RequiresKey() {
		if err := t.keys.Verify(key); err != nil {
			return nil, err
		}
	}
	return t.registry.StatsMany(ihs), nil
}

func (t *Tracker) authorize(ih InfoHash, key string) error {
	if t.mode.RequiresKey() {
		if err := t.keys.Verify(key); err != nil {
			return err
		}
	}
	if t.mode.RequiresWhitelist() && !t.whitelist.Contains(ih) {
		return ErrTorrentNotWhitelisted
	}
	return nil
}

func (t *Tracker) enqueueSave(req PersistRequest) {
	select {
	case t.saves <- req:
	default:
		log.Warn("persistence queue full, dropping save", log.Fields{"infoHash": req.InfoHash.String()})
	}
}

// RunPersister drains the completed-counter queue into the store until ctx
// is cancelled. Store failures are logged and the counter is retried on
// the next completion.
func (t *Tracker) RunPersister(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-t.saves:
			if err := t.store.SavePersistentTorrent(req.InfoHash.String(), req.Completed); err != nil {
				log.Error("failed to persist completed counter", log.Fields{
					"infoHash": req.InfoHash.String(),
					"error":    err,
				})
			}
		}
	}
}

// RunSweeper prunes inactive peers on the cleanup interval until ctx is
// cancelled.
func (t *Tracker) RunSweeper(ctx context.Context) {
	ticker := t.clock.Ticker(t.Settings().CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.SweepOnce()
		}
	}
}

// SweepOnce runs a single sweep pass.
func (t *Tracker) SweepOnce() {
	settings := t.Settings()
	keepCompleted := settings.PersistCompleted
	peers, swarms := t.registry.Sweep(t.clock.Now(), settings.MaxPeerAge, settings.RemovePeerless, keepCompleted)
	if peers > 0 || swarms > 0 {
		log.Info("swept inactive peers", log.Fields{
			"removedPeers":  peers,
			"removedSwarms": swarms,
		})
	}
}

// GenerateKey mints a key valid for lifetime and writes it through to the
// store.
func (t *Tracker) GenerateKey(lifetime time.Duration) (AuthKey, error) {
	key, err := t.keys.Generate(lifetime)
	if err != nil {
		return AuthKey{}, err
	}
	if err := t.store.AddKey(storage.PersistentKey{Key: key.Key, ValidUntil: key.ValidUntil}); err != nil {
		log.Error("failed to persist generated key", log.Err(err))
	}
	return key, nil
}

// RevokeKey removes a key from memory and the store.
func (t *Tracker) RevokeKey(key string) bool {
	removed := t.keys.Remove(key)
	if err := t.store.RemoveKey(key); err != nil {
		log.Error("failed to remove stored key", log.Err(err))
	}
	return removed
}

// WhitelistAdd admits an infohash and writes it through to the store.
func (t *Tracker) WhitelistAdd(ih InfoHash) {
	t.whitelist.Add(ih)
	if err := t.store.AddToWhitelist(ih.String()); err != nil {
		log.Error("failed to persist whitelist entry", log.Err(err))
	}
}

// WhitelistRemove withdraws an infohash from memory and the store.
func (t *Tracker) WhitelistRemove(ih InfoHash) bool {
	removed := t.whitelist.Remove(ih)
	if err := t.store.RemoveFromWhitelist(ih.String()); err != nil {
		log.Error("failed to remove stored whitelist entry", log.Err(err))
	}
	return removed
}
