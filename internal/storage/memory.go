package storage

import "sync"

// Memory is an in-process Store for public trackers run without a
// database, and for tests. Nothing survives a restart.
type Memory struct {
	mu        sync.Mutex
	torrents  map[string]int32
	whitelist map[string]struct{}
	keys      map[string]PersistentKey
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		torrents:  make(map[string]int32),
		whitelist: make(map[string]struct{}),
		keys:      make(map[string]PersistentKey),
	}
}

func (m *Memory) LoadPersistentTorrents() ([]PersistentTorrent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PersistentTorrent, 0, len(m.torrents))
	for ih, completed := range m.torrents {
		out = append(out, PersistentTorrent{InfoHash: ih, Completed: completed})
	}
	return out, nil
}

func (m *Memory) SavePersistentTorrent(infoHash string, completed int32) error {
	m.mu.Lock()
	m.torrents[infoHash] = completed
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadWhitelist() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.whitelist))
	for ih := range m.whitelist {
		out = append(out, ih)
	}
	return out, nil
}

func (m *Memory) AddToWhitelist(infoHash string) error {
	m.mu.Lock()
	m.whitelist[infoHash] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *Memory) RemoveFromWhitelist(infoHash string) error {
	m.mu.Lock()
	delete(m.whitelist, infoHash)
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadKeys() ([]PersistentKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PersistentKey, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k)
	}
	return out, nil
}

func (m *Memory) AddKey(key PersistentKey) error {
	m.mu.Lock()
	m.keys[key.Key] = key
	m.mu.Unlock()
	return nil
}

func (m *Memory) RemoveKey(key string) error {
	m.mu.Lock()
	delete(m.keys, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Ping() error { return nil }

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
