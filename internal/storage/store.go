// Package storage defines the persistence collaborator the tracker core
// talks to, and its Postgres implementation. Only completion counters,
// the whitelist, and peer keys are durable; the live peer set never is.
package storage

import "time"

// PersistentTorrent is one stored (infohash, completed) row. InfoHash is
// the 40-character hex form.
type PersistentTorrent struct {
	InfoHash  string
	Completed int32
}

// PersistentKey is one stored peer authentication key.
type PersistentKey struct {
	Key        string
	ValidUntil *time.Time
}

// Store is the durable backend. Implementations must be safe for
// concurrent use. All writes are best effort from the caller's point of
// view: the tracker logs failures and keeps serving.
type Store interface {
	LoadPersistentTorrents() ([]PersistentTorrent, error)
	SavePersistentTorrent(infoHash string, completed int32) error

	LoadWhitelist() ([]string, error)
	AddToWhitelist(infoHash string) error
	RemoveFromWhitelist(infoHash string) error

	LoadKeys() ([]PersistentKey, error)
	AddKey(key PersistentKey) error
	RemoveKey(key string) error

	Ping() error
	Close() error
}
