package storage

import (
	"database/sql"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/da2ce7/torrust-tracker/pkg/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS torrents (
    info_hash  VARCHAR(40) PRIMARY KEY,
    completed  INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS whitelist (
    info_hash VARCHAR(40) PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS keys (
    key         VARCHAR(32) PRIMARY KEY,
    valid_until TIMESTAMPTZ
);
`

// Postgres is the lib/pq-backed Store.
type Postgres struct {
	db *sql.DB
}

// ConnectPostgres opens the pool, verifies the connection, and creates the
// schema when missing.
func ConnectPostgres(connStr string) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping database")
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "failed to create schema")
	}

	log.Info("connected to database")
	return &Postgres{db: db}, nil
}

// LoadPersistentTorrents reads every stored completion counter.
func (p *Postgres) LoadPersistentTorrents() ([]PersistentTorrent, error) {
	rows, err := p.db.Query(`SELECT info_hash, completed FROM torrents`)
	if err != nil {
		return nil, errors.Wrap(err, "loading torrents")
	}
	defer rows.Close()

	var out []PersistentTorrent
	for rows.Next() {
		var row PersistentTorrent
		if err := rows.Scan(&row.InfoHash, &row.Completed); err != nil {
			return nil, errors.Wrap(err, "scanning torrent row")
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SavePersistentTorrent upserts one completion counter.
func (p *Postgres) SavePersistentTorrent(infoHash string, completed int32) error {
	query := `
		INSERT INTO torrents (info_hash, completed, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (info_hash) DO UPDATE SET
			completed = EXCLUDED.completed,
			updated_at = NOW()`
	_, err := p.db.Exec(query, infoHash, completed)
	return errors.Wrap(err, "saving torrent")
}

// LoadWhitelist reads every admitted infohash.
func (p *Postgres) LoadWhitelist() ([]string, error) {
	rows, err := p.db.Query(`SELECT info_hash FROM whitelist`)
	if err != nil {
		return nil, errors.Wrap(err, "loading whitelist")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ih string
		if err := rows.Scan(&ih); err != nil {
			return nil, errors.Wrap(err, "scanning whitelist row")
		}
		out = append(out, ih)
	}
	return out, rows.Err()
}

// AddToWhitelist admits an infohash.
func (p *Postgres) AddToWhitelist(infoHash string) error {
	_, err := p.db.Exec(
		`INSERT INTO whitelist (info_hash) VALUES ($1) ON CONFLICT DO NOTHING`, infoHash)
	return errors.Wrap(err, "adding whitelist entry")
}

// RemoveFromWhitelist withdraws an infohash.
func (p *Postgres) RemoveFromWhitelist(infoHash string) error {
	_, err := p.db.Exec(`DELETE FROM whitelist WHERE info_hash = $1`, infoHash)
	return errors.Wrap(err, "removing whitelist entry")
}

// LoadKeys reads every stored peer key.
func (p *Postgres) LoadKeys() ([]PersistentKey, error) {
	rows, err := p.db.Query(`SELECT key, valid_until FROM keys`)
	if err != nil {
		return nil, errors.Wrap(err, "loading keys")
	}
	defer rows.Close()

	var out []PersistentKey
	for rows.Next() {
		var (
			key        string
			validUntil sql.NullTime
		)
		if err := rows.Scan(&key, &validUntil); err != nil {
			return nil, errors.Wrap(err, "scanning key row")
		}
		row := PersistentKey{Key: key}
		if validUntil.Valid {
			t := validUntil.Time
			row.ValidUntil = &t
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// AddKey stores a peer key.
func (p *Postgres) AddKey(key PersistentKey) error {
	var validUntil interface{}
	if key.ValidUntil != nil {
		validUntil = key.ValidUntil.UTC()
	}
	_, err := p.db.Exec(
		`INSERT INTO keys (key, valid_until) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET valid_until = EXCLUDED.valid_until`,
		key.Key, validUntil)
	return errors.Wrap(err, "adding key")
}

// RemoveKey deletes a peer key.
func (p *Postgres) RemoveKey(key string) error {
	_, err := p.db.Exec(`DELETE FROM keys WHERE key = $1`, key)
	return errors.Wrap(err, "removing key")
}

// Ping checks the connection.
func (p *Postgres) Ping() error {
	return p.db.Ping()
}

// Close releases the pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

var _ Store = (*Postgres)(nil)
