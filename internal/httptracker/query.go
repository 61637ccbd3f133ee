package httptracker

import (
	"net/url"
	"strings"

	"github.com/da2ce7/torrust-tracker/internal/tracker"
)

// queryParams holds a parsed announce/scrape query string. Values are
// unescaped byte-for-byte; a literal '+' stays a plus so binary
// info_hash/peer_id values survive the round trip.
type queryParams struct {
	single map[string]string
	hashes []tracker.InfoHash
}

func parseQuery(rawQuery string) (*queryParams, error) {
	q := &queryParams{single: make(map[string]string)}

	for rawQuery != "" {
		var pair string
		pair, rawQuery, _ = strings.Cut(rawQuery, "&")
		if pair == "" {
			continue
		}

		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := unescape(rawKey)
		if err != nil {
			return nil, tracker.ErrBadRequest
		}
		value, err := unescape(rawValue)
		if err != nil {
			return nil, tracker.ErrBadRequest
		}

		if key == "info_hash" {
			ih, err := tracker.InfoHashFromBytes([]byte(value))
			if err != nil {
				return nil, err
			}
			q.hashes = append(q.hashes, ih)
		} else {
			q.single[key] = value
		}
	}

	return q, nil
}

// unescape decodes percent escapes without treating '+' as a space.
func unescape(s string) (string, error) {
	if !strings.ContainsRune(s, '+') {
		return url.QueryUnescape(s)
	}
	parts := strings.Split(s, "+")
	for i, part := range parts {
		decoded, err := url.QueryUnescape(part)
		if err != nil {
			return "", err
		}
		parts[i] = decoded
	}
	return strings.Join(parts, "+"), nil
}

func (q *queryParams) get(key string) string {
	return q.single[key]
}
