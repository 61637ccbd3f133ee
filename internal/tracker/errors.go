package tracker

import "errors"

// Protocol-visible errors. The message text is what goes on the wire, both
// in UDP error packets and in bencoded "failure reason" replies.
var (
	ErrBadRequest            = errors.New("bad request")
	ErrInvalidConnectionID   = errors.New("invalid connection id")
	ErrExpiredConnectionID   = errors.New("expired connection id")
	ErrInvalidInfoHash       = errors.New("invalid info hash")
	ErrInvalidPeerID         = errors.New("invalid peer id")
	ErrTorrentNotWhitelisted = errors.New("torrent not on whitelist")
	ErrPeerNotAuthenticated  = errors.New("peer not authenticated")
	ErrPeerKeyNotValid       = errors.New("invalid authentication key")
	ErrTooManyInfoHashes     = errors.New("exceeded info hash limit")
)

// ClientError reports whether err is a protocol error whose message may be
// sent back to the client verbatim. Anything else is internal and is logged
// instead.
func ClientError(err error) bool {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, ErrInvalidConnectionID),
		errors.Is(err, ErrExpiredConnectionID),
		errors.Is(err, ErrInvalidInfoHash),
		errors.Is(err, ErrInvalidPeerID),
		errors.Is(err, ErrTorrentNotWhitelisted),
		errors.Is(err, ErrPeerNotAuthenticated),
		errors.Is(err, ErrPeerKeyNotValid),
		errors.Is(err, ErrTooManyInfoHashes):
		return true
	}
	return false
}
