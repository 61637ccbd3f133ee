package udp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"net"

	"github.com/andres-erbsen/clock"

	"github.com/da2ce7/torrust-tracker/internal/tracker"
)

// CookieLifetime is how long an issued connection id stays valid.
const CookieLifetime = 120 // seconds

// cookieSecretSize is the size of the per-process HMAC secret.
const cookieSecretSize = 32

// CookieJar issues and verifies the 8-byte connection ids of BEP 15
// without keeping per-client state. A cookie is a truncated HMAC witness
// over the remote socket address and an expiry instant, with the expiry
// carried in the last four bytes:
//
//	cookie = HMAC-SHA256(secret, ip ‖ port ‖ expiry)[:4] ‖ expiry_le_u32
//
// Verification rebuilds the witness for the presenting address, so a
// cookie replayed from a different source address never matches. The
// secret lives only in this process; a restart invalidates outstanding
// cookies and clients simply reconnect.
type CookieJar struct {
	secret [cookieSecretSize]byte
	clock  clock.Clock
}

// NewCookieJar draws a fresh secret from the system RNG.
func NewCookieJar(clk clock.Clock) (*CookieJar, error) {
	jar := &CookieJar{clock: clk}
	if _, err := rand.Read(jar.secret[:]); err != nil {
		return nil, err
	}
	return jar, nil
}

// NewCookieJarWithSecret injects a fixed secret. Tests only.
func NewCookieJarWithSecret(secret [cookieSecretSize]byte, clk clock.Clock) *CookieJar {
	return &CookieJar{secret: secret, clock: clk}
}

// Issue produces a connection id valid for the next CookieLifetime seconds
// for this remote address.
func (j *CookieJar) Issue(addr *net.UDPAddr) uint64 {
	expiry := uint32(j.clock.Now().Unix()) + CookieLifetime
	return j.build(addr, expiry)
}

// Verify accepts exactly the cookies Issue produced for addr whose expiry
// has not passed. Tampered or foreign cookies fail as invalid; stale ones
// as expired. The two errors carry different messages on the wire.
func (j *CookieJar) Verify(addr *net.UDPAddr, cookie uint64) error {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], cookie)
	expiry := binary.LittleEndian.Uint32(raw[4:8])

	if j.build(addr, expiry) != cookie {
		return tracker.ErrInvalidConnectionID
	}
	if uint32(j.clock.Now().Unix()) > expiry {
		return tracker.ErrExpiredConnectionID
	}
	return nil
}

func (j *CookieJar) build(addr *net.UDPAddr, expiry uint32) uint64 {
	var expiryLE [4]byte
	binary.LittleEndian.PutUint32(expiryLE[:], expiry)

	mac := hmac.New(sha256.New, j.secret[:])
	ip := addr.IP
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	mac.Write(ip)
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], uint16(addr.Port))
	mac.Write(port[:])
	mac.Write(expiryLE[:])
	witness := mac.Sum(nil)

	var cookie [8]byte
	copy(cookie[:4], witness[:4])
	copy(cookie[4:], expiryLE[:])
	return binary.BigEndian.Uint64(cookie[:])
}
