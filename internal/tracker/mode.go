package tracker

// Mode selects the tracker's access policy.
type Mode string

const (
	// ModePublic tracks every infohash and serves every peer.
	ModePublic Mode = "public"
	// ModeListed only tracks whitelisted infohashes.
	ModeListed Mode = "listed"
	// ModePrivate only serves peers presenting a valid key.
	ModePrivate Mode = "private"
	// ModePrivateListed combines listed and private.
	ModePrivateListed Mode = "private_listed"
)

// RequiresKey reports whether announces must carry an auth key.
func (m Mode) RequiresKey() bool {
	return m == ModePrivate || m == ModePrivateListed
}

// RequiresWhitelist reports whether the infohash must be admitted.
func (m Mode) RequiresWhitelist() bool {
	return m == ModeListed || m == ModePrivateListed
}

// Valid reports whether m is one of the four known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModePublic, ModeListed, ModePrivate, ModePrivateListed:
		return true
	}
	return false
}
