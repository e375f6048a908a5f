package domain

// Curve25519Public is a Curve25519 public key.
type Curve25519Public [32]byte

// Slice returns the key as a []byte.
func (p Curve25519Public) Slice() []byte { return p[:] }

// IsZero reports whether the key is unset.
func (p Curve25519Public) IsZero() bool { return p == Curve25519Public{} }

// Curve25519Private is a Curve25519 private key.
type Curve25519Private [32]byte

// Slice returns the key as a []byte.
func (k Curve25519Private) Slice() []byte { return k[:] }

// Ed25519Public is an Ed25519 signing public key.
type Ed25519Public [32]byte

// Slice returns the key as a []byte.
func (p Ed25519Public) Slice() []byte { return p[:] }

// IsZero reports whether the key is unset.
func (p Ed25519Public) IsZero() bool { return p == Ed25519Public{} }

// Ed25519Private is an Ed25519 signing private key (ed25519.PrivateKey layout).
type Ed25519Private [64]byte

// Slice returns the key as a []byte.
func (k Ed25519Private) Slice() []byte { return k[:] }

// UserID identifies a user across the federation.
type UserID string

func (u UserID) String() string { return string(u) }

// DeviceID identifies one device belonging to a user.
type DeviceID string

func (d DeviceID) String() string { return string(d) }

// RoomID identifies a room.
type RoomID string

func (r RoomID) String() string { return string(r) }

// SessionID identifies a pairwise or group session. Unique per account.
type SessionID string

func (s SessionID) String() string { return string(s) }

// KeyID identifies a published key (one-time, fallback or cross-signing).
type KeyID string

func (k KeyID) String() string { return string(k) }

// OneTimeKeyPair is a single-use Curve25519 pair held by the local account.
type OneTimeKeyPair struct {
	ID        KeyID             `cbor:"id"`
	Priv      Curve25519Private `cbor:"priv"`
	Pub       Curve25519Public  `cbor:"pub"`
	Published bool              `cbor:"published"`
	CreatedAt int64             `cbor:"created_at"`
}

// OneTimeKeyPublic is the published view of a one-time or fallback key.
type OneTimeKeyPublic struct {
	ID  KeyID            `cbor:"id" json:"id"`
	Pub Curve25519Public `cbor:"pub" json:"pub"`
}
