package domain

// RatchetHeader accompanies each pairwise ciphertext.
type RatchetHeader struct {
	DHPub []byte `cbor:"dh_pub" json:"dh_pub"` // 32 bytes
	PN    uint32 `cbor:"pn" json:"pn"`
	N     uint32 `cbor:"n" json:"n"`
}

// RatchetState holds double-ratchet state for one pairwise session.
type RatchetState struct {
	RootKey []byte            `cbor:"root_key"`
	DHPriv  Curve25519Private `cbor:"dh_priv"`
	DHPub   Curve25519Public  `cbor:"dh_pub"`

	PeerDHPub Curve25519Public `cbor:"peer_dh_pub"`

	SendCK []byte `cbor:"send_ck"`
	RecvCK []byte `cbor:"recv_ck"`

	Ns uint32 `cbor:"ns"`
	Nr uint32 `cbor:"nr"`
	PN uint32 `cbor:"pn"`

	Skipped map[string][]byte `cbor:"skipped"`
}

// Clone deep-copies the state so a ratchet step can be attempted and
// discarded without mutating the committed state.
func (st RatchetState) Clone() RatchetState {
	out := st
	out.RootKey = append([]byte(nil), st.RootKey...)
	out.SendCK = append([]byte(nil), st.SendCK...)
	out.RecvCK = append([]byte(nil), st.RecvCK...)
	out.Skipped = make(map[string][]byte, len(st.Skipped))
	for k, v := range st.Skipped {
		out.Skipped[k] = append([]byte(nil), v...)
	}
	return out
}

// PreKeyMessage rides on the first message of a new pairwise session so the
// receiver can derive the shared root key and consume its one-time key.
type PreKeyMessage struct {
	SenderCurveKey Curve25519Public `cbor:"sender_curve_key" json:"sender_curve_key"`
	EphemeralKey   Curve25519Public `cbor:"ephemeral_key" json:"ephemeral_key"`
	OneTimeKeyID   KeyID            `cbor:"one_time_key_id" json:"one_time_key_id"`
	Fallback       bool             `cbor:"fallback,omitempty" json:"fallback,omitempty"`
}

// PairwiseMessage is one encrypted to-device payload between two devices.
// PreKey is present only on the first message of a new session.
type PairwiseMessage struct {
	SessionID SessionID      `cbor:"session_id" json:"session_id"`
	Header    RatchetHeader  `cbor:"header" json:"header"`
	Cipher    []byte         `cbor:"cipher" json:"cipher"`
	PreKey    *PreKeyMessage `cbor:"prekey,omitempty" json:"prekey,omitempty"`
}

// PairwiseSession is one double-ratchet channel with a remote device.
type PairwiseSession struct {
	ID           SessionID        `cbor:"id"`
	PeerUserID   UserID           `cbor:"peer_user_id"`
	PeerDeviceID DeviceID         `cbor:"peer_device_id"`
	PeerCurveKey Curve25519Public `cbor:"peer_curve_key"`
	State        RatchetState     `cbor:"state"`
	CreatedAt    int64            `cbor:"created_at"`
	LastUsedAt   int64            `cbor:"last_used_at"`
	Seq          uint64           `cbor:"seq"` // creation order tie-break

	// Echoed on outgoing messages until the peer has ratcheted once.
	PendingPreKey *PreKeyMessage `cbor:"pending_prekey,omitempty"`
}

// SenderKeyState is the forward-only group ratchet: a chain key bound to a
// message index, advanced one HMAC step per message.
type SenderKeyState struct {
	ChainKey [32]byte `cbor:"chain_key"`
	Index    uint32   `cbor:"index"`
}

// GroupMessage is one sender-key encrypted room payload.
type GroupMessage struct {
	SessionID SessionID `cbor:"session_id" json:"session_id"`
	Index     uint32    `cbor:"index" json:"index"`
	Cipher    []byte    `cbor:"cipher" json:"cipher"`
	Signature []byte    `cbor:"signature" json:"signature"`
}

// OutboundGroupSession is the sender side of a room's group session.
type OutboundGroupSession struct {
	RoomID    RoomID         `cbor:"room_id"`
	ID        SessionID      `cbor:"id"`
	Ratchet   SenderKeyState `cbor:"ratchet"`
	SignPriv  Ed25519Private `cbor:"sign_priv"`
	SignPub   Ed25519Public  `cbor:"sign_pub"`
	CreatedAt int64          `cbor:"created_at"`

	// SharedWith records, per recipient device, the ratchet index the key
	// was shared at. Presence suppresses a second share for this session.
	SharedWith map[UserID]map[DeviceID]uint32 `cbor:"shared_with"`

	// PriorIDs lists every session id this room has already used, so a
	// rotation can guarantee a fresh id.
	PriorIDs []SessionID `cbor:"prior_ids,omitempty"`
}

// InboundGroupSession is the receiver side of one sender's room session.
// The ratchet is pinned at the earliest known index; any index at or past
// it can be derived, nothing before it.
type InboundGroupSession struct {
	RoomID     RoomID             `cbor:"room_id"`
	SenderKey  Curve25519Public   `cbor:"sender_key"`
	ID         SessionID          `cbor:"id"`
	Ratchet    SenderKeyState     `cbor:"ratchet"` // at FirstKnownIndex
	SignPub    Ed25519Public      `cbor:"sign_pub"`
	Forwarders []Curve25519Public `cbor:"forwarders,omitempty"`

	// Decrypted maps message index to a SHA-256 digest of the ciphertext
	// accepted at that index, for replay detection.
	Decrypted map[uint32][32]byte `cbor:"decrypted"`
}

// FirstKnownIndex is the earliest index this session can decrypt.
func (s *InboundGroupSession) FirstKnownIndex() uint32 { return s.Ratchet.Index }

// RoomKeyExport is the portable unit for backup, export and forwarding of
// an inbound group session.
type RoomKeyExport struct {
	Algorithm  string             `cbor:"algorithm" json:"algorithm"`
	RoomID     RoomID             `cbor:"room_id" json:"room_id"`
	SenderKey  Curve25519Public   `cbor:"sender_key" json:"sender_key"`
	SessionID  SessionID          `cbor:"session_id" json:"session_id"`
	SignPub    Ed25519Public      `cbor:"sign_pub" json:"sign_pub"`
	ChainKey   [32]byte           `cbor:"chain_key" json:"chain_key"`
	ChainIndex uint32             `cbor:"chain_index" json:"chain_index"`
	Forwarders []Curve25519Public `cbor:"forwarders,omitempty" json:"forwarders,omitempty"`
}

// SenderKeyAlgorithm tags RoomKeyExport records produced by this engine.
const SenderKeyAlgorithm = "loomcrypt.senderkey.v1"
