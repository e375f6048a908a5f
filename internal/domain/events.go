package domain

// ToDeviceEventType names the to-device payload kinds the engine produces
// or interprets. Transport and generic envelope parsing belong to the caller.
type ToDeviceEventType string

const (
	EventRoomKey              ToDeviceEventType = "m.room_key"
	EventForwardedRoomKey     ToDeviceEventType = "m.forwarded_room_key"
	EventRoomKeyRequest       ToDeviceEventType = "m.room_key_request"
	EventRoomKeyRequestCancel ToDeviceEventType = "m.room_key_request_cancel"
	EventVerification         ToDeviceEventType = "m.verification"
	EventEncrypted            ToDeviceEventType = "m.encrypted"
)

// RoomKeyContent is the plaintext body of a room-key share, delivered
// pairwise-encrypted to each recipient device.
type RoomKeyContent struct {
	Algorithm  string        `cbor:"algorithm" json:"algorithm"`
	RoomID     RoomID        `cbor:"room_id" json:"room_id"`
	SessionID  SessionID     `cbor:"session_id" json:"session_id"`
	SignPub    Ed25519Public `cbor:"sign_pub" json:"sign_pub"`
	ChainKey   [32]byte      `cbor:"chain_key" json:"chain_key"`
	ChainIndex uint32        `cbor:"chain_index" json:"chain_index"`
}

// RoomKeyRequestContent asks other own devices for a missed session key.
type RoomKeyRequestContent struct {
	RequestID string           `cbor:"request_id" json:"request_id"`
	RoomID    RoomID           `cbor:"room_id" json:"room_id"`
	SenderKey Curve25519Public `cbor:"sender_key" json:"sender_key"`
	SessionID SessionID        `cbor:"session_id" json:"session_id"`
	Cancel    bool             `cbor:"cancel,omitempty" json:"cancel,omitempty"`
}

// ToDevicePayload is one addressed payload handed to the caller for
// transport. Content is either plaintext (requests, verification) or a
// pairwise-encrypted PairwiseMessage (room-key shares).
type ToDevicePayload struct {
	Type     ToDeviceEventType `json:"type"`
	UserID   UserID            `json:"user_id"`
	DeviceID DeviceID          `json:"device_id"`
	Content  []byte            `json:"content"`
}

// OutgoingRequest is one caller-deliverable batch of to-device payloads.
// Token is stable across re-drains until the batch is acknowledged.
type OutgoingRequest struct {
	Token    string            `json:"token"`
	Payloads []ToDevicePayload `json:"payloads"`
}
