package store

import (
	"crypto/rand"
	"fmt"

	"loomcrypt/internal/domain"
)

// Record key namespaces. Kept flat so backend Scan prefixes line up with
// one entity kind each.
const (
	PrefixDevice   = "device/"
	PrefixIdentity = "identity/"
	PrefixPairwise = "pairwise/"
	PrefixGroupOut = "groupout/"
	PrefixGroupIn  = "groupin/"

	KeyAccount    = "account"
	KeyQueueState = "queue/state"
)

// DeviceKey locates one device record.
func DeviceKey(user domain.UserID, device domain.DeviceID) string {
	return fmt.Sprintf("%s%s/%s", PrefixDevice, user, device)
}

// IdentityKey locates one user's cross-signing key set.
func IdentityKey(user domain.UserID) string {
	return PrefixIdentity + user.String()
}

// PairwiseKey locates one pairwise session.
func PairwiseKey(id domain.SessionID) string {
	return PrefixPairwise + id.String()
}

// GroupOutKey locates a room's outbound group session.
func GroupOutKey(room domain.RoomID) string {
	return PrefixGroupOut + room.String()
}

// GroupInKey locates one inbound group session.
func GroupInKey(room domain.RoomID, sender domain.Curve25519Public, id domain.SessionID) string {
	return fmt.Sprintf("%s%s/%x/%s", PrefixGroupIn, room, sender[:], id)
}

// GroupInRoomPrefix scans every inbound session of a room.
func GroupInRoomPrefix(room domain.RoomID) string {
	return PrefixGroupIn + room.String() + "/"
}

func fillRandom(b []byte) error {
	_, err := rand.Read(b)
	return err
}
