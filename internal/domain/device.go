package domain

// TrustLevel is the explicit, locally-set trust state of a device.
type TrustLevel int

const (
	TrustUnset TrustLevel = iota
	TrustVerified
	TrustBlacklisted
	TrustIgnored
)

func (t TrustLevel) String() string {
	switch t {
	case TrustVerified:
		return "verified"
	case TrustBlacklisted:
		return "blacklisted"
	case TrustIgnored:
		return "ignored"
	default:
		return "unset"
	}
}

// Device is one entry in the remote device registry.
//
// LocalTrust records the explicit user decision only. Cross-signing derived
// verification is computed on demand and never stored, so it can not drift
// when the signing chain changes.
type Device struct {
	UserID      UserID           `cbor:"user_id"`
	DeviceID    DeviceID         `cbor:"device_id"`
	CurveKey    Curve25519Public `cbor:"curve_key"`
	EdKey       Ed25519Public    `cbor:"ed_key"`
	DisplayName string           `cbor:"display_name,omitempty"`
	LocalTrust  TrustLevel       `cbor:"local_trust"`

	// Signatures over the canonical encoding of SignedDeviceKeys,
	// keyed by signing user then signing key id.
	Signatures map[UserID]map[KeyID][]byte `cbor:"signatures,omitempty"`
}

// SignedDeviceKeys is the canonical object a self-signing key signs for a
// device. Signatures are carried outside the signed encoding.
type SignedDeviceKeys struct {
	UserID   UserID           `cbor:"user_id"`
	DeviceID DeviceID         `cbor:"device_id"`
	CurveKey Curve25519Public `cbor:"curve_key"`
	EdKey    Ed25519Public    `cbor:"ed_key"`
}

// SignedKeys returns the canonical signed view of the device.
func (d Device) SignedKeys() SignedDeviceKeys {
	return SignedDeviceKeys{
		UserID:   d.UserID,
		DeviceID: d.DeviceID,
		CurveKey: d.CurveKey,
		EdKey:    d.EdKey,
	}
}

// CrossSigningUsage names the tier of a cross-signing key.
type CrossSigningUsage string

const (
	UsageMaster      CrossSigningUsage = "master"
	UsageSelfSigning CrossSigningUsage = "self_signing"
	UsageUserSigning CrossSigningUsage = "user_signing"
)

// CrossSigningKey is one tier of a user's signing hierarchy.
//
// The signed canonical encoding covers UserID, Usage and Key; Signatures
// are stripped before signing.
type CrossSigningKey struct {
	UserID     UserID                      `cbor:"user_id"`
	Usage      CrossSigningUsage           `cbor:"usage"`
	Key        Ed25519Public               `cbor:"key"`
	Signatures map[UserID]map[KeyID][]byte `cbor:"signatures,omitempty"`
}

// SignedCrossSigningKey is the canonical object signed by a parent key.
type SignedCrossSigningKey struct {
	UserID UserID            `cbor:"user_id"`
	Usage  CrossSigningUsage `cbor:"usage"`
	Key    Ed25519Public     `cbor:"key"`
}

// Signed returns the canonical signed view of the key.
func (k CrossSigningKey) Signed() SignedCrossSigningKey {
	return SignedCrossSigningKey{UserID: k.UserID, Usage: k.Usage, Key: k.Key}
}

// UserIdentity is the published cross-signing key set of one user.
type UserIdentity struct {
	UserID      UserID           `cbor:"user_id"`
	Master      *CrossSigningKey `cbor:"master,omitempty"`
	SelfSigning *CrossSigningKey `cbor:"self_signing,omitempty"`
	UserSigning *CrossSigningKey `cbor:"user_signing,omitempty"`
}
