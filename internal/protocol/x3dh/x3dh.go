package x3dh

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"loomcrypt/internal/crypto"
	"loomcrypt/internal/domain"
	"loomcrypt/internal/util/memzero"
)

const rootKeyLabel = "loomcrypt-x3dh"

// InitiatorRoot derives the session root key on the side that claimed the
// remote one-time key. It also generates and returns the ephemeral public
// key that must travel in the pre-key message.
//
// The three shared secrets are:
//
//	DH1 = DH(our identity, their one-time key)
//	DH2 = DH(our ephemeral, their identity)
//	DH3 = DH(our ephemeral, their one-time key)
func InitiatorRoot(
	ourIdentityPriv domain.Curve25519Private,
	peerIdentity domain.Curve25519Public,
	peerOneTime domain.Curve25519Public,
) (root []byte, ephemeralPub domain.Curve25519Public, err error) {
	ephPriv, ephPub, err := crypto.GenerateCurve25519()
	if err != nil {
		return nil, ephemeralPub, err
	}
	defer memzero.Zero(ephPriv[:])

	dh1, err := crypto.DH(ourIdentityPriv, peerOneTime)
	if err != nil {
		return nil, ephemeralPub, err
	}
	dh2, err := crypto.DH(ephPriv, peerIdentity)
	if err != nil {
		return nil, ephemeralPub, err
	}
	dh3, err := crypto.DH(ephPriv, peerOneTime)
	if err != nil {
		return nil, ephemeralPub, err
	}

	root = deriveRoot(dh1, dh2, dh3)
	return root, ephPub, nil
}

// ResponderRoot recomputes the same root key on the side whose one-time key
// was consumed, from the pre-key message fields.
func ResponderRoot(
	ourIdentityPriv domain.Curve25519Private,
	oneTimePriv domain.Curve25519Private,
	senderIdentity domain.Curve25519Public,
	senderEphemeral domain.Curve25519Public,
) ([]byte, error) {
	dh1, err := crypto.DH(oneTimePriv, senderIdentity)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(ourIdentityPriv, senderEphemeral)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(oneTimePriv, senderEphemeral)
	if err != nil {
		return nil, err
	}
	return deriveRoot(dh1, dh2, dh3), nil
}

func deriveRoot(dh1, dh2, dh3 [32]byte) []byte {
	concat := make([]byte, 0, 32*3)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	root := make([]byte, 32)
	r := hkdf.New(sha256.New, concat, nil, []byte(rootKeyLabel))
	_, _ = io.ReadFull(r, root)

	memzero.Zero(concat)
	memzero.Zero(dh1[:])
	memzero.Zero(dh2[:])
	memzero.Zero(dh3[:])
	return root
}
