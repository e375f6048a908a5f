package crypto

import (
	"crypto/rand"

	"golang.org/x/crypto/curve25519"

	"loomcrypt/internal/domain"
)

// GenerateCurve25519 returns a fresh Curve25519 key pair.
// The private key is clamped per RFC 7748.
func GenerateCurve25519() (priv domain.Curve25519Private, pub domain.Curve25519Public, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return
	}
	clamp(&priv)
	pb, err := curve25519.X25519(priv.Slice(), curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], pb)
	return
}

// DH computes the X25519 shared secret.
func DH(priv domain.Curve25519Private, pub domain.Curve25519Public) (out [32]byte, err error) {
	secret, err := curve25519.X25519(priv.Slice(), pub.Slice())
	if err != nil {
		return out, err
	}
	copy(out[:], secret)
	return out, nil
}

func clamp(k *domain.Curve25519Private) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
