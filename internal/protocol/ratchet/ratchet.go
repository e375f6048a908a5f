package ratchet

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"loomcrypt/internal/crypto"
	"loomcrypt/internal/domain"
	"loomcrypt/internal/util/memzero"
)

const (
	aeadKeySize  = 32
	nonceSize    = chacha20poly1305.NonceSize
	maxSkippedMK = 1000
)

var (
	errChainUninitialised = errors.New("ratchet chain key is uninitialised")
)

// InitAsInitiator seeds the sending chain from the X3DH root using a fresh
// ratchet key pair and the peer's identity key.
func InitAsInitiator(root []byte, peerIdentity domain.Curve25519Public) (domain.RatchetState, error) {
	priv, pub, err := crypto.GenerateCurve25519()
	if err != nil {
		return domain.RatchetState{}, err
	}

	dh, err := crypto.DH(priv, peerIdentity)
	if err != nil {
		return domain.RatchetState{}, err
	}
	newRK, sendCK := kdfRK(root, dh[:])
	memzero.Zero(dh[:])

	return domain.RatchetState{
		RootKey: newRK,
		DHPriv:  priv,
		DHPub:   pub,
		// Placeholder until the first remote ratchet pub arrives.
		PeerDHPub: peerIdentity,
		SendCK:    sendCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// InitAsResponder seeds the receiving chain from the X3DH root using our
// identity key and the sender's first ratchet public key.
func InitAsResponder(root []byte, ourIdentityPriv domain.Curve25519Private, senderRatchetPub domain.Curve25519Public) (domain.RatchetState, error) {
	priv, pub, err := crypto.GenerateCurve25519()
	if err != nil {
		return domain.RatchetState{}, err
	}

	dh, err := crypto.DH(ourIdentityPriv, senderRatchetPub)
	if err != nil {
		return domain.RatchetState{}, err
	}
	newRK, recvCK := kdfRK(root, dh[:])
	memzero.Zero(dh[:])

	return domain.RatchetState{
		RootKey:   newRK,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: senderRatchetPub,
		RecvCK:    recvCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// Encrypt produces a header and ciphertext, advancing the sending chain by
// exactly one step. The responder's first send performs a DH ratchet step
// to initialise its sending chain.
func Encrypt(st *domain.RatchetState, ad, plaintext []byte) (domain.RatchetHeader, []byte, error) {
	if len(st.SendCK) == 0 {
		if err := dhRatchetSend(st); err != nil {
			return domain.RatchetHeader{}, nil, err
		}
	}

	mk, err := stepChain(&st.SendCK)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}
	h := domain.RatchetHeader{DHPub: st.DHPub.Slice(), PN: st.PN, N: st.Ns}

	ct, err := seal(mk, h, ad, plaintext)
	memzero.Zero(mk)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}
	st.Ns++
	return h, ct, nil
}

// Decrypt tries skipped keys, performs a DH ratchet step on a new remote
// pub, then opens the message and advances the receiving chain.
func Decrypt(st *domain.RatchetState, ad []byte, header domain.RatchetHeader, ciphertext []byte) ([]byte, error) {
	if len(header.DHPub) != 32 {
		return nil, fmt.Errorf("ratchet: bad header DH key length %d", len(header.DHPub))
	}
	var headerPub domain.Curve25519Public
	copy(headerPub[:], header.DHPub)

	// Skipped keys are cached under the ratchet pub the message was sent
	// with, which may be several DH steps behind the current chain. The
	// cache is consulted first so a message held back across a ratchet
	// step still opens.
	keyID := skippedKeyID(headerPub, header.N)
	if mk, ok := st.Skipped[keyID]; ok {
		delete(st.Skipped, keyID)
		pt, err := open(mk, header, ad, ciphertext)
		memzero.Zero(mk)
		if err != nil {
			return nil, err
		}
		return pt, nil
	}

	if equal32(st.PeerDHPub[:], header.DHPub) {
		skipUntil(st, header.N)
	} else {
		skipUntil(st, header.PN)
		if err := dhRatchetRecv(st, header); err != nil {
			return nil, err
		}
		skipUntil(st, header.N)
	}

	mk, err := stepChain(&st.RecvCK)
	if err != nil {
		return nil, err
	}
	pt, err := open(mk, header, ad, ciphertext)
	memzero.Zero(mk)
	if err != nil {
		return nil, err
	}
	st.Nr++
	return pt, nil
}

// dhRatchetSend rotates our ratchet key pair and reseeds the sending chain
// against the peer's current ratchet pub.
func dhRatchetSend(st *domain.RatchetState) error {
	st.PN = st.Ns
	st.Ns = 0

	newPriv, newPub, err := crypto.GenerateCurve25519()
	if err != nil {
		return err
	}
	dh, err := crypto.DH(newPriv, st.PeerDHPub)
	if err != nil {
		return err
	}
	newRK, sendCK := kdfRK(st.RootKey, dh[:])
	memzero.Zero(dh[:])

	st.RootKey = newRK
	st.DHPriv, st.DHPub = newPriv, newPub
	st.SendCK = sendCK
	return nil
}

// dhRatchetRecv advances the receiving chain for a new remote ratchet pub,
// then rotates our own pair and reseeds the sending chain.
func dhRatchetRecv(st *domain.RatchetState, header domain.RatchetHeader) error {
	var newPeer domain.Curve25519Public
	copy(newPeer[:], header.DHPub)

	dh, err := crypto.DH(st.DHPriv, newPeer)
	if err != nil {
		return err
	}
	rk2, recvCK := kdfRK(st.RootKey, dh[:])
	memzero.Zero(dh[:])

	newPriv, newPub, err := crypto.GenerateCurve25519()
	if err != nil {
		return err
	}
	dh2, err := crypto.DH(newPriv, newPeer)
	if err != nil {
		return err
	}
	rk3, sendCK := kdfRK(rk2, dh2[:])
	memzero.Zero(dh2[:])

	st.PN = st.Ns
	st.Ns, st.Nr = 0, 0
	st.RootKey = rk3
	st.DHPriv, st.DHPub = newPriv, newPub
	st.PeerDHPub = newPeer
	st.SendCK, st.RecvCK = sendCK, recvCK
	return nil
}

// --- helpers ---

func seal(mk []byte, header domain.RatchetHeader, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], header.N)
	return aead.Seal(nil, nonce, plaintext, append(ad, headerBytes(header)...)), nil
}

func open(mk []byte, header domain.RatchetHeader, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], header.N)
	pt, err := aead.Open(nil, nonce, ciphertext, append(ad, headerBytes(header)...))
	if err != nil {
		return nil, domain.ErrDecryptionFailed
	}
	return pt, nil
}

func headerBytes(h domain.RatchetHeader) []byte {
	out := make([]byte, 0, len(h.DHPub)+8)
	out = append(out, h.DHPub...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], h.PN)
	out = append(out, b[:]...)
	binary.BigEndian.PutUint32(b[:], h.N)
	out = append(out, b[:]...)
	return out
}

// HKDF-based KDFs with labels.
func kdfRK(rk, dh []byte) (newRK, ck []byte) {
	r := hkdf.New(sha256.New, dh, rk, []byte("loomcrypt-dr-rk"))
	newRK = make([]byte, 32)
	ck = make([]byte, 32)
	_, _ = io.ReadFull(r, newRK)
	_, _ = io.ReadFull(r, ck)
	return
}

func kdfCK(ck []byte) (nextCK, mk []byte) {
	r := hkdf.New(sha256.New, ck, nil, []byte("loomcrypt-dr-ck"))
	nextCK = make([]byte, 32)
	mk = make([]byte, 32)
	_, _ = io.ReadFull(r, nextCK)
	_, _ = io.ReadFull(r, mk)
	return
}

func stepChain(ck *[]byte) ([]byte, error) {
	if len(*ck) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(*ck)
	*ck = nextCK
	return mk, nil
}

func skippedKeyID(peer domain.Curve25519Public, n uint32) string {
	b := make([]byte, 32+4)
	copy(b, peer[:])
	binary.BigEndian.PutUint32(b[32:], n)
	return string(b)
}

// skipUntil derives and stores message keys up to n with a hard cap.
func skipUntil(st *domain.RatchetState, n uint32) {
	if len(st.RecvCK) == 0 {
		return
	}
	for st.Nr < n {
		mk, err := stepChain(&st.RecvCK)
		if err != nil {
			return
		}
		if len(st.Skipped) >= maxSkippedMK {
			for k := range st.Skipped {
				delete(st.Skipped, k)
				break
			}
		}
		st.Skipped[skippedKeyID(st.PeerDHPub, st.Nr)] = mk
		st.Nr++
	}
}

func equal32(a, b []byte) bool {
	if len(a) != 32 || len(b) != 32 {
		return false
	}
	var v byte
	for i := 0; i < 32; i++ {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
