package senderkey

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"loomcrypt/internal/crypto"
	"loomcrypt/internal/domain"
	"loomcrypt/internal/util/memzero"
)

const nonceSize = chacha20poly1305.NonceSize

var (
	chainAdvanceLabel = []byte("loomcrypt-sk-advance")
	messageKeyLabel   = []byte("loomcrypt-sk-mk")
)

// NewChain returns a fresh chain at index zero.
func NewChain() (domain.SenderKeyState, error) {
	var st domain.SenderKeyState
	if _, err := rand.Read(st.ChainKey[:]); err != nil {
		return st, err
	}
	return st, nil
}

// Advance steps the chain forward by one message.
func Advance(st *domain.SenderKeyState) {
	h := hmac.New(sha256.New, st.ChainKey[:])
	h.Write(chainAdvanceLabel)
	copy(st.ChainKey[:], h.Sum(nil))
	st.Index++
}

// messageKey derives the AEAD key for the chain's current index.
func messageKey(st domain.SenderKeyState) []byte {
	mk := make([]byte, 32)
	r := hkdf.New(sha256.New, st.ChainKey[:], nil, messageKeyLabel)
	_, _ = io.ReadFull(r, mk)
	return mk
}

// Seal encrypts plaintext at the chain's current index, signs it with the
// session signing key and advances the chain by one step.
func Seal(st *domain.SenderKeyState, signPriv domain.Ed25519Private, sessionID domain.SessionID, ad, plaintext []byte) (domain.GroupMessage, error) {
	mk := messageKey(*st)
	defer memzero.Zero(mk)

	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return domain.GroupMessage{}, err
	}
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], st.Index)
	ct := aead.Seal(nil, nonce, plaintext, messageAD(sessionID, st.Index, ad))

	msg := domain.GroupMessage{
		SessionID: sessionID,
		Index:     st.Index,
		Cipher:    ct,
		Signature: crypto.SignEd25519(signPriv, signedBytes(sessionID, st.Index, ct)),
	}
	Advance(st)
	return msg, nil
}

// OpenAt derives the message key for msg.Index from a chain pinned at an
// earlier index, verifies the sender signature and decrypts. The pinned
// state is not mutated; indices before the pin are unreachable.
func OpenAt(pinned domain.SenderKeyState, signPub domain.Ed25519Public, ad []byte, msg domain.GroupMessage) ([]byte, error) {
	if msg.Index < pinned.Index {
		return nil, domain.ErrUnknownMessageIndex
	}
	if !crypto.VerifyEd25519(signPub, signedBytes(msg.SessionID, msg.Index, msg.Cipher), msg.Signature) {
		return nil, domain.ErrSignatureVerificationFailed
	}

	st := pinned
	for st.Index < msg.Index {
		Advance(&st)
	}
	mk := messageKey(st)
	defer memzero.Zero(mk)

	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], msg.Index)
	pt, err := aead.Open(nil, nonce, msg.Cipher, messageAD(msg.SessionID, msg.Index, ad))
	if err != nil {
		return nil, domain.ErrDecryptionFailed
	}
	return pt, nil
}

func messageAD(sessionID domain.SessionID, index uint32, ad []byte) []byte {
	out := make([]byte, 0, len(ad)+len(sessionID)+4)
	out = append(out, ad...)
	out = append(out, sessionID...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], index)
	return append(out, b[:]...)
}

func signedBytes(sessionID domain.SessionID, index uint32, cipher []byte) []byte {
	out := make([]byte, 0, len(sessionID)+4+len(cipher))
	out = append(out, sessionID...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], index)
	out = append(out, b[:]...)
	return append(out, cipher...)
}
