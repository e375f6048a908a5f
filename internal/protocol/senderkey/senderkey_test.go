package senderkey_test

import (
	"errors"
	"testing"

	"loomcrypt/internal/crypto"
	"loomcrypt/internal/domain"
	"loomcrypt/internal/protocol/senderkey"
)

func makeChain(t *testing.T) (domain.SenderKeyState, domain.Ed25519Private, domain.Ed25519Public) {
	t.Helper()
	st, err := senderkey.NewChain()
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	signPriv, signPub, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	return st, signPriv, signPub
}

func TestSealOpen_RoundTrip(t *testing.T) {
	st, signPriv, signPub := makeChain(t)
	inbound := st
	id := domain.SessionID("sess-1")
	ad := []byte("!room:example.org")

	msg, err := senderkey.Seal(&st, signPriv, id, ad, []byte("group hello"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if msg.Index != 0 {
		t.Fatalf("first message index %d, want 0", msg.Index)
	}
	if st.Index != 1 {
		t.Fatalf("chain index after Seal %d, want 1", st.Index)
	}

	pt, err := senderkey.OpenAt(inbound, signPub, ad, msg)
	if err != nil {
		t.Fatalf("OpenAt: %v", err)
	}
	if string(pt) != "group hello" {
		t.Fatalf("got %q, want %q", pt, "group hello")
	}
}

func TestOpenAt_LaterIndexFromEarlierPin(t *testing.T) {
	st, signPriv, signPub := makeChain(t)
	inbound := st
	id := domain.SessionID("sess-2")

	var third domain.GroupMessage
	for i := 0; i < 3; i++ {
		msg, err := senderkey.Seal(&st, signPriv, id, nil, []byte{byte('a' + i)})
		if err != nil {
			t.Fatalf("Seal %d: %v", i, err)
		}
		third = msg
	}
	if third.Index != 2 {
		t.Fatalf("index %d, want 2", third.Index)
	}

	pt, err := senderkey.OpenAt(inbound, signPub, nil, third)
	if err != nil {
		t.Fatalf("OpenAt: %v", err)
	}
	if string(pt) != "c" {
		t.Fatalf("got %q, want %q", pt, "c")
	}
	// The pinned state must be untouched.
	if inbound.Index != 0 {
		t.Fatalf("pinned index advanced to %d", inbound.Index)
	}
}

func TestOpenAt_IndexBeforePin(t *testing.T) {
	st, signPriv, signPub := makeChain(t)
	id := domain.SessionID("sess-3")

	first, err := senderkey.Seal(&st, signPriv, id, nil, []byte("early"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// Pin the inbound chain after the first message.
	pinned := st
	if _, err := senderkey.OpenAt(pinned, signPub, nil, first); !errors.Is(err, domain.ErrUnknownMessageIndex) {
		t.Fatalf("got %v, want ErrUnknownMessageIndex", err)
	}
}

func TestOpenAt_BadSignature(t *testing.T) {
	st, signPriv, signPub := makeChain(t)
	inbound := st
	id := domain.SessionID("sess-4")

	msg, err := senderkey.Seal(&st, signPriv, id, nil, []byte("signed"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	msg.Signature[0] ^= 0xff
	if _, err := senderkey.OpenAt(inbound, signPub, nil, msg); !errors.Is(err, domain.ErrSignatureVerificationFailed) {
		t.Fatalf("got %v, want ErrSignatureVerificationFailed", err)
	}
}

func TestOpenAt_TamperedCiphertext(t *testing.T) {
	st, signPriv, signPub := makeChain(t)
	inbound := st
	id := domain.SessionID("sess-5")

	msg, err := senderkey.Seal(&st, signPriv, id, nil, []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	msg.Cipher[0] ^= 0xff
	// Flipping ciphertext breaks the signature before the AEAD is reached.
	if _, err := senderkey.OpenAt(inbound, signPub, nil, msg); !errors.Is(err, domain.ErrSignatureVerificationFailed) {
		t.Fatalf("got %v, want ErrSignatureVerificationFailed", err)
	}
}

func TestAdvance_ChainMoves(t *testing.T) {
	st, err := senderkey.NewChain()
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	before := st.ChainKey
	senderkey.Advance(&st)
	if st.Index != 1 {
		t.Fatalf("index %d, want 1", st.Index)
	}
	if st.ChainKey == before {
		t.Fatal("chain key did not change")
	}
}
