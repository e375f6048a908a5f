package domain

import "errors"

var (
	// ErrMissingOneTimeKey means no one-time (or fallback) key is available
	// to establish a session. Recoverable by claiming or generating fresh keys.
	ErrMissingOneTimeKey = errors.New("no one-time key available")

	// ErrUnknownSession means no stored session matched a ciphertext.
	// Recoverable via a key re-request; the message stays pending.
	ErrUnknownSession = errors.New("no matching session")

	// ErrReplayedMessage means a group message index was seen before with
	// different ciphertext content. The message is rejected; the session
	// remains usable.
	ErrReplayedMessage = errors.New("replayed message index with mismatched content")

	// ErrUnknownMessageIndex means a group message index precedes the
	// earliest index the inbound session was imported at.
	ErrUnknownMessageIndex = errors.New("message index precedes session import point")

	// ErrSignatureVerificationFailed means a signature in a trust chain or
	// signed object did not verify. Trust computation fails closed.
	ErrSignatureVerificationFailed = errors.New("signature verification failed")

	// ErrDecryptionFailed means an authentication tag mismatch. The message
	// is rejected and never retried with weaker checks.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrUnknownDevice means the device registry has no entry for the
	// referenced (user, device) pair.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrStoreCorrupted is fatal to the affected store instance.
	ErrStoreCorrupted = errors.New("store record corrupted")

	// ErrPassphraseIncorrect means the store data key could not be
	// unwrapped. No partial access is granted.
	ErrPassphraseIncorrect = errors.New("wrong passphrase")

	// ErrStoreVersionMismatch means the store header carries a format
	// version this build cannot open without an explicit migration.
	ErrStoreVersionMismatch = errors.New("store format version mismatch")
)
