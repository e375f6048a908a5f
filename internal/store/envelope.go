package store

import (
	"crypto/rand"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"loomcrypt/internal/domain"
	"loomcrypt/internal/util/memzero"
)

// FormatVersion is the current on-disk store format. A header with any
// other version refuses to open until Migrate is run.
const FormatVersion = 1

const (
	headerKey   = "meta/header"
	saltSize    = 16
	dataKeySize = chacha20poly1305.KeySize
)

var wrapAD = []byte("loomcrypt-store-data-key")

// ScryptParams tunes the passphrase KDF.
type ScryptParams struct {
	N int
	R int
	P int
}

// DefaultScryptParams matches interactive-use hardness.
func DefaultScryptParams() ScryptParams { return ScryptParams{N: 1 << 15, R: 8, P: 1} }

// header is the store's first record: format tag, KDF parameters and the
// wrapped data key. It is stored unencrypted; the data key never is.
type header struct {
	V          int    `cbor:"v"`
	Salt       []byte `cbor:"salt"`
	N          int    `cbor:"scrypt_n"`
	R          int    `cbor:"scrypt_r"`
	P          int    `cbor:"scrypt_p"`
	Nonce      []byte `cbor:"nonce"`
	WrappedKey []byte `cbor:"wrapped_key"`
}

// wrapDataKey seals dataKey under a passphrase-derived key.
func wrapDataKey(passphrase string, dataKey []byte, params ScryptParams) (header, error) {
	var h header
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return h, err
	}
	kek, err := scrypt.Key([]byte(passphrase), salt, params.N, params.R, params.P, dataKeySize)
	if err != nil {
		return h, err
	}
	defer memzero.Zero(kek)

	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return h, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return h, err
	}
	return header{
		V:          FormatVersion,
		Salt:       salt,
		N:          params.N,
		R:          params.R,
		P:          params.P,
		Nonce:      nonce,
		WrappedKey: aead.Seal(nil, nonce, dataKey, wrapAD),
	}, nil
}

// unwrapDataKey recovers the data key from the header. An AEAD failure is
// reported as ErrPassphraseIncorrect: a wrong passphrase and a tampered
// wrapped key are indistinguishable and both deny access.
func unwrapDataKey(passphrase string, h header) ([]byte, error) {
	kek, err := scrypt.Key([]byte(passphrase), h.Salt, h.N, h.R, h.P, dataKeySize)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(kek)

	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, err
	}
	dataKey, err := aead.Open(nil, h.Nonce, h.WrappedKey, wrapAD)
	if err != nil {
		return nil, domain.ErrPassphraseIncorrect
	}
	return dataKey, nil
}

// record is the sealed form of one persisted snapshot.
type record struct {
	V      int    `cbor:"v"`
	Nonce  []byte `cbor:"nonce"`
	Cipher []byte `cbor:"cipher"`
}

// sealRecord encrypts plaintext under the data key, binding the record key
// as associated data so records can not be swapped between keys.
func sealRecord(dataKey []byte, recordKey string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(dataKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return cbor.Marshal(record{
		V:      FormatVersion,
		Nonce:  nonce,
		Cipher: aead.Seal(nil, nonce, plaintext, []byte(recordKey)),
	})
}

// openRecord authenticates and decrypts one stored record. Any tampering
// or truncation surfaces as ErrStoreCorrupted.
func openRecord(dataKey []byte, recordKey string, raw []byte) ([]byte, error) {
	var rec record
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return nil, domain.ErrStoreCorrupted
	}
	if rec.V != FormatVersion {
		return nil, domain.ErrStoreVersionMismatch
	}
	aead, err := chacha20poly1305.New(dataKey)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, rec.Nonce, rec.Cipher, []byte(recordKey))
	if err != nil {
		return nil, domain.ErrStoreCorrupted
	}
	return pt, nil
}
