package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"loomcrypt/internal/domain"
	"loomcrypt/internal/util/memzero"
)

// EncryptedStore envelope-encrypts every snapshot the engine persists.
type EncryptedStore struct {
	backend domain.Backend
	dataKey []byte
	log     zerolog.Logger
}

// Open unwraps the store's data key with the passphrase, creating a fresh
// header (and data key) on first use. A header written by a different
// format version is refused until Migrate is run.
func Open(backend domain.Backend, passphrase string, params ScryptParams, log zerolog.Logger) (*EncryptedStore, error) {
	raw, ok, err := backend.Get(headerKey)
	if err != nil {
		return nil, err
	}

	var dataKey []byte
	if !ok {
		dataKey = make([]byte, dataKeySize)
		if err := fillRandom(dataKey); err != nil {
			return nil, err
		}
		h, err := wrapDataKey(passphrase, dataKey, params)
		if err != nil {
			return nil, err
		}
		hb, err := cbor.Marshal(h)
		if err != nil {
			return nil, err
		}
		if err := backend.Save(headerKey, hb); err != nil {
			return nil, err
		}
		log.Debug().Msg("store: initialised new header")
	} else {
		var h header
		if err := cbor.Unmarshal(raw, &h); err != nil {
			return nil, domain.ErrStoreCorrupted
		}
		if h.V != FormatVersion {
			return nil, fmt.Errorf("%w: have %d, want %d", domain.ErrStoreVersionMismatch, h.V, FormatVersion)
		}
		dataKey, err = unwrapDataKey(passphrase, h)
		if err != nil {
			return nil, err
		}
	}

	return &EncryptedStore{backend: backend, dataKey: dataKey, log: log}, nil
}

// Migrate upgrades an older on-disk format in place. There is exactly one
// format so far; unknown versions are refused rather than guessed at.
func Migrate(backend domain.Backend, passphrase string) error {
	raw, ok, err := backend.Get(headerKey)
	if err != nil {
		return err
	}
	if !ok {
		return nil // nothing to migrate
	}
	var h header
	if err := cbor.Unmarshal(raw, &h); err != nil {
		return domain.ErrStoreCorrupted
	}
	switch h.V {
	case FormatVersion:
		return nil
	default:
		return fmt.Errorf("%w: no migration path from version %d", domain.ErrStoreVersionMismatch, h.V)
	}
}

// RotatePassphrase re-wraps the data key under a new passphrase. Records
// are untouched.
func (s *EncryptedStore) RotatePassphrase(newPassphrase string, params ScryptParams) error {
	h, err := wrapDataKey(newPassphrase, s.dataKey, params)
	if err != nil {
		return err
	}
	hb, err := cbor.Marshal(h)
	if err != nil {
		return err
	}
	return s.backend.Save(headerKey, hb)
}

// Save seals v and persists it under key.
func (s *EncryptedStore) Save(key string, v any) error {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	sealed, err := sealRecord(s.dataKey, key, raw)
	memzero.Zero(raw)
	if err != nil {
		return err
	}
	return s.backend.Save(key, sealed)
}

// Load decrypts the record at key into out. The second return is false
// when the key does not exist.
func (s *EncryptedStore) Load(key string, out any) (bool, error) {
	raw, ok, err := s.backend.Get(key)
	if err != nil || !ok {
		return false, err
	}
	pt, err := openRecord(s.dataKey, key, raw)
	if err != nil {
		s.log.Warn().Str("key", key).Msg("store: unreadable record")
		return false, err
	}
	defer memzero.Zero(pt)
	if err := cbor.Unmarshal(pt, out); err != nil {
		return false, domain.ErrStoreCorrupted
	}
	return true, nil
}

// Delete removes the record at key.
func (s *EncryptedStore) Delete(key string) error { return s.backend.Delete(key) }

// Tx batches sealed writes into one backend transaction.
type Tx struct {
	s   *EncryptedStore
	btx domain.BackendTx
}

// Save seals v and stages it in the transaction.
func (t *Tx) Save(key string, v any) error {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	sealed, err := sealRecord(t.s.dataKey, key, raw)
	memzero.Zero(raw)
	if err != nil {
		return err
	}
	return t.btx.Save(key, sealed)
}

// Delete stages a removal in the transaction.
func (t *Tx) Delete(key string) error { return t.btx.Delete(key) }

// Update runs fn inside one atomic backend transaction. Either every write
// fn stages becomes durable or none does.
func (s *EncryptedStore) Update(fn func(tx *Tx) error) error {
	return s.backend.Transaction(func(btx domain.BackendTx) error {
		return fn(&Tx{s: s, btx: btx})
	})
}

// Scan visits every decrypted record under prefix. A single corrupted
// record aborts the scan with ErrStoreCorrupted.
func (s *EncryptedStore) Scan(prefix string, fn func(key string, plaintext []byte) error) error {
	return s.backend.Scan(prefix, func(key string, raw []byte) error {
		if key == headerKey {
			return nil
		}
		pt, err := openRecord(s.dataKey, key, raw)
		if err != nil {
			return err
		}
		return fn(key, pt)
	})
}

// Unmarshal decodes a snapshot produced by Scan.
func Unmarshal(data []byte, out any) error {
	if err := cbor.Unmarshal(data, out); err != nil {
		return domain.ErrStoreCorrupted
	}
	return nil
}

// Close wipes the in-memory data key and closes the backend.
func (s *EncryptedStore) Close() error {
	memzero.Zero(s.dataKey)
	return s.backend.Close()
}
