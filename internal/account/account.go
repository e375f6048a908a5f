package account

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"loomcrypt/internal/crypto"
	"loomcrypt/internal/domain"
	"loomcrypt/internal/store"
)

// snapshot is the persisted form of the local account.
type snapshot struct {
	UserID    domain.UserID            `cbor:"user_id"`
	DeviceID  domain.DeviceID          `cbor:"device_id"`
	CurvePriv domain.Curve25519Private `cbor:"curve_priv"`
	CurvePub  domain.Curve25519Public  `cbor:"curve_pub"`
	EdPriv    domain.Ed25519Private    `cbor:"ed_priv"`
	EdPub     domain.Ed25519Public     `cbor:"ed_pub"`

	OneTime map[domain.KeyID]domain.OneTimeKeyPair `cbor:"one_time"`
	// Used records consumed one-time key ids forever; a used id is never
	// offered or consumed again.
	Used     map[domain.KeyID]bool  `cbor:"used"`
	Fallback *domain.OneTimeKeyPair `cbor:"fallback,omitempty"`

	// Cross-signing private keys, present after BootstrapCrossSigning.
	MasterPriv      *domain.Ed25519Private `cbor:"master_priv,omitempty"`
	SelfSigningPriv *domain.Ed25519Private `cbor:"self_signing_priv,omitempty"`
	UserSigningPriv *domain.Ed25519Private `cbor:"user_signing_priv,omitempty"`
	Identity        *domain.UserIdentity   `cbor:"identity,omitempty"`

	// NextSeq orders pairwise session creation account-wide.
	NextSeq uint64 `cbor:"next_seq"`
}

// Manager guards the account snapshot and persists it on every mutation.
type Manager struct {
	mu  sync.Mutex
	st  *store.EncryptedStore
	log zerolog.Logger
	a   snapshot
}

// Create generates a fresh account for (userID, deviceID) and persists it.
func Create(st *store.EncryptedStore, log zerolog.Logger, userID domain.UserID, deviceID domain.DeviceID) (*Manager, error) {
	curvePriv, curvePub, err := crypto.GenerateCurve25519()
	if err != nil {
		return nil, err
	}
	edPriv, edPub, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		st:  st,
		log: log,
		a: snapshot{
			UserID:    userID,
			DeviceID:  deviceID,
			CurvePriv: curvePriv,
			CurvePub:  curvePub,
			EdPriv:    edPriv,
			EdPub:     edPub,
			OneTime:   make(map[domain.KeyID]domain.OneTimeKeyPair),
			Used:      make(map[domain.KeyID]bool),
		},
	}
	if err := m.save(); err != nil {
		return nil, err
	}
	log.Info().Str("user", userID.String()).Str("device", deviceID.String()).Msg("account: created")
	return m, nil
}

// Load restores a previously created account from the store.
func Load(st *store.EncryptedStore, log zerolog.Logger) (*Manager, bool, error) {
	var a snapshot
	ok, err := st.Load(store.KeyAccount, &a)
	if err != nil || !ok {
		return nil, false, err
	}
	if a.OneTime == nil {
		a.OneTime = make(map[domain.KeyID]domain.OneTimeKeyPair)
	}
	if a.Used == nil {
		a.Used = make(map[domain.KeyID]bool)
	}
	return &Manager{st: st, log: log, a: a}, true, nil
}

func (m *Manager) save() error {
	return m.st.Save(store.KeyAccount, m.a)
}

// UserID returns the local user id.
func (m *Manager) UserID() domain.UserID { return m.a.UserID }

// DeviceID returns the local device id.
func (m *Manager) DeviceID() domain.DeviceID { return m.a.DeviceID }

// CurveKey returns the long-term Curve25519 identity public key.
func (m *Manager) CurveKey() domain.Curve25519Public { return m.a.CurvePub }

// CurvePriv returns the long-term Curve25519 identity private key.
func (m *Manager) CurvePriv() domain.Curve25519Private { return m.a.CurvePriv }

// EdKey returns the Ed25519 signing public key.
func (m *Manager) EdKey() domain.Ed25519Public { return m.a.EdPub }

// Fingerprint returns a short fingerprint of the identity key.
func (m *Manager) Fingerprint() string { return crypto.Fingerprint(m.a.CurvePub.Slice()) }

// SignCanonical signs the canonical encoding of v with the device key.
func (m *Manager) SignCanonical(v any) ([]byte, error) {
	return crypto.SignCanonical(m.a.EdPriv, v)
}

// NextSessionSeq returns a monotonically increasing sequence number used
// to order pairwise sessions by creation.
func (m *Manager) NextSessionSeq() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq := m.a.NextSeq
	m.a.NextSeq++
	if err := m.save(); err != nil {
		return 0, err
	}
	return seq, nil
}

// GenerateOneTimeKeys adds n unpublished one-time keys to the pool and
// returns their public views.
func (m *Manager) GenerateOneTimeKeys(n int) ([]domain.OneTimeKeyPublic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.OneTimeKeyPublic, 0, n)
	for i := 0; i < n; i++ {
		priv, pub, err := crypto.GenerateCurve25519()
		if err != nil {
			return nil, err
		}
		id := domain.KeyID("otk_" + uuid.NewString())
		m.a.OneTime[id] = domain.OneTimeKeyPair{
			ID:        id,
			Priv:      priv,
			Pub:       pub,
			CreatedAt: time.Now().Unix(),
		}
		out = append(out, domain.OneTimeKeyPublic{ID: id, Pub: pub})
	}
	if err := m.save(); err != nil {
		return nil, err
	}
	return out, nil
}

// OneTimeKeys returns the public view of every unpublished key, for the
// caller to upload.
func (m *Manager) OneTimeKeys() []domain.OneTimeKeyPublic {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.OneTimeKeyPublic, 0, len(m.a.OneTime))
	for _, p := range m.a.OneTime {
		if !p.Published {
			out = append(out, domain.OneTimeKeyPublic{ID: p.ID, Pub: p.Pub})
		}
	}
	return out
}

// MarkKeysPublished flags every pooled key as uploaded.
func (m *Manager) MarkKeysPublished() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range m.a.OneTime {
		p.Published = true
		m.a.OneTime[id] = p
	}
	return m.save()
}

// EnsureOneTimeKeys tops the pool back up to target, returning the public
// views of any newly generated keys.
func (m *Manager) EnsureOneTimeKeys(target int) ([]domain.OneTimeKeyPublic, error) {
	m.mu.Lock()
	deficit := target - len(m.a.OneTime)
	m.mu.Unlock()
	if deficit <= 0 {
		return nil, nil
	}
	return m.GenerateOneTimeKeys(deficit)
}

// PoolSize reports how many one-time keys remain claimable.
func (m *Manager) PoolSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.a.OneTime)
}

// ConsumeOneTimeKey removes a pooled key for session establishment. The id
// is recorded as used before the pair is returned; a repeated consume of
// the same id fails with ErrMissingOneTimeKey.
func (m *Manager) ConsumeOneTimeKey(id domain.KeyID) (domain.OneTimeKeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.a.Used[id] {
		return domain.OneTimeKeyPair{}, fmt.Errorf("%w: %s already consumed", domain.ErrMissingOneTimeKey, id)
	}
	p, ok := m.a.OneTime[id]
	if !ok {
		if m.a.Fallback != nil && m.a.Fallback.ID == id {
			// Fallback keys are reusable until replaced.
			return *m.a.Fallback, nil
		}
		return domain.OneTimeKeyPair{}, fmt.Errorf("%w: %s", domain.ErrMissingOneTimeKey, id)
	}
	delete(m.a.OneTime, id)
	m.a.Used[id] = true
	if err := m.save(); err != nil {
		return domain.OneTimeKeyPair{}, err
	}
	m.log.Debug().Str("key", id.String()).Msg("account: one-time key consumed")
	return p, nil
}

// GenerateFallbackKey replaces the fallback key and returns its public view.
func (m *Manager) GenerateFallbackKey() (domain.OneTimeKeyPublic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	priv, pub, err := crypto.GenerateCurve25519()
	if err != nil {
		return domain.OneTimeKeyPublic{}, err
	}
	id := domain.KeyID("fbk_" + uuid.NewString())
	m.a.Fallback = &domain.OneTimeKeyPair{
		ID:        id,
		Priv:      priv,
		Pub:       pub,
		CreatedAt: time.Now().Unix(),
	}
	if err := m.save(); err != nil {
		return domain.OneTimeKeyPublic{}, err
	}
	return domain.OneTimeKeyPublic{ID: id, Pub: pub}, nil
}

// FallbackKey returns the current fallback key, if any.
func (m *Manager) FallbackKey() (domain.OneTimeKeyPair, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.a.Fallback == nil {
		return domain.OneTimeKeyPair{}, false
	}
	return *m.a.Fallback, true
}

// LocalDevice returns this account as a device registry entry, signed by
// the self-signing key when cross-signing is bootstrapped.
func (m *Manager) LocalDevice() (domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := domain.Device{
		UserID:   m.a.UserID,
		DeviceID: m.a.DeviceID,
		CurveKey: m.a.CurvePub,
		EdKey:    m.a.EdPub,
	}
	if m.a.SelfSigningPriv != nil && m.a.Identity != nil && m.a.Identity.SelfSigning != nil {
		sig, err := crypto.SignCanonical(*m.a.SelfSigningPriv, d.SignedKeys())
		if err != nil {
			return domain.Device{}, err
		}
		keyID := domain.KeyID("ed25519:" + crypto.Fingerprint(m.a.Identity.SelfSigning.Key.Slice()))
		d.Signatures = map[domain.UserID]map[domain.KeyID][]byte{
			m.a.UserID: {keyID: sig},
		}
	}
	return d, nil
}
