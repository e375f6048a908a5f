package account

import (
	"errors"

	"loomcrypt/internal/crypto"
	"loomcrypt/internal/domain"
)

var errNoCrossSigning = errors.New("cross-signing is not bootstrapped")

// BootstrapCrossSigning generates the master, self-signing and user-signing
// key pairs, signs the subordinate keys with the master, and persists the
// private halves. The returned identity is what the caller publishes.
func (m *Manager) BootstrapCrossSigning() (domain.UserIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	masterPriv, masterPub, err := crypto.GenerateEd25519()
	if err != nil {
		return domain.UserIdentity{}, err
	}
	selfPriv, selfPub, err := crypto.GenerateEd25519()
	if err != nil {
		return domain.UserIdentity{}, err
	}
	userPriv, userPub, err := crypto.GenerateEd25519()
	if err != nil {
		return domain.UserIdentity{}, err
	}

	master := &domain.CrossSigningKey{UserID: m.a.UserID, Usage: domain.UsageMaster, Key: masterPub}
	selfSigning := &domain.CrossSigningKey{UserID: m.a.UserID, Usage: domain.UsageSelfSigning, Key: selfPub}
	userSigning := &domain.CrossSigningKey{UserID: m.a.UserID, Usage: domain.UsageUserSigning, Key: userPub}

	masterKeyID := keyIDFor(masterPub)
	for _, sub := range []*domain.CrossSigningKey{selfSigning, userSigning} {
		sig, err := crypto.SignCanonical(masterPriv, sub.Signed())
		if err != nil {
			return domain.UserIdentity{}, err
		}
		sub.Signatures = map[domain.UserID]map[domain.KeyID][]byte{
			m.a.UserID: {masterKeyID: sig},
		}
	}

	identity := domain.UserIdentity{
		UserID:      m.a.UserID,
		Master:      master,
		SelfSigning: selfSigning,
		UserSigning: userSigning,
	}

	m.a.MasterPriv = &masterPriv
	m.a.SelfSigningPriv = &selfPriv
	m.a.UserSigningPriv = &userPriv
	m.a.Identity = &identity
	if err := m.save(); err != nil {
		return domain.UserIdentity{}, err
	}
	m.log.Info().Str("user", m.a.UserID.String()).Msg("account: cross-signing bootstrapped")
	return identity, nil
}

// Identity returns the published cross-signing key set, if bootstrapped.
func (m *Manager) Identity() (domain.UserIdentity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.a.Identity == nil {
		return domain.UserIdentity{}, false
	}
	return *m.a.Identity, true
}

// SignDevice signs a device's canonical keys with our self-signing key.
// Only our own devices may be signed this way.
func (m *Manager) SignDevice(d *domain.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.a.SelfSigningPriv == nil || m.a.Identity == nil {
		return errNoCrossSigning
	}
	if d.UserID != m.a.UserID {
		return errors.New("self-signing key only signs own devices")
	}
	sig, err := crypto.SignCanonical(*m.a.SelfSigningPriv, d.SignedKeys())
	if err != nil {
		return err
	}
	addSignature(&d.Signatures, m.a.UserID, keyIDFor(m.a.Identity.SelfSigning.Key), sig)
	return nil
}

// SignRemoteMaster signs another user's master key with our user-signing
// key, asserting trust in that user.
func (m *Manager) SignRemoteMaster(remote *domain.CrossSigningKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.a.UserSigningPriv == nil || m.a.Identity == nil {
		return errNoCrossSigning
	}
	if remote.Usage != domain.UsageMaster {
		return errors.New("user-signing key only signs master keys")
	}
	if remote.UserID == m.a.UserID {
		return errors.New("user-signing key never signs own keys")
	}
	sig, err := crypto.SignCanonical(*m.a.UserSigningPriv, remote.Signed())
	if err != nil {
		return err
	}
	addSignature(&remote.Signatures, m.a.UserID, keyIDFor(m.a.Identity.UserSigning.Key), sig)
	return nil
}

func keyIDFor(pub domain.Ed25519Public) domain.KeyID {
	return domain.KeyID("ed25519:" + crypto.Fingerprint(pub.Slice()))
}

func addSignature(sigs *map[domain.UserID]map[domain.KeyID][]byte, user domain.UserID, keyID domain.KeyID, sig []byte) {
	if *sigs == nil {
		*sigs = make(map[domain.UserID]map[domain.KeyID][]byte)
	}
	if (*sigs)[user] == nil {
		(*sigs)[user] = make(map[domain.KeyID][]byte)
	}
	(*sigs)[user][keyID] = sig
}
