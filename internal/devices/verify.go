package devices

import (
	"fmt"

	"loomcrypt/internal/crypto"
	"loomcrypt/internal/domain"
)

// Verifier derives device trust from the cross-signing signature graph.
//
// The relation "key A signed object B" is walked as an explicit graph of
// key records: pinned local master, then (for remote users) user-signing
// key to remote master, then self-signing key to the device keys. Every
// link verifies over the canonical encoding and the walk fails closed on
// the first broken link. Each key adopted into the chain is recorded; a
// key appearing twice means the graph has a cycle, which is a rejection —
// the only valid shape is a tree rooted at each user's master key.
type Verifier struct {
	localUser   domain.UserID
	localMaster domain.Ed25519Public
	store       *Store
}

// NewVerifier pins the local user's trusted master key as the root of all
// derived trust.
func NewVerifier(localUser domain.UserID, trustedMaster domain.Ed25519Public, store *Store) *Verifier {
	return &Verifier{localUser: localUser, localMaster: trustedMaster, store: store}
}

// IsVerified reports whether a device is trusted. An explicit local
// decision wins: Verified short-circuits true; Blacklisted and Ignored
// suppress derived trust entirely. With no explicit decision, trust is
// derived from the signature chain.
func (v *Verifier) IsVerified(d domain.Device) bool {
	switch d.LocalTrust {
	case domain.TrustVerified:
		return true
	case domain.TrustBlacklisted, domain.TrustIgnored:
		return false
	}
	return v.DeriveTrust(d) == nil
}

// chain tracks the keys adopted along one verification walk.
type chain struct {
	adopted map[domain.Ed25519Public]bool
}

// adopt adds a key to the chain, rejecting repeats (cycles).
func (c *chain) adopt(key domain.Ed25519Public) error {
	if c.adopted[key] {
		return fmt.Errorf("%w: cycle in signing graph", domain.ErrSignatureVerificationFailed)
	}
	c.adopted[key] = true
	return nil
}

// DeriveTrust walks the signature chain from the pinned local master key
// to the device keys. A nil return means an unbroken, correctly verified
// chain exists.
func (v *Verifier) DeriveTrust(d domain.Device) error {
	c := &chain{adopted: make(map[domain.Ed25519Public]bool)}

	master, err := v.trustedMasterFor(d.UserID, c)
	if err != nil {
		return err
	}

	identity, ok := v.store.Identity(d.UserID)
	if !ok || identity.SelfSigning == nil {
		return fmt.Errorf("%w: no self-signing key for %s", domain.ErrSignatureVerificationFailed, d.UserID)
	}
	selfSigning := *identity.SelfSigning
	if selfSigning.Usage != domain.UsageSelfSigning {
		return domain.ErrSignatureVerificationFailed
	}
	if err := verifySignedBy(master, selfSigning.UserID, selfSigning.Signed(), selfSigning.Signatures); err != nil {
		return err
	}
	if err := c.adopt(selfSigning.Key); err != nil {
		return err
	}

	if err := verifySignedBy(selfSigning.Key, d.UserID, d.SignedKeys(), d.Signatures); err != nil {
		return err
	}
	return c.adopt(d.EdKey)
}

// trustedMasterFor resolves the master key of the device's owner. For the
// local user that is the pinned key itself; for a remote user the remote
// master must carry a valid signature by our user-signing key, which in
// turn must be signed by the pinned master.
func (v *Verifier) trustedMasterFor(user domain.UserID, c *chain) (domain.Ed25519Public, error) {
	var zero domain.Ed25519Public

	identity, ok := v.store.Identity(user)
	if !ok || identity.Master == nil {
		return zero, fmt.Errorf("%w: no master key for %s", domain.ErrSignatureVerificationFailed, user)
	}
	master := *identity.Master
	if master.Usage != domain.UsageMaster {
		return zero, domain.ErrSignatureVerificationFailed
	}

	if user == v.localUser {
		if master.Key != v.localMaster {
			return zero, fmt.Errorf("%w: master key does not match pinned key", domain.ErrSignatureVerificationFailed)
		}
		if err := c.adopt(master.Key); err != nil {
			return zero, err
		}
		return master.Key, nil
	}

	localIdentity, ok := v.store.Identity(v.localUser)
	if !ok || localIdentity.Master == nil || localIdentity.UserSigning == nil {
		return zero, fmt.Errorf("%w: local cross-signing keys missing", domain.ErrSignatureVerificationFailed)
	}
	if localIdentity.Master.Key != v.localMaster {
		return zero, fmt.Errorf("%w: master key does not match pinned key", domain.ErrSignatureVerificationFailed)
	}
	if err := c.adopt(v.localMaster); err != nil {
		return zero, err
	}

	userSigning := *localIdentity.UserSigning
	if userSigning.Usage != domain.UsageUserSigning {
		return zero, domain.ErrSignatureVerificationFailed
	}
	if err := verifySignedBy(v.localMaster, v.localUser, userSigning.Signed(), userSigning.Signatures); err != nil {
		return zero, err
	}
	if err := c.adopt(userSigning.Key); err != nil {
		return zero, err
	}

	if err := verifySignedBy(userSigning.Key, v.localUser, master.Signed(), master.Signatures); err != nil {
		return zero, err
	}
	if err := c.adopt(master.Key); err != nil {
		return zero, err
	}
	return master.Key, nil
}

// verifySignedBy checks that signer produced a valid signature over the
// canonical encoding of obj. A missing or malformed signature rejects the
// whole object; there is no partial trust.
func verifySignedBy(signer domain.Ed25519Public, signerUser domain.UserID, obj any, sigs map[domain.UserID]map[domain.KeyID][]byte) error {
	keyID := domain.KeyID("ed25519:" + crypto.Fingerprint(signer.Slice()))
	sig, ok := sigs[signerUser][keyID]
	if !ok {
		return fmt.Errorf("%w: no signature by %s", domain.ErrSignatureVerificationFailed, keyID)
	}
	return crypto.VerifyCanonical(signer, obj, sig)
}
