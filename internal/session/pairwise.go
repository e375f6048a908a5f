package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"loomcrypt/internal/account"
	"loomcrypt/internal/domain"
	"loomcrypt/internal/protocol/ratchet"
	"loomcrypt/internal/protocol/x3dh"
	"loomcrypt/internal/store"
)

// pairwiseEntry is one arena slot: the session plus its mutation lock.
type pairwiseEntry struct {
	mu sync.Mutex
	s  domain.PairwiseSession
}

// PairwiseManager owns every double-ratchet session with remote devices.
type PairwiseManager struct {
	mu   sync.RWMutex
	st   *store.EncryptedStore
	acct *account.Manager
	log  zerolog.Logger

	sessions map[domain.SessionID]*pairwiseEntry
	// byPeer indexes session ids by the peer's identity curve key.
	byPeer map[domain.Curve25519Public][]domain.SessionID
}

// NewPairwiseManager loads existing sessions from the store.
func NewPairwiseManager(st *store.EncryptedStore, acct *account.Manager, log zerolog.Logger) (*PairwiseManager, error) {
	m := &PairwiseManager{
		st:       st,
		acct:     acct,
		log:      log,
		sessions: make(map[domain.SessionID]*pairwiseEntry),
		byPeer:   make(map[domain.Curve25519Public][]domain.SessionID),
	}
	err := st.Scan(store.PrefixPairwise, func(key string, pt []byte) error {
		var s domain.PairwiseSession
		if err := store.Unmarshal(pt, &s); err != nil {
			return err
		}
		m.sessions[s.ID] = &pairwiseEntry{s: s}
		m.byPeer[s.PeerCurveKey] = append(m.byPeer[s.PeerCurveKey], s.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load pairwise sessions: %w", err)
	}
	return m, nil
}

// Establish creates an outbound session with a remote device, consuming a
// one-time key the caller claimed from that device's server pool.
func (m *PairwiseManager) Establish(ctx context.Context, remote domain.Device, oneTime domain.OneTimeKeyPublic) (domain.SessionID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	root, eph, err := x3dh.InitiatorRoot(m.acct.CurvePriv(), remote.CurveKey, oneTime.Pub)
	if err != nil {
		return "", err
	}
	st, err := ratchet.InitAsInitiator(root, remote.CurveKey)
	if err != nil {
		return "", err
	}

	seq, err := m.acct.NextSessionSeq()
	if err != nil {
		return "", err
	}
	now := time.Now().UnixNano()
	s := domain.PairwiseSession{
		ID:           domain.SessionID(uuid.NewString()),
		PeerUserID:   remote.UserID,
		PeerDeviceID: remote.DeviceID,
		PeerCurveKey: remote.CurveKey,
		State:        st,
		CreatedAt:    now,
		LastUsedAt:   now,
		Seq:          seq,
		PendingPreKey: &domain.PreKeyMessage{
			SenderCurveKey: m.acct.CurveKey(),
			EphemeralKey:   eph,
			OneTimeKeyID:   oneTime.ID,
		},
	}
	if err := m.commit(s); err != nil {
		return "", err
	}
	m.log.Debug().
		Str("session", s.ID.String()).
		Str("peer", remote.UserID.String()+"/"+remote.DeviceID.String()).
		Msg("pairwise: outbound session established")
	return s.ID, nil
}

// EstablishInbound creates a session from a received pre-key message,
// consuming the local one-time key it references. The key is marked used
// before any ratchet state exists, so a crash can not resurrect it.
func (m *PairwiseManager) EstablishInbound(ctx context.Context, sender domain.Device, pm domain.PreKeyMessage, senderRatchetPub domain.Curve25519Public) (domain.SessionID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	pair, err := m.acct.ConsumeOneTimeKey(pm.OneTimeKeyID)
	if err != nil {
		return "", err
	}
	root, err := x3dh.ResponderRoot(m.acct.CurvePriv(), pair.Priv, pm.SenderCurveKey, pm.EphemeralKey)
	if err != nil {
		return "", err
	}
	st, err := ratchet.InitAsResponder(root, m.acct.CurvePriv(), senderRatchetPub)
	if err != nil {
		return "", err
	}

	seq, err := m.acct.NextSessionSeq()
	if err != nil {
		return "", err
	}
	now := time.Now().UnixNano()
	s := domain.PairwiseSession{
		ID:           domain.SessionID(uuid.NewString()),
		PeerUserID:   sender.UserID,
		PeerDeviceID: sender.DeviceID,
		PeerCurveKey: sender.CurveKey,
		State:        st,
		CreatedAt:    now,
		LastUsedAt:   now,
		Seq:          seq,
	}
	if err := m.commit(s); err != nil {
		return "", err
	}
	m.log.Debug().
		Str("session", s.ID.String()).
		Str("peer", sender.UserID.String()+"/"+sender.DeviceID.String()).
		Msg("pairwise: inbound session established")
	return s.ID, nil
}

// commit persists a new session and registers it in the arena.
func (m *PairwiseManager) commit(s domain.PairwiseSession) error {
	if err := m.st.Save(store.PairwiseKey(s.ID), s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = &pairwiseEntry{s: s}
	m.byPeer[s.PeerCurveKey] = append(m.byPeer[s.PeerCurveKey], s.ID)
	return nil
}

// Sessions returns the ids of every session with a peer, most recently
// used first; ties fall back to newest creation order.
func (m *PairwiseManager) Sessions(peer domain.Curve25519Public) []domain.SessionID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orderedLocked(peer)
}

func (m *PairwiseManager) orderedLocked(peer domain.Curve25519Public) []domain.SessionID {
	ids := append([]domain.SessionID(nil), m.byPeer[peer]...)
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := m.sessions[ids[i]].s, m.sessions[ids[j]].s
		if a.LastUsedAt != b.LastUsedAt {
			return a.LastUsedAt > b.LastUsedAt
		}
		return a.Seq > b.Seq
	})
	return ids
}

// Encrypt seals plaintext for a device using its most recently used
// session. The first message of a fresh session carries the pre-key
// payload until the peer has answered once.
func (m *PairwiseManager) Encrypt(ctx context.Context, remote domain.Device, plaintext []byte) (domain.PairwiseMessage, error) {
	if err := ctx.Err(); err != nil {
		return domain.PairwiseMessage{}, err
	}

	m.mu.RLock()
	ids := m.orderedLocked(remote.CurveKey)
	var entry *pairwiseEntry
	if len(ids) > 0 {
		entry = m.sessions[ids[0]]
	}
	m.mu.RUnlock()
	if entry == nil {
		return domain.PairwiseMessage{}, fmt.Errorf("%w: no session with %s/%s", domain.ErrUnknownSession, remote.UserID, remote.DeviceID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	// Step the ratchet on a copy; only a fully successful step is kept.
	st := entry.s.State.Clone()
	ad := messageAD(m.acct.CurveKey(), remote.CurveKey)
	header, ct, err := ratchet.Encrypt(&st, ad, plaintext)
	if err != nil {
		return domain.PairwiseMessage{}, err
	}

	entry.s.State = st
	entry.s.LastUsedAt = time.Now().UnixNano()
	msg := domain.PairwiseMessage{
		SessionID: entry.s.ID,
		Header:    header,
		Cipher:    ct,
		PreKey:    entry.s.PendingPreKey,
	}
	if err := m.st.Save(store.PairwiseKey(entry.s.ID), entry.s); err != nil {
		return domain.PairwiseMessage{}, err
	}
	return msg, nil
}

// Decrypt opens a message from a device. The most recently used session is
// tried first, then the remaining sessions oldest to newest; a pre-key
// payload establishes a fresh session when nothing matches. Sessions that
// fail to match are left exactly as they were.
func (m *PairwiseManager) Decrypt(ctx context.Context, sender domain.Device, msg domain.PairwiseMessage) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ad := messageAD(sender.CurveKey, m.acct.CurveKey())

	m.mu.RLock()
	ids := m.orderedLocked(sender.CurveKey)
	m.mu.RUnlock()

	// MRU first; the tail is retried oldest to newest. Built as a fresh
	// slice: appending into a slice of ids would clobber the tail before
	// it is read.
	ordered := make([]domain.SessionID, 0, len(ids))
	if len(ids) > 0 {
		ordered = append(ordered, ids[0])
	}
	for i := len(ids) - 1; i >= 1; i-- {
		ordered = append(ordered, ids[i])
	}

	for _, id := range ordered {
		m.mu.RLock()
		entry := m.sessions[id]
		m.mu.RUnlock()

		pt, err := m.tryDecrypt(entry, ad, msg)
		if err == nil {
			return pt, nil
		}
		if errors.Is(err, domain.ErrDecryptionFailed) {
			continue // session does not match, try the next
		}
		return nil, err
	}

	if msg.PreKey != nil {
		var ratchetPub domain.Curve25519Public
		copy(ratchetPub[:], msg.Header.DHPub)
		id, err := m.EstablishInbound(ctx, sender, *msg.PreKey, ratchetPub)
		if err != nil {
			return nil, err
		}
		m.mu.RLock()
		entry := m.sessions[id]
		m.mu.RUnlock()
		return m.tryDecrypt(entry, ad, msg)
	}
	return nil, fmt.Errorf("%w: %d sessions tried", domain.ErrUnknownSession, len(ordered))
}

// tryDecrypt attempts one atomic ratchet step on a session copy and
// commits it only on success.
func (m *PairwiseManager) tryDecrypt(entry *pairwiseEntry, ad []byte, msg domain.PairwiseMessage) ([]byte, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	st := entry.s.State.Clone()
	pt, err := ratchet.Decrypt(&st, ad, msg.Header, msg.Cipher)
	if err != nil {
		return nil, err
	}

	entry.s.State = st
	entry.s.LastUsedAt = time.Now().UnixNano()
	// The peer has the session now; stop echoing the pre-key payload.
	entry.s.PendingPreKey = nil
	if err := m.st.Save(store.PairwiseKey(entry.s.ID), entry.s); err != nil {
		return nil, err
	}
	return pt, nil
}

func messageAD(sender, receiver domain.Curve25519Public) []byte {
	out := make([]byte, 0, 64)
	out = append(out, sender[:]...)
	return append(out, receiver[:]...)
}
