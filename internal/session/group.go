package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"loomcrypt/internal/account"
	"loomcrypt/internal/crypto"
	"loomcrypt/internal/domain"
	"loomcrypt/internal/protocol/senderkey"
	"loomcrypt/internal/queue"
	"loomcrypt/internal/store"
)

// RotationPolicy bounds an outbound group session's lifetime. Whichever
// trigger fires first forces a rotation; a membership leave always does.
type RotationPolicy struct {
	Period   time.Duration
	Messages uint32
}

type outboundEntry struct {
	mu sync.Mutex
	s  domain.OutboundGroupSession
}

type inboundEntry struct {
	mu sync.Mutex
	s  domain.InboundGroupSession
}

// GroupManager owns the outbound (per room) and inbound (per room, per
// sender session) group ratchets, distributing session keys through the
// pairwise manager and the request queue.
type GroupManager struct {
	mu       sync.RWMutex
	st       *store.EncryptedStore
	acct     *account.Manager
	pairwise *PairwiseManager
	q        *queue.Queue
	log      zerolog.Logger
	policy   RotationPolicy

	outbound map[domain.RoomID]*outboundEntry
	inbound  map[string]*inboundEntry

	// requested tracks outstanding room-key requests by session key, so a
	// later import can queue the cancellation.
	requested map[string]string
}

// NewGroupManager loads group session state from the store.
func NewGroupManager(st *store.EncryptedStore, acct *account.Manager, pairwise *PairwiseManager, q *queue.Queue, policy RotationPolicy, log zerolog.Logger) (*GroupManager, error) {
	m := &GroupManager{
		st:        st,
		acct:      acct,
		pairwise:  pairwise,
		q:         q,
		log:       log,
		policy:    policy,
		outbound:  make(map[domain.RoomID]*outboundEntry),
		inbound:   make(map[string]*inboundEntry),
		requested: make(map[string]string),
	}
	err := st.Scan(store.PrefixGroupOut, func(key string, pt []byte) error {
		var s domain.OutboundGroupSession
		if err := store.Unmarshal(pt, &s); err != nil {
			return err
		}
		m.outbound[s.RoomID] = &outboundEntry{s: s}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load outbound group sessions: %w", err)
	}
	err = st.Scan(store.PrefixGroupIn, func(key string, pt []byte) error {
		var s domain.InboundGroupSession
		if err := store.Unmarshal(pt, &s); err != nil {
			return err
		}
		m.inbound[inboundKey(s.RoomID, s.SenderKey, s.ID)] = &inboundEntry{s: s}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load inbound group sessions: %w", err)
	}
	return m, nil
}

func inboundKey(room domain.RoomID, sender domain.Curve25519Public, id domain.SessionID) string {
	return fmt.Sprintf("%s/%x/%s", room, sender[:], id)
}

// --- outbound ---

// CreateOrRotate ensures the room has a usable outbound session, rotating
// it when a policy trigger has fired, and queues the key for every
// recipient device that has not received it. Devices without a pairwise
// session are returned so the caller can claim one-time keys for them.
func (m *GroupManager) CreateOrRotate(ctx context.Context, room domain.RoomID, recipients []domain.Device) (domain.SessionID, []domain.Device, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	entry, err := m.ensureOutbound(room, false)
	if err != nil {
		return "", nil, err
	}
	missing, err := m.shareRoomKey(ctx, entry, recipients)
	if err != nil {
		return "", nil, err
	}
	entry.mu.Lock()
	id := entry.s.ID
	entry.mu.Unlock()
	return id, missing, nil
}

// ensureOutbound returns the room's outbound entry, rotating (or creating)
// the session when needed.
func (m *GroupManager) ensureOutbound(room domain.RoomID, force bool) (*outboundEntry, error) {
	m.mu.Lock()
	entry, ok := m.outbound[room]
	if !ok {
		entry = &outboundEntry{}
		m.outbound[room] = entry
	}
	m.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.s.ID != "" && !force && !m.rotationDue(entry.s) {
		return entry, nil
	}
	if err := m.rotateLocked(entry, room); err != nil {
		return nil, err
	}
	return entry, nil
}

func (m *GroupManager) rotationDue(s domain.OutboundGroupSession) bool {
	if m.policy.Messages > 0 && s.Ratchet.Index >= m.policy.Messages {
		return true
	}
	if m.policy.Period > 0 && time.Since(time.Unix(0, s.CreatedAt)) >= m.policy.Period {
		return true
	}
	return false
}

// rotateLocked replaces the entry's session with a fresh one. The new id
// is guaranteed distinct from every id the room has used. The matching
// inbound session for our own sender key is installed in the same
// transaction so we can decrypt and export our own messages.
func (m *GroupManager) rotateLocked(entry *outboundEntry, room domain.RoomID) error {
	chain, err := senderkey.NewChain()
	if err != nil {
		return err
	}
	signPriv, signPub, err := crypto.GenerateEd25519()
	if err != nil {
		return err
	}

	prior := entry.s.PriorIDs
	if entry.s.ID != "" {
		prior = append(prior, entry.s.ID)
	}
	used := make(map[domain.SessionID]bool, len(prior))
	for _, id := range prior {
		used[id] = true
	}
	id := domain.SessionID(uuid.NewString())
	for used[id] {
		id = domain.SessionID(uuid.NewString())
	}

	next := domain.OutboundGroupSession{
		RoomID:     room,
		ID:         id,
		Ratchet:    chain,
		SignPriv:   signPriv,
		SignPub:    signPub,
		CreatedAt:  time.Now().UnixNano(),
		SharedWith: make(map[domain.UserID]map[domain.DeviceID]uint32),
		PriorIDs:   prior,
	}
	own := domain.InboundGroupSession{
		RoomID:    room,
		SenderKey: m.acct.CurveKey(),
		ID:        id,
		Ratchet:   chain,
		SignPub:   signPub,
		Decrypted: make(map[uint32][32]byte),
	}

	err = m.st.Update(func(tx *store.Tx) error {
		if err := tx.Save(store.GroupOutKey(room), next); err != nil {
			return err
		}
		return tx.Save(store.GroupInKey(room, own.SenderKey, id), own)
	})
	if err != nil {
		return err
	}

	entry.s = next
	m.mu.Lock()
	m.inbound[inboundKey(room, own.SenderKey, id)] = &inboundEntry{s: own}
	m.mu.Unlock()

	m.log.Info().Str("room", room.String()).Str("session", id.String()).Msg("group: outbound session rotated")
	return nil
}

// shareRoomKey queues the current session key for each device that has
// not yet received it. The key travels pairwise-encrypted; at most one
// share per device per session.
func (m *GroupManager) shareRoomKey(ctx context.Context, entry *outboundEntry, recipients []domain.Device) ([]domain.Device, error) {
	entry.mu.Lock()
	content := domain.RoomKeyContent{
		Algorithm:  domain.SenderKeyAlgorithm,
		RoomID:     entry.s.RoomID,
		SessionID:  entry.s.ID,
		SignPub:    entry.s.SignPub,
		ChainKey:   entry.s.Ratchet.ChainKey,
		ChainIndex: entry.s.Ratchet.Index,
	}
	entry.mu.Unlock()

	var missing []domain.Device
	for _, d := range recipients {
		if d.UserID == m.acct.UserID() && d.DeviceID == m.acct.DeviceID() {
			continue // own device decrypts via its inbound copy
		}
		entry.mu.Lock()
		_, shared := entry.s.SharedWith[d.UserID][d.DeviceID]
		entry.mu.Unlock()
		if shared {
			continue
		}

		plaintext, err := cbor.Marshal(content)
		if err != nil {
			return nil, err
		}
		msg, err := m.pairwise.Encrypt(ctx, d, plaintext)
		if err != nil {
			if errors.Is(err, domain.ErrUnknownSession) {
				missing = append(missing, d)
				continue
			}
			return nil, err
		}
		wire, err := cbor.Marshal(msg)
		if err != nil {
			return nil, err
		}
		queued, err := m.q.EnqueueRoomKeyShare(content.SessionID, d.UserID, d.DeviceID, wire)
		if err != nil {
			return nil, err
		}
		if !queued {
			continue
		}

		entry.mu.Lock()
		if entry.s.SharedWith[d.UserID] == nil {
			entry.s.SharedWith[d.UserID] = make(map[domain.DeviceID]uint32)
		}
		entry.s.SharedWith[d.UserID][d.DeviceID] = content.ChainIndex
		err = m.st.Save(store.GroupOutKey(entry.s.RoomID), entry.s)
		entry.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return missing, nil
}

// EncryptRoom seals plaintext for the room, advancing the ratchet and
// message index by one. A fired rotation trigger rotates first; the fresh
// session has an empty shared-with set, which forces a new share round.
func (m *GroupManager) EncryptRoom(ctx context.Context, room domain.RoomID, plaintext []byte) (domain.GroupMessage, error) {
	if err := ctx.Err(); err != nil {
		return domain.GroupMessage{}, err
	}

	entry, err := m.ensureOutbound(room, false)
	if err != nil {
		return domain.GroupMessage{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	st := entry.s.Ratchet
	msg, err := senderkey.Seal(&st, entry.s.SignPriv, entry.s.ID, []byte(room), plaintext)
	if err != nil {
		return domain.GroupMessage{}, err
	}
	entry.s.Ratchet = st
	// Ratchet advance and index are committed together; the index can
	// never be observed reused after a crash.
	if err := m.st.Save(store.GroupOutKey(room), entry.s); err != nil {
		return domain.GroupMessage{}, err
	}
	return msg, nil
}

// MembershipChange reacts to a room membership update. A leave always
// forces rotation so departed devices never see another message key.
func (m *GroupManager) MembershipChange(ctx context.Context, room domain.RoomID, left []domain.UserID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(left) == 0 {
		return nil
	}
	m.mu.RLock()
	_, ok := m.outbound[room]
	m.mu.RUnlock()
	if !ok {
		return nil // no session to protect
	}
	_, err := m.ensureOutbound(room, true)
	return err
}
