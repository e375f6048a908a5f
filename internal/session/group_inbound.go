package session

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"loomcrypt/internal/domain"
	"loomcrypt/internal/protocol/senderkey"
	"loomcrypt/internal/store"
)

// ImportRoomKeyEvent installs an inbound session from a decrypted room-key
// share. Importing the same key twice is a no-op; an outstanding key
// request for the session is cancelled.
func (m *GroupManager) ImportRoomKeyEvent(ctx context.Context, sender domain.Curve25519Public, content domain.RoomKeyContent) error {
	return m.importInbound(ctx, domain.RoomKeyExport{
		Algorithm:  content.Algorithm,
		RoomID:     content.RoomID,
		SenderKey:  sender,
		SessionID:  content.SessionID,
		SignPub:    content.SignPub,
		ChainKey:   content.ChainKey,
		ChainIndex: content.ChainIndex,
	})
}

// ImportForwardedRoomKey installs a session relayed by another device,
// recording the forwarder in the key's forwarding chain.
func (m *GroupManager) ImportForwardedRoomKey(ctx context.Context, forwarder domain.Curve25519Public, export domain.RoomKeyExport) error {
	export.Forwarders = append(append([]domain.Curve25519Public(nil), export.Forwarders...), forwarder)
	return m.importInbound(ctx, export)
}

// ImportRoomKey installs one exported room key.
func (m *GroupManager) ImportRoomKey(ctx context.Context, export domain.RoomKeyExport) error {
	return m.importInbound(ctx, export)
}

// ImportRoomKeys installs a batch, committing item by item so an
// interrupted run can be retried from scratch without effect on the items
// already durable. It returns how many records are now installed.
func (m *GroupManager) ImportRoomKeys(ctx context.Context, exports []domain.RoomKeyExport) (int, error) {
	done := 0
	for _, e := range exports {
		if err := m.importInbound(ctx, e); err != nil {
			return done, fmt.Errorf("import %s: %w", e.SessionID, err)
		}
		done++
	}
	return done, nil
}

func (m *GroupManager) importInbound(ctx context.Context, export domain.RoomKeyExport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if export.Algorithm != domain.SenderKeyAlgorithm {
		return fmt.Errorf("unsupported room key algorithm %q", export.Algorithm)
	}

	key := inboundKey(export.RoomID, export.SenderKey, export.SessionID)
	m.mu.Lock()
	entry, ok := m.inbound[key]
	if !ok {
		entry = &inboundEntry{}
		m.inbound[key] = entry
	}
	m.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.s.ID != "" {
		// Already installed. A strictly earlier export extends how far
		// back the session reaches; anything else leaves it untouched.
		if export.ChainIndex >= entry.s.Ratchet.Index {
			return nil
		}
		entry.s.Ratchet = domain.SenderKeyState{ChainKey: export.ChainKey, Index: export.ChainIndex}
	} else {
		entry.s = domain.InboundGroupSession{
			RoomID:     export.RoomID,
			SenderKey:  export.SenderKey,
			ID:         export.SessionID,
			Ratchet:    domain.SenderKeyState{ChainKey: export.ChainKey, Index: export.ChainIndex},
			SignPub:    export.SignPub,
			Forwarders: export.Forwarders,
			Decrypted:  make(map[uint32][32]byte),
		}
	}
	if err := m.st.Save(store.GroupInKey(export.RoomID, export.SenderKey, export.SessionID), entry.s); err != nil {
		return err
	}
	m.cancelKeyRequest(key)
	m.log.Debug().
		Str("room", export.RoomID.String()).
		Str("session", export.SessionID.String()).
		Uint32("index", export.ChainIndex).
		Msg("group: inbound session imported")
	return nil
}

// DecryptRoom opens a group message. Replays are rejected: an index seen
// before with different ciphertext content is ErrReplayedMessage, while an
// identical resend decrypts to the same plaintext. An unknown session
// queues a key re-request and leaves the message for the caller to retry.
func (m *GroupManager) DecryptRoom(ctx context.Context, room domain.RoomID, sender domain.Curve25519Public, msg domain.GroupMessage) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	entry, ok := m.inbound[inboundKey(room, sender, msg.SessionID)]
	m.mu.RUnlock()
	if !ok {
		if err := m.requestKey(room, sender, msg.SessionID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: group session %s", domain.ErrUnknownSession, msg.SessionID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	// The session body is mutated under the entry lock, so it is only
	// inspected here. An empty ID means an import raced us and has not
	// landed yet.
	if entry.s.ID == "" {
		if err := m.requestKey(room, sender, msg.SessionID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: group session %s", domain.ErrUnknownSession, msg.SessionID)
	}

	digest := sha256.Sum256(msg.Cipher)
	if prev, seen := entry.s.Decrypted[msg.Index]; seen && prev != digest {
		m.log.Warn().
			Str("room", room.String()).
			Str("session", msg.SessionID.String()).
			Uint32("index", msg.Index).
			Msg("group: replayed index with mismatched content")
		return nil, fmt.Errorf("%w: index %d", domain.ErrReplayedMessage, msg.Index)
	}

	pt, err := senderkey.OpenAt(entry.s.Ratchet, entry.s.SignPub, []byte(room), msg)
	if err != nil {
		return nil, err
	}

	// Record the accepted index before the plaintext is surfaced, in the
	// same durable step as any future ratchet observation of it.
	entry.s.Decrypted[msg.Index] = digest
	if err := m.st.Save(store.GroupInKey(room, sender, msg.SessionID), entry.s); err != nil {
		return nil, err
	}
	return pt, nil
}

// ExportRoomKeys exports every inbound session of a room at its earliest
// known index.
func (m *GroupManager) ExportRoomKeys(ctx context.Context, room domain.RoomID) ([]domain.RoomKeyExport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []domain.RoomKeyExport
	err := m.st.Scan(store.GroupInRoomPrefix(room), func(key string, pt []byte) error {
		var s domain.InboundGroupSession
		if err := store.Unmarshal(pt, &s); err != nil {
			return err
		}
		out = append(out, domain.RoomKeyExport{
			Algorithm:  domain.SenderKeyAlgorithm,
			RoomID:     s.RoomID,
			SenderKey:  s.SenderKey,
			SessionID:  s.ID,
			SignPub:    s.SignPub,
			ChainKey:   s.Ratchet.ChainKey,
			ChainIndex: s.Ratchet.Index,
			Forwarders: s.Forwarders,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ForgetRoomKey drops one inbound session at the caller's request.
func (m *GroupManager) ForgetRoomKey(room domain.RoomID, sender domain.Curve25519Public, id domain.SessionID) error {
	key := inboundKey(room, sender, id)
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.st.Delete(store.GroupInKey(room, sender, id)); err != nil {
		return err
	}
	delete(m.inbound, key)
	return nil
}

// requestKey queues a room-key request to our own other devices. At most
// one outstanding request per session.
func (m *GroupManager) requestKey(room domain.RoomID, sender domain.Curve25519Public, id domain.SessionID) error {
	key := inboundKey(room, sender, id)
	m.mu.Lock()
	if _, pending := m.requested[key]; pending {
		m.mu.Unlock()
		return nil
	}
	requestID := uuid.NewString()
	m.requested[key] = requestID
	m.mu.Unlock()

	content, err := cbor.Marshal(domain.RoomKeyRequestContent{
		RequestID: requestID,
		RoomID:    room,
		SenderKey: sender,
		SessionID: id,
	})
	if err != nil {
		return err
	}
	return m.q.EnqueueKeyRequest(m.acct.UserID(), domain.DeviceID("*"), content, false)
}

// cancelKeyRequest queues the cancellation for a now-satisfied request.
func (m *GroupManager) cancelKeyRequest(key string) {
	m.mu.Lock()
	requestID, pending := m.requested[key]
	if pending {
		delete(m.requested, key)
	}
	m.mu.Unlock()
	if !pending {
		return
	}

	content, err := cbor.Marshal(domain.RoomKeyRequestContent{RequestID: requestID, Cancel: true})
	if err != nil {
		return
	}
	if err := m.q.EnqueueKeyRequest(m.acct.UserID(), domain.DeviceID("*"), content, true); err != nil {
		m.log.Warn().Err(err).Msg("group: queueing key request cancellation failed")
	}
}
