package queue

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"loomcrypt/internal/domain"
	"loomcrypt/internal/store"
)

// queuedPayload is one pending payload plus the group session it shares,
// if it is a room-key share (used for delivery suppression).
type queuedPayload struct {
	Payload      domain.ToDevicePayload `cbor:"payload"`
	ShareSession domain.SessionID       `cbor:"share_session,omitempty"`
}

// state is the persisted queue snapshot.
type state struct {
	Pending []queuedPayload `cbor:"pending"`
	// Batches holds formed, unacknowledged requests keyed by token.
	Batches map[string]batch `cbor:"batches"`
	Order   []string         `cbor:"order"`
	// Delivered records (session, user, device) room-key shares already
	// acknowledged, to suppress duplicate shares within a session.
	Delivered map[string]bool `cbor:"delivered"`
}

type batch struct {
	Request  domain.OutgoingRequest `cbor:"request"`
	Sessions []sessionShare         `cbor:"sessions,omitempty"`
}

type sessionShare struct {
	Session  domain.SessionID `cbor:"session"`
	UserID   domain.UserID    `cbor:"user_id"`
	DeviceID domain.DeviceID  `cbor:"device_id"`
}

// Queue is the outgoing to-device request queue.
type Queue struct {
	mu            sync.Mutex
	st            *store.EncryptedStore
	log           zerolog.Logger
	maxRecipients int
	s             state
}

// New loads (or initialises) the queue. maxRecipients bounds how many
// payloads one outgoing request may carry.
func New(st *store.EncryptedStore, log zerolog.Logger, maxRecipients int) (*Queue, error) {
	if maxRecipients <= 0 {
		return nil, fmt.Errorf("queue: maxRecipients must be positive, got %d", maxRecipients)
	}
	q := &Queue{st: st, log: log, maxRecipients: maxRecipients}
	ok, err := st.Load(store.KeyQueueState, &q.s)
	if err != nil {
		return nil, err
	}
	if !ok {
		q.s = state{}
	}
	if q.s.Batches == nil {
		q.s.Batches = make(map[string]batch)
	}
	if q.s.Delivered == nil {
		q.s.Delivered = make(map[string]bool)
	}
	return q, nil
}

func (q *Queue) save() error {
	return q.st.Save(store.KeyQueueState, q.s)
}

func deliveredKey(session domain.SessionID, user domain.UserID, device domain.DeviceID) string {
	return fmt.Sprintf("%s|%s|%s", session, user, device)
}

// EnqueueRoomKeyShare queues a pairwise-encrypted room-key event for one
// device. A device already confirmed as holding this session is skipped;
// the return reports whether the payload was queued.
func (q *Queue) EnqueueRoomKeyShare(session domain.SessionID, user domain.UserID, device domain.DeviceID, content []byte) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.s.Delivered[deliveredKey(session, user, device)] {
		q.log.Debug().
			Str("session", session.String()).
			Str("user", user.String()).
			Str("device", device.String()).
			Msg("queue: share suppressed, already delivered")
		return false, nil
	}
	q.s.Pending = append(q.s.Pending, queuedPayload{
		Payload: domain.ToDevicePayload{
			Type:     domain.EventEncrypted,
			UserID:   user,
			DeviceID: device,
			Content:  content,
		},
		ShareSession: session,
	})
	return true, q.save()
}

// EnqueueKeyRequest queues a plaintext room-key request (or cancellation)
// for one device.
func (q *Queue) EnqueueKeyRequest(user domain.UserID, device domain.DeviceID, content []byte, cancel bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	typ := domain.EventRoomKeyRequest
	if cancel {
		typ = domain.EventRoomKeyRequestCancel
	}
	q.s.Pending = append(q.s.Pending, queuedPayload{
		Payload: domain.ToDevicePayload{Type: typ, UserID: user, DeviceID: device, Content: content},
	})
	return q.save()
}

// EnqueueVerification queues a verification-step payload for one device.
func (q *Queue) EnqueueVerification(user domain.UserID, device domain.DeviceID, content []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.s.Pending = append(q.s.Pending, queuedPayload{
		Payload: domain.ToDevicePayload{Type: domain.EventVerification, UserID: user, DeviceID: device, Content: content},
	})
	return q.save()
}

// OutgoingRequests forms pending payloads into batches and returns every
// unacknowledged request, oldest first. Calling it again before MarkSent
// returns the same batches with the same tokens.
func (q *Queue) OutgoingRequests() ([]domain.OutgoingRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.s.Pending) > 0 {
		n := len(q.s.Pending)
		if n > q.maxRecipients {
			n = q.maxRecipients
		}
		chunk := q.s.Pending[:n]
		q.s.Pending = q.s.Pending[n:]

		b := batch{Request: domain.OutgoingRequest{Token: uuid.NewString()}}
		for _, item := range chunk {
			b.Request.Payloads = append(b.Request.Payloads, item.Payload)
			if item.ShareSession != "" {
				b.Sessions = append(b.Sessions, sessionShare{
					Session:  item.ShareSession,
					UserID:   item.Payload.UserID,
					DeviceID: item.Payload.DeviceID,
				})
			}
		}
		q.s.Batches[b.Request.Token] = b
		q.s.Order = append(q.s.Order, b.Request.Token)
	}
	if err := q.save(); err != nil {
		return nil, err
	}

	out := make([]domain.OutgoingRequest, 0, len(q.s.Order))
	for _, token := range q.s.Order {
		if b, ok := q.s.Batches[token]; ok {
			out = append(out, b.Request)
		}
	}
	return out, nil
}

// MarkSent acknowledges a delivered batch. Room-key shares in the batch
// are recorded so the same session is not shared to those devices again.
// Unknown or repeated tokens are no-ops.
func (q *Queue) MarkSent(token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, ok := q.s.Batches[token]
	if !ok {
		return nil
	}
	for _, sh := range b.Sessions {
		q.s.Delivered[deliveredKey(sh.Session, sh.UserID, sh.DeviceID)] = true
	}
	delete(q.s.Batches, token)
	for i, t := range q.s.Order {
		if t == token {
			q.s.Order = append(q.s.Order[:i], q.s.Order[i+1:]...)
			break
		}
	}
	return q.save()
}

// Delivered reports whether a room-key share to the device was confirmed.
func (q *Queue) Delivered(session domain.SessionID, user domain.UserID, device domain.DeviceID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.s.Delivered[deliveredKey(session, user, device)]
}
