package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"loomcrypt/internal/domain"
	"loomcrypt/internal/session"
)

// deliverRoomKeys drains from's queue and feeds every room-key share
// addressed to to into to's engine, acknowledging the batches.
func deliverRoomKeys(t *testing.T, from, to *party) int {
	t.Helper()
	ctx := context.Background()

	reqs, err := from.q.OutgoingRequests()
	require.NoError(t, err)

	delivered := 0
	for _, req := range reqs {
		for _, p := range req.Payloads {
			if p.Type != domain.EventEncrypted || p.UserID != to.acct.UserID() || p.DeviceID != to.acct.DeviceID() {
				continue
			}
			var msg domain.PairwiseMessage
			require.NoError(t, cbor.Unmarshal(p.Content, &msg))
			pt, err := to.pw.Decrypt(ctx, from.dev, msg)
			require.NoError(t, err)
			var content domain.RoomKeyContent
			require.NoError(t, cbor.Unmarshal(pt, &content))
			require.NoError(t, to.grp.ImportRoomKeyEvent(ctx, from.acct.CurveKey(), content))
			delivered++
		}
		require.NoError(t, from.q.MarkSent(req.Token))
	}
	return delivered
}

func TestGroup_ShareEncryptDecrypt(t *testing.T) {
	ctx := context.Background()
	room := domain.RoomID("!den:example.org")
	alice := newParty(t, "@alice:example.org", "DESKTOP", session.RotationPolicy{})
	bob := newParty(t, "@bob:example.org", "PHONE", session.RotationPolicy{})
	connect(t, alice, bob)

	id, missing, err := alice.grp.CreateOrRotate(ctx, room, []domain.Device{alice.dev, bob.dev})
	require.NoError(t, err)
	require.Empty(t, missing)
	require.NotEmpty(t, id)
	require.Equal(t, 1, deliverRoomKeys(t, alice, bob))

	msg, err := alice.grp.EncryptRoom(ctx, room, []byte("hello room"))
	require.NoError(t, err)
	require.Equal(t, id, msg.SessionID)

	pt, err := bob.grp.DecryptRoom(ctx, room, alice.acct.CurveKey(), msg)
	require.NoError(t, err)
	require.Equal(t, []byte("hello room"), pt)

	// The sender decrypts its own messages through its inbound copy.
	pt, err = alice.grp.DecryptRoom(ctx, room, alice.acct.CurveKey(), msg)
	require.NoError(t, err)
	require.Equal(t, []byte("hello room"), pt)
}

func TestGroup_MissingPairwiseSessionReported(t *testing.T) {
	ctx := context.Background()
	room := domain.RoomID("!den:example.org")
	alice := newParty(t, "@alice:example.org", "DESKTOP", session.RotationPolicy{})
	bob := newParty(t, "@bob:example.org", "PHONE", session.RotationPolicy{})

	_, missing, err := alice.grp.CreateOrRotate(ctx, room, []domain.Device{bob.dev})
	require.NoError(t, err)
	require.Len(t, missing, 1)
	require.Equal(t, bob.dev.DeviceID, missing[0].DeviceID)

	// After a pairwise session exists, a retry shares successfully.
	connect(t, alice, bob)
	_, missing, err = alice.grp.CreateOrRotate(ctx, room, []domain.Device{bob.dev})
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestGroup_ShareOncePerDevice(t *testing.T) {
	ctx := context.Background()
	room := domain.RoomID("!den:example.org")
	alice := newParty(t, "@alice:example.org", "DESKTOP", session.RotationPolicy{})
	bob := newParty(t, "@bob:example.org", "PHONE", session.RotationPolicy{})
	connect(t, alice, bob)

	_, _, err := alice.grp.CreateOrRotate(ctx, room, []domain.Device{bob.dev})
	require.NoError(t, err)
	require.Equal(t, 1, deliverRoomKeys(t, alice, bob))

	// Same session, same device: nothing new goes out.
	_, _, err = alice.grp.CreateOrRotate(ctx, room, []domain.Device{bob.dev})
	require.NoError(t, err)
	require.Equal(t, 0, deliverRoomKeys(t, alice, bob))
}

func TestGroup_RotationByMessageCount(t *testing.T) {
	ctx := context.Background()
	room := domain.RoomID("!den:example.org")
	alice := newParty(t, "@alice:example.org", "DESKTOP", session.RotationPolicy{Messages: 2})

	m0, err := alice.grp.EncryptRoom(ctx, room, []byte("0"))
	require.NoError(t, err)
	m1, err := alice.grp.EncryptRoom(ctx, room, []byte("1"))
	require.NoError(t, err)
	require.Equal(t, m0.SessionID, m1.SessionID)
	require.Equal(t, uint32(0), m0.Index)
	require.Equal(t, uint32(1), m1.Index)

	// The third message crosses the limit and lands on a fresh session.
	m2, err := alice.grp.EncryptRoom(ctx, room, []byte("2"))
	require.NoError(t, err)
	require.NotEqual(t, m0.SessionID, m2.SessionID)
	require.Equal(t, uint32(0), m2.Index)
}

func TestGroup_RotationByAge(t *testing.T) {
	ctx := context.Background()
	room := domain.RoomID("!den:example.org")
	alice := newParty(t, "@alice:example.org", "DESKTOP", session.RotationPolicy{Period: 10 * time.Millisecond})

	m0, err := alice.grp.EncryptRoom(ctx, room, []byte("0"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	m1, err := alice.grp.EncryptRoom(ctx, room, []byte("1"))
	require.NoError(t, err)
	require.NotEqual(t, m0.SessionID, m1.SessionID)
}

func TestGroup_MembershipLeaveForcesRotation(t *testing.T) {
	ctx := context.Background()
	room := domain.RoomID("!den:example.org")
	alice := newParty(t, "@alice:example.org", "DESKTOP", session.RotationPolicy{})

	m0, err := alice.grp.EncryptRoom(ctx, room, []byte("before"))
	require.NoError(t, err)

	require.NoError(t, alice.grp.MembershipChange(ctx, room, []domain.UserID{"@bob:example.org"}))
	m1, err := alice.grp.EncryptRoom(ctx, room, []byte("after"))
	require.NoError(t, err)
	require.NotEqual(t, m0.SessionID, m1.SessionID)

	// A join-only update rotates nothing.
	require.NoError(t, alice.grp.MembershipChange(ctx, room, nil))
	m2, err := alice.grp.EncryptRoom(ctx, room, []byte("later"))
	require.NoError(t, err)
	require.Equal(t, m1.SessionID, m2.SessionID)

	// Every rotation the room has ever seen yields a distinct id.
	seen := map[domain.SessionID]bool{m0.SessionID: true, m1.SessionID: true}
	for i := 0; i < 5; i++ {
		require.NoError(t, alice.grp.MembershipChange(ctx, room, []domain.UserID{"@eve:example.org"}))
		m, err := alice.grp.EncryptRoom(ctx, room, []byte("x"))
		require.NoError(t, err)
		require.False(t, seen[m.SessionID])
		seen[m.SessionID] = true
	}
}

func TestGroup_ReplayDetection(t *testing.T) {
	ctx := context.Background()
	room := domain.RoomID("!den:example.org")
	alice := newParty(t, "@alice:example.org", "DESKTOP", session.RotationPolicy{})
	bob := newParty(t, "@bob:example.org", "PHONE", session.RotationPolicy{})
	connect(t, alice, bob)

	_, _, err := alice.grp.CreateOrRotate(ctx, room, []domain.Device{bob.dev})
	require.NoError(t, err)
	deliverRoomKeys(t, alice, bob)

	msg, err := alice.grp.EncryptRoom(ctx, room, []byte("once"))
	require.NoError(t, err)

	pt, err := bob.grp.DecryptRoom(ctx, room, alice.acct.CurveKey(), msg)
	require.NoError(t, err)
	require.Equal(t, []byte("once"), pt)

	// An identical resend is idempotent.
	pt, err = bob.grp.DecryptRoom(ctx, room, alice.acct.CurveKey(), msg)
	require.NoError(t, err)
	require.Equal(t, []byte("once"), pt)

	// Different content at an already-accepted index is a replay.
	forged := msg
	forged.Cipher = append([]byte(nil), msg.Cipher...)
	forged.Cipher[0] ^= 0xff
	_, err = bob.grp.DecryptRoom(ctx, room, alice.acct.CurveKey(), forged)
	require.ErrorIs(t, err, domain.ErrReplayedMessage)
}

func TestGroup_UnknownSessionQueuesKeyRequest(t *testing.T) {
	ctx := context.Background()
	room := domain.RoomID("!den:example.org")
	alice := newParty(t, "@alice:example.org", "DESKTOP", session.RotationPolicy{})
	bob := newParty(t, "@bob:example.org", "PHONE", session.RotationPolicy{})

	msg, err := alice.grp.EncryptRoom(ctx, room, []byte("secret"))
	require.NoError(t, err)

	_, err = bob.grp.DecryptRoom(ctx, room, alice.acct.CurveKey(), msg)
	require.ErrorIs(t, err, domain.ErrUnknownSession)

	reqs, err := bob.q.OutgoingRequests()
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, domain.EventRoomKeyRequest, reqs[0].Payloads[0].Type)
	require.Equal(t, bob.acct.UserID(), reqs[0].Payloads[0].UserID)

	// A second failed decrypt does not queue a duplicate request.
	_, err = bob.grp.DecryptRoom(ctx, room, alice.acct.CurveKey(), msg)
	require.ErrorIs(t, err, domain.ErrUnknownSession)
	reqs, err = bob.q.OutgoingRequests()
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	// Importing the key cancels the outstanding request and unblocks the
	// retry.
	exports, err := alice.grp.ExportRoomKeys(ctx, room)
	require.NoError(t, err)
	require.Len(t, exports, 1)
	require.NoError(t, bob.grp.ImportRoomKey(ctx, exports[0]))

	reqs, err = bob.q.OutgoingRequests()
	require.NoError(t, err)
	var cancels int
	for _, req := range reqs {
		for _, p := range req.Payloads {
			if p.Type == domain.EventRoomKeyRequestCancel {
				cancels++
			}
		}
	}
	require.Equal(t, 1, cancels)

	pt, err := bob.grp.DecryptRoom(ctx, room, alice.acct.CurveKey(), msg)
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), pt)
}

func TestGroup_ConcurrentImportAndDecrypt(t *testing.T) {
	ctx := context.Background()
	room := domain.RoomID("!den:example.org")
	alice := newParty(t, "@alice:example.org", "DESKTOP", session.RotationPolicy{})
	bob := newParty(t, "@bob:example.org", "PHONE", session.RotationPolicy{})

	msg, err := alice.grp.EncryptRoom(ctx, room, []byte("racy"))
	require.NoError(t, err)
	exports, err := alice.grp.ExportRoomKeys(ctx, room)
	require.NoError(t, err)
	require.Len(t, exports, 1)

	importErr := make(chan error, 1)
	go func() {
		importErr <- bob.grp.ImportRoomKey(ctx, exports[0])
	}()

	// Decrypt races the import; unknown-session misses are retried until
	// the key has landed.
	for i := 0; i < 1000; i++ {
		pt, err := bob.grp.DecryptRoom(ctx, room, alice.acct.CurveKey(), msg)
		if errors.Is(err, domain.ErrUnknownSession) {
			continue
		}
		require.NoError(t, err)
		require.Equal(t, []byte("racy"), pt)
		break
	}
	require.NoError(t, <-importErr)

	pt, err := bob.grp.DecryptRoom(ctx, room, alice.acct.CurveKey(), msg)
	require.NoError(t, err)
	require.Equal(t, []byte("racy"), pt)
}

func TestGroup_ExportImport(t *testing.T) {
	ctx := context.Background()
	room := domain.RoomID("!den:example.org")
	alice := newParty(t, "@alice:example.org", "DESKTOP", session.RotationPolicy{})
	carol := newParty(t, "@carol:example.org", "TABLET", session.RotationPolicy{})

	msg, err := alice.grp.EncryptRoom(ctx, room, []byte("archived"))
	require.NoError(t, err)

	exports, err := alice.grp.ExportRoomKeys(ctx, room)
	require.NoError(t, err)
	require.Len(t, exports, 1)
	require.Equal(t, domain.SenderKeyAlgorithm, exports[0].Algorithm)

	n, err := carol.grp.ImportRoomKeys(ctx, exports)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pt, err := carol.grp.DecryptRoom(ctx, room, alice.acct.CurveKey(), msg)
	require.NoError(t, err)
	require.Equal(t, []byte("archived"), pt)

	// Importing the same batch again is harmless.
	n, err = carol.grp.ImportRoomKeys(ctx, exports)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestGroup_ImportRejectsUnknownAlgorithm(t *testing.T) {
	ctx := context.Background()
	carol := newParty(t, "@carol:example.org", "TABLET", session.RotationPolicy{})

	err := carol.grp.ImportRoomKey(ctx, domain.RoomKeyExport{Algorithm: "megolm.v0"})
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrUnknownSession)
}

func TestGroup_LateJoinerCannotReadHistory(t *testing.T) {
	ctx := context.Background()
	room := domain.RoomID("!den:example.org")
	alice := newParty(t, "@alice:example.org", "DESKTOP", session.RotationPolicy{})
	bob := newParty(t, "@bob:example.org", "PHONE", session.RotationPolicy{})
	connect(t, alice, bob)

	// Two messages go out before bob is given the key.
	early, err := alice.grp.EncryptRoom(ctx, room, []byte("history 0"))
	require.NoError(t, err)
	_, err = alice.grp.EncryptRoom(ctx, room, []byte("history 1"))
	require.NoError(t, err)

	_, _, err = alice.grp.CreateOrRotate(ctx, room, []domain.Device{bob.dev})
	require.NoError(t, err)
	deliverRoomKeys(t, alice, bob)

	// Bob's chain is pinned at index 2; earlier indices are unreachable.
	_, err = bob.grp.DecryptRoom(ctx, room, alice.acct.CurveKey(), early)
	require.ErrorIs(t, err, domain.ErrUnknownMessageIndex)

	late, err := alice.grp.EncryptRoom(ctx, room, []byte("current"))
	require.NoError(t, err)
	pt, err := bob.grp.DecryptRoom(ctx, room, alice.acct.CurveKey(), late)
	require.NoError(t, err)
	require.Equal(t, []byte("current"), pt)

	// An export pinned at index zero re-pins bob's copy and opens history.
	exports, err := alice.grp.ExportRoomKeys(ctx, room)
	require.NoError(t, err)
	require.Len(t, exports, 1)
	require.Equal(t, uint32(0), exports[0].ChainIndex)
	require.NoError(t, bob.grp.ImportRoomKey(ctx, exports[0]))

	pt, err = bob.grp.DecryptRoom(ctx, room, alice.acct.CurveKey(), early)
	require.NoError(t, err)
	require.Equal(t, []byte("history 0"), pt)
}

func TestGroup_ForgetRoomKey(t *testing.T) {
	ctx := context.Background()
	room := domain.RoomID("!den:example.org")
	alice := newParty(t, "@alice:example.org", "DESKTOP", session.RotationPolicy{})

	msg, err := alice.grp.EncryptRoom(ctx, room, []byte("gone"))
	require.NoError(t, err)

	require.NoError(t, alice.grp.ForgetRoomKey(room, alice.acct.CurveKey(), msg.SessionID))
	_, err = alice.grp.DecryptRoom(ctx, room, alice.acct.CurveKey(), msg)
	require.ErrorIs(t, err, domain.ErrUnknownSession)

	exports, err := alice.grp.ExportRoomKeys(ctx, room)
	require.NoError(t, err)
	require.Empty(t, exports)
}

func TestGroup_StateSurvivesReload(t *testing.T) {
	ctx := context.Background()
	room := domain.RoomID("!den:example.org")
	alice := newParty(t, "@alice:example.org", "DESKTOP", session.RotationPolicy{})

	m0, err := alice.grp.EncryptRoom(ctx, room, []byte("0"))
	require.NoError(t, err)

	grp, err := session.NewGroupManager(alice.st, alice.acct, alice.pw, alice.q, session.RotationPolicy{}, zerolog.Nop())
	require.NoError(t, err)

	m1, err := grp.EncryptRoom(ctx, room, []byte("1"))
	require.NoError(t, err)
	require.Equal(t, m0.SessionID, m1.SessionID)
	require.Equal(t, uint32(1), m1.Index)

	pt, err := grp.DecryptRoom(ctx, room, alice.acct.CurveKey(), m0)
	require.NoError(t, err)
	require.Equal(t, []byte("0"), pt)
}
