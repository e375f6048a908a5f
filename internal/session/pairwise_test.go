package session_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"loomcrypt/internal/account"
	"loomcrypt/internal/domain"
	"loomcrypt/internal/queue"
	"loomcrypt/internal/session"
	"loomcrypt/internal/store"
)

// party is one device's full engine state on its own store.
type party struct {
	st   *store.EncryptedStore
	acct *account.Manager
	pw   *session.PairwiseManager
	grp  *session.GroupManager
	q    *queue.Queue
	dev  domain.Device
}

func newParty(t *testing.T, user domain.UserID, device domain.DeviceID, policy session.RotationPolicy) *party {
	t.Helper()

	st, err := store.Open(store.NewMemBackend(), "pass", store.ScryptParams{N: 1 << 10, R: 8, P: 1}, zerolog.Nop())
	require.NoError(t, err)
	acct, err := account.Create(st, zerolog.Nop(), user, device)
	require.NoError(t, err)
	q, err := queue.New(st, zerolog.Nop(), 20)
	require.NoError(t, err)
	pw, err := session.NewPairwiseManager(st, acct, zerolog.Nop())
	require.NoError(t, err)
	grp, err := session.NewGroupManager(st, acct, pw, q, policy, zerolog.Nop())
	require.NoError(t, err)
	dev, err := acct.LocalDevice()
	require.NoError(t, err)

	return &party{st: st, acct: acct, pw: pw, grp: grp, q: q, dev: dev}
}

// connect establishes an outbound pairwise session from a to b using one of
// b's one-time keys.
func connect(t *testing.T, a, b *party) domain.SessionID {
	t.Helper()
	keys, err := b.acct.GenerateOneTimeKeys(1)
	require.NoError(t, err)
	id, err := a.pw.Establish(context.Background(), b.dev, keys[0])
	require.NoError(t, err)
	return id
}

func TestPairwise_HelloRoundTrip(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "@alice:example.org", "DESKTOP", session.RotationPolicy{})
	bob := newParty(t, "@bob:example.org", "PHONE", session.RotationPolicy{})
	connect(t, alice, bob)

	// First message carries the pre-key payload.
	msg, err := alice.pw.Encrypt(ctx, bob.dev, []byte("hello"))
	require.NoError(t, err)
	require.NotNil(t, msg.PreKey)

	pt, err := bob.pw.Decrypt(ctx, alice.dev, msg)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), pt)

	// Bob answers on the session the pre-key message created.
	reply, err := bob.pw.Encrypt(ctx, alice.dev, []byte("hi"))
	require.NoError(t, err)
	require.Nil(t, reply.PreKey)

	pt, err = alice.pw.Decrypt(ctx, bob.dev, reply)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), pt)

	// Once the peer has answered, the pre-key payload is dropped.
	second, err := alice.pw.Encrypt(ctx, bob.dev, []byte("again"))
	require.NoError(t, err)
	require.Nil(t, second.PreKey)
	pt, err = bob.pw.Decrypt(ctx, alice.dev, second)
	require.NoError(t, err)
	require.Equal(t, []byte("again"), pt)
}

func TestPairwise_EncryptWithoutSession(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "@alice:example.org", "DESKTOP", session.RotationPolicy{})
	bob := newParty(t, "@bob:example.org", "PHONE", session.RotationPolicy{})

	_, err := alice.pw.Encrypt(ctx, bob.dev, []byte("x"))
	require.ErrorIs(t, err, domain.ErrUnknownSession)
}

func TestPairwise_DecryptWithoutSessionOrPreKey(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "@alice:example.org", "DESKTOP", session.RotationPolicy{})
	bob := newParty(t, "@bob:example.org", "PHONE", session.RotationPolicy{})
	connect(t, alice, bob)

	msg, err := alice.pw.Encrypt(ctx, bob.dev, []byte("hello"))
	require.NoError(t, err)
	msg.PreKey = nil

	_, err = bob.pw.Decrypt(ctx, alice.dev, msg)
	require.ErrorIs(t, err, domain.ErrUnknownSession)
}

func TestPairwise_ConsumedOneTimeKeyRejected(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "@alice:example.org", "DESKTOP", session.RotationPolicy{})
	bob := newParty(t, "@bob:example.org", "PHONE", session.RotationPolicy{})

	keys, err := bob.acct.GenerateOneTimeKeys(1)
	require.NoError(t, err)
	_, err = alice.pw.Establish(ctx, bob.dev, keys[0])
	require.NoError(t, err)

	msg, err := alice.pw.Encrypt(ctx, bob.dev, []byte("hello"))
	require.NoError(t, err)
	_, err = bob.pw.Decrypt(ctx, alice.dev, msg)
	require.NoError(t, err)

	// A second initiator claiming the same already-consumed key is refused.
	mallory := newParty(t, "@mallory:example.org", "LAPTOP", session.RotationPolicy{})
	_, err = mallory.pw.Establish(ctx, bob.dev, keys[0])
	require.NoError(t, err) // outbound side can not know yet
	msg, err = mallory.pw.Encrypt(ctx, bob.dev, []byte("intrude"))
	require.NoError(t, err)
	_, err = bob.pw.Decrypt(ctx, mallory.dev, msg)
	require.ErrorIs(t, err, domain.ErrMissingOneTimeKey)
}

func TestPairwise_FallbackKeyServesManyInitiators(t *testing.T) {
	ctx := context.Background()
	bob := newParty(t, "@bob:example.org", "PHONE", session.RotationPolicy{})

	// Bob's one-time pool is empty; only the fallback key is claimable.
	fallback, err := bob.acct.GenerateFallbackKey()
	require.NoError(t, err)

	for _, user := range []domain.UserID{"@alice:example.org", "@carol:example.org"} {
		peer := newParty(t, user, "DESKTOP", session.RotationPolicy{})
		_, err := peer.pw.Establish(ctx, bob.dev, fallback)
		require.NoError(t, err)
		msg, err := peer.pw.Encrypt(ctx, bob.dev, []byte("via fallback"))
		require.NoError(t, err)
		pt, err := bob.pw.Decrypt(ctx, peer.dev, msg)
		require.NoError(t, err)
		require.Equal(t, []byte("via fallback"), pt)
	}
}

func TestPairwise_MostRecentSessionWinsEncrypt(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "@alice:example.org", "DESKTOP", session.RotationPolicy{})
	bob := newParty(t, "@bob:example.org", "PHONE", session.RotationPolicy{})

	first := connect(t, alice, bob)
	second := connect(t, alice, bob)
	require.NotEqual(t, first, second)

	// Both sessions are unused; creation order breaks the tie.
	msg, err := alice.pw.Encrypt(ctx, bob.dev, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, second, msg.SessionID)

	ids := alice.pw.Sessions(bob.dev.CurveKey)
	require.Equal(t, []domain.SessionID{second, first}, ids)
}

func TestPairwise_DecryptFallsBackToOlderSession(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "@alice:example.org", "DESKTOP", session.RotationPolicy{})
	bob := newParty(t, "@bob:example.org", "PHONE", session.RotationPolicy{})

	// Establish two independent sessions in both directions by exchanging
	// one pre-key message on each.
	connect(t, alice, bob)
	m1, err := alice.pw.Encrypt(ctx, bob.dev, []byte("one"))
	require.NoError(t, err)
	_, err = bob.pw.Decrypt(ctx, alice.dev, m1)
	require.NoError(t, err)

	connect(t, alice, bob)
	m2, err := alice.pw.Encrypt(ctx, bob.dev, []byte("two"))
	require.NoError(t, err)
	_, err = bob.pw.Decrypt(ctx, alice.dev, m2)
	require.NoError(t, err)

	// A third outbound session alice never uses becomes her most recently
	// used one. Bob's reply arrives on an older session, so alice's first
	// try fails and the fallback pass finds the match; the untouched
	// sessions must survive the failed attempts.
	connect(t, alice, bob)
	require.Len(t, alice.pw.Sessions(bob.dev.CurveKey), 3)

	reply, err := bob.pw.Encrypt(ctx, alice.dev, []byte("on old session"))
	require.NoError(t, err)
	pt, err := alice.pw.Decrypt(ctx, bob.dev, reply)
	require.NoError(t, err)
	require.Equal(t, []byte("on old session"), pt)

	// Both directions still work afterwards.
	m3, err := alice.pw.Encrypt(ctx, bob.dev, []byte("still fine"))
	require.NoError(t, err)
	pt, err = bob.pw.Decrypt(ctx, alice.dev, m3)
	require.NoError(t, err)
	require.Equal(t, []byte("still fine"), pt)
}

func TestPairwise_SurvivesReload(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "@alice:example.org", "DESKTOP", session.RotationPolicy{})
	bob := newParty(t, "@bob:example.org", "PHONE", session.RotationPolicy{})
	connect(t, alice, bob)

	msg, err := alice.pw.Encrypt(ctx, bob.dev, []byte("before reload"))
	require.NoError(t, err)
	_, err = bob.pw.Decrypt(ctx, alice.dev, msg)
	require.NoError(t, err)

	// Rebuild both managers from their stores mid-conversation.
	alicePW, err := session.NewPairwiseManager(alice.st, alice.acct, zerolog.Nop())
	require.NoError(t, err)
	bobPW, err := session.NewPairwiseManager(bob.st, bob.acct, zerolog.Nop())
	require.NoError(t, err)

	reply, err := bobPW.Encrypt(ctx, alice.dev, []byte("after reload"))
	require.NoError(t, err)
	pt, err := alicePW.Decrypt(ctx, bob.dev, reply)
	require.NoError(t, err)
	require.Equal(t, []byte("after reload"), pt)
}
