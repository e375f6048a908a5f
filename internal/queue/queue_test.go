package queue_test

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"loomcrypt/internal/domain"
	"loomcrypt/internal/queue"
	"loomcrypt/internal/store"
)

func newQueue(t *testing.T, maxRecipients int) (*queue.Queue, *store.EncryptedStore) {
	t.Helper()
	st, err := store.Open(store.NewMemBackend(), "pass", store.ScryptParams{N: 1 << 10, R: 8, P: 1}, zerolog.Nop())
	require.NoError(t, err)
	q, err := queue.New(st, zerolog.Nop(), maxRecipients)
	require.NoError(t, err)
	return q, st
}

func TestNew_RejectsNonPositiveLimit(t *testing.T) {
	st, err := store.Open(store.NewMemBackend(), "pass", store.ScryptParams{N: 1 << 10, R: 8, P: 1}, zerolog.Nop())
	require.NoError(t, err)
	_, err = queue.New(st, zerolog.Nop(), 0)
	require.Error(t, err)
}

func TestOutgoingRequests_BatchingCap(t *testing.T) {
	q, _ := newQueue(t, 3)

	for i := 0; i < 7; i++ {
		device := domain.DeviceID(fmt.Sprintf("D%d", i))
		queued, err := q.EnqueueRoomKeyShare("sess-a", "@bob:example.org", device, []byte("share"))
		require.NoError(t, err)
		require.True(t, queued)
	}

	reqs, err := q.OutgoingRequests()
	require.NoError(t, err)
	require.Len(t, reqs, 3)
	require.Len(t, reqs[0].Payloads, 3)
	require.Len(t, reqs[1].Payloads, 3)
	require.Len(t, reqs[2].Payloads, 1)

	// Payload order survives batching.
	require.Equal(t, domain.DeviceID("D0"), reqs[0].Payloads[0].DeviceID)
	require.Equal(t, domain.DeviceID("D6"), reqs[2].Payloads[0].DeviceID)
}

func TestOutgoingRequests_TokensStableAcrossRedrains(t *testing.T) {
	q, _ := newQueue(t, 10)

	_, err := q.EnqueueRoomKeyShare("sess-a", "@bob:example.org", "PHONE", []byte("share"))
	require.NoError(t, err)

	first, err := q.OutgoingRequests()
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.NotEmpty(t, first[0].Token)

	second, err := q.OutgoingRequests()
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, first[0].Token, second[0].Token)
}

func TestMarkSent_IdempotentAndRemoves(t *testing.T) {
	q, _ := newQueue(t, 10)

	_, err := q.EnqueueRoomKeyShare("sess-a", "@bob:example.org", "PHONE", []byte("share"))
	require.NoError(t, err)
	reqs, err := q.OutgoingRequests()
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	token := reqs[0].Token

	require.NoError(t, q.MarkSent(token))
	require.True(t, q.Delivered("sess-a", "@bob:example.org", "PHONE"))

	reqs, err = q.OutgoingRequests()
	require.NoError(t, err)
	require.Empty(t, reqs)

	// Repeats and unknown tokens are no-ops.
	require.NoError(t, q.MarkSent(token))
	require.NoError(t, q.MarkSent("not-a-token"))
}

func TestEnqueueRoomKeyShare_SuppressedAfterDelivery(t *testing.T) {
	q, _ := newQueue(t, 10)

	queued, err := q.EnqueueRoomKeyShare("sess-a", "@bob:example.org", "PHONE", []byte("share"))
	require.NoError(t, err)
	require.True(t, queued)
	reqs, err := q.OutgoingRequests()
	require.NoError(t, err)
	require.NoError(t, q.MarkSent(reqs[0].Token))

	// Same session to the same device: suppressed.
	queued, err = q.EnqueueRoomKeyShare("sess-a", "@bob:example.org", "PHONE", []byte("share"))
	require.NoError(t, err)
	require.False(t, queued)

	// A different session or device still goes out.
	queued, err = q.EnqueueRoomKeyShare("sess-b", "@bob:example.org", "PHONE", []byte("share"))
	require.NoError(t, err)
	require.True(t, queued)
	queued, err = q.EnqueueRoomKeyShare("sess-a", "@bob:example.org", "LAPTOP", []byte("share"))
	require.NoError(t, err)
	require.True(t, queued)
}

func TestEnqueueKeyRequest_Types(t *testing.T) {
	q, _ := newQueue(t, 10)

	require.NoError(t, q.EnqueueKeyRequest("@alice:example.org", "*", []byte("req"), false))
	require.NoError(t, q.EnqueueKeyRequest("@alice:example.org", "*", []byte("req"), true))
	require.NoError(t, q.EnqueueVerification("@bob:example.org", "PHONE", []byte("sas")))

	reqs, err := q.OutgoingRequests()
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, domain.EventRoomKeyRequest, reqs[0].Payloads[0].Type)
	require.Equal(t, domain.EventRoomKeyRequestCancel, reqs[0].Payloads[1].Type)
	require.Equal(t, domain.EventVerification, reqs[0].Payloads[2].Type)
}

func TestQueue_StateSurvivesReload(t *testing.T) {
	q, st := newQueue(t, 10)

	_, err := q.EnqueueRoomKeyShare("sess-a", "@bob:example.org", "PHONE", []byte("share"))
	require.NoError(t, err)
	reqs, err := q.OutgoingRequests()
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.NoError(t, q.MarkSent(reqs[0].Token))

	q2, err := queue.New(st, zerolog.Nop(), 10)
	require.NoError(t, err)
	require.True(t, q2.Delivered("sess-a", "@bob:example.org", "PHONE"))
	queued, err := q2.EnqueueRoomKeyShare("sess-a", "@bob:example.org", "PHONE", []byte("share"))
	require.NoError(t, err)
	require.False(t, queued)
}
