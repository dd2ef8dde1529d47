package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenchat/lumen/crypto"
	"github.com/lumenchat/lumen/transport"
)

// mockKeys is a KeyResolver backed by a map.
type mockKeys struct {
	keys map[string][32]byte
}

func (m *mockKeys) ResolveKey(peerID string) ([32]byte, bool) {
	key, ok := m.keys[peerID]
	return key, ok
}

// mockMessenger returns canned fetch pages and records sends.
type mockMessenger struct {
	pages   [][]transport.WireMessage
	fetches int
	fetchBy []string
	err     error
}

func (m *mockMessenger) SendMessage(ctx context.Context, req transport.SendRequest) (transport.WireMessage, error) {
	return transport.WireMessage{}, errors.New("not used")
}

func (m *mockMessenger) FetchMessages(ctx context.Context, roomID, before string, limit int) ([]transport.WireMessage, error) {
	m.fetchBy = append(m.fetchBy, before)
	if m.err != nil {
		return nil, m.err
	}
	if m.fetches >= len(m.pages) {
		return nil, nil
	}
	page := m.pages[m.fetches]
	m.fetches++
	return page, nil
}

type fixture struct {
	store     *Store
	messenger *mockMessenger
	keys      *mockKeys
	localKeys *crypto.KeyPair
	peerKeys  *crypto.KeyPair
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	localKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	peerKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	secrets, err := crypto.NewSecretCache(localKeys)
	require.NoError(t, err)

	keys := &mockKeys{keys: map[string][32]byte{"peer-1": peerKeys.Public}}
	messenger := &mockMessenger{}

	s, err := New("me", secrets, keys, messenger)
	require.NoError(t, err)

	return &fixture{store: s, messenger: messenger, keys: keys, localKeys: localKeys, peerKeys: peerKeys}
}

func wireMsg(id, clientID, roomID, senderID, text, status string, at time.Time) transport.WireMessage {
	return transport.WireMessage{
		ID:        id,
		ClientID:  clientID,
		RoomID:    roomID,
		SenderID:  senderID,
		Text:      text,
		CreatedAt: at,
		Status:    status,
	}
}

func TestInsertOptimisticAppearsImmediately(t *testing.T) {
	f := newFixture(t)

	msg, err := f.store.InsertOptimistic("room-1", "peer-1", "hello")
	require.NoError(t, err)

	assert.Equal(t, StatusSending, msg.Status)
	assert.NotEmpty(t, msg.ClientID)
	assert.True(t, msg.Local)
	_, encrypted := msg.Content.(Encrypted)
	assert.True(t, encrypted, "optimistic content must be encrypted")

	cached := f.store.Messages("room-1")
	require.Len(t, cached, 1)
	assert.Equal(t, msg.ClientID, cached[0].ClientID)
}

func TestInsertOptimisticBlocksWithoutPeerKey(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.InsertOptimistic("room-2", "stranger", "hello")
	assert.ErrorIs(t, err, ErrNoPeerKey)
	assert.Empty(t, f.store.Messages("room-2"))
}

func TestReconcileMergesByClientID(t *testing.T) {
	f := newFixture(t)
	f.store.SetActiveRoom("room-1", "peer-1")

	msg, err := f.store.InsertOptimistic("room-1", "peer-1", "hello")
	require.NoError(t, err)

	f.store.Reconcile(wireMsg("srv-1", msg.ClientID, "room-1", "me", "", "sent", time.Now()))

	cached := f.store.Messages("room-1")
	require.Len(t, cached, 1, "reconcile must merge, not duplicate")
	assert.Equal(t, "srv-1", cached[0].ID)
	assert.Equal(t, StatusSent, cached[0].Status)
	assert.False(t, cached[0].Local)
}

func TestReconcileFetchAndPushEitherOrder(t *testing.T) {
	for _, first := range []string{"fetch", "push"} {
		t.Run("first="+first, func(t *testing.T) {
			f := newFixture(t)
			f.store.SetActiveRoom("room-1", "peer-1")

			msg, err := f.store.InsertOptimistic("room-1", "peer-1", "hello")
			require.NoError(t, err)

			viaFetch := wireMsg("srv-9", msg.ClientID, "room-1", "me", "", "sent", time.Now())
			viaPush := wireMsg("srv-9", msg.ClientID, "room-1", "me", "", "delivered", time.Now())

			if first == "fetch" {
				f.store.Reconcile(viaFetch)
				f.store.Reconcile(viaPush)
			} else {
				f.store.Reconcile(viaPush)
				f.store.Reconcile(viaFetch)
			}

			cached := f.store.Messages("room-1")
			require.Len(t, cached, 1)
			assert.GreaterOrEqual(t, cached[0].Status.Rank(), StatusSent.Rank(),
				"message must end at sent or higher in either order")
		})
	}
}

func TestStatusPromotionIsMonotonic(t *testing.T) {
	f := newFixture(t)
	f.store.SetActiveRoom("room-1", "peer-1")

	f.store.Reconcile(wireMsg("srv-1", "", "room-1", "peer-1", "hi", "read", time.Now()))
	// A stale delivered event arriving after read must not regress.
	f.store.PromoteStatus("room-1", "srv-1", "", StatusDelivered)

	cached := f.store.Messages("room-1")
	require.Len(t, cached, 1)
	assert.Equal(t, StatusRead, cached[0].Status)
}

func TestMarkFailedAndRetryTransitions(t *testing.T) {
	f := newFixture(t)

	msg, err := f.store.InsertOptimistic("room-1", "peer-1", "hello")
	require.NoError(t, err)

	f.store.MarkFailed("room-1", msg.ClientID)
	assert.Equal(t, StatusFailed, f.store.Messages("room-1")[0].Status)

	f.store.MarkSending("room-1", msg.ClientID)
	assert.Equal(t, StatusSending, f.store.Messages("room-1")[0].Status)

	// Once acknowledged, a late failure report must not demote.
	f.store.ReconcileAck("room-1", msg.ClientID, "srv-1", time.Now())
	f.store.MarkFailed("room-1", msg.ClientID)
	assert.Equal(t, StatusSent, f.store.Messages("room-1")[0].Status)
}

func TestReconcileInactiveRoomCountsUnread(t *testing.T) {
	f := newFixture(t)
	f.store.SetActiveRoom("room-1", "peer-1")

	f.store.Reconcile(wireMsg("srv-5", "", "room-2", "peer-2", "psst", "sent", time.Now()))

	assert.Empty(t, f.store.Messages("room-2"), "inactive room must not cache the push")
	assert.Equal(t, 1, f.store.Unread("peer-2"))

	f.store.SetActiveRoom("room-2", "peer-2")
	assert.Equal(t, 0, f.store.Unread("peer-2"), "activating the room resets unread")
}

func TestTombstoneBlocksResurrection(t *testing.T) {
	f := newFixture(t)
	f.store.SetActiveRoom("room-1", "peer-1")

	f.store.Reconcile(wireMsg("srv-1", "", "room-1", "peer-1", "delete me", "sent", time.Now()))
	f.store.RemoveTombstoned("room-1", "srv-1")
	assert.Empty(t, f.store.Messages("room-1"))

	// A delayed duplicate push for the deleted id must stay dead.
	f.store.Reconcile(wireMsg("srv-1", "", "room-1", "peer-1", "delete me", "sent", time.Now()))
	assert.Empty(t, f.store.Messages("room-1"))
}

func TestClearRoomTombstonesEverything(t *testing.T) {
	f := newFixture(t)
	f.store.SetActiveRoom("room-1", "peer-1")

	f.store.Reconcile(wireMsg("srv-1", "", "room-1", "peer-1", "a", "sent", time.Now()))
	f.store.Reconcile(wireMsg("srv-2", "", "room-1", "peer-1", "b", "sent", time.Now()))
	f.store.ClearRoom("room-1")
	assert.Empty(t, f.store.Messages("room-1"))

	f.store.Reconcile(wireMsg("srv-2", "", "room-1", "peer-1", "b", "sent", time.Now()))
	assert.Empty(t, f.store.Messages("room-1"), "cleared messages must not come back")
}

func TestFetchPageMergeAndCursor(t *testing.T) {
	f := newFixture(t)
	f.store.SetActiveRoom("room-1", "peer-1")

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.messenger.pages = [][]transport.WireMessage{
		{
			wireMsg("srv-3", "", "room-1", "peer-1", "three", "sent", base.Add(3*time.Minute)),
			wireMsg("srv-2", "", "room-1", "peer-1", "two", "sent", base.Add(2*time.Minute)),
		},
		{
			wireMsg("srv-2", "", "room-1", "peer-1", "two", "sent", base.Add(2*time.Minute)),
			wireMsg("srv-1", "", "room-1", "peer-1", "one", "sent", base.Add(1*time.Minute)),
		},
	}

	result, err := f.store.FetchPage(context.Background(), "room-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Added)
	assert.True(t, result.HasMore, "a full page reports more")
	assert.Equal(t, "", f.messenger.fetchBy[0], "initial load has no cursor")

	result, err = f.store.FetchPage(context.Background(), "room-1", 2)
	require.NoError(t, err)
	assert.Equal(t, "srv-2", f.messenger.fetchBy[1], "cursor is the oldest cached server id")
	assert.Equal(t, 1, result.Added, "overlapping srv-2 deduplicates")

	cached := f.store.Messages("room-1")
	require.Len(t, cached, 3)
	assert.Equal(t, "srv-1", cached[0].ID, "older page merges in front")
	assert.Equal(t, "srv-3", cached[2].ID)
}

func TestFetchPageHasMoreApproximation(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Exactly limit messages exist: hasMore still reports true until
	// the next page comes back empty.
	f.messenger.pages = [][]transport.WireMessage{
		{
			wireMsg("srv-2", "", "room-1", "peer-1", "two", "sent", base.Add(time.Minute)),
			wireMsg("srv-1", "", "room-1", "peer-1", "one", "sent", base),
		},
	}

	result, err := f.store.FetchPage(context.Background(), "room-1", 2)
	require.NoError(t, err)
	assert.True(t, result.HasMore)

	result, err = f.store.FetchPage(context.Background(), "room-1", 2)
	require.NoError(t, err)
	assert.False(t, result.HasMore)
	assert.Equal(t, 0, result.Added)
}

func TestFetchPageCursorSkipsLocalMessages(t *testing.T) {
	f := newFixture(t)
	f.store.SetActiveRoom("room-1", "peer-1")

	_, err := f.store.InsertOptimistic("room-1", "peer-1", "unacked")
	require.NoError(t, err)
	f.store.Reconcile(wireMsg("srv-7", "", "room-1", "peer-1", "old", "sent",
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))

	_, err = f.store.FetchPage(context.Background(), "room-1", 10)
	require.NoError(t, err)
	assert.Equal(t, "srv-7", f.messenger.fetchBy[0],
		"local optimistic message must not serve as cursor")
}

func TestFetchPageTransportError(t *testing.T) {
	f := newFixture(t)
	f.messenger.err = errors.New("network down")

	_, err := f.store.FetchPage(context.Background(), "room-1", 10)
	assert.Error(t, err)
	assert.Empty(t, f.store.Messages("room-1"), "failed fetch leaves cache untouched")
}

func TestDecryptTextRoundTrip(t *testing.T) {
	f := newFixture(t)

	// Peer encrypts for us with the symmetric shared secret.
	peerSecret, err := crypto.DeriveSharedSecret(f.localKeys.Public, f.peerKeys.Private)
	require.NoError(t, err)
	ciphertext, nonce, err := crypto.Encrypt([]byte("secret hello"), peerSecret)
	require.NoError(t, err)

	f.store.SetActiveRoom("room-1", "peer-1")
	f.store.Reconcile(transport.WireMessage{
		ID:         "srv-1",
		RoomID:     "room-1",
		SenderID:   "peer-1",
		Ciphertext: ciphertext,
		Nonce:      nonce[:],
		CreatedAt:  time.Now(),
		Status:     "sent",
	})

	text, err := f.store.DecryptText("room-1", "srv-1", "")
	require.NoError(t, err)
	assert.Equal(t, "secret hello", text)
}

func TestDecryptTextKeyPending(t *testing.T) {
	f := newFixture(t)
	f.store.SetActiveRoom("room-1", "peer-1")

	f.store.Reconcile(transport.WireMessage{
		ID:         "srv-1",
		RoomID:     "room-1",
		SenderID:   "unknown-peer",
		Ciphertext: []byte{1, 2, 3},
		Nonce:      make([]byte, 24),
		CreatedAt:  time.Now(),
		Status:     "sent",
	})

	_, err := f.store.DecryptText("room-1", "srv-1", "")
	assert.ErrorIs(t, err, ErrKeyPending)
}

func TestDecryptTextAuthFailure(t *testing.T) {
	f := newFixture(t)
	f.store.SetActiveRoom("room-1", "peer-1")

	// Garbage ciphertext under a known key fails authentication.
	f.store.Reconcile(transport.WireMessage{
		ID:         "srv-1",
		RoomID:     "room-1",
		SenderID:   "peer-1",
		Ciphertext: []byte("not a real box"),
		Nonce:      make([]byte, 24),
		CreatedAt:  time.Now(),
		Status:     "sent",
	})

	_, err := f.store.DecryptText("room-1", "srv-1", "")
	assert.ErrorIs(t, err, crypto.ErrAuthFailure)
}

func TestClearAllResetsEverything(t *testing.T) {
	f := newFixture(t)
	f.store.SetActiveRoom("room-1", "peer-1")
	f.store.Reconcile(wireMsg("srv-1", "", "room-1", "peer-1", "a", "sent", time.Now()))
	f.store.Reconcile(wireMsg("srv-2", "", "room-9", "peer-9", "b", "sent", time.Now()))

	f.store.ClearAll()

	assert.Empty(t, f.store.Messages("room-1"))
	assert.Equal(t, 0, f.store.Unread("peer-9"))
}
