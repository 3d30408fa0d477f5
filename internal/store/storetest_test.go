package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/softtalk/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the behaviour every backend must share. newStore
// must return an empty store with the given history cap.
func runStoreSuite(t *testing.T, newStore func(t *testing.T, historyCap int) Store) {
	ctx := context.Background()

	t.Run("profile round trip", func(t *testing.T) {
		s := newStore(t, 10)

		_, err := s.GetProfile(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound, "expected ErrNotFound for unknown profile")

		p := types.Profile{
			Handle:       "bob",
			ExternalId:   "u1",
			Email:        "bob@x.com",
			DisplayPhoto: "https://example.com/bob.png",
			LastSeen:     time.UnixMilli(1700000000000).UTC(),
			Online:       true,
		}
		require.NoError(t, s.PutProfile(ctx, p.ExternalId, p))

		got, err := s.GetProfile(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, p.Handle, got.Handle)
		assert.Equal(t, p.Email, got.Email)
		assert.True(t, p.LastSeen.Equal(got.LastSeen), "expected lastSeen to round trip")
		assert.True(t, got.Online)

		p.Online = false
		require.NoError(t, s.PutProfile(ctx, p.ExternalId, p))
		got, err = s.GetProfile(ctx, "u1")
		require.NoError(t, err)
		assert.False(t, got.Online, "expected last write to win")
	})

	t.Run("list profiles", func(t *testing.T) {
		s := newStore(t, 10)

		for _, p := range []types.Profile{
			{Handle: "carol", ExternalId: "u3"},
			{Handle: "alice", ExternalId: "u1"},
			{Handle: "bob", ExternalId: "u2"},
		} {
			require.NoError(t, s.PutProfile(ctx, p.ExternalId, p))
		}
		require.NoError(t, s.PutProfile(ctx, "u2", types.Profile{Handle: "bob", ExternalId: "u2", Online: true}))

		profiles, err := s.ListProfiles(ctx)
		require.NoError(t, err)
		require.Len(t, profiles, 3, "expected profile updates not to duplicate entries")
		assert.Equal(t, "alice", profiles[0].Handle)
		assert.Equal(t, "bob", profiles[1].Handle)
		assert.True(t, profiles[1].Online)
		assert.Equal(t, "carol", profiles[2].Handle)
	})

	t.Run("append and read preserves order", func(t *testing.T) {
		s := newStore(t, 10)
		key := DirectKey("u1", "u2")

		msgs, err := s.ReadMessages(ctx, key)
		require.NoError(t, err)
		assert.Empty(t, msgs, "expected empty history for a new conversation")

		for i := range 3 {
			require.NoError(t, s.AppendMessage(ctx, key, types.Message{Id: fmt.Sprint(i), Text: fmt.Sprintf("msg %d", i)}))
		}

		msgs, err = s.ReadMessages(ctx, key)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		for i, m := range msgs {
			assert.Equal(t, fmt.Sprintf("msg %d", i), m.Text)
		}
	})

	t.Run("history is capped", func(t *testing.T) {
		const historyCap = 5
		s := newStore(t, historyCap)
		key := RoomKey("lobby")

		for i := range historyCap + 1 {
			require.NoError(t, s.AppendMessage(ctx, key, types.Message{Id: fmt.Sprint(i), Text: fmt.Sprint(i)}))
		}

		msgs, err := s.ReadMessages(ctx, key)
		require.NoError(t, err)
		require.Len(t, msgs, historyCap, "expected history length to stay at the cap")
		assert.Equal(t, "1", msgs[0].Text, "expected the oldest message to be evicted")
		assert.Equal(t, fmt.Sprint(historyCap), msgs[historyCap-1].Text)
	})

	t.Run("conversations are isolated", func(t *testing.T) {
		s := newStore(t, 10)

		require.NoError(t, s.AppendMessage(ctx, DirectKey("u1", "u2"), types.Message{Text: "a"}))
		require.NoError(t, s.AppendMessage(ctx, DirectKey("u1", "u3"), types.Message{Text: "b"}))

		msgs, err := s.ReadMessages(ctx, DirectKey("u2", "u1"))
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "a", msgs[0].Text)
	})

	t.Run("concurrent appends are not lost", func(t *testing.T) {
		s := newStore(t, 100)
		key := DirectKey("u1", "u2")

		var wg sync.WaitGroup
		for i := range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.AppendMessage(ctx, key, types.Message{Id: fmt.Sprint(i)}))
			}()
		}
		wg.Wait()

		msgs, err := s.ReadMessages(ctx, key)
		require.NoError(t, err)
		assert.Len(t, msgs, 20)
	})

	t.Run("membership is reciprocal and idempotent", func(t *testing.T) {
		s := newStore(t, 10)

		require.NoError(t, s.AddMembership(ctx, "u2", "u1"))
		require.NoError(t, s.AddMembership(ctx, "u1", "u2"))
		require.NoError(t, s.AddMembership(ctx, "u1", "u3"))

		a, err := s.ListMembership(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, []string{"u2", "u3"}, a)

		b, err := s.ListMembership(ctx, "u2")
		require.NoError(t, err)
		assert.Equal(t, []string{"u1"}, b)

		c, err := s.ListMembership(ctx, "u3")
		require.NoError(t, err)
		assert.Equal(t, []string{"u1"}, c)

		none, err := s.ListMembership(ctx, "u4")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("room membership entries", func(t *testing.T) {
		s := newStore(t, 10)

		require.NoError(t, s.AddMembership(ctx, PeerMember("u1"), RoomMember("lobby")))

		members, err := s.ListMembership(ctx, PeerMember("u1"))
		require.NoError(t, err)
		assert.Equal(t, []string{"room:lobby"}, members)

		participants, err := s.ListMembership(ctx, RoomMember("lobby"))
		require.NoError(t, err)
		assert.Equal(t, []string{"peer:u1"}, participants)
	})

	t.Run("direct and room histories never share a bucket", func(t *testing.T) {
		s := newStore(t, 10)

		require.NoError(t, s.AppendMessage(ctx, DirectKey("room", "zz"), types.Message{Text: "private"}))
		require.NoError(t, s.AppendMessage(ctx, DirectKey("a:b", "c"), types.Message{Text: "other pair"}))

		room, err := s.ReadMessages(ctx, RoomKey("zz"))
		require.NoError(t, err)
		assert.Empty(t, room)

		pair, err := s.ReadMessages(ctx, DirectKey("a", "b:c"))
		require.NoError(t, err)
		assert.Empty(t, pair)
	})

	t.Run("peer and room membership sets are separate", func(t *testing.T) {
		s := newStore(t, 10)

		require.NoError(t, s.AddMembership(ctx, PeerMember("room:lobby"), PeerMember("u2")))
		require.NoError(t, s.AddMembership(ctx, PeerMember("u1"), RoomMember("lobby")))

		participants, err := s.ListMembership(ctx, RoomMember("lobby"))
		require.NoError(t, err)
		assert.Equal(t, []string{PeerMember("u1")}, participants)

		peers, err := s.ListMembership(ctx, PeerMember("u2"))
		require.NoError(t, err)
		assert.Equal(t, []string{PeerMember("room:lobby")}, peers)
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t, 10)
		assert.NoError(t, s.Ping(ctx))
	})
}
