package store

import (
	"testing"

	"github.com/npezzotti/softtalk/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestDirectKey(t *testing.T) {
	assert.Equal(t, "direct:2:u1:u2", DirectKey("u1", "u2"))
	assert.Equal(t, DirectKey("u1", "u2"), DirectKey("u2", "u1"), "expected key to be independent of argument order")
	assert.Equal(t, "direct:1:a:a", DirectKey("a", "a"))
}

func TestConversationKeysAreDistinct(t *testing.T) {
	tcases := []struct {
		name string
		a, b string
	}{
		{name: "pair shaped like a room", a: DirectKey("room", "zz"), b: RoomKey("zz")},
		{name: "pair shaped like a prefixed room", a: DirectKey("room:zz", "x"), b: RoomKey("zz")},
		{name: "colon moved between ids", a: DirectKey("a:b", "c"), b: DirectKey("a", "b:c")},
		{name: "colon at the boundary", a: DirectKey("a:", "b"), b: DirectKey("a", ":b")},
		{name: "room named like a pair", a: RoomKey("2:u1:u2"), b: DirectKey("u1", "u2")},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotEqual(t, tc.a, tc.b)
		})
	}
}

func TestRoomKey(t *testing.T) {
	assert.Equal(t, "room:lobby", RoomKey("lobby"))
}

func TestMemberEntries(t *testing.T) {
	tcases := []struct {
		name   string
		entry  string
		room   string
		isRoom bool
		peer   string
		isPeer bool
	}{
		{name: "room entry", entry: RoomMember("lobby"), room: "lobby", isRoom: true},
		{name: "peer entry", entry: PeerMember("u1"), peer: "u1", isPeer: true},
		{name: "peer id shaped like a room", entry: PeerMember("room:general"), peer: "room:general", isPeer: true},
		{name: "bare id", entry: "u1"},
		{name: "bare room prefix", entry: "room:"},
		{name: "bare peer prefix", entry: "peer:"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			room, ok := IsRoomMember(tc.entry)
			assert.Equal(t, tc.isRoom, ok)
			assert.Equal(t, tc.room, room)

			peer, ok := IsPeerMember(tc.entry)
			assert.Equal(t, tc.isPeer, ok)
			assert.Equal(t, tc.peer, peer)
		})
	}
}

func TestSortProfiles(t *testing.T) {
	profiles := []types.Profile{
		{Handle: "carol", ExternalId: "u3"},
		{Handle: "alice", ExternalId: "u2"},
		{Handle: "alice", ExternalId: "u1"},
	}
	sortProfiles(profiles)

	assert.Equal(t, "u1", profiles[0].ExternalId)
	assert.Equal(t, "u2", profiles[1].ExternalId)
	assert.Equal(t, "u3", profiles[2].ExternalId)
}

func TestNormalizeCap(t *testing.T) {
	assert.Equal(t, DefaultHistoryCap, normalizeCap(0))
	assert.Equal(t, DefaultHistoryCap, normalizeCap(-4))
	assert.Equal(t, 7, normalizeCap(7))
}
