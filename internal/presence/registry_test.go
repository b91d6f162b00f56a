package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/protocol"
)

func assertBijection(t *testing.T, r *IdentityRegistry) {
	t.Helper()
	require.Equal(t, len(r.byConn), len(r.byName), "index sizes differ")
	for connID := range r.byConn {
		name, ok := r.NameOf(connID)
		require.True(t, ok)
		owner, ok := r.ConnectionOf(name)
		require.True(t, ok, "name %q has no owner", name)
		assert.Equal(t, connID, owner)
	}
	for name := range r.byName {
		connID, _ := r.ConnectionOf(name)
		got, ok := r.NameOf(connID)
		require.True(t, ok)
		assert.Equal(t, name, got)
	}
}

func TestIdentityRegistryClaim(t *testing.T) {
	r := NewIdentityRegistry()

	require.NoError(t, r.Claim("c1", "alice"))
	assert.ErrorIs(t, r.Claim("c2", "alice"), ErrNameTaken)
	assert.NoError(t, r.Claim("c1", "alice"), "re-claim by the owner must succeed")

	name, ok := r.NameOf("c1")
	require.True(t, ok)
	assert.Equal(t, "alice", name)

	assert.NoError(t, r.Claim("c2", "Alice"), "names are case sensitive")
	assertBijection(t, r)
}

func TestIdentityRegistryRenameFreesOldName(t *testing.T) {
	r := NewIdentityRegistry()

	require.NoError(t, r.Claim("c1", "alice"))
	r.SetRoom("c1", "room1")
	require.NoError(t, r.Claim("c1", "alicia"))

	_, ok := r.ConnectionOf("alice")
	assert.False(t, ok)
	ident, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, Identity{Name: "alicia", Room: "room1"}, ident)

	require.NoError(t, r.Claim("c2", "alice"))
	assertBijection(t, r)
}

func TestIdentityRegistryRelease(t *testing.T) {
	r := NewIdentityRegistry()
	require.NoError(t, r.Claim("c1", "alice"))

	r.Release("c1")
	r.Release("c1")
	r.Release("unknown")

	_, ok := r.NameOf("c1")
	assert.False(t, ok)
	_, ok = r.ConnectionOf("alice")
	assert.False(t, ok)
	assert.Zero(t, r.Len())
	assertBijection(t, r)
}

func TestIdentityRegistryNamesSorted(t *testing.T) {
	r := NewIdentityRegistry()
	for i, name := range []string{"carol", "alice", "bob"} {
		require.NoError(t, r.Claim(string(rune('a'+i)), name))
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, r.Names())
}

func TestRoomRegistryGetOrCreate(t *testing.T) {
	r := NewRoomRegistry()

	room, created := r.GetOrCreate("r1", true, "salt:hash")
	require.True(t, created)
	assert.True(t, room.Private)
	assert.Equal(t, "salt:hash", string(room.Credential))
	r.AddMember(room, "c1")

	again, created := r.GetOrCreate("r1", false, "")
	assert.False(t, created)
	assert.Same(t, room, again)
	assert.True(t, again.Private, "privacy is fixed at creation")
	assert.Equal(t, "salt:hash", string(again.Credential))

	public, _ := r.GetOrCreate("r2", false, "ignored")
	assert.Empty(t, public.Credential, "public rooms carry no credential")
}

func TestRoomRegistryDeleteOnEmpty(t *testing.T) {
	r := NewRoomRegistry()
	room, _ := r.GetOrCreate("r1", false, "")
	r.AddMember(room, "c1")
	r.AddMember(room, "c2")
	r.AddMember(room, "c1")
	assert.Equal(t, []string{"c1", "c2"}, room.Members())

	assert.True(t, r.RemoveMember("r1", "c1"))
	_, ok := r.Get("r1")
	assert.True(t, ok)

	assert.False(t, r.RemoveMember("r1", "c2"))
	_, ok = r.Get("r1")
	assert.False(t, ok, "an empty room must not stay registered")
	assert.Zero(t, r.Len())

	assert.False(t, r.RemoveMember("r1", "c2"), "removing from a missing room is a no-op")
}

func TestRoomRegistryListPublicNonEmpty(t *testing.T) {
	r := NewRoomRegistry()
	for _, tc := range []struct {
		name    string
		private bool
		members []string
	}{
		{name: "zeta", members: []string{"c1"}},
		{name: "alpha", members: []string{"c2", "c3"}},
		{name: "secret", private: true, members: []string{"c4"}},
	} {
		room, _ := r.GetOrCreate(tc.name, tc.private, "s:h")
		for _, m := range tc.members {
			r.AddMember(room, m)
		}
	}

	assert.Equal(t, []protocol.RoomSummary{
		{Name: "alpha", Count: 2},
		{Name: "zeta", Count: 1},
	}, r.ListPublicNonEmpty())
}

func TestIdentityUndoRestoresTouchedEntries(t *testing.T) {
	r := NewIdentityRegistry()
	require.NoError(t, r.Claim("c1", "alice"))
	r.SetRoom("c1", "r1")
	require.NoError(t, r.Claim("c2", "bob"))

	undo := r.record("c1", "alicia")
	require.NoError(t, r.Claim("c1", "alicia"))
	r.SetRoom("c1", "r2")
	r.restore(undo)

	ident, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, Identity{Name: "alice", Room: "r1"}, ident)
	_, ok = r.ConnectionOf("alicia")
	assert.False(t, ok)
	assert.Equal(t, []string{"alice", "bob"}, r.Names())
	assertBijection(t, r)

	undo = r.record("c3", "carol")
	require.NoError(t, r.Claim("c3", "carol"))
	r.restore(undo)
	_, ok = r.Get("c3")
	assert.False(t, ok)
	assertBijection(t, r)
}

func TestRoomUndoRestoresTouchedRooms(t *testing.T) {
	r := NewRoomRegistry()
	old, _ := r.GetOrCreate("old", false, "")
	r.AddMember(old, "c1")
	r.AddMember(old, "c2")
	solo, _ := r.GetOrCreate("solo", true, "s:h")
	r.AddMember(solo, "c3")

	undo := r.record("old", "solo", "new", "old", "")
	r.RemoveMember("old", "c1")
	r.RemoveMember("solo", "c3")
	created, _ := r.GetOrCreate("new", false, "")
	r.AddMember(created, "c1")
	r.restore(undo)

	got, ok := r.Get("old")
	require.True(t, ok)
	assert.Same(t, old, got)
	assert.Equal(t, []string{"c1", "c2"}, got.Members())

	got, ok = r.Get("solo")
	require.True(t, ok)
	assert.Same(t, solo, got, "a deleted room comes back under its original pointer")
	assert.Equal(t, []string{"c3"}, got.Members())

	_, ok = r.Get("new")
	assert.False(t, ok)
	assert.Equal(t, 2, r.Len())
}
