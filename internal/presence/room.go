package presence

import (
	"slices"
	"sort"

	"github.com/Tyrowin/roomchat/internal/credential"
	"github.com/Tyrowin/roomchat/internal/protocol"
)

// Room is a named membership group. Private and Credential never change
// after creation. A registered room always has at least one member.
type Room struct {
	Name       string
	Private    bool
	Credential credential.Credential

	members []string // connection ids in join order
}

// Members returns the member connection ids in join order.
func (r *Room) Members() []string {
	return slices.Clone(r.members)
}

// Len returns the member count.
func (r *Room) Len() int {
	return len(r.members)
}

// Has reports whether connID is a member.
func (r *Room) Has(connID string) bool {
	return slices.Contains(r.members, connID)
}

// RoomRegistry maps room names to rooms. Like IdentityRegistry it relies on
// the Manager for serialization.
type RoomRegistry struct {
	rooms map[string]*Room
}

// NewRoomRegistry returns an empty registry.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{rooms: make(map[string]*Room)}
}

// Get returns the room registered under name.
func (r *RoomRegistry) Get(name string) (*Room, bool) {
	room, ok := r.rooms[name]
	return room, ok
}

// GetOrCreate returns the room registered under name. When there is none it
// registers a new room with the given privacy and credential; the arguments
// are ignored for an existing room. The new room is returned with no members
// and must receive one through AddMember before the registry lock is
// released.
func (r *RoomRegistry) GetOrCreate(name string, private bool, cred credential.Credential) (*Room, bool) {
	if room, ok := r.rooms[name]; ok {
		return room, false
	}
	room := &Room{Name: name, Private: private}
	if private {
		room.Credential = cred
	}
	r.rooms[name] = room
	return room, true
}

// AddMember puts connID into the room. Adding an existing member is a no-op.
func (r *RoomRegistry) AddMember(room *Room, connID string) {
	if room.Has(connID) {
		return
	}
	room.members = append(room.members, connID)
}

// RemoveMember takes connID out of the named room and deletes the room when
// it becomes empty. It reports whether the room still exists afterwards.
func (r *RoomRegistry) RemoveMember(name, connID string) bool {
	room, ok := r.rooms[name]
	if !ok {
		return false
	}
	if i := slices.Index(room.members, connID); i >= 0 {
		room.members = slices.Delete(room.members, i, i+1)
	}
	if len(room.members) == 0 {
		delete(r.rooms, name)
		return false
	}
	return true
}

// ListPublicNonEmpty returns the public rooms with their member counts,
// sorted by name.
func (r *RoomRegistry) ListPublicNonEmpty() []protocol.RoomSummary {
	out := make([]protocol.RoomSummary, 0, len(r.rooms))
	for name, room := range r.rooms {
		if room.Private || len(room.members) == 0 {
			continue
		}
		out = append(out, protocol.RoomSummary{Name: name, Count: len(room.members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered rooms.
func (r *RoomRegistry) Len() int {
	return len(r.rooms)
}

// roomUndo holds the rooms one transaction may touch, with their member
// lists as they were.
type roomUndo []roomEntry

type roomEntry struct {
	name    string
	room    *Room // nil when the name was not registered
	members []string
}

// record captures the named rooms so restore can put them back. Empty names
// are skipped.
func (r *RoomRegistry) record(names ...string) roomUndo {
	u := make(roomUndo, 0, len(names))
	for _, name := range names {
		if name == "" || slices.ContainsFunc(u, func(e roomEntry) bool { return e.name == name }) {
			continue
		}
		e := roomEntry{name: name}
		if room, ok := r.rooms[name]; ok {
			e.room = room
			e.members = slices.Clone(room.members)
		}
		u = append(u, e)
	}
	return u
}

// restore re-registers the recorded rooms under their original pointers.
func (r *RoomRegistry) restore(u roomUndo) {
	for _, e := range u {
		if e.room == nil {
			delete(r.rooms, e.name)
			continue
		}
		e.room.members = e.members
		r.rooms[e.name] = e.room
	}
}
