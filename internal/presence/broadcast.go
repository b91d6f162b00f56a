package presence

import (
	"github.com/Tyrowin/roomchat/internal/protocol"
)

// Sink receives encoded frames for one connection. Deliver must not block;
// it reports false when the frame could not be queued.
type Sink interface {
	Deliver(frame []byte) bool
}

type delivery struct {
	connID string
	frame  []byte
}

// outbox collects the frames produced by one transaction. Nothing is
// delivered until the transaction has committed, so a rolled back join
// never leaks a notification.
type outbox struct {
	m          *Manager
	deliveries []delivery
}

func (o *outbox) to(connID string, frame []byte) {
	o.deliveries = append(o.deliveries, delivery{connID: connID, frame: frame})
}

// toRoom addresses every member of room except the connection in except.
func (o *outbox) toRoom(room *Room, frame []byte, except string) {
	for _, connID := range room.members {
		if connID == except {
			continue
		}
		o.to(connID, frame)
	}
}

func (o *outbox) toAll(frame []byte) {
	for connID := range o.m.conns {
		o.to(connID, frame)
	}
}

// roomView queues the per-room member list to the whole room.
func (o *outbox) roomView(room *Room) {
	o.toRoom(room, protocol.MustEncode(protocol.TypeRoomMembers, "", o.m.roomMembersLocked(room)), "")
}

// globalView queues the global presence lists to every connection.
func (o *outbox) globalView() {
	o.toAll(protocol.MustEncode(protocol.TypeLists, "", o.m.listsLocked()))
}

// flush hands every queued frame to its sink. Each recipient is isolated: a
// sink that refuses or panics is logged and skipped, and the rest of the
// fan-out still happens.
func (o *outbox) flush() {
	for _, d := range o.deliveries {
		conn, ok := o.m.conns[d.connID]
		if !ok {
			continue
		}
		o.deliver(d.connID, conn.sink, d.frame)
	}
	o.deliveries = nil
}

func (o *outbox) deliver(connID string, sink Sink, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			o.m.logger.Error("presence.deliver.panic", "conn", connID, "panic", r)
		}
	}()
	if !sink.Deliver(frame) {
		o.m.logger.Debug("presence.deliver.dropped", "conn", connID)
	}
}

// discard drops every queued frame of an aborted transaction.
func (o *outbox) discard() {
	o.deliveries = nil
}

// listsLocked derives the global presence view. m.mu must be held.
func (m *Manager) listsLocked() protocol.Lists {
	return protocol.Lists{
		Users: m.identities.Names(),
		Rooms: m.rooms.ListPublicNonEmpty(),
	}
}

// roomMembersLocked derives the member list of room. m.mu must be held.
func (m *Manager) roomMembersLocked(room *Room) protocol.RoomMembers {
	users := make([]string, 0, room.Len())
	for _, connID := range room.members {
		if name, ok := m.identities.NameOf(connID); ok {
			users = append(users, name)
		}
	}
	return protocol.RoomMembers{Room: room.Name, Users: users, Count: len(users)}
}
