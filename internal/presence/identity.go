package presence

import "sort"

// Identity is a display name claimed by one connection and the room that
// connection is in.
type Identity struct {
	Name string
	Room string
}

// IdentityRegistry maps connections to claimed names and back. The two
// indexes always describe the same bijection. It is not safe for concurrent
// use; the Manager serializes access.
type IdentityRegistry struct {
	byConn map[string]*Identity
	byName map[string]string
}

// NewIdentityRegistry returns an empty registry.
func NewIdentityRegistry() *IdentityRegistry {
	return &IdentityRegistry{
		byConn: make(map[string]*Identity),
		byName: make(map[string]string),
	}
}

// Claim binds name to connID. It fails with ErrNameTaken when another
// connection owns name. A connection that already owns a different name
// gives that name up.
func (r *IdentityRegistry) Claim(connID, name string) error {
	if owner, ok := r.byName[name]; ok && owner != connID {
		return ErrNameTaken
	}

	if current, ok := r.byConn[connID]; ok {
		if current.Name == name {
			return nil
		}
		delete(r.byName, current.Name)
		current.Name = name
		r.byName[name] = connID
		return nil
	}

	r.byConn[connID] = &Identity{Name: name}
	r.byName[name] = connID
	return nil
}

// Release drops the identity owned by connID, if any.
func (r *IdentityRegistry) Release(connID string) {
	ident, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(r.byConn, connID)
	if r.byName[ident.Name] == connID {
		delete(r.byName, ident.Name)
	}
}

// NameOf returns the name claimed by connID.
func (r *IdentityRegistry) NameOf(connID string) (string, bool) {
	ident, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	return ident.Name, true
}

// ConnectionOf returns the connection that owns name.
func (r *IdentityRegistry) ConnectionOf(name string) (string, bool) {
	connID, ok := r.byName[name]
	return connID, ok
}

// Get returns a copy of the identity owned by connID.
func (r *IdentityRegistry) Get(connID string) (Identity, bool) {
	ident, ok := r.byConn[connID]
	if !ok {
		return Identity{}, false
	}
	return *ident, true
}

// SetRoom records the room connID is in. It is a no-op for unknown
// connections.
func (r *IdentityRegistry) SetRoom(connID, room string) {
	if ident, ok := r.byConn[connID]; ok {
		ident.Room = room
	}
}

// Names returns every claimed name in sorted order.
func (r *IdentityRegistry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of claimed names.
func (r *IdentityRegistry) Len() int {
	return len(r.byName)
}

// identityUndo holds the registry entries one transaction may touch: the
// identity of a connection and the owners of a few names.
type identityUndo struct {
	connID string
	ident  *Identity
	names  map[string]nameOwner
}

type nameOwner struct {
	connID string
	ok     bool
}

// record captures the identity of connID, the name it currently owns and the
// given names, so restore can put them back.
func (r *IdentityRegistry) record(connID string, names ...string) identityUndo {
	u := identityUndo{connID: connID, names: make(map[string]nameOwner, len(names)+1)}
	if ident, ok := r.byConn[connID]; ok {
		cp := *ident
		u.ident = &cp
		names = append(names, ident.Name)
	}
	for _, name := range names {
		owner, ok := r.byName[name]
		u.names[name] = nameOwner{connID: owner, ok: ok}
	}
	return u
}

func (r *IdentityRegistry) restore(u identityUndo) {
	if u.ident == nil {
		delete(r.byConn, u.connID)
	} else {
		cp := *u.ident
		r.byConn[u.connID] = &cp
	}
	for name, owner := range u.names {
		if owner.ok {
			r.byName[name] = owner.connID
		} else {
			delete(r.byName, name)
		}
	}
}
