package server

import (
	"slices"
	"strings"
	"sync"

	"github.com/npezzotti/softtalk/internal/types"
	"github.com/samber/lo"
)

// Conn is a live connection the registry can push server messages to.
type Conn interface {
	ID() string
	// Push queues msg without blocking. It returns false when the
	// connection is gone or its queue is full.
	Push(msg *ServerMessage) bool
}

type registration struct {
	conn    Conn
	profile types.Profile
	rooms   map[string]struct{}
}

// Registry maps live, authenticated connections to identities. It is owned by
// a single ChatServer and is only as wide as this process: connections held
// by other instances are invisible to it.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]*registration
	byHandle   map[string]string
	byExternal map[string]string
	rooms      map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:      make(map[string]*registration),
		byHandle:   make(map[string]string),
		byExternal: make(map[string]string),
		rooms:      make(map[string]map[string]struct{}),
	}
}

// Register binds conn to p. Any existing mapping of the same handle or
// external id is overwritten, so the latest login wins. The returned bool
// reports whether the identity was not live before.
func (r *Registry) Register(conn Conn, p types.Profile) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, wasLive := r.byExternal[p.ExternalId]

	if prev, ok := r.conns[conn.ID()]; ok {
		r.dropMappings(conn.ID(), prev.profile)
		prev.profile = p
	} else {
		r.conns[conn.ID()] = &registration{
			conn:    conn,
			profile: p,
			rooms:   make(map[string]struct{}),
		}
	}

	r.byHandle[p.Handle] = conn.ID()
	r.byExternal[p.ExternalId] = conn.ID()

	return !wasLive
}

// Unregister removes a connection and every room it had joined. It returns
// the identity bound to the connection and the rooms it left.
func (r *Registry) Unregister(connID string) (types.Profile, []string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.conns[connID]
	if !ok {
		return types.Profile{}, nil, false
	}
	delete(r.conns, connID)

	left := make([]string, 0, len(reg.rooms))
	for room := range reg.rooms {
		r.removeFromRoom(connID, room)
		left = append(left, room)
	}
	slices.Sort(left)

	r.dropMappings(connID, reg.profile)

	// another connection of the same identity takes over its mappings
	for id, other := range r.conns {
		if other.profile.ExternalId != reg.profile.ExternalId {
			continue
		}
		if _, taken := r.byExternal[reg.profile.ExternalId]; !taken {
			r.byExternal[reg.profile.ExternalId] = id
		}
		if _, taken := r.byHandle[other.profile.Handle]; !taken {
			r.byHandle[other.profile.Handle] = id
		}
	}

	return reg.profile, left, true
}

// dropMappings removes the handle and external id mappings of p only where
// they still point at connID.
func (r *Registry) dropMappings(connID string, p types.Profile) {
	if r.byHandle[p.Handle] == connID {
		delete(r.byHandle, p.Handle)
	}
	if r.byExternal[p.ExternalId] == connID {
		delete(r.byExternal, p.ExternalId)
	}
}

// Lookup returns the identity bound to a connection.
func (r *Registry) Lookup(connID string) (types.Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.conns[connID]
	if !ok {
		return types.Profile{}, false
	}
	return reg.profile, true
}

// Find resolves a handle to its live connection.
func (r *Registry) Find(handle string) (Conn, types.Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.resolve(r.byHandle[handle])
}

// FindExternal resolves an external id to its live connection.
func (r *Registry) FindExternal(externalId string) (Conn, types.Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.resolve(r.byExternal[externalId])
}

func (r *Registry) resolve(connID string) (Conn, types.Profile, bool) {
	if connID == "" {
		return nil, types.Profile{}, false
	}
	reg, ok := r.conns[connID]
	if !ok {
		return nil, types.Profile{}, false
	}
	return reg.conn, reg.profile, true
}

// HandleOwner returns the external id of the live identity holding handle.
func (r *Registry) HandleOwner(handle string) (string, bool) {
	_, p, ok := r.Find(handle)
	if !ok {
		return "", false
	}
	return p.ExternalId, true
}

// IsOnline reports whether an identity has a live connection.
func (r *Registry) IsOnline(externalId string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byExternal[externalId]
	return ok
}

// Snapshot returns the live identities, one entry per external id, ordered by handle.
func (r *Registry) Snapshot() []types.Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profiles := make([]types.Profile, 0, len(r.byExternal))
	for _, connID := range r.byExternal {
		p := r.conns[connID].profile
		p.Online = true
		profiles = append(profiles, p)
	}
	sortByHandle(profiles)

	return profiles
}

// Conns returns every registered connection.
func (r *Registry) Conns() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.MapToSlice(r.conns, func(_ string, reg *registration) Conn {
		return reg.conn
	})
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// JoinRoom adds a registered connection to room. It returns false if the
// connection is not registered.
func (r *Registry) JoinRoom(connID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.conns[connID]
	if !ok {
		return false
	}

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[connID] = struct{}{}
	reg.rooms[room] = struct{}{}

	return true
}

// LeaveRoom removes a connection from room. It returns false if the
// connection had not joined it.
func (r *Registry) LeaveRoom(connID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.conns[connID]
	if !ok {
		return false
	}
	if _, ok := reg.rooms[room]; !ok {
		return false
	}

	delete(reg.rooms, room)
	r.removeFromRoom(connID, room)
	return true
}

func (r *Registry) removeFromRoom(connID, room string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// InRoom reports whether a connection has joined room.
func (r *Registry) InRoom(connID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[room][connID]
	return ok
}

// RoomMembers returns the connections joined to room.
func (r *Registry) RoomMembers(room string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Conn, 0, len(r.rooms[room]))
	for connID := range r.rooms[room] {
		conns = append(conns, r.conns[connID].conn)
	}
	return conns
}

// RoomRoster returns the identities joined to room, one per external id.
func (r *Registry) RoomRoster(room string) []types.Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profiles := make([]types.Profile, 0, len(r.rooms[room]))
	for connID := range r.rooms[room] {
		p := r.conns[connID].profile
		p.Online = true
		profiles = append(profiles, p)
	}
	profiles = lo.UniqBy(profiles, func(p types.Profile) string { return p.ExternalId })
	sortByHandle(profiles)

	return profiles
}

func sortByHandle(profiles []types.Profile) {
	slices.SortFunc(profiles, func(a, b types.Profile) int {
		if c := strings.Compare(a.Handle, b.Handle); c != 0 {
			return c
		}
		return strings.Compare(a.ExternalId, b.ExternalId)
	})
}
