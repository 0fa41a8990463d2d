package connection

import (
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"sudooom.civic.realtime/internal/model"
	"sudooom.civic.realtime/internal/protocol"
)

// Manager tracks live sessions, the primary session of every user and room
// membership.
//
// A user has at most one primary session. Authenticating again on another
// session moves the primary binding there; the older session stays open and
// keeps its rooms, it is only no longer used for direct delivery.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	primary     map[string]*Connection            // userID -> session
	rooms       map[string]map[string]*Connection // roomID -> sessionID -> session
	joined      map[string]map[string]struct{}    // sessionID -> roomIDs
	logger      *slog.Logger
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		connections: make(map[string]*Connection),
		primary:     make(map[string]*Connection),
		rooms:       make(map[string]map[string]*Connection),
		joined:      make(map[string]map[string]struct{}),
		logger:      logger.With("component", "connection_manager"),
	}
}

func (m *Manager) Add(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[conn.ID()] = conn
}

// Removal describes what a session held when it was removed.
type Removal struct {
	Conn       *Connection
	Rooms      []string
	WasPrimary bool
}

// Remove drops a session with its memberships and primary binding. The second
// call for the same session returns ok=false.
func (m *Manager) Remove(sessionID string) (Removal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.connections[sessionID]
	if !ok {
		return Removal{}, false
	}
	delete(m.connections, sessionID)

	r := Removal{Conn: conn}
	for roomID := range m.joined[sessionID] {
		r.Rooms = append(r.Rooms, roomID)
		m.leaveLocked(sessionID, roomID)
	}
	delete(m.joined, sessionID)

	if userID := conn.UserID(); userID != "" && m.primary[userID] == conn {
		delete(m.primary, userID)
		r.WasPrimary = true
	}
	return r, true
}

func (m *Manager) Get(sessionID string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connections[sessionID]
}

// Bind authenticates conn as user and makes it the primary session of that
// user. It returns the session that was primary before, if any other.
// Binding a removed or closed session fails with ErrConnectionClosed.
func (m *Manager) Bind(conn *Connection, user model.User) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.connections[conn.ID()]; !ok {
		return nil, ErrConnectionClosed
	}

	// re-authenticating as someone else releases the old identity
	if prevUser := conn.UserID(); prevUser != "" && prevUser != user.ID && m.primary[prevUser] == conn {
		delete(m.primary, prevUser)
	}

	if !conn.bind(user) {
		return nil, ErrConnectionClosed
	}

	prev := m.primary[user.ID]
	m.primary[user.ID] = conn
	if prev == conn {
		return nil, nil
	}
	return prev, nil
}

// Primary returns the session addressed for direct delivery to userID.
func (m *Manager) Primary(userID string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.primary[userID]
}

// ReleasePrimary stops addressing userID's local session directly when a
// login bound at remoteBoundAt on another node supersedes it. A local binding
// that is newer survives; equal times go to the remote side only when
// remoteWinsTie is set. The session itself stays open.
func (m *Manager) ReleasePrimary(userID string, remoteBoundAt time.Time, remoteWinsTie bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.primary[userID]
	if !ok {
		return false
	}
	local := conn.AuthenticatedAt()
	if local.After(remoteBoundAt) || (local.Equal(remoteBoundAt) && !remoteWinsTie) {
		return false
	}
	delete(m.primary, userID)
	return true
}

// IsPrimary reports whether conn currently is the primary session of its user.
func (m *Manager) IsPrimary(conn *Connection) bool {
	userID := conn.UserID()
	if userID == "" {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.primary[userID] == conn
}

// Join adds an authenticated session to a room. Unauthenticated sessions are
// ignored and Join reports false.
func (m *Manager) Join(conn *Connection, roomID string) bool {
	if !conn.IsAuthenticated() {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.connections[conn.ID()]; !ok {
		return false
	}

	members, ok := m.rooms[roomID]
	if !ok {
		members = make(map[string]*Connection)
		m.rooms[roomID] = members
	}
	members[conn.ID()] = conn

	rooms, ok := m.joined[conn.ID()]
	if !ok {
		rooms = make(map[string]struct{})
		m.joined[conn.ID()] = rooms
	}
	rooms[roomID] = struct{}{}
	return true
}

// Leave removes a session from a room. Unauthenticated sessions are ignored.
func (m *Manager) Leave(conn *Connection, roomID string) bool {
	if !conn.IsAuthenticated() {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.joined[conn.ID()][roomID]; !ok {
		return false
	}
	m.leaveLocked(conn.ID(), roomID)
	return true
}

func (m *Manager) leaveLocked(sessionID, roomID string) {
	if members, ok := m.rooms[roomID]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(m.rooms, roomID)
		}
	}
	if rooms, ok := m.joined[sessionID]; ok {
		delete(rooms, roomID)
	}
}

// InRoom reports whether any session of userID has joined roomID.
func (m *Manager) InRoom(roomID, userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, conn := range m.rooms[roomID] {
		if conn.UserID() == userID {
			return true
		}
	}
	return false
}

// Members returns the sessions joined to roomID.
func (m *Manager) Members(roomID string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Values(m.rooms[roomID])
}

// Rooms returns the rooms a session has joined.
func (m *Manager) Rooms(sessionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Keys(m.joined[sessionID])
}

// BroadcastToRoom sends ev to every session in roomID, skipping sessions of
// exceptUserID when it is set. It returns the number of sessions reached.
func (m *Manager) BroadcastToRoom(roomID string, ev protocol.ServerEvent, exceptUserID string) int {
	data, err := protocol.Encode(ev)
	if err != nil {
		m.logger.Error("Failed to encode room event", "event", ev.Event, "error", err)
		return 0
	}

	delivered := 0
	for _, conn := range m.Members(roomID) {
		if exceptUserID != "" && conn.UserID() == exceptUserID {
			continue
		}
		if err := conn.SendRaw(data); err == nil {
			delivered++
		}
	}
	return delivered
}

// SendToUser delivers ev to the primary session of userID only.
func (m *Manager) SendToUser(userID string, ev protocol.ServerEvent) bool {
	conn := m.Primary(userID)
	if conn == nil {
		return false
	}
	return conn.Send(ev) == nil
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// AuthenticatedCount returns how many users currently have a primary session.
func (m *Manager) AuthenticatedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.primary)
}

// All returns a snapshot of every live session.
func (m *Manager) All() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Values(m.connections)
}

// CloseAll closes every session with code and reason.
func (m *Manager) CloseAll(code int, reason string) {
	for _, conn := range m.All() {
		conn.Close(code, reason)
	}
}
