// Package presence is the authoritative in-memory registry of connections,
// display names and rooms. It runs the join/leave state machine, checks
// private room passwords, and pushes presence views to every affected
// connection after each change.
//
// All registry access goes through one mutex in Manager. Password hashing is
// the only slow step and runs outside that mutex: a join is planned without
// the lock (hash or verify), then committed under the lock after checking
// that the room it was planned against is still the one registered.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Tyrowin/roomchat/internal/credential"
	"github.com/Tyrowin/roomchat/internal/protocol"
)

// Field and payload limits, in characters.
const (
	MaxNameLength     = 32
	MaxRoomLength     = 64
	MaxMessageLength  = 1000
	MaxTypingLength   = 2000
	MaxChannelLength  = 32
	DefaultChannel    = "1"
	maxJoinAttempts   = 5
	outcomeJoined     = "joined"
	outcomeConnFailed = "not_connected"
)

// ErrNotConnected is returned when an operation names a connection that was
// never registered or has already disconnected.
var ErrNotConnected = errors.New("connection is not registered")

// Authenticator creates and checks room credentials. credential.Store
// implements it.
type Authenticator interface {
	Create(ctx context.Context, password string) (credential.Credential, error)
	Verify(ctx context.Context, password string, cred credential.Credential) bool
}

// Recorder observes presence activity, typically for metrics.
type Recorder interface {
	JoinAttempt(outcome string)
	PresenceChanged(connections, users, rooms int)
	Relayed(kind string)
}

type nopRecorder struct{}

func (nopRecorder) JoinAttempt(string)            {}
func (nopRecorder) PresenceChanged(int, int, int) {}
func (nopRecorder) Relayed(string)                {}

// JoinRequest is the input of Join. RequestID is echoed in the
// acknowledgment frame.
type JoinRequest struct {
	RequestID string
	Name      string
	Room      string
	Private   bool
	Password  string
}

// JoinedRoom describes a successful join.
type JoinedRoom struct {
	Name    string
	Room    string
	Private bool
}

type connection struct {
	sink Sink
}

// Manager coordinates identities, rooms and presence broadcasts.
type Manager struct {
	mu         sync.Mutex
	conns      map[string]*connection
	identities *IdentityRegistry
	rooms      *RoomRegistry

	auth     Authenticator
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time

	// afterJoinApplied runs at the end of a join transition, under the lock.
	afterJoinApplied func(connID string)
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRecorder installs a Recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a Manager with empty registries.
func NewManager(auth Authenticator, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		conns:      make(map[string]*connection),
		identities: NewIdentityRegistry(),
		rooms:      NewRoomRegistry(),
		auth:       auth,
		logger:     logger,
		recorder:   nopRecorder{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect registers an anonymous connection and sends it the current global
// presence view.
func (m *Manager) Connect(connID string, sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.conns[connID] = &connection{sink: sink}
	out := &outbox{m: m}
	out.to(connID, protocol.MustEncode(protocol.TypeLists, "", m.listsLocked()))
	out.flush()
	m.recordPresenceLocked()
}

// Disconnect ends every session of connID and forgets it. Repeated calls are
// no-ops.
func (m *Manager) Disconnect(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conns[connID]; !ok {
		return
	}
	delete(m.conns, connID)

	out := &outbox{m: m}
	m.leaveLocked(connID, out, false)
	out.flush()
	m.recordPresenceLocked()
	m.logger.Debug("presence.disconnect", "conn", connID)
}

// Leave ends the room session of connID and releases its name. It always
// succeeds; a connection that is not in a room only gets the
// acknowledgment.
func (m *Manager) Leave(connID, requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conns[connID]; !ok {
		return
	}

	out := &outbox{m: m}
	out.to(connID, protocol.MustEncode(protocol.TypeLeaveResult, requestID, protocol.LeaveResult{OK: true}))
	m.leaveLocked(connID, out, true)
	out.flush()
	m.recordPresenceLocked()
}

// leaveLocked removes connID from its room, releases its name and queues the
// leave notifications. With notifySelf the leaver also gets the final member
// list of the room it left. It reports whether there was a session to end.
func (m *Manager) leaveLocked(connID string, out *outbox, notifySelf bool) bool {
	ident, ok := m.identities.Get(connID)
	if !ok {
		return false
	}

	m.identities.Release(connID)
	final := protocol.RoomMembers{Room: ident.Room, Users: []string{}}
	if ident.Room != "" && m.rooms.RemoveMember(ident.Room, connID) {
		room, _ := m.rooms.Get(ident.Room)
		out.toRoom(room, protocol.MustEncode(protocol.TypeSystem, "", protocol.SystemEvent{
			Type: protocol.SystemLeave,
			Name: ident.Name,
			Room: ident.Room,
		}), connID)
		out.roomView(room)
		final = m.roomMembersLocked(room)
	}
	if notifySelf && ident.Room != "" {
		out.to(connID, protocol.MustEncode(protocol.TypeRoomMembers, "", final))
	}
	out.globalView()

	m.logger.Info("presence.leave", "conn", connID, "name", ident.Name, "room", ident.Room)
	return true
}

// Join claims req.Name for connID and puts it into req.Room, creating the
// room on first use. Any previous session of connID is ended first. The
// acknowledgment, success or failure, is delivered to connID before any
// other frame caused by the join.
func (m *Manager) Join(ctx context.Context, connID string, req JoinRequest) (JoinedRoom, error) {
	joined, err := m.join(ctx, connID, req)

	outcome := Code(err)
	switch {
	case err == nil:
		outcome = outcomeJoined
	case errors.Is(err, ErrNotConnected):
		outcome = outcomeConnFailed
	}
	m.recorder.JoinAttempt(outcome)

	if err != nil {
		m.logger.Info("presence.join.rejected", "conn", connID, "name", req.Name, "room", req.Room, "code", Code(err), "err", err)
		m.deliverJoinFailure(connID, req.RequestID, err)
		return JoinedRoom{}, err
	}
	return joined, nil
}

func (m *Manager) join(ctx context.Context, connID string, req JoinRequest) (JoinedRoom, error) {
	if err := validateJoin(req); err != nil {
		return JoinedRoom{}, err
	}

	for attempt := 0; attempt < maxJoinAttempts; attempt++ {
		p, err := m.plan(ctx, connID, req)
		if err != nil {
			return JoinedRoom{}, err
		}

		joined, retry, err := m.commit(connID, req, p)
		if err != nil {
			return JoinedRoom{}, err
		}
		if !retry {
			return joined, nil
		}
		m.logger.Debug("presence.join.replan", "conn", connID, "room", req.Room, "attempt", attempt+1)
	}

	m.logger.Error("presence.join.contention", "conn", connID, "room", req.Room)
	return JoinedRoom{}, fmt.Errorf("%w: room %q changed during %d join attempts", ErrInternal, req.Room, maxJoinAttempts)
}

// joinPlan is what Join decided outside the lock. room is the room the
// decision was made against, nil if it did not exist.
type joinPlan struct {
	room    *Room
	private bool
	cred    credential.Credential
}

func (m *Manager) plan(ctx context.Context, connID string, req JoinRequest) (joinPlan, error) {
	m.mu.Lock()
	if _, ok := m.conns[connID]; !ok {
		m.mu.Unlock()
		return joinPlan{}, ErrNotConnected
	}
	if owner, ok := m.identities.ConnectionOf(req.Name); ok && owner != connID {
		m.mu.Unlock()
		return joinPlan{}, ErrNameTaken
	}
	room, exists := m.rooms.Get(req.Room)
	var p joinPlan
	if exists {
		p = joinPlan{room: room, private: room.Private, cred: room.Credential}
	}
	m.mu.Unlock()

	if !exists {
		p.private = req.Private
		if !req.Private {
			return p, nil
		}
		if utf8.RuneCountInString(req.Password) < credential.MinPasswordLength {
			return joinPlan{}, ErrWeakPassword
		}
		cred, err := m.auth.Create(ctx, req.Password)
		if err != nil {
			if errors.Is(err, credential.ErrInvalidPassword) {
				return joinPlan{}, ErrWeakPassword
			}
			return joinPlan{}, fmt.Errorf("%w: create credential: %w", ErrInternal, err)
		}
		p.cred = cred
		return p, nil
	}

	if !p.private {
		return p, nil
	}
	if req.Password == "" {
		return joinPlan{}, ErrNeedsPassword
	}
	if !m.auth.Verify(ctx, req.Password, p.cred) {
		if ctx.Err() != nil {
			return joinPlan{}, fmt.Errorf("%w: verify credential: %w", ErrInternal, ctx.Err())
		}
		return joinPlan{}, ErrBadPassword
	}
	return p, nil
}

// commit applies a plan under the lock. retry is true when the room changed
// since the plan was made.
func (m *Manager) commit(connID string, req JoinRequest, p joinPlan) (joined JoinedRoom, retry bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conns[connID]; !ok {
		return JoinedRoom{}, false, ErrNotConnected
	}
	if owner, ok := m.identities.ConnectionOf(req.Name); ok && owner != connID {
		return JoinedRoom{}, false, ErrNameTaken
	}
	if current, _ := m.rooms.Get(req.Room); current != p.room {
		return JoinedRoom{}, true, nil
	}

	out := &outbox{m: m}
	joined, err = m.applyJoinLocked(connID, req, p, out)
	if err != nil {
		return JoinedRoom{}, false, err
	}
	out.flush()
	m.recordPresenceLocked()
	return joined, false, nil
}

// applyJoinLocked runs the join transition. A panic restores every registry
// entry the transition could have touched and discards out unflushed.
func (m *Manager) applyJoinLocked(connID string, req JoinRequest, p joinPlan, out *outbox) (joined JoinedRoom, err error) {
	prior, _ := m.identities.Get(connID)
	identUndo := m.identities.record(connID, req.Name)
	roomUndo := m.rooms.record(prior.Room, req.Room)
	defer func() {
		if r := recover(); r != nil {
			m.identities.restore(identUndo)
			m.rooms.restore(roomUndo)
			out.discard()
			m.logger.Error("presence.join.panic",
				"conn", connID, "name", req.Name, "room", req.Room,
				"panic", r, "stack", string(debug.Stack()))
			joined, err = JoinedRoom{}, fmt.Errorf("%w: join aborted", ErrInternal)
		}
	}()

	return m.commitJoinLocked(connID, req, p, out), nil
}

// commitJoinLocked is the Anonymous/InRoom -> InRoom transition. A prior
// session of connID is ended, with its notifications, before the new one
// starts, so a connection is never in two rooms.
func (m *Manager) commitJoinLocked(connID string, req JoinRequest, p joinPlan, out *outbox) JoinedRoom {
	m.leaveLocked(connID, out, false)

	if err := m.identities.Claim(connID, req.Name); err != nil {
		// The owner check above ran under the same lock.
		panic(fmt.Sprintf("claim after owner check: %v", err))
	}
	room, created := m.rooms.GetOrCreate(req.Room, p.private, p.cred)
	m.rooms.AddMember(room, connID)
	m.identities.SetRoom(connID, room.Name)

	joined := JoinedRoom{Name: req.Name, Room: room.Name, Private: room.Private}

	out.to(connID, protocol.MustEncode(protocol.TypeJoinResult, req.RequestID, protocol.JoinResult{
		OK:      true,
		Room:    room.Name,
		Private: room.Private,
	}))
	out.toRoom(room, protocol.MustEncode(protocol.TypeSystem, "", protocol.SystemEvent{
		Type: protocol.SystemJoin,
		Name: req.Name,
		Room: room.Name,
	}), connID)
	out.roomView(room)
	out.globalView()

	if m.afterJoinApplied != nil {
		m.afterJoinApplied(connID)
	}

	m.logger.Info("presence.join", "conn", connID, "name", req.Name, "room", room.Name, "private", room.Private, "created", created)
	return joined
}

func (m *Manager) deliverJoinFailure(connID, requestID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := &outbox{m: m}
	out.to(connID, protocol.MustEncode(protocol.TypeJoinResult, requestID, protocol.JoinResult{
		OK:    false,
		Error: Message(err),
		Code:  Code(err),
	}))
	out.flush()
}

// SendMessage relays text to every member of the sender's room, the sender
// included. It reports false when the sender is not in a room.
func (m *Manager) SendMessage(connID, text string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ident, room, ok := m.sessionLocked(connID)
	if !ok {
		return false
	}

	out := &outbox{m: m}
	out.toRoom(room, protocol.MustEncode(protocol.TypeMessage, "", protocol.ChatMessage{
		From: ident.Name,
		Text: truncate(text, MaxMessageLength),
		TS:   m.now().UnixMilli(),
	}), "")
	m.recorder.Relayed(protocol.TypeMessage)
	out.flush()
	return true
}

// SendTypingUpdate relays the current text of a typing channel to the other
// members of the sender's room. Empty text is relayed as an explicit clear.
// It reports false when the sender is not in a room.
func (m *Manager) SendTypingUpdate(connID, text, channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ident, room, ok := m.sessionLocked(connID)
	if !ok {
		return false
	}

	channel = NormalizeChannel(channel)
	text = truncate(text, MaxTypingLength)

	out := &outbox{m: m}
	out.toRoom(room, protocol.MustEncode(protocol.TypeTypingUpdate, "", protocol.TypingEvent{
		From:    ident.Name,
		Text:    text,
		Channel: channel,
		TS:      m.now().UnixMilli(),
		Clear:   text == "",
	}), connID)
	m.recorder.Relayed(protocol.TypeTypingUpdate)
	out.flush()
	return true
}

func (m *Manager) sessionLocked(connID string) (Identity, *Room, bool) {
	if _, ok := m.conns[connID]; !ok {
		return Identity{}, nil, false
	}
	ident, ok := m.identities.Get(connID)
	if !ok || ident.Room == "" {
		return Identity{}, nil, false
	}
	room, ok := m.rooms.Get(ident.Room)
	if !ok {
		return Identity{}, nil, false
	}
	return ident, room, true
}

// Lists returns the current global presence view.
func (m *Manager) Lists() protocol.Lists {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listsLocked()
}

// RoomMembers returns the member view of the named room.
func (m *Manager) RoomMembers(name string) (protocol.RoomMembers, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms.Get(name)
	if !ok {
		return protocol.RoomMembers{}, false
	}
	return m.roomMembersLocked(room), true
}

// Session returns the identity of connID, if it is in a room.
func (m *Manager) Session(connID string) (Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identities.Get(connID)
}

// ConnectionCount returns the number of registered connections.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Manager) recordPresenceLocked() {
	m.recorder.PresenceChanged(len(m.conns), m.identities.Len(), m.rooms.Len())
}

func validateJoin(req JoinRequest) error {
	if err := validateField("name", req.Name, MaxNameLength); err != nil {
		return err
	}
	return validateField("room", req.Room, MaxRoomLength)
}

func validateField(field, value string, maxLen int) error {
	switch {
	case value == "":
		return &InputError{Field: field, Reason: "is required"}
	case utf8.RuneCountInString(value) > maxLen:
		return &InputError{Field: field, Reason: fmt.Sprintf("must be at most %d characters", maxLen)}
	case strings.TrimSpace(value) == "":
		return &InputError{Field: field, Reason: "must not be only whitespace"}
	}
	return nil
}

// NormalizeChannel returns the channel tag a typing update is relayed
// under: cut to MaxChannelLength characters, DefaultChannel when blank.
func NormalizeChannel(channel string) string {
	channel = truncate(channel, MaxChannelLength)
	if strings.TrimSpace(channel) == "" {
		return DefaultChannel
	}
	return channel
}

// truncate cuts s to at most n characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
