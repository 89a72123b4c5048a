// Package registry tracks which connections are logged in and the nickname
// each one holds.
package registry

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephaschat"
)

var (
	// ErrEmptyNickname is returned when registering an empty nickname.
	ErrEmptyNickname = errors.New("nickname is empty")
	// ErrNicknameTaken is returned when another connection holds the nickname.
	ErrNicknameTaken = errors.New("nickname already taken")
	// ErrAlreadyRegistered is returned when the connection already holds a nickname.
	ErrAlreadyRegistered = errors.New("connection already registered")
)

// Entry is one registered connection and its nickname.
type Entry struct {
	Conn     kephaschat.Conn
	Nickname string

	// reserved entries hold their nickname but are not broadcast to yet
	reserved bool
}

// Registry is the authoritative mapping of live connections to nicknames.
// A connection is either absent from both maps or present in both.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]Entry           // conn ID -> entry
	byNick map[string]kephaschat.Conn // nickname -> conn
	logger *zap.Logger
}

// New creates an empty registry. A nil logger disables logging.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byConn: make(map[string]Entry),
		byNick: make(map[string]kephaschat.Conn),
		logger: logger,
	}
}

// Register claims nickname for conn. Exactly one of several concurrent
// registrations of the same nickname succeeds.
func (r *Registry) Register(conn kephaschat.Conn, nickname string) error {
	return r.claim(conn, nickname, false)
}

// Reserve claims nickname for conn like Register, but keeps conn out of
// Snapshot until Activate. The nickname is listed by Nicknames right away.
func (r *Registry) Reserve(conn kephaschat.Conn, nickname string) error {
	return r.claim(conn, nickname, true)
}

// Activate makes a reserved conn visible to Snapshot. It reports false when
// conn is no longer registered.
func (r *Registry) Activate(conn kephaschat.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byConn[conn.ID()]
	if !ok {
		return false
	}
	entry.reserved = false
	r.byConn[conn.ID()] = entry
	return true
}

func (r *Registry) claim(conn kephaschat.Conn, nickname string, reserved bool) error {
	if nickname == "" {
		return ErrEmptyNickname
	}

	r.mu.Lock()
	if _, exists := r.byConn[conn.ID()]; exists {
		r.mu.Unlock()
		return ErrAlreadyRegistered
	}
	if _, taken := r.byNick[nickname]; taken {
		r.mu.Unlock()
		return ErrNicknameTaken
	}
	r.byConn[conn.ID()] = Entry{Conn: conn, Nickname: nickname, reserved: reserved}
	r.byNick[nickname] = conn
	count := len(r.byConn)
	r.mu.Unlock()

	r.logger.Debug("registered",
		zap.String("client_id", conn.ID()),
		zap.String("nickname", nickname),
		zap.Bool("reserved", reserved),
		zap.Int("online", count))
	return nil
}

// Unregister removes conn and releases its nickname. It returns the freed
// nickname, or false when conn was not registered.
func (r *Registry) Unregister(conn kephaschat.Conn) (string, bool) {
	r.mu.Lock()
	entry, ok := r.byConn[conn.ID()]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.byConn, conn.ID())
	delete(r.byNick, entry.Nickname)
	count := len(r.byConn)
	r.mu.Unlock()

	r.logger.Debug("unregistered",
		zap.String("client_id", conn.ID()),
		zap.String("nickname", entry.Nickname),
		zap.Int("online", count))
	return entry.Nickname, true
}

// Nickname returns the nickname held by conn.
func (r *Registry) Nickname(conn kephaschat.Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.byConn[conn.ID()]
	return entry.Nickname, ok
}

// Snapshot returns a copy of the active entries, safe to iterate while the
// registry changes. Reserved entries are left out.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.byConn))
	for _, entry := range r.byConn {
		if !entry.reserved {
			entries = append(entries, entry)
		}
	}
	return entries
}

// Nicknames returns the claimed nicknames sorted ascending.
func (r *Registry) Nicknames() []string {
	r.mu.RLock()
	nicknames := make([]string, 0, len(r.byNick))
	for nickname := range r.byNick {
		nicknames = append(nicknames, nickname)
	}
	r.mu.RUnlock()

	sort.Strings(nicknames)
	return nicknames
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
