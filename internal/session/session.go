package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephaschat"
	"github.com/luciancaetano/kephaschat/internal/protocol"
	"github.com/luciancaetano/kephaschat/internal/registry"
)

// State is the protocol state of one connection.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is the protocol state machine of one connection. It is only used
// from the goroutine running it.
type Session struct {
	relay    *Relay
	conn     kephaschat.Conn
	state    State
	nickname string
	logger   *zap.Logger

	// a misbehaving client must not flood the log
	malformedLog rate.Sometimes
}

func newSession(relay *Relay, conn kephaschat.Conn) *Session {
	return &Session{
		relay: relay,
		conn:  conn,
		state: StateUnauthenticated,
		logger: relay.logger.With(
			zap.String("client_id", conn.ID()),
			zap.String("remote_addr", conn.RemoteAddr())),
		malformedLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

// State returns the current protocol state.
func (s *Session) State() State {
	return s.state
}

// run reads frames until the transport fails, then runs the departure
// sequence.
func (s *Session) run(ctx context.Context) {
	s.logger.Debug("session started")
	defer s.terminate(ctx)

	for {
		data, err := s.conn.Receive(ctx)
		if err != nil {
			s.logger.Debug("receive ended", zap.Error(err))
			return
		}

		if err := s.handle(ctx, data); err != nil {
			s.logger.Info("reply failed, ending session", zap.Error(err))
			return
		}
	}
}

// handle processes one inbound frame. Validation and internal faults are
// answered to the sender; the returned error is a transport fault.
func (s *Session) handle(ctx context.Context, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while handling message", zap.Any("panic", r), zap.Stack("stack"))
			err = s.reply(ctx, protocol.NewError(kephaschat.ErrProcessingFailed))
		}
	}()

	req, decodeErr := protocol.Decode(data)
	if decodeErr != nil {
		s.malformedLog.Do(func() {
			s.logger.Warn("malformed payload", zap.Int("size", len(data)), zap.Error(decodeErr))
		})
		return s.reply(ctx, protocol.NewError(kephaschat.ErrInvalidMessageFormat))
	}

	switch req.Kind() {
	case protocol.KindLogin:
		return s.login(ctx, req.Nickname)
	case protocol.KindChat:
		if s.state != StateAuthenticated {
			return nil
		}
		text, ok := req.Text()
		if !ok {
			s.logger.Warn("chat text is not a string")
			return s.reply(ctx, protocol.NewError(kephaschat.ErrProcessingFailed))
		}
		s.chat(ctx, text)
	}
	return nil
}

func (s *Session) login(ctx context.Context, nickname string) error {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return s.reply(ctx, protocol.NewError(kephaschat.ErrNicknameEmpty))
	}
	if s.state == StateAuthenticated {
		return s.reply(ctx, protocol.NewError(kephaschat.ErrAlreadyLoggedIn))
	}

	// reserved until login_success is queued, so no broadcast reaches this
	// conn ahead of it
	if err := s.relay.registry.Reserve(s.conn, nickname); err != nil {
		switch {
		case errors.Is(err, registry.ErrNicknameTaken):
			s.logger.Info("nickname rejected", zap.String("nickname", nickname), zap.Error(err))
			return s.reply(ctx, protocol.NewError(kephaschat.ErrNicknameTaken))
		case errors.Is(err, registry.ErrAlreadyRegistered):
			return s.reply(ctx, protocol.NewError(kephaschat.ErrAlreadyLoggedIn))
		case errors.Is(err, registry.ErrEmptyNickname):
			return s.reply(ctx, protocol.NewError(kephaschat.ErrNicknameEmpty))
		default:
			s.logger.Error("register failed", zap.String("nickname", nickname), zap.Error(err))
			return s.reply(ctx, protocol.NewError(kephaschat.ErrProcessingFailed))
		}
	}

	users := s.relay.registry.Nicknames()
	if err := s.reply(ctx, protocol.NewLoginSuccess(nickname, users)); err != nil {
		s.relay.registry.Unregister(s.conn)
		return err
	}

	if !s.relay.registry.Activate(s.conn) {
		// evicted while reserved
		return nil
	}
	s.state = StateAuthenticated
	s.nickname = nickname
	s.logger = s.logger.With(zap.String("nickname", nickname))
	s.logger.Info("user logged in", zap.Int("online", len(users)))

	s.relay.broadcaster.Broadcast(ctx, protocol.NewUserJoined(nickname, users, s.relay.now()), s.conn)
	return nil
}

func (s *Session) chat(ctx context.Context, text string) {
	if text == "" {
		return
	}

	// recognized commands are logged only; the text is still broadcast
	if cmd, arg, ok := protocol.ParseCommand(text); ok {
		if _, known := s.relay.commands[cmd]; known {
			s.logger.Info("command received", zap.String("command", cmd), zap.String("argument", arg))
		}
	}

	s.relay.broadcaster.Broadcast(ctx, protocol.NewChat(s.nickname, text, s.relay.now()))
}

// terminate releases the nickname and announces the departure. Sessions
// that never logged in, or were evicted, leave silently.
func (s *Session) terminate(ctx context.Context) {
	prev := s.state
	s.state = StateTerminated

	if prev != StateAuthenticated {
		s.logger.Debug("session ended before login")
		return
	}

	nickname, ok := s.relay.registry.Unregister(s.conn)
	if !ok {
		s.logger.Info("session ended after eviction")
		return
	}

	users := s.relay.registry.Nicknames()
	s.logger.Info("user left", zap.Int("online", len(users)))

	s.relay.broadcaster.Broadcast(ctx, protocol.NewUserLeft(nickname, users, s.relay.now()))
}

func (s *Session) reply(ctx context.Context, env protocol.Envelope) error {
	if err := s.relay.broadcaster.Send(ctx, s.conn, env); err != nil {
		return fmt.Errorf("reply %s: %w", env.EnvelopeType(), err)
	}
	return nil
}
