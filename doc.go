// Package kephaschat provides a real-time text chat relay over WebSocket.
//
// Clients connect, claim a unique nickname and exchange messages that are
// broadcast to every other connected client. There is a single implicit room.
//
// # Architecture
//
// The relay is built around two pieces of shared state and one control loop
// per connection:
//
//   - Registry (internal/registry): the authoritative mapping of live
//     connections to claimed nicknames. All operations are atomic; the
//     check-then-insert of a login runs under one lock so two connections
//     can never win the same nickname.
//   - Broadcast engine (internal/broadcast): encodes an envelope once and
//     delivers it concurrently to every registered connection not excluded.
//     A failed delivery evicts that connection and never affects the others.
//   - Session (internal/session): the per-connection state machine
//     (unauthenticated, authenticated, terminated).
//
// The transport (internal/websocket) implements Conn on top of
// gorilla/websocket and calls Handler.ServeConn for each accepted connection.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/kephaschat/internal/config"
//	    "github.com/luciancaetano/kephaschat/internal/logging"
//	    "github.com/luciancaetano/kephaschat/ws"
//	)
//
//	cfg, err := config.Load(".env")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger, _ := logging.New(cfg.LogLevel, cfg.LogFormat)
//
//	server := ws.New(cfg, logger)
//	server.Start(ctx)
//
// # Protocol
//
// Every frame is a JSON object with a "type" field.
//
// Inbound:
//
//	{"type": "login", "nickname": "alice"}        // "join" is accepted too
//	{"type": "message", "content": "hello"}       // "message" field is accepted too
//
// Outbound:
//
//	{"type": "login_success", "nickname": "alice", "users": ["alice"]}
//	{"type": "user_joined", "nickname": "bob", "message": "...", "users": [...], "timestamp": "..."}
//	{"type": "message", "username": "alice", "message": "hello", "timestamp": "..."}
//	{"type": "user_left", "nickname": "alice", "message": "...", "users": [...], "timestamp": "..."}
//	{"type": "error", "message": "..."}
//
// Timestamps are ISO-8601 (RFC 3339) strings.
//
// # Keepalive
//
// The server pings every PING_INTERVAL and drops a connection that has not
// answered within PING_TIMEOUT.
//
// # Important
//
//   - Messages from one sender are delivered in the order they were sent.
//   - There is no history: a client only receives what is broadcast while it
//     is logged in.
//   - Configure ALLOWED_ORIGINS in production.
package kephaschat
