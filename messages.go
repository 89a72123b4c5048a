package kephaschat

// Outbound envelope types.
const (
	TypeError        = "error"
	TypeLoginSuccess = "login_success"
	TypeUserJoined   = "user_joined"
	TypeUserLeft     = "user_left"
	TypeMessage      = "message"
)

// Inbound request types. Chat messages share TypeMessage.
const (
	TypeLogin = "login"
	TypeJoin  = "join"
)

// Client-facing error messages carried by error envelopes.
const (
	ErrNicknameEmpty        = "Nickname cannot be empty"
	ErrNicknameTaken        = "Nickname is already in use, please choose another"
	ErrAlreadyLoggedIn      = "Already logged in"
	ErrInvalidMessageFormat = "Invalid message format"
	ErrProcessingFailed     = "Error processing message"
)

// Transport error messages.
const (
	ErrConnectionClosed     = "client connection is closed"
	ErrContextCancelled     = "client context cancelled"
	ErrServerAlreadyRunning = "server already running"
)

// Notice text formats for join/leave envelopes, taking the nickname.
const (
	JoinedNoticeFormat = "%s joined the chat"
	LeftNoticeFormat   = "%s left the chat"
)
