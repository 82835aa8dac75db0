package kephasio

// ReservedEvents are event names application code may not emit.
var ReservedEvents = map[string]struct{}{
	"connect":        {},
	"connect_error":  {},
	"disconnect":     {},
	"disconnecting":  {},
	"newListener":    {},
	"removeListener": {},
}

// IsReserved reports whether event is a reserved event name.
func IsReserved(event string) bool {
	_, ok := ReservedEvents[event]
	return ok
}

// Protocol revisions spoken by the client.
const (
	// EngineProtocol is the transport-level protocol revision sent as the EIO query parameter.
	EngineProtocol = 4

	// SessionProtocol is the revision of the namespace/event protocol.
	SessionProtocol = 5
)

// Disconnect reasons reported to OnDisconnect handlers.
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
	ReasonForcedClose      = "forced close"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
	ReasonParseError       = "parse error"
)

// Standard error messages
const (
	// Protocol errors
	ErrInvalidMessageFormat = "invalid message format"
	ErrParseError           = "parser error"
	ErrInvalidHandshake     = "invalid handshake"
	ErrProbeFailed          = "probe error"
	ErrServerError          = "server error"

	// Connection errors
	ErrConnectionClosed  = "connection is closed"
	ErrInvalidURL        = "invalid url"
	ErrConnectTimeout    = "timeout"
	ErrFailedToEncode    = "failed to encode packet"
	ErrTransportNotFound = "unknown transport"
	ErrPollRequest       = "xhr poll error"
	ErrPostRequest       = "xhr post error"
	ErrWebsocket         = "websocket error"
	ErrWebTransport      = "webtransport error"
	ErrLegacyServer      = "it seems you are trying to reach a server speaking an older protocol revision"
)

// Test server errors
const (
	ErrServerAlreadyRunning = "server is already running"
	ErrUnknownSession       = "session id unknown"
	ErrUnknownTransport     = "transport unknown"
	ErrBadRequest           = "bad request method"
	ErrInvalidNamespace     = "Invalid namespace"
	ErrRateLimitExceeded    = "rate limit exceeded"
)
