package syncroom

// Transport is the socket shape the room consumes. Any implementation
// works: a real websocket (`WsTransport`), an in-process loopback for
// tests, etc. The room never owns framing, tls, or reconnect policy.
//
// `OnMessage` and `OnClose` must be wired before the implementation
// starts delivering events. Implementations deliver messages from one
// transport sequentially.
type Transport interface {
	// Send writes one complete message. Errors are per-send and do not
	// have to be terminal for the transport.
	Send(data []byte) error
	// Close tears the connection down. OnClose fires as a result.
	Close() error
	OnMessage(receiveCallback func(data []byte))
	OnClose(closeCallback func())
}

// Session is one live connection bound to a room.
// `sessionId` is stable across reconnect attempts from the same logical
// client. `clientId` is the attribution tag broadcast to other sessions.
// A session owns no document state. All durable effects live in the room.
type Session struct {
	sessionId Id
	clientId  Id
	transport Transport
}

func NewSession(sessionId Id, clientId Id, transport Transport) *Session {
	return &Session{
		sessionId: sessionId,
		clientId:  clientId,
		transport: transport,
	}
}

func (self *Session) SessionId() Id {
	return self.sessionId
}

func (self *Session) ClientId() Id {
	return self.clientId
}
