package syncroom

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  15 * time.Second,
		PingTimeout:  5 * time.Second,
	}
}

type WsTransportSettings struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	// idle interval between keepalive pings (empty messages)
	PingTimeout time.Duration
}

// WsTransport adapts a websocket connection to the room transport
// shape. Wire OnMessage and OnClose, then call Run. Run blocks, reading
// messages in order until the connection tears down, and fires the
// close callback exactly once on exit.
type WsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws       *websocket.Conn
	settings *WsTransportSettings

	sendMutex sync.Mutex

	stateMutex      sync.Mutex
	receiveCallback func(data []byte)
	closeCallback   func()
}

func NewWsTransport(ctx context.Context, ws *websocket.Conn, settings *WsTransportSettings) *WsTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WsTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		settings: settings,
	}
}

func NewWsTransportWithDefaults(ctx context.Context, ws *websocket.Conn) *WsTransport {
	return NewWsTransport(ctx, ws, DefaultWsTransportSettings())
}

func (self *WsTransport) OnMessage(receiveCallback func(data []byte)) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	self.receiveCallback = receiveCallback
}

func (self *WsTransport) OnClose(closeCallback func()) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	self.closeCallback = closeCallback
}

func (self *WsTransport) Send(data []byte) error {
	self.sendMutex.Lock()
	defer self.sendMutex.Unlock()
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	// note that for websocket a deadline timeout cannot be recovered
	return self.ws.WriteMessage(websocket.TextMessage, data)
}

func (self *WsTransport) Close() error {
	self.cancel()
	return self.ws.Close()
}

// Run owns the read side. Empty messages are keepalive pings.
func (self *WsTransport) Run() {
	defer self.closed()

	go self.pingLoop()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[ws]read error = %s\n", err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[ws]ping<-\n")
				continue
			}
			self.stateMutex.Lock()
			receiveCallback := self.receiveCallback
			self.stateMutex.Unlock()
			if receiveCallback != nil {
				receiveCallback(message)
			}
		}
	}
}

func (self *WsTransport) pingLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingTimeout):
			if err := self.Send(make([]byte, 0)); err != nil {
				self.cancel()
				return
			}
		}
	}
}

func (self *WsTransport) closed() {
	self.cancel()
	self.ws.Close()
	self.stateMutex.Lock()
	closeCallback := self.closeCallback
	self.stateMutex.Unlock()
	if closeCallback != nil {
		closeCallback()
	}
}
