package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// wire event names, inbound and outbound
const (
	EventAuth              = "auth"
	EventPing              = "ping"
	EventPong              = "pong"
	EventError             = "error"
	EventUserJoin          = "user:join"
	EventUserOnline        = "user:online"
	EventUserOffline       = "user:offline"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventMessageSend       = "message:send"
	EventMessageReceived   = "message:received"
	EventTypingStatus      = "typing:status"
	EventNotificationNew   = "notification:new"
	EventNotificationRead  = "notification:read"
)

// one wire message. The gateway speaks named JSON events, one envelope per
// websocket text message.
type Envelope struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}

type ClientAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

func (self *ClientAuth) UserId() (string, error) {
	byJwt, err := ParseByJwtUnverified(self.ByJwt)
	if err != nil {
		return "", err
	}
	return byJwt.UserId, nil
}

// the read side saw a close initiated by the server. The connection manager
// retries immediately on this instead of waiting out the reconnect delay.
type ServerCloseError struct {
	Code int
	Text string
}

func (self *ServerCloseError) Error() string {
	return fmt.Sprintf("server close %d: %s", self.Code, self.Text)
}

// Transport dials one logical connection to the push gateway.
// The connection manager owns the retry loop around `Dial`.
type Transport interface {
	Dial(ctx context.Context, auth *ClientAuth) (TransportConn, error)
}

type TransportConn interface {
	WriteEnvelope(envelope *Envelope) error
	// blocks until the next envelope or a read error
	ReadEnvelope() (*Envelope, error)
	Close() error
}

type WebsocketTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	WriteTimeout       time.Duration
}

func DefaultWebsocketTransportSettings() *WebsocketTransportSettings {
	return &WebsocketTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		WriteTimeout:       5 * time.Second,
	}
}

type WebsocketTransport struct {
	platformUrl string
	settings    *WebsocketTransportSettings
}

func NewWebsocketTransportWithDefaults(platformUrl string) *WebsocketTransport {
	return NewWebsocketTransport(platformUrl, DefaultWebsocketTransportSettings())
}

func NewWebsocketTransport(platformUrl string, settings *WebsocketTransportSettings) *WebsocketTransport {
	return &WebsocketTransport{
		platformUrl: platformUrl,
		settings:    settings,
	}
}

func (self *WebsocketTransport) Dial(ctx context.Context, auth *ClientAuth) (TransportConn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, self.platformUrl, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	// first envelope authenticates. The gateway echoes the auth envelope back
	// on success and closes otherwise.
	authEnvelope := &Envelope{
		Event: EventAuth,
		Payload: map[string]any{
			"token":       auth.ByJwt,
			"instance_id": auth.InstanceId.String(),
			"app_version": auth.AppVersion,
		},
	}
	authBytes, err := json.Marshal(authEnvelope)
	if err != nil {
		return nil, err
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	switch messageType {
	case websocket.TextMessage:
		ack := &Envelope{}
		if err := json.Unmarshal(message, ack); err != nil {
			return nil, err
		}
		if ack.Event != EventAuth {
			return nil, fmt.Errorf("Auth response error: %s.", ack.Event)
		}
	default:
		return nil, errors.New("Auth response error.")
	}
	// back to blocking reads
	ws.SetReadDeadline(time.Time{})

	success = true
	glog.V(1).Infof("[t]connect %s\n", self.platformUrl)
	return &websocketConn{
		ws:       ws,
		settings: self.settings,
	}, nil
}

type websocketConn struct {
	ws       *websocket.Conn
	settings *WebsocketTransportSettings
}

func (self *websocketConn) WriteEnvelope(envelope *Envelope) error {
	envelopeBytes, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := self.ws.WriteMessage(websocket.TextMessage, envelopeBytes); err != nil {
		// note that for websocket a deadline timeout cannot be recovered
		glog.Infof("[ts]-> error = %s\n", err)
		return err
	}
	glog.V(2).Infof("[ts]%s->\n", envelope.Event)
	return nil
}

func (self *websocketConn) ReadEnvelope() (*Envelope, error) {
	for {
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			closeErr := &websocket.CloseError{}
			if errors.As(err, &closeErr) {
				// the server ended the connection
				return nil, &ServerCloseError{
					Code: closeErr.Code,
					Text: closeErr.Text,
				}
			}
			return nil, err
		}

		switch messageType {
		case websocket.TextMessage:
			envelope := &Envelope{}
			if err := json.Unmarshal(message, envelope); err != nil {
				glog.Infof("[tr]bad envelope = %s\n", err)
				continue
			}
			glog.V(2).Infof("[tr]%s<-\n", envelope.Event)
			return envelope, nil
		default:
			glog.V(2).Infof("[tr]other=%d<-\n", messageType)
		}
	}
}

func (self *websocketConn) Close() error {
	return self.ws.Close()
}
