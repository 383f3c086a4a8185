package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type ConnectionState int

const (
	ConnectionIdle ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionReconnecting
	ConnectionFailed
)

func (self ConnectionState) String() string {
	switch self {
	case ConnectionIdle:
		return "idle"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionReconnecting:
		return "reconnecting"
	case ConnectionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// transition guard. `Failed` is terminal until an explicit re-init, and
// `Idle` is reachable from anywhere via an explicit disconnect.
func canTransition(from ConnectionState, to ConnectionState) bool {
	if to == ConnectionIdle {
		return true
	}
	switch from {
	case ConnectionIdle:
		return to == ConnectionConnecting
	case ConnectionConnecting:
		return to == ConnectionConnected || to == ConnectionReconnecting || to == ConnectionFailed
	case ConnectionConnected:
		return to == ConnectionReconnecting
	case ConnectionReconnecting:
		return to == ConnectionConnected || to == ConnectionFailed
	case ConnectionFailed:
		return to == ConnectionConnecting
	default:
		return false
	}
}

type StateChangeEvent struct {
	OldState ConnectionState
	NewState ConnectionState
	// the error that caused the transition, if any
	Err error
}

type NoticeLevel int

const (
	// the client is retrying on its own. Show and clear automatically.
	NoticeTransient NoticeLevel = iota
	// retries are exhausted. Requires an explicit reload to recover.
	NoticeFatal
)

type Notice struct {
	Level   NoticeLevel
	Message string
}

// snapshot of the connection lifecycle for UI consumption
type ConnectionInfo struct {
	Connected          bool
	Connecting         bool
	Reconnecting       bool
	ReconnectAttempts  int
	LastConnectedAt    time.Time
	LastDisconnectedAt time.Time
	LastError          string
	ActiveRooms        []RoomId
}

type SendResult int

const (
	SendResultSent SendResult = iota
	SendResultQueued
)

type EventFunction func(payload map[string]any)
type StateChangeFunction func(event *StateChangeEvent)
type NoticeFunction func(notice *Notice)

type ConnectionManagerSettings struct {
	// liveness ping cadence while connected. The ping exists to keep
	// intermediary proxies from timing out an idle connection, not to
	// detect disconnection.
	HeartbeatInterval time.Duration
	// fixed delay between reconnect attempts
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	// attempts past this surface a transient retrying notice
	RetryNoticeThreshold int
	SendQueueCapacity    int
}

func DefaultConnectionManagerSettings() *ConnectionManagerSettings {
	return &ConnectionManagerSettings{
		HeartbeatInterval:    30 * time.Second,
		ReconnectDelay:       2 * time.Second,
		MaxReconnectAttempts: 10,
		RetryNoticeThreshold: 2,
		SendQueueCapacity:    50,
	}
}

// ConnectionManager owns exactly one logical connection to the push gateway.
// It survives transient network failure without losing queued outbound work:
// sends while disconnected are queued (bounded, drop-oldest) and flushed in
// FIFO order on reconnect, and room membership is re-established wholesale
// from the recorded set rather than replayed as individual joins.
type ConnectionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport Transport
	settings  *ConnectionManagerSettings

	stateLock          sync.Mutex
	auth               *ClientAuth
	state              ConnectionState
	reconnectAttempts  int
	lastConnectedAt    time.Time
	lastDisconnectedAt time.Time
	lastError          error
	activeRooms        map[RoomId]bool
	conn               TransportConn
	runCancel          context.CancelFunc
	connection         *Connection

	sendQueue *sendQueue

	eventCallbacks       map[string]*CallbackList[EventFunction]
	stateChangeCallbacks *CallbackList[StateChangeFunction]
	noticeCallbacks      *CallbackList[NoticeFunction]
}

func NewConnectionManagerWithDefaults(
	ctx context.Context,
	transport Transport,
	auth *ClientAuth,
) *ConnectionManager {
	return NewConnectionManager(ctx, transport, auth, DefaultConnectionManagerSettings())
}

func NewConnectionManager(
	ctx context.Context,
	transport Transport,
	auth *ClientAuth,
	settings *ConnectionManagerSettings,
) *ConnectionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ConnectionManager{
		ctx:                  cancelCtx,
		cancel:               cancel,
		transport:            transport,
		settings:             settings,
		auth:                 auth,
		state:                ConnectionIdle,
		activeRooms:          map[RoomId]bool{},
		sendQueue:            newSendQueue(settings.SendQueueCapacity),
		eventCallbacks:       map[string]*CallbackList[EventFunction]{},
		stateChangeCallbacks: NewCallbackList[StateChangeFunction](),
		noticeCallbacks:      NewCallbackList[NoticeFunction](),
	}
}

// handle for one logical connection
type Connection struct {
	manager *ConnectionManager
}

func (self *Connection) Manager() *ConnectionManager {
	return self.manager
}

// the auth token arrives after login, not at construction
func (self *ConnectionManager) SetAuth(auth *ClientAuth) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.auth = auth
}

// InitSocket starts the connection run loop and returns a handle.
// Without an auth credential this is a silent no-op returning nil - the
// pre-login state is normal, not an error. If a connection is already
// running the existing handle is returned. After `Failed`, calling
// InitSocket again is the explicit re-init that starts over.
func (self *ConnectionManager) InitSocket() *Connection {
	self.stateLock.Lock()
	if self.auth == nil || self.auth.ByJwt == "" {
		self.stateLock.Unlock()
		glog.V(1).Infof("[cm]init without auth\n")
		return nil
	}
	if self.runCancel != nil {
		if self.state != ConnectionFailed {
			connection := self.connection
			self.stateLock.Unlock()
			return connection
		}
		self.runCancel()
		self.runCancel = nil
	}
	runCtx, runCancel := context.WithCancel(self.ctx)
	self.runCancel = runCancel
	self.reconnectAttempts = 0
	connection := &Connection{
		manager: self,
	}
	self.connection = connection
	self.stateLock.Unlock()

	self.setState(ConnectionConnecting, nil)
	go self.run(runCtx)
	return connection
}

// stops the run loop and returns to `Idle`. Queued work and recorded rooms
// are kept for the next init.
func (self *ConnectionManager) Disconnect() {
	self.stateLock.Lock()
	runCancel := self.runCancel
	self.runCancel = nil
	conn := self.conn
	self.conn = nil
	self.connection = nil
	self.stateLock.Unlock()

	if runCancel != nil {
		runCancel()
	}
	if conn != nil {
		conn.Close()
	}
	self.setState(ConnectionIdle, nil)
}

// explicit logout. Disconnects and clears all recorded state.
func (self *ConnectionManager) Reset() {
	self.Disconnect()

	self.stateLock.Lock()
	self.auth = nil
	self.activeRooms = map[RoomId]bool{}
	self.reconnectAttempts = 0
	self.lastError = nil
	self.lastConnectedAt = time.Time{}
	self.lastDisconnectedAt = time.Time{}
	self.stateLock.Unlock()

	self.sendQueue.Clear()
}

func (self *ConnectionManager) Close() {
	self.Disconnect()
	self.cancel()
}

func (self *ConnectionManager) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *ConnectionManager) ConnectionInfo() *ConnectionInfo {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	lastError := ""
	if self.lastError != nil {
		lastError = self.lastError.Error()
	}
	rooms := maps.Keys(self.activeRooms)
	slices.Sort(rooms)
	return &ConnectionInfo{
		Connected:          self.state == ConnectionConnected,
		Connecting:         self.state == ConnectionConnecting,
		Reconnecting:       self.state == ConnectionReconnecting,
		ReconnectAttempts:  self.reconnectAttempts,
		LastConnectedAt:    self.lastConnectedAt,
		LastDisconnectedAt: self.lastDisconnectedAt,
		LastError:          lastError,
		ActiveRooms:        rooms,
	}
}

func (self *ConnectionManager) QueueSize() int {
	return self.sendQueue.Size()
}

// Send transmits immediately when connected, else records the command in the
// outbound queue for the next connection. Never raises.
func (self *ConnectionManager) Send(event string, payload map[string]any) SendResult {
	self.stateLock.Lock()
	state := self.state
	conn := self.conn
	self.stateLock.Unlock()

	if state == ConnectionConnected && conn != nil {
		envelope := &Envelope{
			Event:   event,
			Payload: payload,
		}
		if err := conn.WriteEnvelope(envelope); err == nil {
			return SendResultSent
		}
		// write failed. The read pump will notice the drop shortly.
		// Keep the command for the next connection.
	}

	self.sendQueue.Add(&OutboundEnvelope{
		EnvelopeId: NewId(),
		Event:      event,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	})
	glog.V(1).Infof("[cm]queue %s (%d)\n", event, self.sendQueue.Size())
	return SendResultQueued
}

// JoinRoom requires a connected state. Rooms are not queued - membership is
// re-established wholesale on reconnect from the recorded set.
func (self *ConnectionManager) JoinRoom(roomId RoomId) bool {
	self.stateLock.Lock()
	state := self.state
	conn := self.conn
	if state == ConnectionConnected && conn != nil {
		self.activeRooms[roomId] = true
	}
	self.stateLock.Unlock()

	if state != ConnectionConnected || conn == nil {
		glog.Infof("[cm]join %s while %s\n", roomId, state)
		return false
	}
	conn.WriteEnvelope(&Envelope{
		Event: EventJoinConversation,
		Payload: map[string]any{
			"orderId": roomId,
		},
	})
	return true
}

func (self *ConnectionManager) LeaveRoom(roomId RoomId) bool {
	self.stateLock.Lock()
	state := self.state
	conn := self.conn
	delete(self.activeRooms, roomId)
	self.stateLock.Unlock()

	if state != ConnectionConnected || conn == nil {
		glog.Infof("[cm]leave %s while %s\n", roomId, state)
		return false
	}
	conn.WriteEnvelope(&Envelope{
		Event: EventLeaveConversation,
		Payload: map[string]any{
			"orderId": roomId,
		},
	})
	return true
}

// registers a typed inbound handler. Multiple handlers per event are additive.
func (self *ConnectionManager) OnEvent(event string, callback EventFunction) func() {
	self.stateLock.Lock()
	callbacks, ok := self.eventCallbacks[event]
	if !ok {
		callbacks = NewCallbackList[EventFunction]()
		self.eventCallbacks[event] = callbacks
	}
	self.stateLock.Unlock()

	return callbacks.Add(callback)
}

func (self *ConnectionManager) OnStateChange(callback StateChangeFunction) func() {
	return self.stateChangeCallbacks.Add(callback)
}

func (self *ConnectionManager) OnNotice(callback NoticeFunction) func() {
	return self.noticeCallbacks.Add(callback)
}

func (self *ConnectionManager) run(runCtx context.Context) {
	for {
		if runCtx.Err() != nil {
			return
		}

		self.stateLock.Lock()
		auth := self.auth
		self.stateLock.Unlock()

		conn, err := self.transport.Dial(runCtx, auth)
		if err != nil {
			if runCtx.Err() != nil {
				return
			}
			attempts := self.connectFailed(err)
			if self.settings.MaxReconnectAttempts <= attempts {
				// terminal for this connection instance
				return
			}
			select {
			case <-runCtx.Done():
				return
			case <-time.After(self.settings.ReconnectDelay):
			}
			continue
		}

		self.connected(conn)
		self.flushAndRejoin(conn, auth)

		heartbeatCtx, heartbeatCancel := context.WithCancel(runCtx)
		go self.heartbeat(heartbeatCtx, conn)

		// read pump. Inbound envelopes dispatch in delivery order.
		var readErr error
		for {
			envelope, err := conn.ReadEnvelope()
			if err != nil {
				readErr = err
				break
			}
			self.dispatch(envelope)
		}
		heartbeatCancel()
		conn.Close()

		if runCtx.Err() != nil {
			return
		}

		self.disconnected(readErr)

		serverClose := &ServerCloseError{}
		if errors.As(readErr, &serverClose) {
			// the server hung up on purpose. Try again right away.
			continue
		}
		select {
		case <-runCtx.Done():
			return
		case <-time.After(self.settings.ReconnectDelay):
		}
	}
}

func (self *ConnectionManager) connectFailed(err error) int {
	self.stateLock.Lock()
	self.reconnectAttempts += 1
	attempts := self.reconnectAttempts
	self.lastError = err
	self.stateLock.Unlock()

	glog.Infof("[cm]connect error (attempt %d) = %s\n", attempts, err)

	if self.settings.MaxReconnectAttempts <= attempts {
		self.setState(ConnectionFailed, err)
		self.notice(&Notice{
			Level:   NoticeFatal,
			Message: "Connection lost. Reload to reconnect.",
		})
	} else {
		self.setState(ConnectionReconnecting, err)
		if self.settings.RetryNoticeThreshold < attempts {
			self.notice(&Notice{
				Level:   NoticeTransient,
				Message: "Connection lost. Retrying...",
			})
		}
	}
	return attempts
}

func (self *ConnectionManager) connected(conn TransportConn) {
	self.stateLock.Lock()
	self.conn = conn
	self.stateLock.Unlock()

	self.setState(ConnectionConnected, nil)
}

func (self *ConnectionManager) disconnected(err error) {
	self.stateLock.Lock()
	self.conn = nil
	self.lastDisconnectedAt = time.Now()
	self.lastError = err
	self.stateLock.Unlock()

	glog.Infof("[cm]disconnected = %s\n", err)
	self.setState(ConnectionReconnecting, err)
}

// on (re)connect: announce identity, flush the outbound queue in FIFO order,
// then re-join recorded rooms wholesale
func (self *ConnectionManager) flushAndRejoin(conn TransportConn, auth *ClientAuth) {
	if auth != nil {
		if userId, err := auth.UserId(); err == nil && userId != "" {
			conn.WriteEnvelope(&Envelope{
				Event: EventUserJoin,
				Payload: map[string]any{
					"userId": userId,
				},
			})
		}
	}

	envelopes := self.sendQueue.DrainAll()
	for i, envelope := range envelopes {
		err := conn.WriteEnvelope(&Envelope{
			Event:   envelope.Event,
			Payload: envelope.Payload,
		})
		if err != nil {
			// keep the unsent tail in order for the next connection
			self.sendQueue.Requeue(envelopes[i:])
			return
		}
		glog.V(1).Infof("[cm]flush %s\n", envelope.Event)
	}

	self.stateLock.Lock()
	rooms := maps.Keys(self.activeRooms)
	self.stateLock.Unlock()
	slices.Sort(rooms)
	for _, roomId := range rooms {
		conn.WriteEnvelope(&Envelope{
			Event: EventJoinConversation,
			Payload: map[string]any{
				"orderId": roomId,
			},
		})
		glog.V(1).Infof("[cm]rejoin %s\n", roomId)
	}
}

func (self *ConnectionManager) heartbeat(ctx context.Context, conn TransportConn) {
	ticker := time.NewTicker(self.settings.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := conn.WriteEnvelope(&Envelope{
				Event:   EventPing,
				Payload: map[string]any{},
			})
			if err != nil {
				return
			}
			glog.V(2).Infof("[cm]ping\n")
		}
	}
}

func (self *ConnectionManager) dispatch(envelope *Envelope) {
	switch envelope.Event {
	case EventPong:
		glog.V(2).Infof("[cm]pong\n")
		return
	case EventError:
		// protocol error from the server. Non-fatal.
		message, _ := envelope.Payload["message"].(string)
		glog.Infof("[cm]server error = %s\n", message)
		self.notice(&Notice{
			Level:   NoticeTransient,
			Message: message,
		})
		return
	}

	self.stateLock.Lock()
	callbacks, ok := self.eventCallbacks[envelope.Event]
	self.stateLock.Unlock()

	if !ok {
		glog.V(2).Infof("[cm]unhandled %s\n", envelope.Event)
		return
	}
	for _, callback := range callbacks.Get() {
		callback := callback
		safeCallback("[cm]", func() {
			callback(envelope.Payload)
		})
	}
}

func (self *ConnectionManager) setState(to ConnectionState, err error) {
	self.stateLock.Lock()
	from := self.state
	if from == to {
		self.stateLock.Unlock()
		return
	}
	if !canTransition(from, to) {
		self.stateLock.Unlock()
		glog.Infof("[cm]invalid transition %s -> %s\n", from, to)
		return
	}
	self.state = to
	if to == ConnectionConnected {
		// connected and connecting are mutually exclusive, and the attempt
		// counter resets exactly when connected becomes true
		self.reconnectAttempts = 0
		self.lastConnectedAt = time.Now()
		self.lastError = nil
	}
	self.stateLock.Unlock()

	glog.V(1).Infof("[cm]%s -> %s\n", from, to)
	event := &StateChangeEvent{
		OldState: from,
		NewState: to,
		Err:      err,
	}
	for _, callback := range self.stateChangeCallbacks.Get() {
		callback := callback
		safeCallback("[cm]", func() {
			callback(event)
		})
	}
}

func (self *ConnectionManager) notice(notice *Notice) {
	for _, callback := range self.noticeCallbacks.Get() {
		callback := callback
		safeCallback("[cm]", func() {
			callback(notice)
		})
	}
}
