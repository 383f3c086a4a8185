package realtime

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func testByJwt(userId string) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id": userId,
	})
	byJwt, err := token.SignedString([]byte("test-signing-key"))
	if err != nil {
		panic(err)
	}
	return byJwt
}

func testAuth(userId string) *ClientAuth {
	return &ClientAuth{
		ByJwt:      testByJwt(userId),
		InstanceId: NewId(),
		AppVersion: "0.0.0-test",
	}
}

func testSettings() *ConnectionManagerSettings {
	settings := DefaultConnectionManagerSettings()
	settings.ReconnectDelay = 5 * time.Millisecond
	settings.HeartbeatInterval = 1 * time.Hour
	return settings
}

// polls until the condition holds or the timeout elapses
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	endTime := time.Now().Add(timeout)
	for time.Now().Before(endTime) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

type fakeConn struct {
	stateLock sync.Mutex
	writes    []*Envelope

	readCh    chan *Envelope
	readErrCh chan error
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		writes:    []*Envelope{},
		readCh:    make(chan *Envelope, 32),
		readErrCh: make(chan error, 1),
		done:      make(chan struct{}),
	}
}

func (self *fakeConn) WriteEnvelope(envelope *Envelope) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	select {
	case <-self.done:
		return errors.New("closed")
	default:
	}
	self.writes = append(self.writes, envelope)
	return nil
}

func (self *fakeConn) ReadEnvelope() (*Envelope, error) {
	select {
	case envelope := <-self.readCh:
		return envelope, nil
	case err := <-self.readErrCh:
		return nil, err
	case <-self.done:
		return nil, errors.New("closed")
	}
}

func (self *fakeConn) Close() error {
	self.closeOnce.Do(func() {
		close(self.done)
	})
	return nil
}

func (self *fakeConn) Writes() []*Envelope {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	writes := make([]*Envelope, len(self.writes))
	copy(writes, self.writes)
	return writes
}

func (self *fakeConn) WriteEvents() []string {
	events := []string{}
	for _, envelope := range self.Writes() {
		events = append(events, envelope.Event)
	}
	return events
}

// breaks the read pump the way a dropped transport would
func (self *fakeConn) Break(err error) {
	self.readErrCh <- err
}

func (self *fakeConn) Push(envelope *Envelope) {
	self.readCh <- envelope
}

type fakeTransport struct {
	stateLock sync.Mutex

	dialErr error
	dials   int
	conns   []*fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		conns: []*fakeConn{},
	}
}

func (self *fakeTransport) Dial(ctx context.Context, auth *ClientAuth) (TransportConn, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.dials += 1
	if self.dialErr != nil {
		return nil, self.dialErr
	}
	conn := newFakeConn()
	self.conns = append(self.conns, conn)
	return conn, nil
}

func (self *fakeTransport) SetDialErr(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.dialErr = err
}

func (self *fakeTransport) Dials() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.dials
}

func (self *fakeTransport) Conn(i int) *fakeConn {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.conns) <= i {
		return nil
	}
	return self.conns[i]
}

func (self *fakeTransport) ConnCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.conns)
}

func TestInitSocketWithoutAuth(t *testing.T) {
	transport := newFakeTransport()
	manager := NewConnectionManager(context.Background(), transport, nil, testSettings())
	defer manager.Close()

	// pre-login init fails silently with a nil handle
	connection := manager.InitSocket()
	assert.Equal(t, connection, nil)
	assert.Equal(t, manager.State(), ConnectionIdle)
	assert.Equal(t, transport.Dials(), 0)

	manager.SetAuth(&ClientAuth{})
	connection = manager.InitSocket()
	assert.Equal(t, connection, nil)
	assert.Equal(t, transport.Dials(), 0)
}

func TestConnectLifecycle(t *testing.T) {
	transport := newFakeTransport()
	manager := NewConnectionManager(context.Background(), transport, testAuth("u1"), testSettings())
	defer manager.Close()

	states := []ConnectionState{}
	var statesLock sync.Mutex
	manager.OnStateChange(func(event *StateChangeEvent) {
		statesLock.Lock()
		states = append(states, event.NewState)
		statesLock.Unlock()
	})

	connection := manager.InitSocket()
	assert.Equal(t, connection == nil, false)
	waitFor(t, 1*time.Second, func() bool {
		return manager.State() == ConnectionConnected
	})

	// the second init returns the running handle
	assert.Equal(t, manager.InitSocket(), connection)
	assert.Equal(t, transport.Dials(), 1)

	info := manager.ConnectionInfo()
	assert.Equal(t, info.Connected, true)
	assert.Equal(t, info.Connecting, false)
	assert.Equal(t, info.Reconnecting, false)
	assert.Equal(t, info.ReconnectAttempts, 0)
	assert.Equal(t, info.LastConnectedAt.IsZero(), false)

	// identity is announced on connect
	conn := transport.Conn(0)
	waitFor(t, 1*time.Second, func() bool {
		return 0 < len(conn.Writes())
	})
	writes := conn.Writes()
	assert.Equal(t, writes[0].Event, EventUserJoin)
	assert.Equal(t, writes[0].Payload["userId"], "u1")

	manager.Disconnect()
	assert.Equal(t, manager.State(), ConnectionIdle)

	statesLock.Lock()
	assert.Equal(t, states[0], ConnectionConnecting)
	assert.Equal(t, states[1], ConnectionConnected)
	assert.Equal(t, states[len(states)-1], ConnectionIdle)
	statesLock.Unlock()
}

func TestReconnectFailedAfterMaxAttempts(t *testing.T) {
	transport := newFakeTransport()
	transport.SetDialErr(errors.New("connection refused"))
	manager := NewConnectionManager(context.Background(), transport, testAuth("u1"), testSettings())
	defer manager.Close()

	notices := []*Notice{}
	var noticesLock sync.Mutex
	manager.OnNotice(func(notice *Notice) {
		noticesLock.Lock()
		notices = append(notices, notice)
		noticesLock.Unlock()
	})

	manager.InitSocket()
	waitFor(t, 2*time.Second, func() bool {
		return manager.State() == ConnectionFailed
	})
	assert.Equal(t, transport.Dials(), 10)
	assert.Equal(t, manager.ConnectionInfo().ReconnectAttempts, 10)

	// no further automatic attempts
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, transport.Dials(), 10)

	noticesLock.Lock()
	// attempts past the threshold surface transient notices, exhaustion a fatal one
	assert.Equal(t, notices[len(notices)-1].Level, NoticeFatal)
	transientCount := 0
	for _, notice := range notices {
		if notice.Level == NoticeTransient {
			transientCount += 1
		}
	}
	assert.Equal(t, transientCount, 7)
	noticesLock.Unlock()

	// an explicit re-init is required to retry
	transport.SetDialErr(nil)
	connection := manager.InitSocket()
	assert.Equal(t, connection == nil, false)
	waitFor(t, 1*time.Second, func() bool {
		return manager.State() == ConnectionConnected
	})
	assert.Equal(t, transport.Dials(), 11)
	assert.Equal(t, manager.ConnectionInfo().ReconnectAttempts, 0)
}

func TestSendQueuesWhileDisconnectedAndFlushesFifo(t *testing.T) {
	transport := newFakeTransport()
	manager := NewConnectionManager(context.Background(), transport, testAuth("u1"), testSettings())
	defer manager.Close()

	// queue 51 commands while idle. The first is evicted.
	for i := 0; i < 51; i += 1 {
		result := manager.Send(fmt.Sprintf("evt-%d", i), map[string]any{"i": i})
		assert.Equal(t, result, SendResultQueued)
	}
	assert.Equal(t, manager.QueueSize(), 50)

	manager.InitSocket()
	waitFor(t, 1*time.Second, func() bool {
		return manager.State() == ConnectionConnected && manager.QueueSize() == 0
	})

	conn := transport.Conn(0)
	waitFor(t, 1*time.Second, func() bool {
		return 51 <= len(conn.Writes())
	})
	events := conn.WriteEvents()
	// user:join first, then the queue in original enqueue order
	assert.Equal(t, events[0], EventUserJoin)
	for i := 0; i < 50; i += 1 {
		assert.Equal(t, events[1+i], fmt.Sprintf("evt-%d", i+1))
	}

	// connected sends transmit immediately
	result := manager.Send("direct", map[string]any{})
	assert.Equal(t, result, SendResultSent)
	assert.Equal(t, manager.QueueSize(), 0)
}

func TestRoomsRejoinWholesaleOnReconnect(t *testing.T) {
	transport := newFakeTransport()
	manager := NewConnectionManager(context.Background(), transport, testAuth("u1"), testSettings())
	defer manager.Close()

	// rooms are not recorded while disconnected
	assert.Equal(t, manager.JoinRoom("order-0"), false)

	manager.InitSocket()
	waitFor(t, 1*time.Second, func() bool {
		return manager.State() == ConnectionConnected
	})

	assert.Equal(t, manager.JoinRoom("order-2"), true)
	assert.Equal(t, manager.JoinRoom("order-1"), true)
	assert.Equal(t, manager.JoinRoom("order-3"), true)
	assert.Equal(t, manager.LeaveRoom("order-3"), true)
	assert.Equal(t, manager.ConnectionInfo().ActiveRooms, []RoomId{"order-1", "order-2"})

	// drop the transport, the manager reconnects on its own
	transport.Conn(0).Break(errors.New("transport dropped"))
	waitFor(t, 1*time.Second, func() bool {
		return transport.ConnCount() == 2 && manager.State() == ConnectionConnected
	})

	conn := transport.Conn(1)
	waitFor(t, 1*time.Second, func() bool {
		return 3 <= len(conn.Writes())
	})
	events := conn.WriteEvents()
	assert.Equal(t, events[0], EventUserJoin)
	// membership is re-established wholesale from the recorded set
	assert.Equal(t, events[1], EventJoinConversation)
	assert.Equal(t, events[2], EventJoinConversation)
	assert.Equal(t, conn.Writes()[1].Payload["orderId"], "order-1")
	assert.Equal(t, conn.Writes()[2].Payload["orderId"], "order-2")
}

func TestServerCloseReconnectsImmediately(t *testing.T) {
	transport := newFakeTransport()
	settings := testSettings()
	// a delay long enough that only an immediate retry can pass the test
	settings.ReconnectDelay = 1 * time.Minute
	manager := NewConnectionManager(context.Background(), transport, testAuth("u1"), settings)
	defer manager.Close()

	manager.InitSocket()
	waitFor(t, 1*time.Second, func() bool {
		return manager.State() == ConnectionConnected
	})

	transport.Conn(0).Break(&ServerCloseError{
		Code: 1001,
		Text: "going away",
	})
	waitFor(t, 1*time.Second, func() bool {
		return transport.ConnCount() == 2 && manager.State() == ConnectionConnected
	})
}

func TestInboundDispatchOrder(t *testing.T) {
	transport := newFakeTransport()
	manager := NewConnectionManager(context.Background(), transport, testAuth("u1"), testSettings())
	defer manager.Close()

	received := []int{}
	var receivedLock sync.Mutex
	manager.OnEvent("tick", func(payload map[string]any) {
		receivedLock.Lock()
		received = append(received, int(payload["i"].(float64)))
		receivedLock.Unlock()
	})
	// a second handler for the same event is additive
	secondCount := 0
	unsubSecond := manager.OnEvent("tick", func(payload map[string]any) {
		receivedLock.Lock()
		secondCount += 1
		receivedLock.Unlock()
	})

	manager.InitSocket()
	waitFor(t, 1*time.Second, func() bool {
		return manager.State() == ConnectionConnected
	})

	conn := transport.Conn(0)
	for i := 0; i < 8; i += 1 {
		conn.Push(&Envelope{
			Event:   "tick",
			Payload: map[string]any{"i": float64(i)},
		})
	}
	waitFor(t, 1*time.Second, func() bool {
		receivedLock.Lock()
		defer receivedLock.Unlock()
		return len(received) == 8
	})
	receivedLock.Lock()
	assert.Equal(t, received, []int{0, 1, 2, 3, 4, 5, 6, 7})
	assert.Equal(t, secondCount, 8)
	receivedLock.Unlock()

	unsubSecond()
	conn.Push(&Envelope{
		Event:   "tick",
		Payload: map[string]any{"i": float64(8)},
	})
	waitFor(t, 1*time.Second, func() bool {
		receivedLock.Lock()
		defer receivedLock.Unlock()
		return len(received) == 9
	})
	receivedLock.Lock()
	assert.Equal(t, secondCount, 8)
	receivedLock.Unlock()
}

func TestHeartbeat(t *testing.T) {
	transport := newFakeTransport()
	settings := testSettings()
	settings.HeartbeatInterval = 10 * time.Millisecond
	manager := NewConnectionManager(context.Background(), transport, testAuth("u1"), settings)
	defer manager.Close()

	manager.InitSocket()
	waitFor(t, 1*time.Second, func() bool {
		return manager.State() == ConnectionConnected
	})

	conn := transport.Conn(0)
	waitFor(t, 1*time.Second, func() bool {
		pingCount := 0
		for _, event := range conn.WriteEvents() {
			if event == EventPing {
				pingCount += 1
			}
		}
		return 3 <= pingCount
	})

	// pings stop when the connection goes away
	manager.Disconnect()
	time.Sleep(30 * time.Millisecond)
	before := len(conn.WriteEvents())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, len(conn.WriteEvents()), before)
}

func TestProtocolErrorNotice(t *testing.T) {
	transport := newFakeTransport()
	manager := NewConnectionManager(context.Background(), transport, testAuth("u1"), testSettings())
	defer manager.Close()

	notices := []*Notice{}
	var noticesLock sync.Mutex
	manager.OnNotice(func(notice *Notice) {
		noticesLock.Lock()
		notices = append(notices, notice)
		noticesLock.Unlock()
	})

	manager.InitSocket()
	waitFor(t, 1*time.Second, func() bool {
		return manager.State() == ConnectionConnected
	})

	transport.Conn(0).Push(&Envelope{
		Event:   EventError,
		Payload: map[string]any{"message": "listing unavailable"},
	})
	waitFor(t, 1*time.Second, func() bool {
		noticesLock.Lock()
		defer noticesLock.Unlock()
		return len(notices) == 1
	})
	noticesLock.Lock()
	assert.Equal(t, notices[0].Level, NoticeTransient)
	assert.Equal(t, notices[0].Message, "listing unavailable")
	noticesLock.Unlock()

	// a protocol error is non-fatal
	assert.Equal(t, manager.State(), ConnectionConnected)
}
