package realtime

import (
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const StoreKeySocket = "socket"

type SocketState struct {
	Connected          bool
	Connecting         bool
	Reconnecting       bool
	ReconnectAttempts  int
	LastConnectedAt    time.Time
	LastDisconnectedAt time.Time
	LastError          string
	// user ids currently online. Independent of the connection lifecycle:
	// a brief reconnect does not clear presence, only an explicit offline
	// event for a user does.
	OnlineUsers map[string]bool
}

type SocketSubscribeFunction func(state *SocketState)

// PresenceStore mirrors the connection manager's lifecycle into the reactive
// store for UI consumption, and tracks the online-user set.
type PresenceStore struct {
	store *Store
}

func NewPresenceStore(store *Store) *PresenceStore {
	presenceStore := &PresenceStore{
		store: store,
	}
	store.Set(StoreKeySocket, &SocketState{
		OnlineUsers: map[string]bool{},
	})
	return presenceStore
}

func (self *PresenceStore) State() *SocketState {
	if value, ok := self.store.Get(StoreKeySocket); ok {
		if state, ok := value.(*SocketState); ok {
			return state
		}
	}
	return &SocketState{
		OnlineUsers: map[string]bool{},
	}
}

func (self *PresenceStore) Subscribe(callback SocketSubscribeFunction) func() {
	return self.store.Subscribe(StoreKeySocket, func(newValue any, oldValue any) {
		state, ok := newValue.(*SocketState)
		if !ok {
			state = &SocketState{
				OnlineUsers: map[string]bool{},
			}
		}
		callback(state)
	})
}

// mirrors a lifecycle snapshot, preserving the online-user set
func (self *PresenceStore) SetConnectionInfo(info *ConnectionInfo) {
	state := self.State()
	self.store.Set(StoreKeySocket, &SocketState{
		Connected:          info.Connected,
		Connecting:         info.Connecting,
		Reconnecting:       info.Reconnecting,
		ReconnectAttempts:  info.ReconnectAttempts,
		LastConnectedAt:    info.LastConnectedAt,
		LastDisconnectedAt: info.LastDisconnectedAt,
		LastError:          info.LastError,
		OnlineUsers:        state.OnlineUsers,
	})
}

func (self *PresenceStore) UserOnline(userId string) {
	state := self.State()
	if state.OnlineUsers[userId] {
		return
	}
	next := *state
	next.OnlineUsers = maps.Clone(state.OnlineUsers)
	next.OnlineUsers[userId] = true
	self.store.Set(StoreKeySocket, &next)
}

func (self *PresenceStore) UserOffline(userId string) {
	state := self.State()
	if !state.OnlineUsers[userId] {
		return
	}
	next := *state
	next.OnlineUsers = maps.Clone(state.OnlineUsers)
	delete(next.OnlineUsers, userId)
	self.store.Set(StoreKeySocket, &next)
}

func (self *PresenceStore) IsOnline(userId string) bool {
	return self.State().OnlineUsers[userId]
}

func (self *PresenceStore) OnlineUserIds() []string {
	userIds := maps.Keys(self.State().OnlineUsers)
	slices.Sort(userIds)
	return userIds
}
