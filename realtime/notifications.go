package realtime

import (
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

const StoreKeyNotifications = "notifications"

type NotificationRecord struct {
	Id        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

type NotificationState struct {
	// most recent first
	Notifications []*NotificationRecord
	UnreadCount   int
}

type NotificationSubscribeFunction func(state *NotificationState)

// NotificationStore is the sole writer of the "notifications" slice.
// `UnreadCount` is derived, never patched incrementally: every mutation
// recounts the unread records in the full collection so the count cannot
// drift from the collection.
type NotificationStore struct {
	store *Store
}

func NewNotificationStore(store *Store) *NotificationStore {
	notificationStore := &NotificationStore{
		store: store,
	}
	// seed an empty collection
	store.Set(StoreKeyNotifications, &NotificationState{
		Notifications: []*NotificationRecord{},
	})
	return notificationStore
}

func (self *NotificationStore) State() *NotificationState {
	if value, ok := self.store.Get(StoreKeyNotifications); ok {
		if state, ok := value.(*NotificationState); ok {
			return state
		}
	}
	return &NotificationState{
		Notifications: []*NotificationRecord{},
	}
}

func (self *NotificationStore) UnreadCount() int {
	return self.State().UnreadCount
}

func (self *NotificationStore) Subscribe(callback NotificationSubscribeFunction) func() {
	return self.store.Subscribe(StoreKeyNotifications, func(newValue any, oldValue any) {
		state, ok := newValue.(*NotificationState)
		if !ok {
			state = &NotificationState{
				Notifications: []*NotificationRecord{},
			}
		}
		callback(state)
	})
}

// replaces the collection wholesale
func (self *NotificationStore) Set(notifications []*NotificationRecord) {
	self.apply(slices.Clone(notifications))
}

// new notifications are always most recent first
func (self *NotificationStore) Add(record *NotificationRecord) {
	notifications := self.State().Notifications
	next := make([]*NotificationRecord, 0, len(notifications)+1)
	next = append(next, record)
	next = append(next, notifications...)
	self.apply(next)
	glog.V(1).Infof("[n]add %s (%s)\n", record.Id, record.Type)
}

func (self *NotificationStore) MarkAsRead(id string) {
	notifications := self.State().Notifications
	next := make([]*NotificationRecord, 0, len(notifications))
	for _, record := range notifications {
		if record.Id == id && !record.IsRead {
			read := *record
			read.IsRead = true
			next = append(next, &read)
		} else {
			next = append(next, record)
		}
	}
	self.apply(next)
}

func (self *NotificationStore) MarkAllAsRead() {
	notifications := self.State().Notifications
	next := make([]*NotificationRecord, 0, len(notifications))
	for _, record := range notifications {
		if record.IsRead {
			next = append(next, record)
		} else {
			read := *record
			read.IsRead = true
			next = append(next, &read)
		}
	}
	self.apply(next)
}

func (self *NotificationStore) Remove(id string) {
	notifications := self.State().Notifications
	next := make([]*NotificationRecord, 0, len(notifications))
	for _, record := range notifications {
		if record.Id != id {
			next = append(next, record)
		}
	}
	self.apply(next)
}

func (self *NotificationStore) apply(notifications []*NotificationRecord) {
	unreadCount := 0
	for _, record := range notifications {
		if !record.IsRead {
			unreadCount += 1
		}
	}
	self.store.Set(StoreKeyNotifications, &NotificationState{
		Notifications: notifications,
		UnreadCount:   unreadCount,
	})
}
