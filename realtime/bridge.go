package realtime

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

type MessageFunction func(payload map[string]any)

type EventBridgeSettings struct {
	// quiet period before the batched mark-read command goes out
	MarkReadDebounce time.Duration
	// quiet period before a typing status goes out
	TypingDebounce time.Duration
}

func DefaultEventBridgeSettings() *EventBridgeSettings {
	return &EventBridgeSettings{
		MarkReadDebounce: 1000 * time.Millisecond,
		TypingDebounce:   300 * time.Millisecond,
	}
}

// EventBridge is the only component that both listens to connection manager
// inbound events and calls domain store mutators. Inbound push events route
// to the owning store; local user actions mutate the store and emit the
// matching outbound command. Message events are forwarded to conversation
// subscribers rather than absorbed into a store - the messaging UI owns them.
type EventBridge struct {
	manager       *ConnectionManager
	notifications *NotificationStore
	presence      *PresenceStore
	settings      *EventBridgeSettings

	messageCallbacks *CallbackList[MessageFunction]

	stateLock        sync.Mutex
	pendingReadIds   []string
	markReadDebounce *Debouncer
	typingDebounce   *Debouncer

	unsubscribes []func()
}

func NewEventBridgeWithDefaults(
	manager *ConnectionManager,
	notifications *NotificationStore,
	presence *PresenceStore,
) *EventBridge {
	return NewEventBridge(manager, notifications, presence, DefaultEventBridgeSettings())
}

func NewEventBridge(
	manager *ConnectionManager,
	notifications *NotificationStore,
	presence *PresenceStore,
	settings *EventBridgeSettings,
) *EventBridge {
	bridge := &EventBridge{
		manager:          manager,
		notifications:    notifications,
		presence:         presence,
		settings:         settings,
		messageCallbacks: NewCallbackList[MessageFunction](),
		markReadDebounce: NewDebouncer(settings.MarkReadDebounce),
		typingDebounce:   NewDebouncer(settings.TypingDebounce),
	}

	bridge.unsubscribes = []func(){
		manager.OnEvent(EventNotificationNew, bridge.notificationNew),
		manager.OnEvent(EventUserOnline, bridge.userOnline),
		manager.OnEvent(EventUserOffline, bridge.userOffline),
		manager.OnEvent(EventMessageReceived, bridge.messageReceived),
		manager.OnStateChange(bridge.stateChange),
	}
	return bridge
}

func (self *EventBridge) Close() {
	for _, unsubscribe := range self.unsubscribes {
		unsubscribe()
	}
	self.unsubscribes = nil
	self.markReadDebounce.Stop()
	self.typingDebounce.Stop()
}

// conversation UI subscription. Message events pass through the bridge
// without touching a domain store.
func (self *EventBridge) OnMessage(callback MessageFunction) func() {
	return self.messageCallbacks.Add(callback)
}

// local action: flip the record now, tell the server after the quiet period.
// Rapid calls coalesce into one command carrying all flipped ids.
func (self *EventBridge) MarkNotificationRead(id string) {
	self.notifications.MarkAsRead(id)

	self.stateLock.Lock()
	self.pendingReadIds = append(self.pendingReadIds, id)
	self.stateLock.Unlock()

	self.markReadDebounce.Call(self.flushPendingRead)
}

func (self *EventBridge) MarkAllNotificationsRead() {
	state := self.notifications.State()
	self.notifications.MarkAllAsRead()

	self.stateLock.Lock()
	for _, record := range state.Notifications {
		if !record.IsRead {
			self.pendingReadIds = append(self.pendingReadIds, record.Id)
		}
	}
	self.stateLock.Unlock()

	self.markReadDebounce.Call(self.flushPendingRead)
}

func (self *EventBridge) flushPendingRead() {
	self.stateLock.Lock()
	ids := self.pendingReadIds
	self.pendingReadIds = nil
	self.stateLock.Unlock()

	if len(ids) == 0 {
		return
	}
	self.manager.Send(EventNotificationRead, map[string]any{
		"ids": ids,
	})
	glog.V(1).Infof("[br]mark read %d\n", len(ids))
}

func (self *EventBridge) JoinConversation(orderId string) bool {
	return self.manager.JoinRoom(orderId)
}

func (self *EventBridge) LeaveConversation(orderId string) bool {
	return self.manager.LeaveRoom(orderId)
}

func (self *EventBridge) SendMessage(orderId string, fields map[string]any) SendResult {
	payload := map[string]any{
		"orderId": orderId,
	}
	for k, v := range fields {
		payload[k] = v
	}
	return self.manager.Send(EventMessageSend, payload)
}

// typing indicators coalesce. Only the last status inside the window is sent.
func (self *EventBridge) SetTyping(orderId string, isTyping bool) {
	self.typingDebounce.Call(func() {
		self.manager.Send(EventTypingStatus, map[string]any{
			"orderId":  orderId,
			"isTyping": isTyping,
		})
	})
}

func (self *EventBridge) notificationNew(payload map[string]any) {
	record := parseNotificationRecord(payload)
	if record.Id == "" {
		glog.Infof("[br]notification without id\n")
		return
	}
	self.notifications.Add(record)
}

func (self *EventBridge) userOnline(payload map[string]any) {
	if userId, ok := payload["userId"].(string); ok && userId != "" {
		self.presence.UserOnline(userId)
	}
}

func (self *EventBridge) userOffline(payload map[string]any) {
	if userId, ok := payload["userId"].(string); ok && userId != "" {
		self.presence.UserOffline(userId)
	}
}

func (self *EventBridge) messageReceived(payload map[string]any) {
	for _, callback := range self.messageCallbacks.Get() {
		callback := callback
		safeCallback("[br]", func() {
			callback(payload)
		})
	}
}

func (self *EventBridge) stateChange(event *StateChangeEvent) {
	self.presence.SetConnectionInfo(self.manager.ConnectionInfo())
}

func parseNotificationRecord(payload map[string]any) *NotificationRecord {
	record := &NotificationRecord{}
	if id, ok := payload["id"].(string); ok {
		record.Id = id
	}
	if t, ok := payload["type"].(string); ok {
		record.Type = t
	}
	if title, ok := payload["title"].(string); ok {
		record.Title = title
	}
	if message, ok := payload["message"].(string); ok {
		record.Message = message
	}
	if isRead, ok := payload["is_read"].(bool); ok {
		record.IsRead = isRead
	}
	record.CreatedAt = time.Now()
	if createdAt, ok := payload["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			record.CreatedAt = t
		}
	}
	return record
}
