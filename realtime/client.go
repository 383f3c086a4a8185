package realtime

import (
	"context"

	"github.com/golang/glog"
)

type ClientSettings struct {
	ConnectionManagerSettings  *ConnectionManagerSettings
	WebsocketTransportSettings *WebsocketTransportSettings
	EventBridgeSettings        *EventBridgeSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		ConnectionManagerSettings:  DefaultConnectionManagerSettings(),
		WebsocketTransportSettings: DefaultWebsocketTransportSettings(),
		EventBridgeSettings:        DefaultEventBridgeSettings(),
	}
}

// Client wires the sync core together at application startup: one reactive
// store, one connection manager, one domain store per slice, and the event
// bridge between them. Single-instance semantics without hidden globals -
// construct one and inject it where needed.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	store         *Store
	manager       *ConnectionManager
	notifications *NotificationStore
	cart          *CartStore
	presence      *PresenceStore
	bridge        *EventBridge
	api           *MarketApi
}

func NewClientWithDefaults(
	ctx context.Context,
	platformUrl string,
	apiUrl string,
	auth *ClientAuth,
) *Client {
	return NewClient(ctx, platformUrl, apiUrl, auth, DefaultClientSettings())
}

func NewClient(
	ctx context.Context,
	platformUrl string,
	apiUrl string,
	auth *ClientAuth,
	settings *ClientSettings,
) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	store := NewStore()
	transport := NewWebsocketTransport(platformUrl, settings.WebsocketTransportSettings)
	manager := NewConnectionManager(cancelCtx, transport, auth, settings.ConnectionManagerSettings)
	notifications := NewNotificationStore(store)
	cart := NewCartStore(store)
	presence := NewPresenceStore(store)
	bridge := NewEventBridge(manager, notifications, presence, settings.EventBridgeSettings)
	api := NewMarketApiWithContext(cancelCtx, apiUrl)
	if auth != nil {
		api.SetByJwt(auth.ByJwt)
	}

	return &Client{
		ctx:           cancelCtx,
		cancel:        cancel,
		store:         store,
		manager:       manager,
		notifications: notifications,
		cart:          cart,
		presence:      presence,
		bridge:        bridge,
		api:           api,
	}
}

func (self *Client) Store() *Store {
	return self.store
}

func (self *Client) Manager() *ConnectionManager {
	return self.manager
}

func (self *Client) Notifications() *NotificationStore {
	return self.notifications
}

func (self *Client) Cart() *CartStore {
	return self.cart
}

func (self *Client) Presence() *PresenceStore {
	return self.presence
}

func (self *Client) Bridge() *EventBridge {
	return self.bridge
}

func (self *Client) Api() *MarketApi {
	return self.api
}

func (self *Client) Connect() *Connection {
	return self.manager.InitSocket()
}

// seeds the notification and cart slices from the REST api. Push events
// arriving while a seed is in flight land on top of the seeded state in
// dispatch order.
func (self *Client) Seed() {
	self.api.GetNotifications(NewApiCallback(func(result *GetNotificationsResult, err error) {
		if err != nil {
			glog.Infof("[client]seed notifications error = %s\n", err)
			return
		}
		self.notifications.Set(result.Notifications)
	}))
	self.api.GetCart(NewApiCallback(func(result *GetCartResult, err error) {
		if err != nil {
			glog.Infof("[client]seed cart error = %s\n", err)
			return
		}
		self.cart.Set(result.Items)
	}))
}

// explicit logout: tear down the connection, clear recorded state, and
// reset every store slice
func (self *Client) Logout() {
	self.manager.Reset()
	self.api.SetByJwt("")
	self.store.Reset()
}

func (self *Client) Close() {
	self.bridge.Close()
	self.manager.Close()
	self.api.Close()
	self.cancel()
}
