package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// MarketApi seeds initial domain state over REST on demand. Retry policy for
// these calls belongs to the caller, not here.
type MarketApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewMarketApi(apiUrl string) *MarketApi {
	return NewMarketApiWithContext(context.Background(), apiUrl)
}

func NewMarketApiWithContext(ctx context.Context, apiUrl string) *MarketApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &MarketApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *MarketApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *MarketApi) Close() {
	self.cancel()
}

type GetNotificationsCallback apiCallback[*GetNotificationsResult]

type GetNotificationsResult struct {
	Notifications []*NotificationRecord `json:"notifications"`
}

func (self *MarketApi) GetNotifications(callback GetNotificationsCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/notifications", self.apiUrl),
		self.byJwt,
		&GetNotificationsResult{},
		callback,
	)
}

type GetUnreadCountCallback apiCallback[*GetUnreadCountResult]

type GetUnreadCountResult struct {
	UnreadCount int `json:"unread_count"`
}

func (self *MarketApi) GetUnreadCount(callback GetUnreadCountCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/notifications/unread-count", self.apiUrl),
		self.byJwt,
		&GetUnreadCountResult{},
		callback,
	)
}

type GetCartCallback apiCallback[*GetCartResult]

type GetCartResult struct {
	Items []*CartItem `json:"items"`
}

func (self *MarketApi) GetCart(callback GetCartCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/cart", self.apiUrl),
		self.byJwt,
		&GetCartResult{},
		callback,
	)
}

type MarkNotificationsReadCallback apiCallback[*MarkNotificationsReadResult]

type MarkNotificationsReadArgs struct {
	Ids []string `json:"ids"`
}

type MarkNotificationsReadResult struct {
	UnreadCount int `json:"unread_count"`
}

func (self *MarketApi) MarkNotificationsRead(markRead *MarkNotificationsReadArgs, callback MarkNotificationsReadCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/notifications/mark-read", self.apiUrl),
		markRead,
		self.byJwt,
		&MarkNotificationsReadResult{},
		callback,
	)
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	responseBodyBytes, err := io.ReadAll(r.Body)
	r.Body.Close()

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
