package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/marketmesh/realtime/realtime"
)

const RealtimeCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Marketplace realtime control.

The default urls are:
    api_url: https://api.marketmesh.io
    connect_url: wss://push.marketmesh.io/ws

If --jwt is not given, the token is prompted without echo.

Usage:
    realtimectl tail [--connect_url=<connect_url>] [--api_url=<api_url>]
        [--jwt=<jwt>]
        [--room=<room>...]
    realtimectl send [--connect_url=<connect_url>] [--jwt=<jwt>]
        --event=<event>
        [<payload>]
    realtimectl notifications [--api_url=<api_url>] [--jwt=<jwt>]
    realtimectl whoami [--jwt=<jwt>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --connect_url=<connect_url>
    --api_url=<api_url>
    --jwt=<jwt>                  Your platform JWT.
    --event=<event>              Outbound event name.
    --room=<room>                Conversation room to join after connect.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RealtimeCtlVersion)
	if err != nil {
		panic(err)
	}

	if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if notifications_, _ := opts.Bool("notifications"); notifications_ {
		notifications(opts)
	} else if whoami_, _ := opts.Bool("whoami"); whoami_ {
		whoami(opts)
	}
}

func connectUrl(opts docopt.Opts) string {
	if connectUrl, err := opts.String("--connect_url"); err == nil && connectUrl != "" {
		return connectUrl
	}
	return "wss://push.marketmesh.io/ws"
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		return apiUrl
	}
	return "https://api.marketmesh.io"
}

func jwt(opts docopt.Opts) string {
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		return jwt
	}
	fmt.Fprint(os.Stderr, "JWT: ")
	tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("Could not read JWT (%s).", err)
	}
	return string(tokenBytes)
}

func newClient(ctx context.Context, opts docopt.Opts) *realtime.Client {
	auth := &realtime.ClientAuth{
		ByJwt:      jwt(opts),
		InstanceId: realtime.NewId(),
		AppVersion: fmt.Sprintf("realtimectl %s", RealtimeCtlVersion),
	}
	return realtime.NewClientWithDefaults(ctx, connectUrl(opts), apiUrl(opts), auth)
}

// connect and print pushed events until interrupted
func tail(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newClient(cancelCtx, opts)
	defer client.Close()

	manager := client.Manager()
	manager.OnStateChange(func(event *realtime.StateChangeEvent) {
		Out.Printf("[state] %s -> %s", event.OldState, event.NewState)
	})
	manager.OnNotice(func(notice *realtime.Notice) {
		Out.Printf("[notice] %s", notice.Message)
	})
	for _, event := range []string{
		realtime.EventNotificationNew,
		realtime.EventUserOnline,
		realtime.EventUserOffline,
		realtime.EventMessageReceived,
	} {
		event := event
		manager.OnEvent(event, func(payload map[string]any) {
			payloadJson, _ := json.Marshal(payload)
			Out.Printf("[%s] %s", event, payloadJson)
		})
	}

	rooms, _ := opts["--room"].([]string)
	if 0 < len(rooms) {
		manager.OnStateChange(func(event *realtime.StateChangeEvent) {
			if event.NewState == realtime.ConnectionConnected {
				for _, room := range rooms {
					manager.JoinRoom(room)
				}
			}
		})
	}

	connection := manager.InitSocket()
	if connection == nil {
		Err.Fatalf("Missing JWT.")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

// one-shot outbound command
func send(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event, _ := opts.String("--event")
	payload := map[string]any{}
	if payloadStr, err := opts.String("<payload>"); err == nil && payloadStr != "" {
		if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
			Err.Fatalf("Invalid payload json (%s).", err)
		}
	}

	client := newClient(cancelCtx, opts)
	defer client.Close()

	manager := client.Manager()
	sent := make(chan struct{})
	var sentOnce sync.Once
	manager.OnStateChange(func(stateChange *realtime.StateChangeEvent) {
		if stateChange.NewState == realtime.ConnectionConnected {
			manager.Send(event, payload)
			sentOnce.Do(func() {
				close(sent)
			})
		}
	})

	if connection := manager.InitSocket(); connection == nil {
		Err.Fatalf("Missing JWT.")
	}
	<-sent
	Out.Printf("sent %s", event)
}

// list notifications over the rest api
func notifications(opts docopt.Opts) {
	api := realtime.NewMarketApi(apiUrl(opts))
	defer api.Close()
	api.SetByJwt(jwt(opts))

	callback, resultCh := realtime.NewBlockingApiCallback[*realtime.GetNotificationsResult]()
	api.GetNotifications(callback)
	result := <-resultCh
	if result.Error != nil {
		Err.Fatalf("Could not list notifications (%s).", result.Error)
	}
	for _, record := range result.Result.Notifications {
		read := " "
		if record.IsRead {
			read = "r"
		}
		Out.Printf("%s [%s] %s: %s", read, record.CreatedAt.Format("2006-01-02 15:04"), record.Title, record.Message)
	}
}

func whoami(opts docopt.Opts) {
	byJwt, err := realtime.ParseByJwtUnverified(jwt(opts))
	if err != nil {
		Err.Fatalf("Could not parse JWT (%s).", err)
	}
	Out.Printf("user_id: %s", byJwt.UserId)
	if byJwt.UserName != "" {
		Out.Printf("user_name: %s", byJwt.UserName)
	}
}
