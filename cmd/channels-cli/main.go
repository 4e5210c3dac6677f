// Command channels-cli is a minimal demonstration client: it connects to a
// cluster, subscribes to one channel, and prints every event it receives.
// It exists to exercise the library end to end, not as a dashboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	channels "github.com/odinrt/channels-go"
	"github.com/odinrt/channels-go/internal/codec"
)

func main() {
	var (
		appKey       = flag.String("app-key", "", "app key, required")
		cluster      = flag.String("cluster", "", "Pusher-compatible cluster name, e.g. mt1")
		wsHost       = flag.String("ws-host", "", "explicit WebSocket host, overrides -cluster")
		channelName  = flag.String("channel", "", "channel to subscribe to")
		authEndpoint = flag.String("auth-endpoint", "", "channel authorization HTTP endpoint, required for private/presence channels")
		debug        = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if *channelName == "" {
		log.Fatal("channels-cli: -channel is required")
	}
	if *appKey == "" {
		log.Fatal("channels-cli: -app-key is required")
	}

	opts := []channels.Option{channels.WithCluster(*cluster)}
	if *wsHost != "" {
		opts = append(opts, channels.WithEndpoint(*wsHost, 443, true))
	}
	if *authEndpoint != "" {
		opts = append(opts, channels.WithAuthEndpoint(*authEndpoint))
	}
	if *debug {
		opts = append(opts, channels.WithDebug())
	}

	client, err := channels.NewClient(*appKey, opts...)
	if err != nil {
		log.Fatalf("channels-cli: building client: %v", err)
	}

	client.BindStateChange(func(from, to string) {
		fmt.Printf("[state] %s -> %s\n", from, to)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Connect(ctx)

	ch, err := client.Subscribe(ctx, *channelName, nil, nil)
	if err != nil {
		log.Fatalf("channels-cli: subscribing to %q: %v", *channelName, err)
	}

	ch.BindGlobal(func(frame codec.Frame) {
		fmt.Printf("[%s] %s %s\n", *channelName, frame.Event, string(frame.Data))
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("channels-cli: shutting down")
	client.Disconnect()
}
