// Command axcall is a diagnostic client for the bridge: issue one call
// against a running hub and print the result, optionally staying connected
// to stream events for a topic.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/overlaykit/go-axbridge/internal/logx"
	"github.com/overlaykit/go-axbridge/pkg/bridge"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:8765/ws", "hub websocket url")
	method := flag.String("method", "hub.ping", "method to call")
	args := flag.String("args", "", "JSON arguments for the call")
	timeout := flag.Duration("timeout", 5*time.Second, "per-call response deadline")
	watch := flag.String("watch", "", "stay connected and print events for this topic")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logx.Configure(*logLevel)
	log := logx.Log

	var callArgs any
	if *args != "" {
		var parsed json.RawMessage
		if err := json.Unmarshal([]byte(*args), &parsed); err != nil {
			log.Fatal().Err(err).Msg("-args is not valid JSON")
		}
		callArgs = parsed
	}

	c := bridge.New(*url,
		bridge.WithLogger(log),
		bridge.WithCallTimeout(*timeout),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := c.Connect(ctx); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("connect failed")
	}
	cancel()
	defer c.Disconnect()

	result, err := c.Call(context.Background(), *method, callArgs)
	if err != nil {
		log.Fatal().Err(err).Str("method", *method).Msg("call failed")
	}
	fmt.Println(string(result))

	if *watch == "" {
		return
	}

	off := c.On(*watch, func(data json.RawMessage) {
		fmt.Printf("%s %s\n", *watch, data)
	})
	defer off()

	sig, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sig.Done()
	_ = os.Stdout.Sync()
}
