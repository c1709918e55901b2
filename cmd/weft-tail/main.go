// Command weft-tail follows an instance's event stream from a weftd hub.
// It keeps a local SQLite cache of everything it has seen, reconciles that
// cache against the server's authoritative totals after every reconnect,
// and prints the active instance's stream to stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/weft/internal/client"
	"github.com/gosuda/weft/internal/event"
	"github.com/gosuda/weft/internal/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("weft-tail failed")
	}
}

func run() error {
	var (
		url      = flag.String("url", "ws://localhost:8080/ws/events", "WebSocket endpoint of the weftd hub")
		api      = flag.String("api", "http://localhost:8080", "base URL of the weftd server")
		token    = flag.String("token", os.Getenv("WEFT_TOKEN"), "bearer token (defaults to WEFT_TOKEN)")
		instance = flag.String("instance", "", "instance id to follow as the active stream")
		cacheDir = flag.String("cache", defaultCachePath(), "path of the local event cache")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cache, err := sqlite.Open(ctx, *cacheDir)
	if err != nil {
		return err
	}
	defer cache.Close()

	tracker := client.NewSessionTracker()
	reconciler := client.NewReconciler(cache, tracker)

	router := client.NewRouter(
		client.SinkFunc(printEnvelope),
		client.SinkFunc(func(_ context.Context, env event.Envelope) {
			log.Debug().
				Str("instance_id", env.InstanceID).
				Str("type", string(env.Type)).
				Msg("background event")
		}),
	)
	if *instance != "" {
		router.SetActiveInstance(*instance)
	}

	stateAPI := client.NewHTTPStateAPI(*api, *token, nil)

	manager := client.NewManager(client.Config{
		URL:   *url,
		Token: *token,
	}, tracker, stateAPI)

	manager.OnEnvelope(func(env event.Envelope) {
		reconciler.HandleEnvelope(ctx, env)
		router.Route(ctx, env)
	})
	manager.OnPermanentFailure(func(failErr error) {
		log.Error().Err(failErr).Msg("connection lost for good")
		cancel()
	})

	manager.Connect(ctx)
	defer manager.Disconnect()

	<-ctx.Done()
	return nil
}

// printEnvelope renders the active stream for a terminal.
func printEnvelope(_ context.Context, env event.Envelope) {
	if env.Type != event.EnvelopeAgentEvent || env.Event == nil {
		return
	}

	ev := env.Event
	switch {
	case ev.IsMessage():
		if ev.Message.IsPartial {
			fmt.Print(ev.Message.Content)
		} else {
			fmt.Println(ev.Message.Content)
		}
	case ev.IsToolUse():
		fmt.Printf("[tool] %s %s\n", ev.ToolUse.Tool, ev.ToolUse.Input)
	case ev.IsToolResult():
		if ev.ToolResult.IsError {
			fmt.Printf("[tool error] %s\n", ev.ToolResult.Error)
		}
	case ev.IsResult():
		if ev.Result.Usage != nil {
			fmt.Printf("[done] %d tokens\n", ev.Result.Usage.TotalTokens)
		} else {
			fmt.Println("[done]")
		}
	case ev.IsError():
		fmt.Printf("[error] %s\n", ev.Error.Message)
	case ev.IsStatus():
		fmt.Printf("[status] %s\n", ev.Status.Status)
	}
}

func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "weft-tail.db"
	}
	return home + "/.cache/weft/events.db"
}
