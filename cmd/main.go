package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"dm-relay/bus"
	"dm-relay/contract"
	"dm-relay/internal"
	"dm-relay/moderation"
	"dm-relay/queue"
	"dm-relay/repositories"
	"dm-relay/runtime"
	"dm-relay/runtime/workers"
	"dm-relay/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run initializes all components, manages the server lifecycle, and
// centralizes error reporting, so that deferred cleanup (database close,
// bus drain) always executes before the process exits.
func run() error {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if err := validator.New().Struct(config); err != nil {
		return fmt.Errorf("config validation error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Database (BadgerDB)
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
		WithLoggingLevel(badger.INFO))
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	repository, err := repositories.NewMessageRepository(db, log, config.LimitMessages)
	if err != nil {
		return fmt.Errorf("repository init failed: %w", err)
	}
	defer repository.Close()

	// 3. Fan-out bus
	var relayBus contract.Bus
	switch config.NatsURL {
	case "":
		log.Warn("No NATS_URL configured, using the in-process bus (single instance only)")
		memory := bus.NewMemory()
		defer memory.Close()
		relayBus = memory
	default:
		nats, err := bus.ConnectNats(config.NatsURL, "dm-relay", log)
		if err != nil {
			return fmt.Errorf("bus connection failed: %w", err)
		}
		defer nats.Close()
		relayBus = nats
	}

	// 4. Moderation
	var moderator *moderation.Moderator
	if config.ModerationEnabled {
		replacement, err := CharacterRune(config.CharReplacement)
		if err != nil {
			return err
		}
		moderator, err = moderation.NewModerator(moderation.DefaultWords(), replacement)
		if err != nil {
			return fmt.Errorf("moderator init failed: %w", err)
		}
	}

	// 5. Delivery engine & supervision
	sup := workers.NewSupervisor(log, config.RestartInterval)
	presence := runtime.NewPresence()

	var outbox *queue.Outbox
	mode := runtime.PersistenceMode(config.PersistenceMode)
	if mode == runtime.PersistQueued {
		outbox, err = queue.NewOutbox(db, log)
		if err != nil {
			return fmt.Errorf("outbox init failed: %w", err)
		}
		defer outbox.Close()
		sup.Add(workers.NewOutboxDrain(outbox, repository, relayBus, log, config.RetryInterval))
	}

	engine, err := runtime.NewEngine(log, presence, repository, relayBus,
		mode, outbox, moderator, config.SinkTimeout)
	if err != nil {
		return fmt.Errorf("engine init failed: %w", err)
	}
	if err := engine.Start(); err != nil {
		return fmt.Errorf("bus subscription failed: %w", err)
	}

	// 6. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	supDone := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(supDone)
	}()

	if config.DebugPort != 0 {
		internal.StartDebugServer(db, config.DebugPort, func() map[string]any {
			stats := map[string]any{"connected": presence.Size()}
			if outbox != nil {
				if pending, err := outbox.Len(); err == nil {
					stats["outbox_pending"] = pending
				}
			}
			return stats
		}, log)
	}

	// 7. WebSocket transport
	server := transport.NewServer(log, engine, config.ConnectionBufferSize)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.Handle)

	address := fmt.Sprintf("%s:%d", config.Host, config.Port)
	httpServer := &http.Server{Addr: address, Handler: mux}

	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting WebSocket server", "address", address, "at", time.Now().UTC())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	// 8. Wait for Stop or Error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		return err
	}

	// 9. Final Cleanup
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	sup.Stop()
	<-supDone
	log.Info("Program stopped cleanly")

	return nil
}
