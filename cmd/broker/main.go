// Command broker runs the nsb message broker daemon: it wires the
// registry, TX/RX buffers, optional payload store, dispatcher, and
// connection server, then serves client connections until it receives an
// EXIT envelope or an operating-system shutdown signal.
//
// Usage: broker <config-file>
//
// Exit codes (spec §6): 0 on clean EXIT-triggered shutdown; non-zero if
// the configuration file is missing/unparsable or the listen bind fails.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/tenzoki/nsb/internal/config"
	"github.com/tenzoki/nsb/internal/dispatch"
	"github.com/tenzoki/nsb/internal/logging"
	"github.com/tenzoki/nsb/internal/metrics"
	"github.com/tenzoki/nsb/internal/queue"
	"github.com/tenzoki/nsb/internal/registry"
	"github.com/tenzoki/nsb/internal/server"
	"github.com/tenzoki/nsb/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config-file>\n", os.Args[0])
		return 1
	}

	cfg, err := config.Load(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: %v\n", err)
		return 1
	}

	sessionLogger, err := logging.New("logs", false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker: %v\n", err)
		return 1
	}
	logging.SetGlobalLogger(sessionLogger)
	defer sessionLogger.Close()

	sessionLogger.UserMessage("nsb broker starting (mode=%s, simulator_mode=%s, use_store=%v)",
		cfg.System.Mode, cfg.System.SimulatorMode, cfg.Database.UseDB)

	var payloadStore store.Store
	if cfg.Database.UseDB {
		bs, err := store.NewBadgerStore(store.DefaultConfig(storeDir(cfg)))
		if err != nil {
			sessionLogger.Error("failed to open payload store: %v", err)
			return 1
		}
		defer bs.Close()
		payloadStore = bs
	}

	m, err := metrics.New(otel.GetMeterProvider(), otel.GetTracerProvider())
	if err != nil {
		sessionLogger.Error("failed to initialize metrics: %v", err)
		return 1
	}

	reg := registry.New(cfg.System.SimulatorMode == config.ModeSystemWide)
	tx := queue.New()
	rx := queue.New()

	running := true
	srv := server.New(cfg.Listen.Address, time.Duration(cfg.Listen.TickSeconds)*time.Second, nil, reg, &running)
	d := dispatch.New(reg, tx, rx, payloadStore, cfg, m, srv, &running)
	srv.Dispatcher = d

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		sessionLogger.UserMessage("received signal %s, shutting down", sig)
		running = false
		cancel()
	}()

	sessionLogger.UserMessage("listening on %s", cfg.Listen.Address)
	if err := srv.Run(ctx); err != nil {
		sessionLogger.Error("server exited: %v", err)
		return 1
	}

	sessionLogger.UserMessage("nsb broker shut down cleanly")
	return 0
}

// storeDir chooses the on-disk location for the embedded payload store.
// The broker opens this same database itself (for invariant-6 enforcement
// and the store-liveness check on FETCH/RECEIVE, per internal/dispatch);
// database.* also gets replayed to clients in the INIT config reply so a
// client that wants to pre-store a payload before SEND, or check_out one
// after RECEIVE, can reach the same store directly instead of needing a
// broker RPC for it.
func storeDir(cfg *config.Config) string {
	if cfg.Database.DBNum > 0 {
		return fmt.Sprintf("data/store-%d", cfg.Database.DBNum)
	}
	return "data/store"
}
