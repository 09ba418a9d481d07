package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stegophone/stegophone/internal/board"
	"github.com/stegophone/stegophone/internal/latch"
	"github.com/stegophone/stegophone/internal/rn52"
	"github.com/stegophone/stegophone/internal/server"
	"github.com/stegophone/stegophone/web"
)

func main() {
	configPath := flag.String("config", server.DefaultConfigPath, "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated RN52 and board")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] stegophone starting")

	// Load config
	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.Module.Driver = "sim"
		cfg.Board.Type = "sim"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[main] invalid config: %v", err)
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	// Open the serial link with exponential backoff
	var sim *rn52.SimModule
	var link rn52.Link
	if cfg.Module.Driver == "sim" {
		sim = rn52.NewSimModule(true)
		link = sim
	} else {
		link = openWithRetry(ctx, cfg.Module.Driver, cfg.Module.Serial(), 10)
		if link == nil {
			return
		}
	}
	defer link.Close()

	// GPIO lines
	var brd board.Board
	switch cfg.Board.Type {
	case "sim":
		var before func()
		if sim != nil {
			before = sim.Advance
		}
		brd = board.NewSim(time.Duration(cfg.Board.SimIntervalMs)*time.Millisecond, before)
	default:
		rpi, err := board.NewRPi(cfg.Board.Config)
		if err != nil {
			log.Fatalf("[main] gpio: %v", err)
		}
		brd = rpi
	}
	defer brd.Close()
	log.Printf("[main] board: %s", brd.Name())

	// Power the module and give it time to print its greeting
	if err := brd.EnableModule(); err != nil {
		log.Printf("[main] enable module: %v", err)
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(cfg.Module.HandshakeSettle()):
	}

	ctl := rn52.NewController(link, cfg.Module.ControllerConfig())
	if ctl.Init() {
		// Keep serving so the fault is visible on the dashboard
		log.Printf("[main] rn52 handshake failed, module I/O disabled")
	} else {
		log.Printf("[main] rn52 command mode active")
	}

	// The board's watcher is the only writer of the latch; the poll loop
	// is the only reader.
	events := &latch.Latch{}
	srv := server.New(cfg, ctl, brd, events, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// openWithRetry opens the serial port with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, logs the attempt count
// against maxAttempts, then keeps retrying at the max interval. It returns
// nil only when ctx is cancelled.
func openWithRetry(ctx context.Context, driver string, sc rn52.SerialConfig, maxAttempts int) rn52.Link {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		link, err := rn52.Open(driver, sc)
		if err == nil {
			log.Printf("[rn52] port open (attempt %d)", attempt+1)
			return link
		}

		attempt++
		if attempt <= maxAttempts {
			log.Printf("[rn52] open attempt %d/%d failed: %v (retry in %v)",
				attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[rn52] open attempt %d failed: %v (retry in %v)",
				attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
