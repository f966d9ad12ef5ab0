package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"troupe/internal/infra/config"
	"troupe/internal/infra/logger"
	"troupe/internal/infra/tracer"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	case "encrypt":
		if err := runEncrypt(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'troupe --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`troupe - multi-character chat with dispatcher-driven turn taking

USAGE:
    troupe [COMMAND] [FLAGS]

COMMANDS:
    doctor            Run health checks on your setup
    encrypt VALUE     Print VALUE encrypted with TROUPE_CONFIG_KEY, for use as "enc:..."

    (no command) - Serve the JSON API (and the WebSocket gateway when enabled)

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./troupe.yaml)

CONFIGURATION:
    Config file: ./troupe.yaml (missing file = built-in cast, Coze backend)
    Environment: TROUPE_* variables override config; COZE_API_TOKEN and
                 COZE_API_BASE are honoured as fallbacks

EXAMPLES:
    COZE_API_TOKEN=pat_... troupe
    TROUPE_BACKEND_TYPE=scripted troupe       # offline demo
    troupe --config /etc/troupe/troupe.yaml
    TROUPE_CONFIG_KEY=... troupe encrypt pat_...`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("TROUPE_CONFIG"); p != "" {
		return p
	}
	return config.DefaultPath
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Backend, store, orchestrator, scheduler, servers
	rt, err := initRuntime(cfg, log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			log.Error("runtime cleanup error", "error", err)
		}
	}()

	if err := rt.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	if rt.Gateway != nil {
		go func() {
			if err := rt.Gateway.Start(ctx); err != nil {
				log.Error("gateway server error", "error", err)
				cancel()
			}
		}()
	}

	if err := rt.HTTP.Start(ctx); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	log.Info("troupe started",
		"backend", rt.Backend.Name(),
		"store", cfg.Store.Type,
		"characters", len(cfg.Cast.Characters),
		"http", rt.HTTP.Addr(),
		"gateway", cfg.Gateway.Enabled,
	)

	<-ctx.Done()
	log.Info("troupe shutting down")
	return nil
}

func runEncrypt(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: troupe encrypt VALUE")
	}
	passphrase := os.Getenv("TROUPE_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("TROUPE_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}
