package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"toolrelay/internal/infra/config"
	"toolrelay/internal/infra/logger"
	"toolrelay/internal/infra/tracer"
	"toolrelay/internal/usecase/eventbus"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

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
	case "serve":
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	case "encrypt":
		if err := runEncrypt(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println("toolrelay", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'toolrelay --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`toolrelay - tool invocation relay for chat clients

USAGE:
    toolrelay [COMMAND] [FLAGS]

COMMANDS:
    serve            Run the gateway (default)
    encrypt VALUE    Encrypt a secret for use as "enc:..." in the config
    version          Print the version

FLAGS:
    -h, --help       Show this help message
    --config PATH    Config file path (default: ./config.yaml)

CONFIGURATION:
    Environment: TOOLRELAY_* variables override config
    TOOLRELAY_CONFIG_KEY holds the passphrase for encrypted secrets`)
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
	if p := os.Getenv(config.EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func runEncrypt(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: toolrelay encrypt VALUE")
	}
	passphrase := os.Getenv(config.ConfigKeyEnv)
	if passphrase == "" {
		return fmt.Errorf("%s is not set", config.ConfigKeyEnv)
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 4. Conversation store
	st, storeCloser, err := initStore(cfg.Store, log)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer storeCloser()

	// 5. Tools
	tools, err := initTools(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	defer tools.Close()

	// 6. Runtime (conversations, processor, scheduler, gateway)
	rt, err := initRuntime(ctx, cfg, st, tools, bus, log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}

	rt.Scheduler.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- rt.Gateway.Start(ctx)
	}()
	log.Info("toolrelay started", "version", version, "addr", cfg.Gateway.Addr, "store", cfg.Store.Driver)

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	rt.shutdown(shutdownCtx, log)

	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}
