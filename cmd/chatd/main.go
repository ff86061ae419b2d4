package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ledzpl/linechat/internal/chat"
	"github.com/ledzpl/linechat/internal/config"
	"github.com/ledzpl/linechat/pkg/logging"
	"github.com/ledzpl/linechat/pkg/sshserver"
	"github.com/ledzpl/linechat/pkg/wsserver"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "chatd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("chatd", flag.ContinueOnError)
	configPath := flags.String("config", "", "Path to a YAML configuration file")
	envFile := flags.String("env-file", ".env", "Path to a .env file (ignored if missing)")
	addr := flags.String("addr", "", "TCP address for the chat server (default localhost:8080)")
	sshAddr := flags.String("ssh-addr", "", "TCP address for the SSH transport (disabled if empty)")
	hostKey := flags.String("host-key", "", "Path to the SSH host private key (auto-generated if missing)")
	wsAddr := flags.String("ws-addr", "", "TCP address for the WebSocket transport (disabled if empty)")
	maxSessions := flags.Int("max-sessions", 0, "Maximum concurrent connections (0 = unbounded)")
	logLevel := flags.String("log-level", "", "Log level: "+logging.LevelNames())
	logFormat := flags.String("log-format", "", "Log format: text or json")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		return err
	}
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "ssh-addr":
			cfg.SSHAddr = *sshAddr
		case "host-key":
			cfg.SSHHostKey = *hostKey
		case "ws-addr":
			cfg.WSAddr = *wsAddr
		case "max-sessions":
			cfg.MaxSessions = *maxSessions
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		}
	})
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}

	metrics := chat.NewMetrics()
	server := chat.NewServer(
		chat.WithLogger(logger),
		chat.WithMetrics(metrics),
		chat.WithMaxSessions(cfg.MaxSessions),
		chat.WithWriteTimeout(cfg.WriteTimeout),
		chat.WithMaxLineBytes(cfg.MaxLineBytes),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	transports := []func(context.Context) error{
		func(ctx context.Context) error { return server.Serve(ctx, ln) },
	}
	if cfg.SSHAddr != "" {
		signer, err := sshserver.LoadOrGenerateSigner(cfg.SSHHostKey)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("prepare host key: %w", err)
		}
		sshSrv := sshserver.New(cfg.SSHAddr, signer, server.HandleConn, logger)
		transports = append(transports, sshSrv.ListenAndServe)
	}
	if cfg.WSAddr != "" {
		wsSrv := wsserver.New(cfg.WSAddr, server.HandleConn,
			wsserver.WithLogger(logger),
			wsserver.WithAllowedOrigins(cfg.AllowedOrigins()...),
			wsserver.WithReadLimit(int64(cfg.MaxLineBytes)),
		)
		transports = append(transports, wsSrv.ListenAndServe)
	}

	metrics.StartPeriodicLog(ctx, logger, cfg.MetricsInterval)

	errc := make(chan error, len(transports))
	for _, serve := range transports {
		go func() { errc <- serve(ctx) }()
	}

	// The first transport to stop, whether by signal or by fault, stops the rest.
	var runErr error
	for i := range transports {
		err := <-errc
		if err != nil && !errors.Is(err, context.Canceled) && runErr == nil {
			runErr = err
		}
		if i == 0 {
			stop()
		}
	}
	if runErr == nil {
		logger.Info("shutting down")
	} else {
		logger.Error("transport failed", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("sessions still open after shutdown timeout", "err", err)
	}
	logger.Info("chatd stopped", slog.Any("metrics", metrics.Snapshot()))
	return runErr
}
