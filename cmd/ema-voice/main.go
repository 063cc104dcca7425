// Command ema-voice serves real-time voice conversations over websockets.
//
// Usage:
//
//	ema-voice serve [-config path]
//	ema-voice create-session [-config path] -user id
//	ema-voice issue-token [-config path] -user id [-ttl 1h]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koscakluka/ema-voice/core/auth"
	"github.com/koscakluka/ema-voice/core/storage/sqlstore"
	"github.com/koscakluka/ema-voice/internal/config"
	"github.com/koscakluka/ema-voice/internal/telemetry"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "create-session":
		err = runCreateSession(os.Args[2:])
	case "issue-token":
		err = runIssueToken(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}

	if err != nil {
		slog.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: ema-voice <command> [flags]

commands:
  serve           run the voice server
  create-session  create an active session for a user
  issue-token     sign an access token for a user`)
}

func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	configPath := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	return loader.Load()
}

func runServe(args []string) error {
	cfg, err := loadConfig(flag.NewFlagSet("serve", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Telemetry.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.Init(ctx, cfg.Telemetry, os.Stdout)
	if err != nil {
		slog.Warn("telemetry partially initialized", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			slog.Warn("failed to flush telemetry", "error", err)
		}
	}()

	server, err := newServer(cfg)
	if err != nil {
		return err
	}
	return server.run(ctx)
}

func runCreateSession(args []string) error {
	fs := flag.NewFlagSet("create-session", flag.ExitOnError)
	userID := fs.String("user", "", "owner of the session")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *userID == "" {
		return errors.New("-user is required")
	}

	store, err := sqlstore.Open(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()

	session, err := store.CreateSession(context.Background(), *userID)
	if err != nil {
		return err
	}
	fmt.Println(session.ID)
	return nil
}

func runIssueToken(args []string) error {
	fs := flag.NewFlagSet("issue-token", flag.ExitOnError)
	userID := fs.String("user", "", "subject of the token")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *userID == "" {
		return errors.New("-user is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}

	token, err := auth.IssueToken(auth.JWTConfig{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	}, *userID, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
