// Command fieldopsd is the fieldops server daemon. It serves the REST API
// and SSE notifications, runs the countdown sweeper, and can expose the
// dispatcher tools over MCP stdio.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/GoCodeAlone/fieldops/activity"
	"github.com/GoCodeAlone/fieldops/comms"
	"github.com/GoCodeAlone/fieldops/config"
	"github.com/GoCodeAlone/fieldops/db"
	"github.com/GoCodeAlone/fieldops/idle"
	"github.com/GoCodeAlone/fieldops/internal/version"
	"github.com/GoCodeAlone/fieldops/mcp"
	"github.com/GoCodeAlone/fieldops/server"
	"github.com/GoCodeAlone/fieldops/task"
)

func main() {
	configPath := flag.String("config", "fieldops.yaml", "path to config file")
	flag.Usage = usage
	flag.Parse()

	cmd := "serve"
	args := flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = cmdServe(*configPath)
	case "mcp":
		err = cmdMCP(*configPath, args)
	case "hash-password":
		err = cmdHashPassword(args)
	case "version":
		fmt.Printf("fieldopsd %s\n", version.String())
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `fieldopsd - fieldops server

Usage:
  fieldopsd [--config fieldops.yaml] <command>

Commands:
  serve                    run the HTTP server (default)
  mcp [--as <user>]        serve dispatcher tools over MCP stdio
  hash-password [<pw>]     print a bcrypt hash for auth.users[].password_hash
  version                  print version
`)
}

// app holds the services shared by serve and mcp.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB
	taskDB   *task.SQLiteStore
	ledger   *activity.Ledger
	records  *activity.SQLiteStore
	bus      *comms.InMemoryBus
	machine  *task.Machine
	tracker  *idle.Tracker
	location *time.Location
}

func newApp(ctx context.Context, configPath string, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.DefaultConfig()
		cfg.ApplyEnv()
		err = cfg.Validate()
	}
	if err != nil {
		return nil, err
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))
	loc, _ := cfg.Location()

	notifyTypes, err := parseNotifyTypes(cfg.Tracking.NotifyTypes)
	if err != nil {
		return nil, err
	}

	database, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, database, task.Schema, idle.Schema, activity.Schema); err != nil {
		database.Close()
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, db: database, location: loc, bus: comms.NewInMemoryBus()}
	if a.taskDB, err = task.NewSQLiteStore(database); err != nil {
		database.Close()
		return nil, err
	}
	sessions, err := idle.NewSQLiteStore(database)
	if err != nil {
		database.Close()
		return nil, err
	}
	if a.records, err = activity.NewSQLiteStore(database); err != nil {
		database.Close()
		return nil, err
	}

	a.ledger = activity.NewLedger(activity.LedgerConfig{
		Sink:        a.records,
		Notifier:    comms.NewNotifier(a.bus),
		NotifyTypes: notifyTypes,
		Logger:      logger,
	})
	a.machine = task.NewMachine(a.taskDB, a.ledger, logger)
	a.tracker = idle.NewTracker(sessions, a.ledger, loc, logger)
	return a, nil
}

// Close drains the ledger before closing the database.
func (a *app) Close() {
	a.ledger.Close()
	if err := a.db.Close(); err != nil {
		a.logger.Error("close database", slog.Any("err", err))
	}
}

func parseNotifyTypes(names []string) ([]activity.Type, error) {
	if len(names) == 0 {
		return nil, nil
	}
	types := make([]activity.Type, 0, len(names))
	for _, n := range names {
		t := activity.Type(n)
		if !t.Valid() {
			return nil, fmt.Errorf("tracking.notify_types: unknown type %q", n)
		}
		types = append(types, t)
	}
	return types, nil
}

func cmdServe(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configPath, os.Stdout)
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.Info("starting fieldopsd",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("timezone", a.location.String()),
	)
	if len(a.cfg.Auth.Users) == 0 {
		a.logger.Warn("no auth.users configured; nobody can log in")
	}

	sweeper := task.NewSweeper(a.machine, a.taskDB, a.cfg.Tracking.SweepInterval, a.logger)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		_ = sweeper.Run(ctx)
	}()

	srv := server.New(*a.cfg, version.Version, a.logger)
	srv.SetTaskMachine(a.machine)
	srv.SetIdleTracker(a.tracker)
	srv.SetActivityReader(a.records)
	srv.SetBus(a.bus)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			stop()
			<-sweepDone
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		a.logger.Error("server stop", slog.Any("err", err))
	}
	<-sweepDone
	return nil
}

func cmdMCP(configPath string, args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	as := fs.String("as", "", "admin user the tools act as (default: first configured admin)")
	_ = fs.Parse(args)

	// stdout carries the protocol.
	a, err := newApp(context.Background(), configPath, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	actor := task.Actor{UserID: *as, Admin: true}
	if actor.UserID == "" {
		actor.UserID = "mcp"
		for _, u := range a.cfg.Auth.Users {
			if u.Admin {
				actor.UserID = u.ID
				break
			}
		}
	}

	s := mcp.NewServer(mcp.Deps{
		Tasks:    a.machine,
		Idle:     a.tracker,
		Activity: a.records,
		Actor:    actor,
		Version:  version.Version,
	})
	return mcp.Serve(s)
}

func cmdHashPassword(args []string) error {
	var pw string
	switch {
	case len(args) > 0:
		pw = args[0]
	case term.IsTerminal(int(os.Stdin.Fd())):
		fmt.Fprint(os.Stderr, "Password: ")
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		pw = string(b)
	default:
		b, err := io.ReadAll(io.LimitReader(os.Stdin, 1024))
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		pw = string(trimNewline(b))
	}
	if pw == "" {
		return errors.New("empty password")
	}
	hash, err := server.HashPassword(pw)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
