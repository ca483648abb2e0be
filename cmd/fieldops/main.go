// Command fieldops is the fieldops CLI client. It also runs the device
// tracking loop for a worker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/GoCodeAlone/fieldops/client"
	"github.com/GoCodeAlone/fieldops/config"
	"github.com/GoCodeAlone/fieldops/idle"
	"github.com/GoCodeAlone/fieldops/internal/version"
	"github.com/GoCodeAlone/fieldops/task"
	"github.com/GoCodeAlone/fieldops/tracker"
)

const defaultServer = "http://localhost:9090"

func main() {
	var (
		serverURL = flag.String("server", defaultServer, "fieldops server URL")
		token     = flag.String("token", os.Getenv("FIELDOPS_TOKEN"), "JWT auth token")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cli := &CLI{
		Client: client.New(*serverURL, *token),
		p:      message.NewPrinter(language.English),
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, rest := args[0], args[1:]
	var err error
	switch cmd {
	case "version":
		fmt.Printf("fieldops %s\n", version.String())
	case "status":
		err = cli.cmdStatus(ctx)
	case "login":
		err = cli.cmdLogin(ctx, rest)
	case "tasks":
		err = cli.cmdTasks(ctx, rest)
	case "task":
		err = cli.cmdTask(ctx, rest)
	case "track":
		err = cli.cmdTrack(ctx, rest)
	case "stats":
		err = cli.cmdStats(ctx, rest)
	case "history":
		err = cli.cmdHistory(ctx, rest)
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
	fmt.Fprint(os.Stderr, `fieldops - fieldops CLI

Usage:
  fieldops [flags] <command> [args]

Flags:
  --server  <url>    server URL (default: http://localhost:9090)
  --token   <token>  JWT auth token (or $FIELDOPS_TOKEN)

Commands:
  version                        print version
  status                         show server status
  login <user>                   print a token for user
  tasks [status]                 list tasks
  task get <id>                  show a task
  task accept|reject|complete <id>
  task delete <id>               delete a task (admin)
  task create [flags] <title>    create a task (admin)
  track [--at lat,lng | --route file] [--interval 5s]
                                 run the location tracking loop
  stats [YYYY-MM-DD]             idle/productive time for a day
  history [--user id] [--from d] [--to d]
                                 per-day summaries (admin)
`)
}

// CLI holds client state for commands.
type CLI struct {
	Client *client.Client
	p      *message.Printer
}

// --- status ---

func (c *CLI) cmdStatus(ctx context.Context) error {
	st, err := c.Client.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("status:  %v\n", st["status"])
	fmt.Printf("version: %v\n", st["version"])
	fmt.Printf("uptime:  %v s\n", st["uptime_s"])
	return nil
}

// --- login ---

func (c *CLI) cmdLogin(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: fieldops login <user>")
	}
	pw := os.Getenv("FIELDOPS_PASSWORD")
	if pw == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		pw = string(b)
	}
	res, err := c.Client.Login(ctx, args[0], pw)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "logged in as %s (admin=%v), token expires %s\n",
		res.UserID, res.Admin, res.ExpiresAt.Local().Format(time.RFC1123))
	fmt.Println(res.Token)
	return nil
}

// --- tasks ---

func (c *CLI) cmdTasks(ctx context.Context, args []string) error {
	var status task.Status
	if len(args) > 0 {
		st, err := task.ParseStatus(args[0])
		if err != nil {
			return err
		}
		status = st
	}
	tasks, err := c.Client.ListTasks(ctx, status)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	now := time.Now()
	fmt.Printf("%-36s %-30s %-24s %-10s\n", "ID", "TITLE", "STATUS", "REMAINING")
	fmt.Println(strings.Repeat("-", 103))
	for _, t := range tasks {
		fmt.Printf("%-36s %-30s %-24s %-10s\n",
			t.ID, truncate(t.Title, 29), t.Status, remaining(t, now))
	}
	return nil
}

// --- task subcommands ---

func (c *CLI) cmdTask(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: fieldops task <get|accept|reject|complete|delete|create> ...")
	}
	sub, rest := args[0], args[1:]
	if sub == "create" {
		return c.cmdTaskCreate(ctx, rest)
	}
	if len(rest) < 1 {
		return fmt.Errorf("usage: fieldops task %s <id>", sub)
	}
	id := rest[0]

	var (
		t   *task.Task
		err error
	)
	switch sub {
	case "get":
		t, err = c.Client.GetTask(ctx, id)
	case "accept":
		t, err = c.Client.AcceptTask(ctx, id)
	case "complete":
		t, err = c.Client.CompleteTask(ctx, id)
	case "reject":
		if err := c.Client.RejectTask(ctx, id); err != nil {
			return err
		}
		fmt.Printf("task %s rejected\n", id)
		return nil
	case "delete":
		if err := c.Client.DeleteTask(ctx, id); err != nil {
			return err
		}
		fmt.Printf("task %s deleted\n", id)
		return nil
	default:
		return fmt.Errorf("unknown task subcommand: %s", sub)
	}
	if err != nil {
		return err
	}
	c.printTask(t)
	return nil
}

func (c *CLI) cmdTaskCreate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("task create", flag.ContinueOnError)
	at := fs.String("at", "", "site position as lat,lng")
	radius := fs.Float64("radius", 0.1, "geofence radius in km")
	limit := fs.Int("limit", 0, "minutes to reach the site after acceptance")
	assign := fs.String("assign", "", "comma-separated worker IDs")
	desc := fs.String("description", "", "task description")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 || *at == "" || *assign == "" {
		return errors.New("usage: fieldops task create --at lat,lng --assign w1[,w2] [--radius km] [--limit min] <title>")
	}
	loc, err := tracker.ParseCoordinate(*at)
	if err != nil {
		return err
	}
	t, err := c.Client.CreateTask(ctx, client.CreateTaskRequest{
		Title:            strings.Join(fs.Args(), " "),
		Description:      *desc,
		Location:         loc,
		RadiusKm:         *radius,
		TimeLimitMinutes: *limit,
		AssignedTo:       strings.Split(*assign, ","),
	})
	if err != nil {
		return err
	}
	fmt.Printf("created task %s\n", t.ID)
	return nil
}

func (c *CLI) printTask(t *task.Task) {
	fmt.Printf("id:        %s\n", t.ID)
	fmt.Printf("title:     %s\n", t.Title)
	fmt.Printf("status:    %s\n", t.Status)
	fmt.Printf("site:      %.6f,%.6f (radius %s km)\n", t.Location.Lat, t.Location.Lng, c.p.Sprintf("%.2f", t.RadiusKm))
	fmt.Printf("assigned:  %s\n", strings.Join(t.AssignedTo, ", "))
	fmt.Printf("remaining: %s\n", remaining(t, time.Now()))
}

// --- track ---

func (c *CLI) cmdTrack(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("track", flag.ContinueOnError)
	at := fs.String("at", "", "fixed position as lat,lng")
	route := fs.String("route", "", "file with one lat,lng per line, replayed one per tick")
	interval := fs.Duration("interval", config.MinSampleInterval, "sampling interval")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *interval < config.MinSampleInterval || *interval > config.MaxSampleInterval {
		return fmt.Errorf("interval must be between %s and %s", config.MinSampleInterval, config.MaxSampleInterval)
	}

	var src tracker.LocationSource
	switch {
	case *route != "":
		f, err := os.Open(*route)
		if err != nil {
			return err
		}
		r, err := tracker.ReadRoute(f)
		f.Close()
		if err != nil {
			return err
		}
		src = r
	case *at != "":
		pos, err := tracker.ParseCoordinate(*at)
		if err != nil {
			return err
		}
		src = tracker.StaticSource(pos)
	default:
		return errors.New("one of --at or --route is required")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	loop := tracker.New(tracker.Config{
		Backend:  c.Client,
		Source:   src,
		Interval: *interval,
		Logger:   logger,
	})
	if err := loop.Start(ctx); err != nil {
		return err
	}
	logger.Info("tracking started", slog.String("interval", interval.String()))

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := loop.Stop(stopCtx); err != nil {
				return err
			}
			logger.Info("tracking stopped")
			return nil
		case <-ticker.C:
			c.printState(loop.State())
		}
	}
}

func (c *CLI) printState(st tracker.State) {
	where := "no fix"
	if st.Position != nil {
		where = fmt.Sprintf("%.5f,%.5f", st.Position.Lat, st.Position.Lng)
	}
	state := "idle"
	if st.Inside {
		state = "productive"
	}
	fmt.Printf("[%s] %s, %s, %d task(s)\n", time.Now().Format(time.TimeOnly), where, state, len(st.Tasks))
	for _, t := range st.Tasks {
		left := "-"
		if t.HasDeadline {
			left = t.Remaining.Truncate(time.Second).String()
		}
		fmt.Printf("    %-30s %-12s %s m  %s\n", truncate(t.Title, 29), t.Status, c.p.Sprintf("%.0f", t.Distance), left)
	}
}

// --- stats ---

func (c *CLI) cmdStats(ctx context.Context, args []string) error {
	date := ""
	if len(args) > 0 {
		date = args[0]
	}
	st, err := c.Client.IdleStats(ctx, date)
	if err != nil {
		return err
	}
	c.printStats(st)
	return nil
}

func (c *CLI) printStats(st *idle.Stats) {
	fmt.Printf("user:        %s\n", st.UserID)
	fmt.Printf("date:        %s\n", st.Date)
	c.p.Printf("idle:        %d min (%.1f%%)\n", st.IdleMinutes, st.IdlePercentage)
	c.p.Printf("productive:  %d min (%.1f%%)\n", st.ProductiveMinutes, st.ProductivePercentage)
	c.p.Printf("sessions:    %d\n", st.Sessions)
	if st.Active {
		state := "outside task radius"
		if st.InTaskRadius {
			state = "inside task radius"
		}
		fmt.Printf("active:      yes, %s\n", state)
	}
}

func (c *CLI) cmdHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	user := fs.String("user", "", "worker user ID (all if empty)")
	from := fs.String("from", "", "first day YYYY-MM-DD")
	to := fs.String("to", "", "last day YYYY-MM-DD")
	if err := fs.Parse(args); err != nil {
		return err
	}
	hist, err := c.Client.IdleHistory(ctx, *user, *from, *to)
	if err != nil {
		return err
	}
	if len(hist) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	fmt.Printf("%-20s %-10s %10s %10s %8s\n", "USER", "DATE", "IDLE MIN", "PROD MIN", "PROD %")
	fmt.Println(strings.Repeat("-", 62))
	for _, st := range hist {
		c.p.Printf("%-20s %-10s %10d %10d %7.1f%%\n",
			truncate(st.UserID, 19), st.Date, st.IdleMinutes, st.ProductiveMinutes, st.ProductivePercentage)
	}
	return nil
}

// --- helpers ---

func remaining(t *task.Task, now time.Time) string {
	timer := task.TimerFor(t)
	if !timer.Active() {
		return "-"
	}
	return timer.Remaining(now).Truncate(time.Second).String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
