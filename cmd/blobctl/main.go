// blobctl - Offline tools for the blob keyboard
//
//	blobctl replay <trace>        Replay a recorded input trace
//	blobctl layout check <file>   Validate a layout file
//	blobctl layout default        Print the built-in layout
//	blobctl history               Show recent accepts
//	blobctl config init [path]    Write the default configuration
//	blobctl config show           Print the effective configuration
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"blobkbd/internal/app"
	"blobkbd/internal/config"
	"blobkbd/internal/ime"
	"blobkbd/internal/keyboard"
	"blobkbd/internal/logging"
	"blobkbd/internal/metrics"
	"blobkbd/internal/store"
)

// errUsage marks errors that already printed their usage line.
var errUsage = errors.New("usage")

func main() {
	if len(os.Args) < 2 {
		usage(os.Stdout)
		os.Exit(1)
	}

	err := run(os.Args[1], os.Args[2:], os.Stdout)
	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd string, args []string, w io.Writer) error {
	switch cmd {
	case "replay":
		return cmdReplay(args, w)
	case "layout":
		return cmdLayout(args, w)
	case "history":
		return cmdHistory(args, w)
	case "config":
		return cmdConfig(args, w)
	case "help", "-h", "--help":
		usage(w)
		return nil
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage(os.Stderr)
		return errUsage
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `blobctl - Blob keyboard tools

USAGE:
    blobctl <command> [options]

COMMANDS:
    replay <trace>          Replay a YAML or JSON input trace
    layout check <file>     Validate a JSON, YAML or TOML layout
    layout default          Print the built-in layout as YAML
    history                 Show recent accepts and totals (-sessions, -schema)
    config init [path]      Write the default configuration
    config show             Print the effective configuration
    help                    Show this help message

TRACE FORMAT:
    name: hello
    settle_ms: 200
    steps:
      - {at_ms: 0,   type: press,   key: 0, zone: center}
      - {at_ms: 40,  type: release, key: 0}
      - {at_ms: 300, type: action,  action: accept}

Replays run on a virtual clock and never write history.`)
}

func usageError(line string) error {
	fmt.Fprintln(os.Stderr, "Usage: "+line)
	return errUsage
}

func loadConfig(path string) (*config.Config, error) {
	return config.NewLoader(app.ConfigFile(path)).Load()
}

func cmdReplay(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	configPath := fs.String("config", "", "Configuration file")
	layoutPath := fs.String("layout", "", "Layout file (overrides the configuration)")
	asJSON := fs.Bool("json", false, "Print the result as JSON")
	verbose := fs.Bool("v", false, "Log engine activity to stderr")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() < 1 {
		return usageError("blobctl replay <trace> [-config file] [-layout file] [-json] [-v]")
	}

	tr, err := ime.LoadTrace(fs.Arg(0))
	if err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *layoutPath != "" {
		cfg.Keyboard.LayoutPath = *layoutPath
	}
	opts, err := ime.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}

	level := logging.LevelWarn
	if *verbose {
		level = logging.LevelDebug
	}
	logger, err := logging.New(&logging.Config{Level: level, Output: "stderr", Component: "blobctl"})
	if err != nil {
		return err
	}
	defer logger.Close()
	opts.Logger = logger.Logger
	km := metrics.NewKeyboardMetrics(metrics.NewRegistry("blobkbd", "replay"))
	opts.Metrics = km

	e, err := ime.New(nil, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	res, err := ime.Replay(e, tr)
	if err != nil {
		return err
	}
	return printReplay(w, tr, res, km.Snapshot(), *asJSON)
}

func printReplay(w io.Writer, tr *ime.Trace, res *ime.ReplayResult, counters map[string]any, asJSON bool) error {
	if asJSON {
		errs := make([]string, len(res.Errors))
		for i, e := range res.Errors {
			errs[i] = e.Error()
		}
		out := map[string]any{
			"name":        tr.Name,
			"steps":       res.Steps,
			"document":    res.Document,
			"composition": res.Composition,
			"elapsed_ms":  res.Elapsed.Milliseconds(),
			"errors":      errs,
			"metrics":     counters,
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	name := tr.Name
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Fprintf(w, "=== Replay: %s ===\n", name)
	fmt.Fprintf(w, "Steps:       %d\n", res.Steps)
	fmt.Fprintf(w, "Elapsed:     %s\n", res.Elapsed)
	fmt.Fprintf(w, "Document:    %q\n", res.Document)
	fmt.Fprintf(w, "Composition: %q\n", res.Composition)
	if len(res.Errors) > 0 {
		fmt.Fprintf(w, "\nErrors (%d):\n", len(res.Errors))
		for _, e := range res.Errors {
			fmt.Fprintf(w, "    %v\n", e)
		}
	}
	return nil
}

func cmdLayout(args []string, w io.Writer) error {
	if len(args) < 1 {
		return usageError("blobctl layout <check|default> ...")
	}

	switch args[0] {
	case "check":
		if len(args) < 2 {
			return usageError("blobctl layout check <file>")
		}
		l, err := keyboard.LoadLayout(args[1])
		if err != nil {
			return err
		}
		b := l.Bounds()
		fmt.Fprintf(w, "Layout %q is valid\n", l.Name)
		fmt.Fprintf(w, "Keys:   %d\n", len(l.Keys))
		fmt.Fprintf(w, "Bounds: %dx%d at %d,%d\n", b.Width, b.Height, b.X, b.Y)
		return nil
	case "default":
		data, err := yaml.Marshal(keyboard.DefaultLayout())
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	default:
		return usageError("blobctl layout <check|default> ...")
	}
}

func cmdHistory(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.String("config", "", "Configuration file")
	dbPath := fs.String("db", "", "History database (overrides the configuration)")
	limit := fs.Int("n", 20, "Number of accepts to show")
	session := fs.String("session", "", "Show the accepts of one session")
	pruneAge := fs.Duration("prune", 0, "Delete sessions older than this (e.g. 720h)")
	listSessions := fs.Bool("sessions", false, "List sessions instead of accepts")
	showSchema := fs.Bool("schema", false, "Show the database schema version")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	path := *dbPath
	if path == "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		path = cfg.History.Path
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no history at %s", path)
	}

	st, err := store.Open(path)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if *pruneAge > 0 {
		n, err := st.Prune(ctx, time.Now().Add(-*pruneAge))
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Pruned %d sessions\n", n)
		return nil
	}

	if *showSchema {
		status, err := st.MigrationStatus()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Schema version %d of %d\n", status.CurrentVersion, status.LatestVersion)
		for _, m := range status.Applied {
			fmt.Fprintf(w, "  %d  %s  %s\n", m.Version, m.AppliedAt.Format("2006-01-02 15:04:05"), m.Description)
		}
		for _, m := range status.Pending {
			fmt.Fprintf(w, "  %d  pending  %s\n", m.Version, m.Description)
		}
		return nil
	}

	if *listSessions {
		sessions, err := st.ListSessions(ctx, *limit)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "=== Sessions: %s ===\n", path)
		for _, sess := range sessions {
			state := "open"
			if !sess.Open() {
				state = "ended " + sess.EndedAt.Format("15:04:05")
			}
			fmt.Fprintf(w, "%s  %s  %-10s %3d accepts %4d chars  %s\n",
				sess.StartedAt.Format("2006-01-02 15:04:05"), sess.ID, sess.Layout,
				sess.Accepts, sess.Runes, state)
		}
		return nil
	}

	var accepts []*store.Accept
	if *session != "" {
		if _, err := st.GetSession(ctx, *session); err != nil {
			return fmt.Errorf("session %s: %w", *session, err)
		}
		accepts, err = st.SessionAccepts(ctx, *session)
	} else {
		accepts, err = st.RecentAccepts(ctx, *limit)
	}
	if err != nil {
		return err
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "=== History: %s ===\n", path)
	fmt.Fprintf(w, "Sessions: %d (%d open)\n", stats.Sessions, stats.OpenSessions)
	fmt.Fprintf(w, "Accepts:  %d, %d characters, %.1f average\n", stats.Accepts, stats.Runes, stats.AverageRunes())
	fmt.Fprintln(w)
	for _, a := range accepts {
		fmt.Fprintf(w, "[%s] %s  %q\n", a.AcceptedAt.Format("2006-01-02 15:04:05"), shortID(a.SessionID), a.Text)
	}
	return nil
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

func cmdConfig(args []string, w io.Writer) error {
	if len(args) < 1 {
		return usageError("blobctl config <init|show> ...")
	}

	switch args[0] {
	case "init":
		path := ""
		if len(args) > 1 {
			path = args[1]
		}
		if path == "" {
			path = config.ConfigPath()
		}
		_, created, err := config.LoadOrCreate(path)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(w, "Wrote default configuration to %s\n", path)
		} else {
			fmt.Fprintf(w, "Configuration already exists at %s\n", path)
		}
		return nil
	case "show":
		fs := flag.NewFlagSet("config show", flag.ContinueOnError)
		configPath := fs.String("config", "", "Configuration file")
		format := fs.String("format", "toml", "Output format: toml, json or yaml")
		if err := fs.Parse(args[1:]); err != nil {
			return errUsage
		}
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		data, err := config.Encode(cfg, *format)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	default:
		return usageError("blobctl config <init|show> ...")
	}
}
