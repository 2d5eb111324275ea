// Command runner dispatches runs and queries the run DB from a terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/animus-labs/animus-runs/internal/domain"
	"github.com/animus-labs/animus-runs/internal/platform/env"
	"github.com/animus-labs/animus-runs/internal/platform/logging"
	"github.com/animus-labs/animus-runs/internal/repo"
	"github.com/animus-labs/animus-runs/internal/rundb"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type ui struct {
	title func(a ...any) string
	ok    func(a ...any) string
	info  func(a ...any) string
	warn  func(a ...any) string
	err   func(a ...any) string
	dim   func(a ...any) string
}

func newUI() *ui {
	return &ui{
		title: color.New(color.FgHiCyan, color.Bold).SprintFunc(),
		ok:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		info:  color.New(color.FgCyan).SprintFunc(),
		warn:  color.New(color.FgYellow).SprintFunc(),
		err:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:   color.New(color.FgHiBlack).SprintFunc(),
	}
}

func (u *ui) state(s domain.RunState) string {
	switch s {
	case domain.RunStateCompleted:
		return u.ok(string(s))
	case domain.RunStateError:
		return u.err(string(s))
	case domain.RunStateRunning:
		return u.info(string(s))
	default:
		return u.dim(string(s))
	}
}

// globals are the persistent flags shared by every subcommand.
type globals struct {
	dbURL     string
	project   string
	logLevel  string
	logFormat string
	output    string

	stdout io.Writer
	stderr io.Writer
}

func (g *globals) logger() *slog.Logger {
	return logging.New(g.stderr, g.logLevel, g.logFormat)
}

func (g *globals) format() (domain.Format, error) {
	return domain.ParseFormat(g.output)
}

// openDB returns nil without a configured URL.
func (g *globals) openDB(ctx context.Context) (repo.RunDB, error) {
	db, err := rundb.Open(ctx, g.dbURL)
	if err != nil {
		return nil, fmt.Errorf("open run db: %w", err)
	}
	return db, nil
}

func (g *globals) requireDB(ctx context.Context) (repo.RunDB, error) {
	db, err := g.openDB(ctx)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, domain.Validationf("no run db configured, pass --db or set %s", rundb.EnvDBPath)
	}
	return db, nil
}

func (g *globals) print(v any) error {
	f, err := g.format()
	if err != nil {
		return err
	}
	data, err := domain.Marshal(v, f)
	if err != nil {
		return err
	}
	_, err = g.stdout.Write(data)
	return err
}

func (g *globals) printRecord(rec domain.RunRecord) error {
	f, err := g.format()
	if err != nil {
		return err
	}
	data, err := domain.MarshalRecord(rec, f)
	if err != nil {
		return err
	}
	_, err = g.stdout.Write(data)
	return err
}

func newRootCmd(g *globals, u *ui) *cobra.Command {
	root := &cobra.Command{
		Use:   "runner",
		Short: "Run and track ML jobs",
		Long:  "runner dispatches single runs and hyper-parameter batches, and inspects the run DB.",
	}
	root.SilenceUsage = true
	root.SilenceErrors = true
	root.SetOut(g.stdout)
	root.SetErr(g.stderr)

	root.PersistentFlags().StringVar(&g.dbURL, "db", g.dbURL, "Run DB URL (path, s3://, postgres://, redis://)")
	root.PersistentFlags().StringVar(&g.project, "project", g.project, "Project name")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", g.logLevel, "Log level (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", g.logFormat, "Log format (json or text)")
	root.PersistentFlags().StringVarP(&g.output, "output", "o", g.output, "Output format (yaml or json)")

	root.AddCommand(
		runCmd(g, u),
		getCmd(g),
		listCmd(g, u),
		deleteCmd(g, u),
		artifactsCmd(g, u),
	)
	return root
}

func defaultGlobals() *globals {
	return &globals{
		dbURL:     rundb.DefaultURL(),
		project:   env.String("RUNS_PROJECT", "default"),
		logLevel:  env.String("RUNS_LOG_LEVEL", "info"),
		logFormat: env.String("RUNS_LOG_FORMAT", "text"),
		output:    "yaml",
		stdout:    os.Stdout,
		stderr:    os.Stderr,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	u := newUI()
	root := newRootCmd(defaultGlobals(), u)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, u.err("[ERROR]"), err)
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
