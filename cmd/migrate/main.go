package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/somenicecode/dayx/internal/storage/postgres"
)

const defaultTimeout = 30 * time.Second

type options struct {
	status    bool
	direction postgres.MigrationDirection
	steps     int
	dsn       string
}

func main() {
	opts, err := parseArgs(os.Args[1:], os.Getenv)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.WithError(err).Fatal("некорректные аргументы")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if err := run(ctx, opts, os.Stdout); err != nil {
		log.WithError(err).Fatal("миграция не выполнена")
	}
}

// parseArgs разбирает флаги; DSN берётся из DAYX_POSTGRES_DSN, если -dsn пуст.
func parseArgs(args []string, getenv func(string) string) (options, error) {
	var (
		opts      options
		direction string
	)

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&direction, "direction", "up", "migration direction: up|down|status")
	fs.IntVar(&opts.steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	fs.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: DAYX_POSTGRES_DSN)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.dsn = strings.TrimSpace(opts.dsn)
	if opts.dsn == "" {
		opts.dsn = strings.TrimSpace(getenv("DAYX_POSTGRES_DSN"))
	}
	if opts.dsn == "" {
		return options{}, errors.New("DAYX_POSTGRES_DSN (or -dsn) is required")
	}
	if opts.steps < 0 {
		return options{}, fmt.Errorf("steps must be >= 0, got %d", opts.steps)
	}

	if strings.EqualFold(strings.TrimSpace(direction), "status") {
		opts.status = true
		return opts, nil
	}
	dir, err := postgres.ParseMigrationDirection(direction)
	if err != nil {
		return options{}, fmt.Errorf("unsupported direction: %s (use up|down|status)", direction)
	}
	opts.direction = dir
	return opts, nil
}

func run(ctx context.Context, opts options, out io.Writer) error {
	store, err := postgres.Open(ctx, opts.dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	prefix := "migration status"
	if !opts.status {
		if err := store.Migrate(ctx, opts.direction, opts.steps); err != nil {
			return fmt.Errorf("migrate %s: %w", opts.direction, err)
		}
		prefix = fmt.Sprintf("migrate %s ok", opts.direction)
	}

	state, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	line := fmt.Sprintf("%s: version=%d applied=%d pending=%d", prefix, state.Version, state.Applied, state.Pending)
	if len(state.Drifted) > 0 {
		line += fmt.Sprintf(" drifted=%v", state.Drifted)
	}
	_, err = fmt.Fprintln(out, line)
	return err
}
