// Package main implements the beacon-inspect binary.
// It prints the persisted activity state, the packages waiting in the
// outbox and, optionally, the dead-letter archive of a tracker's data
// directory. Run it while the tracker is stopped.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"

	"github.com/beacon-sdk/beacon/internal/config"
	"github.com/beacon-sdk/beacon/internal/deadletter"
	"github.com/beacon-sdk/beacon/internal/outbox"
	"github.com/beacon-sdk/beacon/internal/state"
	"github.com/beacon-sdk/beacon/internal/storage"
)

func main() {
	var (
		configFile string
		dataDir    string
		asJSON     bool
		deadLetter bool
		purgeAge   time.Duration
	)
	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory of the tracker")
	flag.BoolVar(&asJSON, "json", false, "Print packages as JSON")
	flag.BoolVar(&deadLetter, "dead-letter", false, "Also list the local dead-letter archive")
	flag.DurationVar(&purgeAge, "purge-older-than", 0, "Delete local dead letters older than this before listing")
	flag.Parse()

	logger := slog.Make(sloghuman.Sink(os.Stderr)).Leveled(slog.LevelWarn)
	ctx := context.Background()

	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			logger.Fatal(ctx, "failed to load config file", slog.Error(err))
		}
	}
	config.LoadFromEnv(cfg)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if purgeAge > 0 {
		deadLetter = true
	}
	if deadLetter && cfg.DeadLetter.Type == "none" {
		cfg.DeadLetter.Type = "local"
	}
	cfg.Resolve()

	opts := inspectOptions{asJSON: asJSON, deadLetter: deadLetter}
	if purgeAge > 0 {
		opts.purgeBefore = time.Now().Add(-purgeAge)
	}
	if err := inspect(ctx, cfg, os.Stdout, opts, logger); err != nil {
		logger.Fatal(ctx, "inspect failed", slog.Error(err))
	}
}

type inspectOptions struct {
	asJSON     bool
	deadLetter bool

	// purgeBefore, when set, deletes dead letters dropped before it.
	purgeBefore time.Time
}

func inspect(ctx context.Context, cfg *config.Config, out io.Writer, opts inspectOptions, logger slog.Logger) error {
	store, err := state.Open(cfg.State.Type, cfg.State.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	s, err := store.Load(ctx)
	switch {
	case errors.Is(err, state.ErrNoState):
		fmt.Fprintln(out, "state: none")
	case err != nil:
		return fmt.Errorf("load state: %w", err)
	default:
		fmt.Fprintf(out, "state: %s\n", s)
		fmt.Fprintf(out, "  events %d, sessions %d, subsessions %d\n", s.EventCount, s.SessionCount, s.SubsessionCount)
	}

	if err := os.MkdirAll(cfg.Outbox.Dir, 0o755); err != nil {
		return err
	}
	log, pending, err := outbox.OpenLog(ctx, cfg.Outbox.Dir, logger.Named("outbox"))
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer log.Close()

	fmt.Fprintf(out, "outbox: %d pending\n", len(pending))
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	for _, pkg := range pending {
		if opts.asJSON {
			if err := enc.Encode(pkg); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(out, "  %s %s\n", pkg.CreatedAt.Format("2006-01-02 15:04:05"), pkg)
	}

	if !opts.deadLetter || cfg.DeadLetter.Type != "local" {
		return nil
	}
	local, err := storage.NewLocalStorage(cfg.DeadLetter.Path)
	if err != nil {
		return err
	}
	archive := deadletter.NewStore(local)
	if !opts.purgeBefore.IsZero() {
		removed, err := archive.Purge(ctx, opts.purgeBefore)
		if err != nil {
			return fmt.Errorf("purge dead letters: %w", err)
		}
		fmt.Fprintf(out, "dead letters purged: %d\n", removed)
	}
	entries, err := archive.List(ctx)
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}
	fmt.Fprintf(out, "dead letters: %d\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(out, "  %s %s: %s\n", e.DroppedAt.Format("2006-01-02 15:04:05"), e.Package, e.Reason)
	}
	return nil
}
