package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/beacon-sdk/beacon/internal/outbox"
	"github.com/beacon-sdk/beacon/internal/state"
)

const usage = `  start                                  app came to the foreground
  end                                    app went to the background
  event <token> [key=value ...]          track an event
  revenue <cents> <token> [key=value ...] track revenue
  flush                                  send the next queued package
  state                                  print the activity state
  pending                                print the queued packages
  quit                                   exit
`

// tracker is what the command loop drives.
type tracker interface {
	OnResume()
	OnPause()
	TrackEvent(token string, params map[string]string)
	TrackRevenue(amountInCents float64, token string, params map[string]string)
	Flush()
	Sync(ctx context.Context) error
	State(ctx context.Context) (*state.ActivityState, error)
	Pending(ctx context.Context) (outbox.Snapshot, error)
}

var errQuit = errors.New("quit")

// run executes commands until quit, the end of input or stop.
func run(ctx context.Context, t tracker, lines <-chan line, stop <-chan struct{}, out io.Writer) error {
	for {
		select {
		case <-stop:
			return nil
		case l, ok := <-lines:
			if !ok {
				return t.Sync(ctx)
			}
			if l.err != nil {
				return l.err
			}
			err := execute(ctx, t, l.text, out)
			if errors.Is(err, errQuit) {
				return t.Sync(ctx)
			}
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

func execute(ctx context.Context, t tracker, text string, out io.Writer) error {
	fields := strings.Fields(text)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return nil
	}

	switch name, args := fields[0], fields[1:]; name {
	case "start":
		t.OnResume()
	case "end":
		t.OnPause()
	case "event":
		if len(args) < 1 {
			return errors.New("usage: event <token> [key=value ...]")
		}
		params, err := parseParams(args[1:])
		if err != nil {
			return err
		}
		t.TrackEvent(args[0], params)
	case "revenue":
		if len(args) < 2 {
			return errors.New("usage: revenue <cents> <token> [key=value ...]")
		}
		cents, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[0], err)
		}
		params, err := parseParams(args[2:])
		if err != nil {
			return err
		}
		t.TrackRevenue(cents, args[1], params)
	case "flush":
		t.Flush()
	case "state":
		if err := t.Sync(ctx); err != nil {
			return err
		}
		s, err := t.State(ctx)
		if errors.Is(err, state.ErrNoState) {
			fmt.Fprintln(out, "no session yet")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(out, s)
	case "pending":
		if err := t.Sync(ctx); err != nil {
			return err
		}
		snap, err := t.Pending(ctx)
		if err != nil {
			return err
		}
		printSnapshot(out, snap)
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", name)
	}
	return nil
}

func parseParams(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", arg)
		}
		params[key] = value
	}
	return params, nil
}

func printSnapshot(out io.Writer, snap outbox.Snapshot) {
	fmt.Fprintf(out, "%d pending", len(snap.Pending))
	if snap.Paused {
		fmt.Fprint(out, ", paused")
	}
	if !snap.RetryAt.IsZero() {
		fmt.Fprintf(out, ", retry at %s", snap.RetryAt.Format("15:04:05"))
	}
	fmt.Fprintln(out)
	for _, pkg := range snap.Pending {
		marker := " "
		if pkg.ID == snap.InFlight {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s\n", marker, pkg)
	}
}
