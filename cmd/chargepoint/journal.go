package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"ocpp-rpc/internal/adapter/journal"
	"ocpp-rpc/internal/infra/config"
)

// runJournal inspects the frame journal without connecting.
func runJournal(args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !cfg.Journal.Enabled {
		return fmt.Errorf("journal is disabled (set journal.enabled)")
	}
	store, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	return journalCommand(context.Background(), store, args, os.Stdout)
}

func journalCommand(ctx context.Context, store *journal.Store, args []string, w io.Writer) error {
	sub := "recent"
	if len(args) > 0 {
		sub, args = args[0], args[1:]
	}

	switch sub {
	case "recent":
		limit := 20
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("recent: %q is not a positive count", args[0])
			}
			limit = n
		}
		entries, err := store.Recent(ctx, limit)
		if err != nil {
			return err
		}
		return printEntries(w, entries)
	case "show":
		if len(args) != 1 {
			return fmt.Errorf("usage: chargepoint journal show ID")
		}
		entries, err := store.ByID(ctx, args[0])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("no frames for message id %q", args[0])
		}
		return printEntries(w, entries)
	case "prune":
		if len(args) != 1 {
			return fmt.Errorf("usage: chargepoint journal prune DURATION")
		}
		age, err := time.ParseDuration(args[0])
		if err != nil {
			return fmt.Errorf("prune: %w", err)
		}
		n, err := store.Prune(ctx, time.Now().Add(-age))
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "pruned %s frame(s) older than %s\n", humanize.Comma(n), humanize.Time(time.Now().Add(-age)))
		return nil
	default:
		return fmt.Errorf("unknown journal command: %s", sub)
	}
}

func printEntries(w io.Writer, entries []journal.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tAT\tDIR\tTYPE\tID\tACTION\tFRAME")
	for _, e := range entries {
		frame := e.Raw
		if e.Error != "" {
			frame += "  (" + e.Error + ")"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, humanize.Time(e.At), e.Direction, e.Type, e.ID, e.Action, frame)
	}
	return tw.Flush()
}
