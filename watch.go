package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/elcano/stepsync/internal/progress"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print progress updates as they are committed",
		Long: `Subscribe to the push channel and print each committed progress
snapshot for the configured user. Requires push.redis_addr.`,
		Args: cobra.NoArgs,
		RunE: runWatch,
	}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := shutdownContext(cmd.Context(), cc.Logger)

	b, err := openBackends(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer b.Close()

	if b.push == nil {
		return fmt.Errorf("push is disabled: set push.redis_addr or STEPSYNC_REDIS_ADDR")
	}

	out := cmd.OutOrStdout()
	uid := cc.Cfg.UserID

	latest, found, err := b.push.Latest(ctx, uid)
	if err != nil {
		return err
	}

	if found {
		printProgressUpdate(out, latest, cc.Flags.JSON)
	}

	cc.Statusf("Watching %s (Ctrl-C to stop)\n", b.push.Channel(uid))

	return b.push.Subscribe(ctx, uid, func(p progress.Progress) {
		printProgressUpdate(out, p, cc.Flags.JSON)
	})
}

func printProgressUpdate(w io.Writer, p progress.Progress, asJSON bool) {
	if asJSON {
		// One object per line so the stream can be piped.
		raw, err := json.Marshal(p)
		if err == nil {
			fmt.Fprintln(w, string(raw))
		}

		return
	}

	at := p.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}

	fmt.Fprintf(w, "%s  %s  %s\n", at.Local().Format(time.TimeOnly), formatSteps(p.TotalSteps), formatCoins(p.Coins))
}
