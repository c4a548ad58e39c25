package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/digilib/digisync/internal/offline/remote"
	offsync "github.com/digilib/digisync/internal/offline/sync"
	"github.com/digilib/digisync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Push queued edits, then pull server changes",
	Long: `Run one sync pass against the server:
  1. Push queued offline edits in batches
  2. Pull the change manifest since the last checkpoint
  3. Resolve conflicts and apply remote changes locally

Use 'digisync sync push' or 'digisync sync pull' to run one half only.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpen()
		defer a.close()
		a.requireServer()

		ctx, cancel := signalContext()
		defer cancel()

		fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("→"), cfg.Server.URL)
		report, err := a.engine.SyncNow(ctx)
		printPush(report.Push)
		printPull(report.Pull)
		if err != nil {
			fatal("%s", describeSyncError(err))
		}
		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), report.Duration.Round(time.Millisecond))
	},
}

var syncPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push queued edits only",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpen()
		defer a.close()
		a.requireServer()

		ctx, cancel := signalContext()
		defer cancel()

		report, err := a.engine.Push(ctx)
		printPush(report)
		if err != nil {
			fatal("%s", describeSyncError(err))
		}
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull server changes only",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpen()
		defer a.close()
		a.requireServer()

		ctx, cancel := signalContext()
		defer cancel()

		report, err := a.engine.Pull(ctx)
		printPull(report)
		if err != nil {
			fatal("%s", describeSyncError(err))
		}
	},
}

var syncResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the pull checkpoint",
	Long: `Reset the pull checkpoint so the next pull starts over.

--since accepts an RFC 3339 timestamp or a natural date such as
"2 days ago" or "last monday". Without --since everything is pulled again.

Examples:
  digisync sync reset
  digisync sync reset --since "3 hours ago"
  digisync sync reset --since 2026-01-02T15:04:05Z`,
	Run: func(cmd *cobra.Command, args []string) {
		since, _ := cmd.Flags().GetString("since")
		at, err := parseSince(since, time.Now())
		if err != nil {
			fatal("%v", err)
		}

		a := mustOpen()
		defer a.close()

		if err := a.engine.ResetCheckpoint(context.Background(), at); err != nil {
			fatal("failed to reset checkpoint: %v", err)
		}
		if at.IsZero() {
			fmt.Printf("%s Checkpoint cleared; the next pull fetches everything\n", ui.RenderPass("✓"))
			return
		}
		fmt.Printf("%s Checkpoint set to %s\n", ui.RenderPass("✓"), at.Format(time.RFC3339))
	},
}

// parseSince turns user input into a checkpoint. Empty input, "all" and
// "beginning" mean the zero time.
func parseSince(input string, now time.Time) (time.Time, error) {
	input = strings.TrimSpace(input)
	switch strings.ToLower(input) {
	case "", "all", "beginning":
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, input); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, input, now.Location()); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(input, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", input, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: not a date", input)
	}
	if r.Time.After(now) {
		return time.Time{}, fmt.Errorf("invalid --since %q: in the future", input)
	}
	return r.Time, nil
}

// describeSyncError explains the common failures in plain words.
func describeSyncError(err error) string {
	switch {
	case errors.Is(err, offsync.ErrSyncInProgress):
		return "another sync is running (is the daemon active?)"
	case errors.Is(err, remote.ErrOffline):
		return fmt.Sprintf("server unreachable, edits stay queued: %v", err)
	case errors.Is(err, remote.ErrUnauthorized):
		return fmt.Sprintf("not authorized: refresh server.token (%v)", err)
	default:
		return err.Error()
	}
}

func printPush(r offsync.PushReport) {
	if r.Batches == 0 && r.Pushed == 0 && r.Rejected == 0 {
		fmt.Printf("   Push: nothing to send\n")
		return
	}
	fmt.Printf("   Push: %d sent in %d batches, %d rejected, %d retried, %d failed\n",
		r.Pushed, r.Batches, r.Rejected, r.Retried, r.Failed)
}

func printPull(r offsync.PullReport) {
	fmt.Printf("   Pull: %d received, %d applied, %d skipped, %d kept local, %d conflicts\n",
		r.Received, r.Applied, r.Skipped, r.KeptLocal, r.Conflicts)
	if r.Invalid > 0 {
		fmt.Printf("   %s %d invalid changes ignored\n", ui.RenderWarn("⚠"), r.Invalid)
	}
	if r.DroppedJobs > 0 {
		fmt.Printf("   %s %d queued edits superseded by the server\n", ui.RenderWarn("⚠"), r.DroppedJobs)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func init() {
	syncResetCmd.Flags().String("since", "", "pull changes after this time")

	syncCmd.AddCommand(syncPushCmd)
	syncCmd.AddCommand(syncPullCmd)
	syncCmd.AddCommand(syncResetCmd)
	rootCmd.AddCommand(syncCmd)
}
