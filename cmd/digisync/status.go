package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/digilib/digisync/internal/offline/pagecache"
	"github.com/digilib/digisync/internal/offline/remote"
	offsync "github.com/digilib/digisync/internal/offline/sync"
	"github.com/digilib/digisync/internal/ui"
)

// statusView is the printable status.
type statusView struct {
	Sync        offsync.Status  `json:"sync" yaml:"sync"`
	Cache       pagecache.Stats `json:"cache" yaml:"cache"`
	Server      string          `json:"server,omitempty" yaml:"server,omitempty"`
	TokenExpiry time.Time       `json:"token_expiry,omitempty" yaml:"token_expiry,omitempty"`
	Database    string          `json:"database" yaml:"database"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync state, queue and cache statistics",
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")

		a := mustOpen()
		defer a.close()

		ctx := context.Background()
		st, err := a.engine.Status(ctx)
		if err != nil {
			fatal("failed to read status: %v", err)
		}
		cs, err := a.cache.Stats(ctx)
		if err != nil {
			fatal("failed to read cache stats: %v", err)
		}

		view := statusView{Sync: st, Cache: cs, Server: cfg.Server.URL, Database: cfg.DBPath()}
		if exp, ok := remote.TokenExpiry(cfg.Server.Token); ok {
			view.TokenExpiry = exp
		}

		if err := writeStatus(os.Stdout, output, view, time.Now()); err != nil {
			fatal("%v", err)
		}
	},
}

func writeStatus(w io.Writer, format string, v statusView, now time.Time) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}

	st := v.Sync
	state := string(st.State)
	switch st.State {
	case offsync.StateIdle:
		state = ui.RenderPass(state)
	case offsync.StateOffline:
		state = ui.RenderWarn(state)
	case offsync.StateError:
		state = ui.RenderFail(state)
	}

	server := v.Server
	if server == "" {
		server = ui.RenderMuted("not configured")
	}
	token := ui.RenderMuted("none")
	if !v.TokenExpiry.IsZero() {
		token = "expires " + ago(v.TokenExpiry, now)
		if v.TokenExpiry.Before(now) {
			token = ui.RenderFail("expired " + ago(v.TokenExpiry, now))
		}
	}

	fmt.Fprintf(w, "\n%s Sync Status\n\n", ui.RenderAccent("●"))
	fmt.Fprint(w, ui.RenderKV(
		[2]string{"State", state},
		[2]string{"Server", server},
		[2]string{"Token", token},
		[2]string{"Last sync", ago(st.LastSync, now)},
		[2]string{"Checkpoint", ago(st.Checkpoint, now)},
		[2]string{"Records", fmt.Sprintf("%d (%d unsynced)", st.Records, st.Unsynced)},
	))
	if st.LastError != "" {
		fmt.Fprintf(w, "  %s %s\n", ui.RenderFail("Last error:"), st.LastError)
	}

	q := st.Queue
	fmt.Fprintf(w, "\n%s Job Queue\n\n", ui.RenderAccent("●"))
	fmt.Fprint(w, ui.RenderKV(
		[2]string{"Pending", fmt.Sprint(q.Pending)},
		[2]string{"In flight", fmt.Sprint(q.InFlight)},
		[2]string{"Failed", fmt.Sprint(q.Failed)},
		[2]string{"Oldest", ago(q.OldestPending, now)},
	))

	c := v.Cache
	fmt.Fprintf(w, "\n%s Page Cache\n\n", ui.RenderAccent("●"))
	fmt.Fprint(w, ui.RenderKV(
		[2]string{"Used", fmt.Sprintf("%s of %s", ui.FormatBytes(c.Bytes), ui.FormatBytes(c.MaxBytes))},
		[2]string{"Pages", fmt.Sprintf("%d across %d documents", c.Entries, c.Documents)},
		[2]string{"Blobs", fmt.Sprint(c.Blobs)},
	))
	fmt.Fprintln(w)
	return nil
}

// ago renders t relative to now.
func ago(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	suffix := "ago"
	if d < 0 {
		d, suffix = -d, "from now"
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds %s", int(d.Seconds()), suffix)
	case d < time.Hour:
		return fmt.Sprintf("%dm %s", int(d.Minutes()), suffix)
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh %s", int(d.Hours()), suffix)
	default:
		return fmt.Sprintf("%dd %s", int(d.Hours()/24), suffix)
	}
}

func init() {
	statusCmd.Flags().StringP("output", "o", "text", "output format: text, json or yaml")
	rootCmd.AddCommand(statusCmd)
}
