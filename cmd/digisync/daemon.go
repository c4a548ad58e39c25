package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/digilib/digisync/internal/offline/daemon"
	"github.com/digilib/digisync/internal/offline/dashboard"
	"github.com/digilib/digisync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run background sync in the foreground",
	Long: `Run the sync daemon in the foreground.

The daemon will:
  1. Return jobs interrupted by a previous run to the queue
  2. Sync every sync.interval, backing off while the server is unreachable
  3. Keep the page cache within its budget
  4. Watch the cache directory and forget pages the OS deleted
  5. Serve live status to the reader UI over WebSocket

Send SIGHUP when the network comes back to sync at once instead of
waiting out the offline backoff (e.g. from a NetworkManager dispatcher
script).

Connect with a WebSocket client:
  ws://127.0.0.1:7420/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("dashboard-port")
		noDashboard, _ := cmd.Flags().GetBool("no-dashboard")
		if !cmd.Flags().Changed("dashboard-port") {
			port = cfg.Dashboard.Port
		}

		a := mustOpen()
		defer a.close()
		a.requireServer()

		d, err := daemon.New(a.engine, a.cache, &daemon.Config{
			SyncInterval:  cfg.Sync.Interval,
			RetryInterval: cfg.Sync.RetryInterval,
			MaxBackoff:    cfg.Sync.MaxBackoff,
			EvictInterval: cfg.Cache.EvictInterval,
			Logger:        logs.Logger("daemon"),
		})
		if err != nil {
			fatal("failed to create daemon: %v", err)
		}

		ctx, cancel := signalContext()
		defer cancel()

		wake := make(chan os.Signal, 1)
		signal.Notify(wake, syscall.SIGHUP)
		defer signal.Stop(wake)
		go relayWakeups(ctx, wake, d.Trigger, logs.Logger("daemon"))

		if !noDashboard {
			server := dashboard.NewServer(&dashboard.Config{
				Host:   cfg.Dashboard.Host,
				Port:   port,
				Logger: logs.Logger("dashboard"),
			}, a.engine)
			if err := server.Start(); err != nil {
				fatal("failed to start dashboard: %v", err)
			}
			defer func() { _ = server.Stop() }()

			handler := dashboard.NewHandler(server, a.bus, logs.Logger("dashboard"))
			go handler.Run(ctx)

			fmt.Printf("   Dashboard: ws://%s/ws\n", server.GetAddr())
		}

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("→"))
		fmt.Printf("   Server: %s\n", cfg.Server.URL)
		fmt.Printf("   Database: %s\n", cfg.DBPath())
		fmt.Printf("   Cache: %s (%s)\n", a.cache.Dir(), ui.FormatBytes(a.cache.MaxBytes()))
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		// Start blocks until the signal context is done.
		if err := d.Start(ctx); err != nil && ctx.Err() == nil {
			fatal("daemon stopped with error: %v", err)
		}
		fmt.Printf("\n%s Daemon stopped after %d syncs\n", ui.RenderPass("✓"), d.Syncs())
	},
}

// relayWakeups turns network-change notifications into immediate syncs.
func relayWakeups(ctx context.Context, wake <-chan os.Signal, trigger func(), logger *log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-wake:
			logger.Printf("Received %v, syncing now", sig)
			trigger()
		}
	}
}

func init() {
	daemonCmd.Flags().Int("dashboard-port", 7420, "WebSocket dashboard port (0 = any free port)")
	daemonCmd.Flags().Bool("no-dashboard", false, "do not serve the dashboard")
	rootCmd.AddCommand(daemonCmd)
}
