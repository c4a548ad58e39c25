package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/digilib/digisync/internal/offline/jobqueue"
	"github.com/digilib/digisync/internal/offline/schema"
	"github.com/digilib/digisync/internal/ui"
)

var jobsCmd = &cobra.Command{
	Use:     "jobs",
	GroupID: "sync",
	Short:   "Inspect and manage queued offline edits",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued jobs",
	Run: func(cmd *cobra.Command, args []string) {
		status, _ := cmd.Flags().GetString("status")
		kind, _ := cmd.Flags().GetString("kind")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		filter := jobqueue.Filter{
			Status: schema.JobStatus(status),
			Kind:   schema.Kind(kind),
			Limit:  limit,
		}
		if filter.Status != "" && !filter.Status.IsValid() {
			fatal("invalid status %q (want pending, in_flight or failed)", status)
		}
		if filter.Kind != "" && !filter.Kind.IsValid() {
			fatal("invalid kind %q", kind)
		}

		a := mustOpen()
		defer a.close()

		jobs, err := a.queue.List(context.Background(), filter)
		if err != nil {
			fatal("%v", err)
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(jobs); err != nil {
				fatal("%v", err)
			}
			return
		}

		if len(jobs) == 0 {
			fmt.Printf("%s No queued jobs\n", ui.RenderPass("✓"))
			return
		}
		now := time.Now()
		for _, j := range jobs {
			fmt.Printf("%s %-9s %-8s %s/%s  attempts %d/%d  queued %s\n",
				ui.RenderMuted(j.ID), renderJobStatus(j.Status), j.Op, j.Kind, j.EntityID,
				j.Attempts, j.MaxAttempts, ago(j.CreatedAt, now))
			if j.LastError != "" {
				fmt.Printf("    %s\n", ui.RenderWarn(j.LastError))
			}
		}
	},
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry [job-id...]",
	Short: "Return failed jobs to the queue",
	Long: `Return failed jobs to the queue with a fresh attempt budget.
Without ids every failed job is retried.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpen()
		defer a.close()

		n, err := a.queue.RetryFailed(context.Background(), args...)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s %d jobs queued for retry\n", ui.RenderPass("✓"), n)
	},
}

var jobsDropCmd = &cobra.Command{
	Use:   "drop <job-id>",
	Short: "Discard a queued job",
	Long: `Discard a queued job. The edit it carries is never sent to the server;
the next server change for the entity overwrites the local copy.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpen()
		defer a.close()

		ctx := context.Background()
		job, err := a.queue.Get(ctx, args[0])
		if err != nil {
			fatal("%v", err)
		}

		ok, err := ui.Confirm(
			fmt.Sprintf("Drop %s of %s/%s?", job.Op, job.Kind, job.EntityID),
			"The local edit will not reach the server.",
			assumeYes)
		if err != nil {
			fatal("%v", err)
		}
		if !ok {
			fmt.Println("Aborted")
			return
		}

		if err := a.queue.Drop(ctx, job.ID); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Dropped %s\n", ui.RenderPass("✓"), job.ID)
	},
}

func renderJobStatus(s schema.JobStatus) string {
	switch s {
	case schema.JobFailed:
		return ui.RenderFail(string(s))
	case schema.JobInFlight:
		return ui.RenderAccent(string(s))
	default:
		return string(s)
	}
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by status (pending, in_flight, failed)")
	jobsListCmd.Flags().String("kind", "", "filter by entity kind")
	jobsListCmd.Flags().Int("limit", 0, "maximum number of jobs (0 = all)")
	jobsListCmd.Flags().Bool("json", false, "output JSON")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsDropCmd)
	rootCmd.AddCommand(jobsCmd)
}
