package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/iago/membership-intake/internal/domain"
	"github.com/iago/membership-intake/internal/service"
)

func newEnqueueCmd(opts *rootOptions) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "enqueue <file>...",
		Short: "Queue spreadsheets for ingestion",
		Long: `Queue one or more .csv or .xlsx files. A file whose name already has a
queued or processing job is skipped.

Examples:
  intake enqueue uploads/ward_79700001.csv
  intake enqueue --owner ops-3 uploads/*.xlsx`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ownerID *string
			if owner != "" {
				ownerID = &owner
			}
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				queued := make([]*domain.Job, 0, len(args))
				var errs []error
				for _, path := range args {
					job, err := rt.service.EnqueueFile(ctx, path, ownerID)
					if errors.Is(err, service.ErrDuplicateJob) {
						opts.logger.Info("skipping file with an active job", "file", path)
						continue
					}
					if err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", path, err))
						continue
					}
					queued = append(queued, job)
				}
				if err := renderJobs(cmd, opts.output, queued); err != nil {
					return err
				}
				return errors.Join(errs...)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id recorded on the jobs")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue length and the job in progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				status, err := rt.service.GetQueueStatus(ctx)
				if err != nil {
					return fmt.Errorf("queue status: %w", err)
				}
				limit, _ := rt.service.RateLimitStatus(ctx)
				view := struct {
					domain.QueueStatus
					RateLimit any `json:"rate_limit"`
				}{QueueStatus: status, RateLimit: limit}

				return render(cmd.OutOrStdout(), opts.output, view, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "QUEUED\t%d\n", status.QueueLength)
					if status.CurrentJob == nil {
						fmt.Fprintf(tw, "PROCESSING\t-\n")
					} else {
						job := status.CurrentJob
						fmt.Fprintf(tw, "PROCESSING\t%s (%s) %d%% %s\n", job.FileName, job.ID, job.Progress, job.ProgressMessage)
					}
					fmt.Fprintf(tw, "VERIFICATIONS\t%d/%d this hour\n", limit.CurrentCount, limit.Limit)
				})
			})
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				jobs, err := rt.service.GetJobHistory(ctx, limit)
				if err != nil {
					return fmt.Errorf("list jobs: %w", err)
				}
				return renderJobs(cmd, opts.output, jobs)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max results")
	return cmd
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or processing job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				cancelled, err := rt.service.CancelJob(ctx, args[0])
				if err != nil {
					return fmt.Errorf("cancel job: %w", err)
				}
				result := map[string]any{"job_id": args[0], "cancelled": cancelled}
				return render(cmd.OutOrStdout(), opts.output, result, func(tw *tabwriter.Writer) {
					if cancelled {
						fmt.Fprintf(tw, "Cancelled job %s\n", args[0])
					} else {
						fmt.Fprintf(tw, "Job %s already finished\n", args[0])
					}
				})
			})
		},
	}
}

func newClearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Cancel every queued job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				cleared, err := rt.service.ClearQueue(ctx)
				if err != nil {
					return fmt.Errorf("clear queue: %w", err)
				}
				return render(cmd.OutOrStdout(), opts.output, map[string]int{"cleared": cleared}, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "Cleared %d queued job(s)\n", cleared)
				})
			})
		},
	}
}

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Fail interrupted jobs and requeue queued jobs missing from the queue",
		Long: `Reconcile repairs state after a crash. Jobs left processing for longer than
the job timeout are failed and their files removed; newer ones belong to a live
consumer and are left alone. Queued jobs absent from the queue are pushed again
in creation order. "intake serve" runs this on start.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				report, err := rt.manager.Reconcile(ctx)
				if err != nil {
					return fmt.Errorf("reconcile: %w", err)
				}
				return render(cmd.OutOrStdout(), opts.output, report, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "INTERRUPTED\t%d\n", report.Interrupted)
					fmt.Fprintf(tw, "REQUEUED\t%d\n", report.Requeued)
					fmt.Fprintf(tw, "ACTIVE\t%d\n", report.Active)
				})
			})
		},
	}
}

func renderJobs(cmd *cobra.Command, format string, jobs []*domain.Job) error {
	return render(cmd.OutOrStdout(), format, jobs, func(tw *tabwriter.Writer) {
		if len(jobs) == 0 {
			fmt.Fprintln(tw, "No jobs found.")
			return
		}
		fmt.Fprintln(tw, "ID\tFILE\tTAG\tSTATUS\tPROGRESS\tCREATED")
		for _, job := range jobs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d%%\t%s\n",
				job.ID, job.FileName, job.Tag, job.Status, job.Progress,
				job.CreatedAt.Local().Format(time.DateTime))
		}
	})
}
