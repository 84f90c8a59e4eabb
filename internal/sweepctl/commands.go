package sweepctl

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/timmy/mailtriage/internal/batch"
)

// NewRootCommand builds the sweepctl command tree. Settings come from flags,
// then SWEEPCTL_* environment variables, then defaults.
func NewRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("sweepctl")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("api-url", "http://localhost:8080")
	v.SetDefault("timeout", "30s")

	rootCmd := &cobra.Command{
		Use:           "sweepctl",
		Short:         "Start, inspect and control mailbox batch sweeps",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("api-url", "", "Base URL of the mailtriage API (env SWEEPCTL_API_URL)")
	rootCmd.PersistentFlags().Duration("timeout", 0, "Request timeout")
	v.BindPFlag("api-url", rootCmd.PersistentFlags().Lookup("api-url"))
	v.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))

	client := func() *Client {
		return NewClient(v.GetString("api-url"), v.GetDuration("timeout"))
	}

	rootCmd.AddCommand(
		newStartCmd(client),
		newPlanCmd(client),
		newStatusCmd(client),
		newLatestCmd(client),
		newPauseCmd(client),
		newResumeCmd(client),
		newWatchCmd(client),
	)
	return rootCmd
}

func addRangeFlags(cmd *cobra.Command) {
	cmd.Flags().String("start", "", "First day to sweep, YYYY-MM-DD")
	cmd.Flags().String("end", "", "Day after the last day to sweep, YYYY-MM-DD (default today)")
	cmd.Flags().Int("chunk-months", 0, "Months per chunk (default server setting)")
	cmd.Flags().Int("chunk-size", 0, "Max emails per chunk (default server setting)")
	cmd.MarkFlagRequired("start")
}

func rangeRequest(cmd *cobra.Command) batch.StartRequest {
	start, _ := cmd.Flags().GetString("start")
	end, _ := cmd.Flags().GetString("end")
	months, _ := cmd.Flags().GetInt("chunk-months")
	size, _ := cmd.Flags().GetInt("chunk-size")
	return batch.StartRequest{StartDate: start, EndDate: end, ChunkMonths: months, ChunkSize: size}
}

func newStartCmd(client func() *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a batch sweep over a date range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().Start(cmd.Context(), rangeRequest(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started job %s: %d chunks, status %s\n", res.JobID, res.ChunksTotal, res.Status)
			return nil
		},
	}
	addRangeFlags(cmd)
	return cmd
}

func newPlanCmd(client func() *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the chunks and worst-case cost of a sweep without starting it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := client().Plan(cmd.Context(), rangeRequest(cmd))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Range %s to %s, %d months per chunk, %d emails per chunk\n",
				plan.StartDate, plan.EndDate, plan.ChunkMonths, plan.ChunkSize)
			for i, r := range plan.Ranges {
				fmt.Fprintf(out, "  %3d  %s\n", i+1, r)
			}
			fmt.Fprintf(out, "%d chunks, at most %d emails, at most $%.2f\n",
				plan.ChunksTotal, plan.MaxEmails, plan.MaxEstimatedCost)
			return nil
		},
	}
	addRangeFlags(cmd)
	return cmd
}

func newStatusCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Print the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

func newLatestCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "latest",
		Short: "Print the status of the most recent job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := client().Latest(cmd.Context())
			if err != nil {
				return err
			}
			if status == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "No batch jobs found")
				return nil
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

func newPauseCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "pause JOB_ID",
		Short: "Pause a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().Pause(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", res.Status, res.Message)
			return nil
		},
	}
}

func newResumeCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "resume JOB_ID",
		Short: "Resume a failed or paused job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", res.Status, res.Message)
			return nil
		},
	}
}

func newWatchCmd(client func() *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [JOB_ID]",
		Short: "Follow a job's progress until it stops",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			jobID := ""
			if len(args) == 1 {
				jobID = args[0]
			} else {
				latest, err := c.Latest(cmd.Context())
				if err != nil {
					return err
				}
				if latest == nil {
					return fmt.Errorf("no batch jobs found")
				}
				jobID = latest.JobID
			}

			interval, _ := cmd.Flags().GetDuration("interval")
			status, err := Watch(cmd.Context(), c, jobID, interval, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s is %s: %d/%d chunks, %d emails, $%.2f\n",
				status.JobID, status.Status, status.ChunksCompleted, status.ChunksTotal,
				status.EmailsProcessed, status.EstimatedCost)
			if status.Error != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Last error: %s\n", *status.Error)
			}
			return nil
		},
	}
	cmd.Flags().Duration("interval", 10*time.Second, "Polling interval")
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
