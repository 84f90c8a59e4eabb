package sweepctl

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/timmy/mailtriage/internal/domain"
)

// Watch polls a job until it leaves the active statuses, rendering chunk progress to out.
func Watch(ctx context.Context, c *Client, jobID string, interval time.Duration, out io.Writer) (*domain.JobStatusSummary, error) {
	status, err := c.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}

	total := status.ChunksTotal
	if total <= 0 {
		total = -1
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("job "+jobID),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(out) }),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		bar.Describe(fmt.Sprintf("job %s [%s] %d emails", jobID, status.Status, status.EmailsProcessed))
		if err := bar.Set(status.ChunksCompleted); err != nil {
			return nil, err
		}
		if !status.Status.IsActive() {
			if status.Status == domain.JobStatusCompleted {
				bar.Finish()
			} else {
				fmt.Fprintln(out)
			}
			return status, nil
		}

		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return status, ctx.Err()
		case <-ticker.C:
		}

		if status, err = c.Status(ctx, jobID); err != nil {
			return nil, err
		}
	}
}
