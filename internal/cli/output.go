package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

func printRun(w io.Writer, run types.JobRun) {
	fmt.Fprintf(w, "Job %s: %s\n", run.JobID, run.Status)
	fmt.Fprintf(w, "  ├─ Total:       %d\n", run.Total)
	fmt.Fprintf(w, "  ├─ Succeeded:   %d\n", run.Succeeded)
	fmt.Fprintf(w, "  ├─ Failed:      %d\n", run.Failed)
	fmt.Fprintf(w, "  ├─ Pending:     %d\n", run.Pending)
	fmt.Fprintf(w, "  ├─ In progress: %d\n", run.InProgress)
	fmt.Fprintf(w, "  ├─ Resumes:     %d\n", run.Resumes)
	if !run.StartedAt.IsZero() {
		fmt.Fprintf(w, "  ├─ Started:     %s\n", run.StartedAt.Format(time.RFC3339))
	}
	if run.EndedAt != nil {
		fmt.Fprintf(w, "  ├─ Ended:       %s\n", run.EndedAt.Format(time.RFC3339))
	}
	if run.Error != "" {
		fmt.Fprintf(w, "  ├─ Error:       %s\n", run.Error)
	}
	fmt.Fprintf(w, "  └─ Failures:    %d\n", len(run.Failures))
	for _, f := range run.Failures {
		fmt.Fprintf(w, "       %s attempts=%d kind=%s: %s\n", f.BatchID, f.Attempts, f.Kind, f.Message)
	}
}

func printRuns(w io.Writer, runs []types.JobRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no jobs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATUS\tTOTAL\tSUCCEEDED\tFAILED\tPENDING")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n", r.JobID, r.Status, r.Total, r.Succeeded, r.Failed, r.Pending)
	}
	tw.Flush()
}
