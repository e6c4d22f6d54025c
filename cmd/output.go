package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"edensetup/internal/store"
)

func jsonOutput() bool { return output == "json" }

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// statusColor paints a job status: green when done, red when failed,
// yellow while pending.
func statusColor(s store.JobStatus) string {
	label := string(s)
	if label == "" {
		label = "UNKNOWN"
	}
	switch s {
	case store.StatusCompleted:
		return color.GreenString(label)
	case store.StatusFailed:
		return color.RedString(label)
	default:
		return color.YellowString(label)
	}
}

// redacted drops the database password before a deployment is printed.
func redacted(d *store.Deployment) store.Deployment {
	out := *d
	out.DBPassword = ""
	return out
}

func printDeployment(w io.Writer, d *store.Deployment) {
	fmt.Fprintf(w, "Deployment %d: %s\n", d.ID, statusColor(d.JobStatus))
	fmt.Fprintf(w, "  host:      %s (%s)\n", d.Host, d.Connection)
	fmt.Fprintf(w, "  software:  %s + %s\n", d.WebServer, d.DatabaseType)
	fmt.Fprintf(w, "  template:  %s\n", d.Template)
	fmt.Fprintf(w, "  prepop:    %s", d.Prepop)
	if d.DemoPhase != "" && d.DemoPhase != "none" {
		fmt.Fprintf(w, " (%s)", d.DemoPhase)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  job:       %s\n", d.JobID)
	if d.LastRefreshed.Valid {
		fmt.Fprintf(w, "  refreshed: %s\n", d.LastRefreshed.Time.Format(time.RFC3339))
	}
}
