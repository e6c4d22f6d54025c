package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid deployment id %q", arg)
	}
	return id, nil
}

func newStatusCmd() *cobra.Command {
	var (
		showLog bool
		tail    int
	)
	cmd := &cobra.Command{
		Use:   "status [deployment-id]",
		Short: "List deployments or show one deployment's progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, "edensetup-cli")
			if err != nil {
				return err
			}
			defer a.Close()
			svc, err := a.service(nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				ds, err := svc.List(ctx)
				if err != nil {
					return err
				}
				if jsonOutput() {
					views := make([]any, 0, len(ds))
					for i := range ds {
						views = append(views, redacted(&ds[i]))
					}
					return printJSON(out, views)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tHOST\tPREPOP\tTEMPLATE\tSTATUS")
				for _, d := range ds {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", d.ID, d.Host, d.Prepop, d.Template, statusColor(d.JobStatus))
				}
				return tw.Flush()
			}

			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			st, err := svc.Status(ctx, id)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(out, map[string]any{
					"deployment": redacted(st.Deployment),
					"run_output": st.Job.RunOutput,
					"traceback":  st.Job.Traceback,
				})
			}
			printDeployment(out, st.Deployment)
			if st.Job.Traceback != "" {
				fmt.Fprintf(out, "  error:     %s\n", st.Job.Traceback)
			}

			switch {
			case showLog:
				body, err := a.logs.Read(st.Job.TaskName)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "\n%s\n", body)
			case tail > 0:
				lines, err := a.logs.Tail(st.Job.TaskName, tail)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "\n%s\n", lines)
			case st.Job.RunOutput != "":
				fmt.Fprintf(out, "\n%s\n", st.Job.RunOutput)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showLog, "log", false, "print the full execution log")
	cmd.Flags().IntVar(&tail, "tail", 0, "print the last N lines of the execution log")
	return cmd
}
