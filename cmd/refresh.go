package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <deployment-id>",
		Short: "Probe a deployment's host and update its package versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
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

			res, err := svc.Refresh(ctx, id)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Refreshed deployment %d\n", res.DeploymentID)
			fmt.Fprintf(out, "  new packages:     %d\n", len(res.Plan.New))
			fmt.Fprintf(out, "  upgradable:       %s\n", color.YellowString("%d", len(res.Plan.Upgrade)))
			fmt.Fprintf(out, "  now up to date:   %d\n", len(res.Plan.UpToDate))
			return nil
		},
	}
}
