package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"edensetup/internal/store"
)

func newUpgradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "List and apply package upgrades on a deployment",
	}
	cmd.AddCommand(newUpgradeListCmd())
	cmd.AddCommand(newUpgradeApplyCmd())
	cmd.AddCommand(newUpgradeStatusCmd())
	return cmd
}

func newUpgradeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <deployment-id>",
		Short: "List packages with a newer version available",
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

			pkgs, err := svc.ListUpgradable(ctx, id)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(cmd.OutOrStdout(), pkgs)
			}
			if len(pkgs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("Everything is up to date"))
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTYPE\tCURRENT\tAVAILABLE")
			for _, p := range pkgs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Type, p.CV, p.AV)
			}
			return tw.Flush()
		},
	}
}

func newUpgradeApplyCmd() *cobra.Command {
	var ids []int64
	cmd := &cobra.Command{
		Use:   "apply <deployment-id>",
		Short: "Schedule an upgrade of the selected packages",
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

			u, err := svc.SubmitUpgrade(ctx, id, ids)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(cmd.OutOrStdout(), u)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scheduled upgrade %d for deployment %d (job %s)\n", u.ID, u.DeploymentID, u.JobID)
			return nil
		},
	}
	cmd.Flags().Int64SliceVar(&ids, "package", nil, "package id to upgrade, repeatable")
	_ = cmd.MarkFlagRequired("package")
	return cmd
}

func newUpgradeStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <deployment-id>",
		Short: "Show the latest upgrade of a deployment",
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

			st, err := svc.UpgradeStatus(ctx, id)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(cmd.OutOrStdout(), st)
			}
			msg := st.Message
			switch st.Upgrade.JobStatus {
			case store.StatusCompleted:
				msg = color.GreenString(msg)
			case store.StatusFailed:
				msg = color.RedString(msg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Upgrade %d (job %s): %s\n", st.Upgrade.ID, st.Upgrade.JobID, msg)
			return nil
		},
	}
}
