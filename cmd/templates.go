package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"edensetup/internal/setup"
	"edensetup/pkg/logging"
)

func newTemplatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates [template]",
		Short: "List Eden templates, or one template's prepopulate options",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(logging.NewDiscardLogger())
			if err != nil {
				return err
			}

			var names []string
			if len(args) == 0 {
				names, err = setup.Templates(cfg.Paths.Templates)
			} else {
				names, err = setup.PrepopOptions(cfg.Paths.Templates, args[0])
			}
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(cmd.OutOrStdout(), names)
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
	return cmd
}

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage uploaded SSH private keys",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <file>",
		Short: "Copy a private key into the upload directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(logging.NewDiscardLogger())
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open key: %w", err)
			}
			defer f.Close()

			keys := setup.NewKeyStore(cfg.Paths.Uploads)
			name, err := keys.Store(filepath.Base(args[0]), f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored key %s at %s\n", name, keys.Path(name))
			return nil
		},
	})
	return cmd
}
