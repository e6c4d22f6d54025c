package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"edensetup/internal/setup"
)

type deployFlags struct {
	name          string
	webServer     string
	databaseType  string
	dbPassword    string
	distro        string
	template      string
	prepop        string
	prepopOptions []string
	hostname      string
	sitename      string
}

func (f *deployFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "instance name")
	cmd.Flags().StringVar(&f.webServer, "web-server", "", "web server: apache|cherokee")
	cmd.Flags().StringVar(&f.databaseType, "database-type", "", "database: postgresql|mysql")
	cmd.Flags().StringVar(&f.dbPassword, "db-password", "", "database password")
	cmd.Flags().StringVar(&f.distro, "distro", "", "target distribution")
	cmd.Flags().StringVar(&f.template, "template", "default", "Eden template")
	cmd.Flags().StringVar(&f.prepop, "prepop", "prod", "instance kind: prod|test|demo|none")
	cmd.Flags().StringSliceVar(&f.prepopOptions, "prepop-option", nil, "prepopulate option, repeatable")
	cmd.Flags().StringVar(&f.hostname, "hostname", "", "hostname to configure")
	cmd.Flags().StringVar(&f.sitename, "sitename", "", "public site name")
	_ = cmd.MarkFlagRequired("web-server")
	_ = cmd.MarkFlagRequired("database-type")
}

func (f *deployFlags) request() setup.DeployRequest {
	return setup.DeployRequest{
		Name:          f.name,
		WebServer:     f.webServer,
		DatabaseType:  f.databaseType,
		DBPassword:    f.dbPassword,
		Distro:        f.distro,
		Template:      f.template,
		Prepop:        f.prepop,
		PrepopOptions: f.prepopOptions,
		Hostname:      f.hostname,
		Sitename:      f.sitename,
	}
}

func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Schedule an Eden deployment",
	}
	cmd.AddCommand(newDeployLocalCmd())
	cmd.AddCommand(newDeployRemoteCmd())
	return cmd
}

func newDeployLocalCmd() *cobra.Command {
	var f deployFlags
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Deploy onto this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := f.request()
			req.Local = true
			return runDeploy(cmd, req, "")
		},
	}
	f.bind(cmd)
	return cmd
}

func newDeployRemoteCmd() *cobra.Command {
	var (
		f       deployFlags
		host    string
		user    string
		keyFile string
	)
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Deploy onto a remote host over SSH",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := f.request()
			req.Host = host
			req.RemoteUser = user
			return runDeploy(cmd, req, keyFile)
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&host, "host", "", "target host address")
	cmd.Flags().StringVar(&user, "user", "", "remote SSH user")
	cmd.Flags().StringVar(&keyFile, "key", "", "private key file; copied into the upload directory")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func runDeploy(cmd *cobra.Command, req setup.DeployRequest, keyFile string) error {
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

	if keyFile != "" {
		name, err := storeKeyFile(svc, keyFile)
		if err != nil {
			return err
		}
		req.PrivateKey = name
	}

	d, err := svc.Deploy(ctx, req)
	if err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(cmd.OutOrStdout(), redacted(d))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Scheduled deployment %d (job %s)\n", d.ID, d.JobID)
	fmt.Fprintf(cmd.OutOrStdout(), "Follow it with: edensetup status %d\n", d.ID)
	return nil
}

func storeKeyFile(svc *setup.Service, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open key: %w", err)
	}
	defer f.Close()
	return svc.StoreKey(filepath.Base(path), f)
}
